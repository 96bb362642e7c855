// Package store persists the few scalars a node keeps across restarts:
// the sampling interval, the timezone offset and the known Wi-Fi networks.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// File names inside the storage directory
const (
	IntervalFile    = "interval.conf"
	TimezoneFile    = "timezone.conf"
	CredentialsFile = "wifi.dat"
)

// Defaults used when a file is absent or unreadable
const (
	DefaultInterval = 5
	DefaultTimezone = "+00:00"
	MinInterval     = 1
	MaxInterval     = 86400
)

// Credential is one known Wi-Fi network
type Credential struct {
	SSID     string
	Password string
}

// Store reads and writes the persisted scalars under one directory
type Store struct {
	fs  afero.Fs
	dir string
}

// New creates a store rooted at dir on fs
func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// NewOS creates a store on the host filesystem, creating dir if needed
func NewOS(dir string) (*Store, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return New(fs, dir), nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// write replaces name atomically via a temp file and rename
func (s *Store) write(name string, data []byte) error {
	tmp := s.path(name + ".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, s.path(name)); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) read(name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// LoadInterval returns the persisted sampling interval in seconds.
// A missing, corrupt or out-of-range value yields DefaultInterval.
func (s *Store) LoadInterval() int {
	data, err := s.read(IntervalFile)
	if err != nil {
		return DefaultInterval
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < MinInterval || n > MaxInterval {
		return DefaultInterval
	}
	return n
}

// SaveInterval persists the sampling interval as an integer string
func (s *Store) SaveInterval(seconds int) error {
	return s.write(IntervalFile, []byte(strconv.Itoa(seconds)))
}

// LoadTimezone returns the persisted "+HH:MM" offset, or DefaultTimezone
func (s *Store) LoadTimezone() string {
	data, err := s.read(TimezoneFile)
	if err != nil {
		return DefaultTimezone
	}
	tz := strings.TrimSpace(string(data))
	if tz == "" {
		return DefaultTimezone
	}
	return tz
}

// SaveTimezone persists the UTC offset string
func (s *Store) SaveTimezone(offset string) error {
	return s.write(TimezoneFile, []byte(offset))
}

// LoadCredentials returns the known networks in file order.
// A missing file is an empty list, not an error.
func (s *Store) LoadCredentials() ([]Credential, error) {
	data, err := s.read(CredentialsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var creds []Credential
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		ssid, password, ok := strings.Cut(line, ";")
		if !ok || ssid == "" {
			continue
		}
		creds = append(creds, Credential{SSID: ssid, Password: password})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", CredentialsFile, err)
	}
	return creds, nil
}

// SaveCredentials replaces the known networks with creds
func (s *Store) SaveCredentials(creds []Credential) error {
	var buf bytes.Buffer
	for _, c := range creds {
		fmt.Fprintf(&buf, "%s;%s\n", c.SSID, c.Password)
	}
	return s.write(CredentialsFile, buf.Bytes())
}

// AddCredential stores c, replacing the password of an existing SSID
func (s *Store) AddCredential(c Credential) error {
	creds, err := s.LoadCredentials()
	if err != nil {
		return err
	}
	replaced := false
	for i := range creds {
		if creds[i].SSID == c.SSID {
			creds[i].Password = c.Password
			replaced = true
		}
	}
	if !replaced {
		creds = append(creds, c)
	}
	return s.SaveCredentials(creds)
}

// EraseCredentials removes all known networks
func (s *Store) EraseCredentials() error {
	err := s.fs.Remove(s.path(CredentialsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", CredentialsFile, err)
	}
	return nil
}
