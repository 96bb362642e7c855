// Package network controls the Wi-Fi station link, the provisioning portal
// and clock synchronization.
package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrAssociation is returned when no known network could be joined
var ErrAssociation = errors.New("wifi association failed")

// Runner executes an external command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Station drives one wireless interface through NetworkManager's nmcli
type Station struct {
	iface string
	run   Runner
}

// NewStation creates a station controller for iface
func NewStation(iface string, run Runner) *Station {
	if run == nil {
		run = ExecRunner
	}
	return &Station{iface: iface, run: run}
}

// Interface returns the controlled interface name
func (s *Station) Interface() string {
	return s.iface
}

// Connected reports whether the interface is associated
func (s *Station) Connected(ctx context.Context) bool {
	out, err := s.run(ctx, "nmcli", "-t", "-f", "DEVICE,STATE", "device")
	if err != nil {
		return false
	}
	for _, fields := range terseLines(out) {
		if len(fields) >= 2 && fields[0] == s.iface {
			return fields[1] == "connected"
		}
	}
	return false
}

// Scan returns the SSIDs currently visible, strongest first and deduplicated
func (s *Station) Scan(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "nmcli", "-t", "-f", "SSID", "device", "wifi", "list",
		"ifname", s.iface, "--rescan", "yes")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.iface, err)
	}
	seen := make(map[string]bool)
	var ssids []string
	for _, fields := range terseLines(out) {
		ssid := fields[0]
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		ssids = append(ssids, ssid)
	}
	return ssids, nil
}

// Connect joins ssid. ctx bounds the attempt.
func (s *Station) Connect(ctx context.Context, ssid, password string) error {
	args := []string{"device", "wifi", "connect", ssid, "ifname", s.iface}
	if password != "" {
		args = append(args, "password", password)
	}
	if _, err := s.run(ctx, "nmcli", args...); err != nil {
		return fmt.Errorf("connect %s: %w", ssid, err)
	}
	return nil
}

// StartAccessPoint turns the interface into a provisioning hotspot
func (s *Station) StartAccessPoint(ctx context.Context, ssid, password string) error {
	_, err := s.run(ctx, "nmcli", "device", "wifi", "hotspot",
		"ifname", s.iface, "con-name", hotspotConnection, "ssid", ssid, "password", password)
	if err != nil {
		return fmt.Errorf("start access point: %w", err)
	}
	return nil
}

// StopAccessPoint tears the hotspot down
func (s *Station) StopAccessPoint(ctx context.Context) error {
	if _, err := s.run(ctx, "nmcli", "connection", "down", hotspotConnection); err != nil {
		return fmt.Errorf("stop access point: %w", err)
	}
	return nil
}

const hotspotConnection = "hydro-node-setup"

// terseLines splits nmcli -t output into fields, honoring \: escapes
func terseLines(out []byte) [][]string {
	var lines [][]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var fields []string
		var cur strings.Builder
		escaped := false
		for _, r := range line {
			switch {
			case escaped:
				cur.WriteRune(r)
				escaped = false
			case r == '\\':
				escaped = true
			case r == ':':
				fields = append(fields, cur.String())
				cur.Reset()
			default:
				cur.WriteRune(r)
			}
		}
		fields = append(fields, cur.String())
		lines = append(lines, fields)
	}
	return lines
}
