package sensor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// DS18B20 reads a 1-Wire thermometer through the w1-therm sysfs interface
type DS18B20 struct {
	fs   afero.Fs
	path string
}

// FindDS18B20 returns the first DS18B20 (family 28) listed under dir
func FindDS18B20(fs afero.Fs, dir string) (*DS18B20, error) {
	matches, err := afero.Glob(fs, filepath.Join(dir, "28-*"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no ds18b20 under %s", dir)
	}
	return &DS18B20{fs: fs, path: filepath.Join(matches[0], "w1_slave")}, nil
}

func (d *DS18B20) Temperature() (float64, error) {
	data, err := afero.ReadFile(d.fs, d.path)
	if err != nil {
		return 0, err
	}
	return parseW1Slave(string(data))
}

// parseW1Slave parses the two-line w1_slave report:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseW1Slave(report string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(report), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("short w1 report")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("w1 crc check failed")
	}
	_, raw, ok := strings.Cut(lines[1], "t=")
	if !ok {
		return 0, fmt.Errorf("w1 report has no temperature")
	}
	milli, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("w1 temperature %q: %w", raw, err)
	}
	return float64(milli) / 1000, nil
}
