package sensor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var mhz19ReadCommand = []byte{0xFF, 0x01, 0x86, 0x00, 0x00, 0x00, 0x00, 0x00, 0x79}

// MHZ19 reads CO2 over the sensor's 9600 baud UART protocol
type MHZ19 struct {
	port io.ReadWriter
	mu   sync.Mutex
}

// OpenMHZ19 opens and configures the serial device
func OpenMHZ19(device string) (*MHZ19, io.Closer, error) {
	f, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := configureSerial(int(f.Fd())); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("configure %s: %w", device, err)
	}
	return &MHZ19{port: f}, f, nil
}

// configureSerial sets raw 9600 8N1 with a one second read timeout
func configureSerial(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL | unix.B9600
	t.Ispeed = unix.B9600
	t.Ospeed = unix.B9600
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 10
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

func (m *MHZ19) PPM() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.port.Write(mhz19ReadCommand); err != nil {
		return 0, fmt.Errorf("write command: %w", err)
	}
	frame := make([]byte, 9)
	if _, err := io.ReadFull(m.port, frame); err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	return parseMHZ19(frame)
}

// Warmup waits until two consecutive readings are plausible or max elapses
func (m *MHZ19) Warmup(ctx context.Context, max, every time.Duration) {
	deadline := time.Now().Add(max)
	last := -1
	for time.Now().Before(deadline) {
		ppm, err := m.PPM()
		if err == nil && plausibleCO2(ppm) && last >= 0 && plausibleCO2(last) {
			log.Printf("CO2 sensor ready at %d ppm", ppm)
			return
		}
		if err == nil {
			last = ppm
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
	}
	log.Printf("CO2 sensor still warming up after %s, continuing", max)
}

func plausibleCO2(ppm int) bool {
	return ppm >= 400 && ppm <= 5000
}

func mhz19Checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[1:8] {
		sum += b
	}
	return 0xFF - sum + 1
}

func parseMHZ19(frame []byte) (int, error) {
	if len(frame) != 9 || frame[0] != 0xFF || frame[1] != 0x86 {
		return 0, fmt.Errorf("unexpected frame % x", frame)
	}
	if mhz19Checksum(frame) != frame[8] {
		return 0, fmt.Errorf("checksum mismatch in frame % x", frame)
	}
	return int(frame[2])<<8 | int(frame[3]), nil
}
