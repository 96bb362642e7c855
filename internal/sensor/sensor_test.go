package sensor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/r0bb10/hydro-node/internal/telemetry"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestPH(t *testing.T) {
	t.Parallel()

	tests := []struct {
		volts, want float64
	}{
		{0, 14},
		{3.3, 0},
		{1.65, 7},
		{4.0, 0},
	}
	for _, tt := range tests {
		if got := PH(tt.volts, 3.3); !approx(got, tt.want) {
			t.Errorf("PH(%v) = %v, want %v", tt.volts, got, tt.want)
		}
	}
}

func TestEC(t *testing.T) {
	t.Parallel()

	if got := EC(1.7, 25, 1); !approx(got, 10) {
		t.Errorf("EC at half scale = %v, want 10", got)
	}
	if got := EC(5.0, 25, 1); !approx(got, 20) {
		t.Errorf("EC clamps at full scale, got %v", got)
	}
	// 2 %/°C compensation: 35 °C divides by 1.2
	if got := EC(1.7, 35, 1); !approx(got, 10/1.2) {
		t.Errorf("EC compensated = %v", got)
	}
	if got := EC(1.7, 25, 0); !approx(got, 10) {
		t.Errorf("zero calibration should act as 1, got %v", got)
	}
}

func TestECCalibration(t *testing.T) {
	t.Parallel()
	f := ECCalibration(1.7, 12.88)
	if got := EC(1.7, 25, f); !approx(got, 12.88) {
		t.Errorf("calibrated EC = %v, want 12.88", got)
	}
}

func TestTDS(t *testing.T) {
	t.Parallel()

	if got := TDS(0, 25); got != 0 {
		t.Errorf("TDS(0) = %v", got)
	}
	want := (133.42 - 255.86 + 857.39) * 0.5
	if got := TDS(1, 25); !approx(got, want) {
		t.Errorf("TDS(1V) = %v, want %v", got, want)
	}
	if TDS(1, 35) >= TDS(1, 25) {
		t.Error("warmer solution should compensate downwards")
	}
}

func TestMedian(t *testing.T) {
	t.Parallel()

	in := []float64{5, 1, 3}
	if got := Median(in); got != 3 {
		t.Errorf("odd median = %v", got)
	}
	if in[0] != 5 {
		t.Error("Median modified its input")
	}
	if got := Median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("even median = %v", got)
	}
	if got := Median(nil); got != 0 {
		t.Errorf("empty median = %v", got)
	}
}

func TestPulseToCM(t *testing.T) {
	t.Parallel()
	if got := PulseToCM(582 * time.Microsecond); !approx(got, 10) {
		t.Errorf("PulseToCM = %v, want 10", got)
	}
}

func TestDS18B20(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	report := "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n"
	if err := afero.WriteFile(fs, "/w1/28-0000075e1b2c/w1_slave", []byte(report), 0o444); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/w1/w1_bus_master1/uevent", nil, 0o444); err != nil {
		t.Fatal(err)
	}

	d, err := FindDS18B20(fs, "/w1")
	if err != nil {
		t.Fatalf("FindDS18B20: %v", err)
	}
	got, err := d.Temperature()
	if err != nil || !approx(got, 23.125) {
		t.Fatalf("Temperature = %v, %v", got, err)
	}

	if _, err := FindDS18B20(afero.NewMemMapFs(), "/w1"); err == nil {
		t.Fatal("expected error without devices")
	}
}

func TestParseW1SlaveErrors(t *testing.T) {
	t.Parallel()

	for _, report := range []string{
		"",
		"xx : crc=00 NO\nxx t=1000",
		"xx : crc=57 YES\nxx",
		"xx : crc=57 YES\nxx t=abc",
	} {
		if _, err := parseW1Slave(report); err == nil {
			t.Errorf("parseW1Slave(%q) should fail", report)
		}
	}
}

func frameFor(ppm int) []byte {
	f := []byte{0xFF, 0x86, byte(ppm >> 8), byte(ppm), 0x42, 0, 0, 0, 0}
	f[8] = mhz19Checksum(f)
	return f
}

func TestMHZ19Checksum(t *testing.T) {
	t.Parallel()
	if got := mhz19Checksum(mhz19ReadCommand); got != 0x79 {
		t.Fatalf("command checksum = %#x, want 0x79", got)
	}
}

func TestParseMHZ19(t *testing.T) {
	t.Parallel()

	ppm, err := parseMHZ19(frameFor(812))
	if err != nil || ppm != 812 {
		t.Fatalf("parse = %d, %v", ppm, err)
	}

	bad := frameFor(812)
	bad[8]++
	if _, err := parseMHZ19(bad); err == nil {
		t.Error("corrupt checksum accepted")
	}
	if _, err := parseMHZ19([]byte{0xFF, 0x86}); err == nil {
		t.Error("short frame accepted")
	}
}

type fakePort struct {
	written bytes.Buffer
	reply   *bytes.Reader
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Read(b []byte) (int, error)  { return p.reply.Read(b) }

func TestMHZ19PPM(t *testing.T) {
	t.Parallel()

	port := &fakePort{reply: bytes.NewReader(frameFor(650))}
	m := &MHZ19{port: port}
	ppm, err := m.PPM()
	if err != nil || ppm != 650 {
		t.Fatalf("PPM = %d, %v", ppm, err)
	}
	if !bytes.Equal(port.written.Bytes(), mhz19ReadCommand) {
		t.Fatalf("wrote % x", port.written.Bytes())
	}

	empty := &MHZ19{port: &fakePort{reply: bytes.NewReader(nil)}}
	if _, err := empty.PPM(); err == nil {
		t.Fatal("expected timeout error on empty reply")
	}
}

type fakeADC map[int]float64

func (a fakeADC) Voltage(ch int) (float64, error) {
	v, ok := a[ch]
	if !ok {
		return 0, errors.New("no channel")
	}
	return v, nil
}

type fakeThermometer struct {
	t   float64
	err error
}

func (f fakeThermometer) Temperature() (float64, error) { return f.t, f.err }

func TestNutrientSourcesUseSolutionTemperature(t *testing.T) {
	t.Parallel()

	adc := fakeADC{0: 1.65, 1: 1.7, 2: 1.0}
	sources := []telemetry.Source{
		TemperatureSource{Label: "ds18b20", Meter: fakeThermometer{t: 35}},
		TDSSource{ADC: adc, Channel: 2, Samples: 5},
		ECSource{ADC: adc, Channel: 1, Calibration: 1},
		PHSource{ADC: adc, Channel: 0, VRef: 3.3},
	}

	f := telemetry.Frame{}
	for _, s := range sources {
		if err := s.Collect(context.Background(), f); err != nil {
			t.Fatalf("%s: %v", s.Name(), err)
		}
	}

	if f["temperature"] != 35.0 {
		t.Errorf("temperature = %v", f["temperature"])
	}
	if f["ph"] != 7.0 {
		t.Errorf("ph = %v", f["ph"])
	}
	wantEC := telemetry.Round(10/1.2, 2)
	if f["ec_mS"] != wantEC {
		t.Errorf("ec_mS = %v, want %v", f["ec_mS"], wantEC)
	}
	wantTDS := float64(int(TDS(1.0, 35)))
	if f["tds"] != wantTDS {
		t.Errorf("tds = %v, want %v", f["tds"], wantTDS)
	}
	if f["ce"] != telemetry.Round(TDS(1.0, 35)/500, 2) {
		t.Errorf("ce = %v", f["ce"])
	}
}

func TestSourceErrorsWrapErrRead(t *testing.T) {
	t.Parallel()

	src := TemperatureSource{Label: "ds18b20", Meter: fakeThermometer{err: errors.New("crc")}}
	f := telemetry.Frame{}
	err := src.Collect(context.Background(), f)
	if !errors.Is(err, ErrRead) {
		t.Fatalf("err = %v, want ErrRead", err)
	}
	if _, ok := f["temperature"]; ok {
		t.Fatal("failed read left a field behind")
	}
}

func TestECDefaultsTo25WithoutTemperature(t *testing.T) {
	t.Parallel()

	f := telemetry.Frame{}
	if err := (ECSource{ADC: fakeADC{1: 1.7}, Channel: 1}).Collect(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if f["ec_mS"] != 10.0 || f["ec_uS"] != 10000.0 {
		t.Fatalf("frame = %v", f)
	}
}
