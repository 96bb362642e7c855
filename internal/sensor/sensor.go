// Package sensor exposes the physical quantities a node can measure and
// turns them into telemetry sources.
package sensor

import (
	"context"
	"errors"
	"fmt"

	"github.com/r0bb10/hydro-node/internal/telemetry"
)

// ErrRead wraps every failure reported by a sensor driver
var ErrRead = errors.New("sensor read failed")

// DefaultTemperature is used for compensation when no solution temperature is known
const DefaultTemperature = 25.0

// Thermometer measures a temperature in °C
type Thermometer interface {
	Temperature() (float64, error)
}

// Climate measures air temperature (°C), relative humidity (%) and pressure (Pa)
type Climate interface {
	Thermometer
	Humidity() (float64, error)
	Pressure() (float64, error)
}

// LightMeter measures illuminance in lux
type LightMeter interface {
	Lux() (float64, error)
}

// CO2Meter measures CO2 concentration in ppm
type CO2Meter interface {
	PPM() (int, error)
}

// VoltageReader samples one analog channel in volts
type VoltageReader interface {
	Voltage(channel int) (float64, error)
}

// Ranger measures a distance in centimeters
type Ranger interface {
	DistanceCM(ctx context.Context) (float64, error)
}

func readErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRead, what, err)
}

// solutionTemperature returns the temperature collected earlier in the frame
func solutionTemperature(f telemetry.Frame) float64 {
	if t, ok := f.Float("temperature"); ok {
		return t
	}
	return DefaultTemperature
}

// ============================================================================
// Sources
// ============================================================================

// TemperatureSource reports "temperature"
type TemperatureSource struct {
	Label string
	Meter Thermometer
}

func (s TemperatureSource) Name() string { return s.Label }

func (s TemperatureSource) Collect(_ context.Context, f telemetry.Frame) error {
	t, err := s.Meter.Temperature()
	if err != nil {
		return readErr("temperature", err)
	}
	f["temperature"] = telemetry.Round(t, 2)
	return nil
}

// ClimateSource reports "temperature", "humidity" and "atmospheric_pressure" (hPa)
type ClimateSource struct {
	Meter Climate
}

func (s ClimateSource) Name() string { return "bme280" }

func (s ClimateSource) Collect(_ context.Context, f telemetry.Frame) error {
	t, err := s.Meter.Temperature()
	if err != nil {
		return readErr("temperature", err)
	}
	h, err := s.Meter.Humidity()
	if err != nil {
		return readErr("humidity", err)
	}
	p, err := s.Meter.Pressure()
	if err != nil {
		return readErr("pressure", err)
	}
	f["temperature"] = telemetry.Round(t, 2)
	f["humidity"] = telemetry.Round(h, 2)
	f["atmospheric_pressure"] = telemetry.Round(p/100, 2)
	return nil
}

// LightSource reports "luminosity"
type LightSource struct {
	Meter LightMeter
}

func (s LightSource) Name() string { return "bh1750" }

func (s LightSource) Collect(_ context.Context, f telemetry.Frame) error {
	lux, err := s.Meter.Lux()
	if err != nil {
		return readErr("luminosity", err)
	}
	f["luminosity"] = telemetry.Round(lux, 2)
	return nil
}

// CO2Source reports "co2"
type CO2Source struct {
	Meter CO2Meter
}

func (s CO2Source) Name() string { return "mhz19" }

func (s CO2Source) Collect(_ context.Context, f telemetry.Frame) error {
	ppm, err := s.Meter.PPM()
	if err != nil {
		return readErr("co2", err)
	}
	f["co2"] = ppm
	return nil
}

// LevelSource reports the ranger distance as "level"
type LevelSource struct {
	Meter Ranger
}

func (s LevelSource) Name() string { return "hcsr04" }

func (s LevelSource) Collect(ctx context.Context, f telemetry.Frame) error {
	d, err := s.Meter.DistanceCM(ctx)
	if err != nil {
		return readErr("level", err)
	}
	f["level"] = telemetry.Round(d, 2)
	return nil
}

// PHSource reports "ph"
type PHSource struct {
	ADC     VoltageReader
	Channel int
	VRef    float64
}

func (s PHSource) Name() string { return "ph" }

func (s PHSource) Collect(_ context.Context, f telemetry.Frame) error {
	v, err := s.ADC.Voltage(s.Channel)
	if err != nil {
		return readErr("ph", err)
	}
	f["ph"] = telemetry.Round(PH(v, s.VRef), 2)
	return nil
}

// ECSource reports "ec_mS" and "ec_uS", compensated by the frame temperature
type ECSource struct {
	ADC         VoltageReader
	Channel     int
	Calibration float64
}

func (s ECSource) Name() string { return "ec" }

func (s ECSource) Collect(_ context.Context, f telemetry.Frame) error {
	v, err := s.ADC.Voltage(s.Channel)
	if err != nil {
		return readErr("ec", err)
	}
	ms := EC(v, solutionTemperature(f), s.Calibration)
	f["ec_mS"] = telemetry.Round(ms, 2)
	f["ec_uS"] = telemetry.Round(ms*1000, 0)
	return nil
}

// TDSSource reports "tds" (ppm) and the derived "ce" (mS/cm) from the median
// of Samples readings
type TDSSource struct {
	ADC     VoltageReader
	Channel int
	Samples int
	VRef    float64
	Spacing func(context.Context) error // waits between samples; nil means none
}

func (s TDSSource) Name() string { return "tds" }

func (s TDSSource) Collect(ctx context.Context, f telemetry.Frame) error {
	n := s.Samples
	if n < 1 {
		n = 1
	}
	volts := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v, err := s.ADC.Voltage(s.Channel)
		if err != nil {
			return readErr("tds", err)
		}
		volts = append(volts, v)
		if s.Spacing != nil {
			if err := s.Spacing(ctx); err != nil {
				return err
			}
		}
	}
	tds := TDS(Median(volts), solutionTemperature(f))
	f["tds"] = float64(int(tds))
	f["ce"] = telemetry.Round(tds/500, 2)
	return nil
}
