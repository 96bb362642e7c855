package node

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/afero"
	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/r0bb10/hydro-node/internal/config"
	"github.com/r0bb10/hydro-node/internal/gpio"
	"github.com/r0bb10/hydro-node/internal/sensor"
	"github.com/r0bb10/hydro-node/internal/telemetry"
)

// tdsSpacing is the pause between consecutive TDS samples
const tdsSpacing = 40 * time.Millisecond

// closerFunc adapts a function to io.Closer
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// I2CBus is an opened I2C adaptor
type I2CBus interface {
	i2c.Connector
	Finalize() error
}

// Hardware opens the physical sensor buses. Nil fields disable the
// capabilities that need them.
type Hardware struct {
	GPIO    gpio.Manager
	FS      afero.Fs
	OpenI2C func() (I2CBus, error)
	OpenCO2 func(device string) (*sensor.MHZ19, io.Closer, error)
}

// Capabilities probes the sensors a node kind may carry, once at boot.
// A sensor that fails to initialize is logged and left out.
func Capabilities(ctx context.Context, kind string, cfg config.SensorsConfig, hw Hardware) ([]telemetry.Source, []io.Closer) {
	b := &capabilityBuilder{cfg: cfg, hw: hw}
	switch kind {
	case config.KindEnvironmental:
		b.climate()
		b.light()
		b.co2(ctx)
	case config.KindNutrient:
		b.solutionTemperature()
		b.level()
		b.probes()
	}

	names := make([]string, 0, len(b.sources))
	for _, s := range b.sources {
		names = append(names, s.Name())
	}
	log.Printf("Sensor capabilities: %v", names)
	return b.sources, b.closers
}

type capabilityBuilder struct {
	cfg     config.SensorsConfig
	hw      Hardware
	bus     I2CBus
	busErr  error
	sources []telemetry.Source
	closers []io.Closer
}

func (b *capabilityBuilder) add(s telemetry.Source, c io.Closer) {
	b.sources = append(b.sources, s)
	if c != nil {
		b.closers = append(b.closers, c)
	}
}

// i2c opens the adaptor on first use
func (b *capabilityBuilder) i2c() (I2CBus, error) {
	if b.bus != nil || b.busErr != nil {
		return b.bus, b.busErr
	}
	if b.hw.OpenI2C == nil {
		b.busErr = fmt.Errorf("no I2C adaptor")
		return nil, b.busErr
	}
	b.bus, b.busErr = b.hw.OpenI2C()
	if b.busErr == nil {
		b.closers = append(b.closers, closerFunc(b.bus.Finalize))
	}
	return b.bus, b.busErr
}

func (b *capabilityBuilder) climate() {
	if !config.IsEnabled(b.cfg.BME280.Enabled) {
		return
	}
	bus, err := b.i2c()
	if err != nil {
		log.Printf("Failed to initialize BME280: %v", err)
		return
	}
	d, err := sensor.NewBME280(bus, b.cfg.I2CBus, b.cfg.BME280.Address)
	if err != nil {
		log.Printf("Failed to initialize BME280: %v", err)
		return
	}
	b.add(sensor.ClimateSource{Meter: d}, d)
}

func (b *capabilityBuilder) light() {
	if !config.IsEnabled(b.cfg.BH1750.Enabled) {
		return
	}
	bus, err := b.i2c()
	if err != nil {
		log.Printf("Failed to initialize BH1750: %v", err)
		return
	}
	d, err := sensor.NewBH1750(bus, b.cfg.I2CBus, b.cfg.BH1750.Address)
	if err != nil {
		log.Printf("Failed to initialize BH1750: %v", err)
		return
	}
	b.add(sensor.LightSource{Meter: d}, d)
}

func (b *capabilityBuilder) co2(ctx context.Context) {
	if !config.IsEnabled(b.cfg.MHZ19.Enabled) || b.hw.OpenCO2 == nil {
		return
	}
	d, closer, err := b.hw.OpenCO2(b.cfg.MHZ19.Device)
	if err != nil {
		log.Printf("Failed to initialize MH-Z19: %v", err)
		return
	}
	if b.cfg.MHZ19.Warmup > 0 {
		d.Warmup(ctx, b.cfg.MHZ19.Warmup, 5*time.Second)
	}
	b.add(sensor.CO2Source{Meter: d}, closer)
}

func (b *capabilityBuilder) solutionTemperature() {
	if !config.IsEnabled(b.cfg.DS18B20.Enabled) || b.hw.FS == nil {
		return
	}
	d, err := sensor.FindDS18B20(b.hw.FS, b.cfg.DS18B20.Dir)
	if err != nil {
		log.Printf("Failed to initialize DS18B20: %v", err)
		return
	}
	b.add(sensor.TemperatureSource{Label: "ds18b20", Meter: d}, nil)
}

func (b *capabilityBuilder) level() {
	u := b.cfg.Ultrasonic
	if !config.IsEnabled(u.Enabled) || b.hw.GPIO == nil {
		return
	}
	d, err := sensor.NewUltrasonic(b.hw.GPIO, u.TriggerPin, u.EchoPin, u.Timeout)
	if err != nil {
		log.Printf("Failed to initialize HC-SR04: %v", err)
		return
	}
	b.add(sensor.LevelSource{Meter: d}, nil)
}

// probes adds the analog TDS, pH and EC channels, in that order
func (b *capabilityBuilder) probes() {
	a := b.cfg.ADC
	if !config.IsEnabled(a.Enabled) {
		return
	}
	bus, err := b.i2c()
	if err != nil {
		log.Printf("Failed to initialize ADS1115: %v", err)
		return
	}
	adc, err := sensor.NewADS1115(bus, b.cfg.I2CBus, a.Address)
	if err != nil {
		log.Printf("Failed to initialize ADS1115: %v", err)
		return
	}
	b.closers = append(b.closers, adc)
	b.add(sensor.TDSSource{ADC: adc, Channel: a.TDSChannel, Samples: a.TDSSamples, VRef: a.VRef, Spacing: sleep(tdsSpacing)}, nil)
	b.add(sensor.PHSource{ADC: adc, Channel: a.PHChannel, VRef: a.VRef}, nil)
	b.add(sensor.ECSource{ADC: adc, Channel: a.ECChannel, Calibration: a.ECCalibration}, nil)
}

func sleep(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
}
