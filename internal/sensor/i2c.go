package sensor

import (
	"fmt"

	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"
)

// OpenI2C connects the Raspberry Pi adaptor that carries the I2C sensors
func OpenI2C() (*raspi.Adaptor, error) {
	a := raspi.NewAdaptor()
	if err := a.Connect(); err != nil {
		return nil, fmt.Errorf("connect raspi adaptor: %w", err)
	}
	return a, nil
}

// BME280 reads air temperature, humidity and pressure
type BME280 struct {
	d *i2c.BME280Driver
}

// NewBME280 starts a BME280 at addr on bus
func NewBME280(c i2c.Connector, bus, addr int) (*BME280, error) {
	d := i2c.NewBME280Driver(c, i2c.WithBus(bus), i2c.WithAddress(addr))
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("start bme280 at 0x%02x: %w", addr, err)
	}
	return &BME280{d: d}, nil
}

func (b *BME280) Temperature() (float64, error) {
	v, err := b.d.Temperature()
	return float64(v), err
}

func (b *BME280) Humidity() (float64, error) {
	v, err := b.d.Humidity()
	return float64(v), err
}

func (b *BME280) Pressure() (float64, error) {
	v, err := b.d.Pressure()
	return float64(v), err
}

// Close halts the driver
func (b *BME280) Close() error { return b.d.Halt() }

// BH1750 reads illuminance
type BH1750 struct {
	d *i2c.BH1750Driver
}

// NewBH1750 starts a BH1750 at addr on bus
func NewBH1750(c i2c.Connector, bus, addr int) (*BH1750, error) {
	d := i2c.NewBH1750Driver(c, i2c.WithBus(bus), i2c.WithAddress(addr))
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("start bh1750 at 0x%02x: %w", addr, err)
	}
	return &BH1750{d: d}, nil
}

func (b *BH1750) Lux() (float64, error) {
	v, err := b.d.Lux()
	return float64(v), err
}

// Close halts the driver
func (b *BH1750) Close() error { return b.d.Halt() }

// ADS1115 samples the analog probes
type ADS1115 struct {
	d *i2c.ADS1x15Driver
}

// NewADS1115 starts an ADS1115 at addr on bus
func NewADS1115(c i2c.Connector, bus, addr int) (*ADS1115, error) {
	d := i2c.NewADS1115Driver(c, i2c.WithBus(bus), i2c.WithAddress(addr))
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("start ads1115 at 0x%02x: %w", addr, err)
	}
	return &ADS1115{d: d}, nil
}

func (a *ADS1115) Voltage(channel int) (float64, error) {
	return a.d.ReadWithDefaults(channel)
}

// Close halts the driver
func (a *ADS1115) Close() error { return a.d.Halt() }
