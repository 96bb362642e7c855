package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Node kinds
const (
	KindActuator      = "actuator"
	KindEnvironmental = "environmental"
	KindNutrient      = "nutrient"
)

// Restart modes
const (
	RestartExit   = "exit"
	RestartReboot = "reboot"
)

// EnvPrefix is the prefix for environment overrides (node.code -> NODE_NODE_CODE)
const EnvPrefix = "NODE"

// Config is the root configuration structure
type Config struct {
	Node      NodeConfig    `mapstructure:"node"`
	MQTT      MQTTConfig    `mapstructure:"mqtt"`
	GPIO      GPIOConfig    `mapstructure:"gpio"`
	Relays    []RelayConfig `mapstructure:"relays"`
	Button    ButtonConfig  `mapstructure:"button"`
	StatusLED LEDConfig     `mapstructure:"status_led"`
	Storage   StorageConfig `mapstructure:"storage"`
	Network   NetworkConfig `mapstructure:"network"`
	NTP       NTPConfig     `mapstructure:"ntp"`
	Sensors   SensorsConfig `mapstructure:"sensors"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Restart   RestartConfig `mapstructure:"restart"`
	Loop      LoopConfig    `mapstructure:"loop"`
}

// NodeConfig identifies the device and what it does
type NodeConfig struct {
	Kind      string `mapstructure:"kind"`
	Code      string `mapstructure:"code"`
	CodeField string `mapstructure:"code_field"`
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CAFile         string        `mapstructure:"ca_file"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
	TelemetryTopic string        `mapstructure:"telemetry_topic"`
	CommandTopic   string        `mapstructure:"command_topic"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	InboxSize      int           `mapstructure:"inbox_size"`
}

// GPIOConfig selects the GPIO character device
type GPIOConfig struct {
	Chip string `mapstructure:"chip"`
}

// RelayConfig is one addressable relay output
type RelayConfig struct {
	Name      string `mapstructure:"name"`
	Pin       int    `mapstructure:"pin"`
	ActiveLow *bool  `mapstructure:"active_low"` // nil means active-low
	Enabled   *bool  `mapstructure:"enabled"`
}

// ButtonConfig is the manual reset button
type ButtonConfig struct {
	Enabled   *bool         `mapstructure:"enabled"`
	Pin       int           `mapstructure:"pin"`
	PullUp    bool          `mapstructure:"pull_up"`
	ActiveLow bool          `mapstructure:"active_low"`
	Hold      time.Duration `mapstructure:"hold"`
}

// LEDConfig is the optional connectivity indicator
type LEDConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Pin       int  `mapstructure:"pin"`
	ActiveLow bool `mapstructure:"active_low"`
}

// StorageConfig locates the persisted scalars
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// NetworkConfig configures station association and the provisioning portal
type NetworkConfig struct {
	Interface         string        `mapstructure:"interface"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	APSSID            string        `mapstructure:"ap_ssid"`
	APPassword        string        `mapstructure:"ap_password"`
	PortalAddr        string        `mapstructure:"portal_addr"`
	PortalOnReconnect bool          `mapstructure:"portal_on_reconnect"`
}

// NTPConfig configures the best-effort clock sync
type NTPConfig struct {
	Server  string        `mapstructure:"server"`
	Retries int           `mapstructure:"retries"`
	Timeout time.Duration `mapstructure:"timeout"`
	Delay   time.Duration `mapstructure:"delay"`
}

// SensorsConfig lists the physical sensors a node may carry
type SensorsConfig struct {
	I2CBus     int              `mapstructure:"i2c_bus"`
	BME280     I2CDeviceConfig  `mapstructure:"bme280"`
	BH1750     I2CDeviceConfig  `mapstructure:"bh1750"`
	MHZ19      MHZ19Config      `mapstructure:"mhz19"`
	DS18B20    DS18B20Config    `mapstructure:"ds18b20"`
	ADC        ADCConfig        `mapstructure:"adc"`
	Ultrasonic UltrasonicConfig `mapstructure:"ultrasonic"`
}

// I2CDeviceConfig is a sensor on the I2C bus
type I2CDeviceConfig struct {
	Enabled *bool `mapstructure:"enabled"`
	Address int   `mapstructure:"address"`
}

// MHZ19Config is the UART CO2 sensor
type MHZ19Config struct {
	Enabled *bool         `mapstructure:"enabled"`
	Device  string        `mapstructure:"device"`
	Warmup  time.Duration `mapstructure:"warmup"`
}

// DS18B20Config is the 1-Wire solution thermometer
type DS18B20Config struct {
	Enabled *bool  `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// ADCConfig is the ADS1115 carrying the pH, EC and TDS probes
type ADCConfig struct {
	Enabled       *bool   `mapstructure:"enabled"`
	Address       int     `mapstructure:"address"`
	PHChannel     int     `mapstructure:"ph_channel"`
	ECChannel     int     `mapstructure:"ec_channel"`
	TDSChannel    int     `mapstructure:"tds_channel"`
	TDSSamples    int     `mapstructure:"tds_samples"`
	ECCalibration float64 `mapstructure:"ec_calibration"`
	VRef          float64 `mapstructure:"vref"`
}

// UltrasonicConfig is the HC-SR04 level ranger
type UltrasonicConfig struct {
	Enabled    *bool         `mapstructure:"enabled"`
	TriggerPin int           `mapstructure:"trigger_pin"`
	EchoPin    int           `mapstructure:"echo_pin"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// RestartConfig selects how a restart request is carried out
type RestartConfig struct {
	Mode string `mapstructure:"mode"`
}

// LoopConfig tunes the cooperative main loop
type LoopConfig struct {
	Tick         time.Duration `mapstructure:"tick"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// IsEnabled checks if an optional item is enabled (nil or true means enabled)
func IsEnabled(enabled *bool) bool {
	return enabled == nil || *enabled
}

// Load reads the configuration file, applies .env and NODE_* overrides, then validates
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.code_field", "device_code")

	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.inbox_size", 8)

	v.SetDefault("gpio.chip", "gpiochip0")

	v.SetDefault("button.pull_up", true)
	v.SetDefault("button.active_low", true)
	v.SetDefault("button.hold", 3*time.Second)

	v.SetDefault("storage.dir", "/var/lib/hydro-node")

	v.SetDefault("network.interface", "wlan0")
	v.SetDefault("network.connect_timeout", 10*time.Second)
	v.SetDefault("network.health_interval", 10*time.Second)
	v.SetDefault("network.ap_ssid", "hydro-node-setup")
	v.SetDefault("network.ap_password", "configureme")
	v.SetDefault("network.portal_addr", ":80")

	v.SetDefault("ntp.server", "pool.ntp.org")
	v.SetDefault("ntp.retries", 5)
	v.SetDefault("ntp.timeout", 5*time.Second)
	v.SetDefault("ntp.delay", 2*time.Second)

	v.SetDefault("sensors.i2c_bus", 1)
	v.SetDefault("sensors.bme280.address", 0x76)
	v.SetDefault("sensors.bh1750.address", 0x23)
	v.SetDefault("sensors.mhz19.device", "/dev/serial0")
	v.SetDefault("sensors.mhz19.warmup", 180*time.Second)
	v.SetDefault("sensors.ds18b20.dir", "/sys/bus/w1/devices")
	v.SetDefault("sensors.adc.address", 0x48)
	v.SetDefault("sensors.adc.ph_channel", 0)
	v.SetDefault("sensors.adc.ec_channel", 1)
	v.SetDefault("sensors.adc.tds_channel", 2)
	v.SetDefault("sensors.adc.tds_samples", 30)
	v.SetDefault("sensors.adc.ec_calibration", 1.0)
	v.SetDefault("sensors.adc.vref", 3.3)
	v.SetDefault("sensors.ultrasonic.timeout", 30*time.Millisecond)

	v.SetDefault("restart.mode", RestartExit)

	v.SetDefault("loop.tick", 100*time.Millisecond)
	v.SetDefault("loop.error_backoff", 5*time.Second)
}

// Validate reports the first configuration problem found
func (c Config) Validate() error {
	switch c.Node.Kind {
	case KindActuator, KindEnvironmental, KindNutrient:
	default:
		return fmt.Errorf("node.kind %q must be one of %s, %s, %s",
			c.Node.Kind, KindActuator, KindEnvironmental, KindNutrient)
	}
	if c.Node.Code == "" {
		return errors.New("node.code is required")
	}
	if c.Node.CodeField == "" {
		return errors.New("node.code_field is required")
	}

	if c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required")
	}
	if c.MQTT.TelemetryTopic == "" || c.MQTT.CommandTopic == "" {
		return errors.New("mqtt.telemetry_topic and mqtt.command_topic are required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS)
	}
	if c.MQTT.InboxSize < 1 {
		return fmt.Errorf("mqtt.inbox_size must be positive, got %d", c.MQTT.InboxSize)
	}

	names := make(map[string]bool)
	pins := make(map[int]string)
	for _, r := range c.Relays {
		if !IsEnabled(r.Enabled) {
			continue
		}
		if r.Name == "" {
			return fmt.Errorf("relay on pin %d has no name", r.Pin)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate relay name %s", r.Name)
		}
		if other, ok := pins[r.Pin]; ok {
			return fmt.Errorf("relays %s and %s share pin %d", other, r.Name, r.Pin)
		}
		names[r.Name] = true
		pins[r.Pin] = r.Name
	}
	if c.Node.Kind == KindActuator && len(names) == 0 {
		return errors.New("actuator node needs at least one enabled relay")
	}

	if c.Storage.Dir == "" {
		return errors.New("storage.dir is required")
	}

	switch c.Restart.Mode {
	case RestartExit, RestartReboot:
	default:
		return fmt.Errorf("restart.mode %q must be %s or %s", c.Restart.Mode, RestartExit, RestartReboot)
	}

	if c.Loop.Tick <= 0 {
		return fmt.Errorf("loop.tick must be positive, got %s", c.Loop.Tick)
	}
	return nil
}
