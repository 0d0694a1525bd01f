// Package config defines the static configuration for the whole controller:
// hardware buses and devices, the service registry, and storage defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root document, normally loaded from a YAML file.
type Config struct {
	System   System             `yaml:"system"`
	Hardware Hardware           `yaml:"hardware"`
	Services map[string]Service `yaml:"services"`
	Storage  Storage            `yaml:"storage"`
}

type System struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// StatusService names the service told to show the boot outcome once
	// startup completes. Empty disables the notification.
	StatusService string `yaml:"status_service"`
}

// Hardware describes bus primitives and the devices attached to them.
type Hardware struct {
	I2C     map[string]I2CBus  `yaml:"i2c"`  // keyed by bus id, e.g. "1"
	UART    map[string]UARTBus `yaml:"uart"` // keyed by bus id, e.g. "1"
	Devices map[string]Device  `yaml:"devices"`
}

type I2CBus struct {
	SDA  int `yaml:"sda"`
	SCL  int `yaml:"scl"`
	Freq int `yaml:"freq"`
}

type UARTBus struct {
	TX       int `yaml:"tx"`
	RX       int `yaml:"rx"`
	Baudrate int `yaml:"baudrate"`
}

// BusRef binds a device to a shared bus primitive.
type BusRef struct {
	Type string `yaml:"type"` // "i2c" or "uart"
	ID   string `yaml:"id"`   // bus id within that type, e.g. "1"
}

// ResourceKey is the mutual-exclusion key for the referenced bus,
// e.g. "i2c_1". Empty when the device is not on a shared bus.
func (r BusRef) ResourceKey() string {
	if r.Type == "" || r.ID == "" {
		return ""
	}
	return r.Type + "_" + r.ID
}

// Device describes one managed device. Driver selects a registered builder;
// the remaining fields are interpreted by that builder.
type Device struct {
	Driver   string         `yaml:"driver"`
	Bus      BusRef         `yaml:"bus"`
	Address  uint8          `yaml:"address"`
	Pin      int            `yaml:"pin"`
	Disabled bool           `yaml:"disabled"`
	Params   map[string]any `yaml:"params"`
}

// Service is one registry entry. Params are decoded by the concrete
// service with Decode.
type Service struct {
	Type               string         `yaml:"type"`
	StartOrder         int            `yaml:"start_order"`
	Autostart          *bool          `yaml:"autostart"`
	Critical           bool           `yaml:"critical"`
	AllowPauseCritical bool           `yaml:"allow_pause_if_critical"`
	InboxSize          int            `yaml:"inbox_size"`
	Params             map[string]any `yaml:"params"`
}

// AutostartOn reports whether the service starts at boot (default true).
func (s Service) AutostartOn() bool { return s.Autostart == nil || *s.Autostart }

type Storage struct {
	Path     string         `yaml:"path"`
	Defaults map[string]any `yaml:"defaults"`
}

const (
	DefaultInboxSize  = 20
	DefaultStartOrder = 100
)

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.LogFormat == "" {
		c.System.LogFormat = "text"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/storage.json"
	}
	for name, svc := range c.Services {
		if svc.InboxSize <= 0 {
			svc.InboxSize = DefaultInboxSize
		}
		if svc.StartOrder == 0 {
			svc.StartOrder = DefaultStartOrder
		}
		if svc.Type == "" {
			svc.Type = name
		}
		c.Services[name] = svc
	}
}

func (c *Config) validate() error {
	for name, dev := range c.Hardware.Devices {
		if dev.Driver == "" {
			return fmt.Errorf("config: device %q has no driver", name)
		}
		if dev.Bus.Type == "i2c" {
			if _, ok := c.Hardware.I2C[dev.Bus.ID]; !ok {
				return fmt.Errorf("config: device %q references unknown i2c bus %q", name, dev.Bus.ID)
			}
		}
		if dev.Bus.Type == "uart" {
			if _, ok := c.Hardware.UART[dev.Bus.ID]; !ok {
				return fmt.Errorf("config: device %q references unknown uart bus %q", name, dev.Bus.ID)
			}
		}
	}
	return nil
}

// Decode maps a free-form params map onto a typed struct.
// Accepts maps, []byte, or strings by marshaling then decoding to T.
func Decode[T any](src any, dst *T) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
