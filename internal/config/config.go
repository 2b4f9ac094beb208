// Package config holds the service settings: which logbooks to open, where
// the telemetry comes from and how autofilled values are treated.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"logbook/internal/autofill"
	"logbook/internal/engine"
	"logbook/internal/telemetry"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned together with the defaults when the settings file
// does not exist.
var ErrNotFound = errors.New("settings file not found")

// Config is the top-level configuration loaded from file.
type Config struct {
	Listen   string          `json:"listen" yaml:"listen"`
	LogLevel string          `json:"log_level" yaml:"log_level"`
	Logbooks []LogbookConfig `json:"logbooks" yaml:"logbooks"`
	MQTT     MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Kafka    KafkaConfig     `json:"kafka" yaml:"kafka"`
	NTP      NTPConfig       `json:"ntp" yaml:"ntp"`
	Device   DeviceConfig    `json:"device" yaml:"device"`
	Autofill AutofillConfig  `json:"autofill" yaml:"autofill"`
	Columns  ColumnsConfig   `json:"columns" yaml:"columns"`
}

type LogbookConfig struct {
	Name     string `json:"name" yaml:"name"`
	Filename string `json:"filename" yaml:"filename"`
}

// MQTTConfig is the broker for mqtt:// bindings. An empty broker disables
// the feed.
type MQTTConfig struct {
	Broker    string   `json:"broker" yaml:"broker"`
	Port      int      `json:"port,omitempty" yaml:"port,omitempty"`
	ClientID  string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	KeepAlive Duration `json:"keepalive" yaml:"keepalive"`
}

// KafkaConfig is the cluster for kafka:// bindings. No brokers disables the
// feed.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Group   string   `json:"group,omitempty" yaml:"group,omitempty"`
}

// NTPConfig selects the time server used to stamp records. An empty server
// uses the local clock.
type NTPConfig struct {
	Server  string   `json:"server" yaml:"server"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

type DeviceConfig struct {
	Timeout Duration `json:"timeout" yaml:"timeout"`
	// Rate limits commands per second and device; 0 is unlimited.
	Rate float64 `json:"rate" yaml:"rate"`
	// PollInterval > 0 polls every bound device query in the background.
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

type AutofillConfig struct {
	WindowMarker   string                  `json:"window_marker" yaml:"window_marker"`
	WindowSize     int                     `json:"window_size" yaml:"window_size"`
	WindowScale    float64                 `json:"window_scale" yaml:"window_scale"`
	WindowDigits   int                     `json:"window_digits" yaml:"window_digits"`
	DeviceRounding []autofill.RoundingRule `json:"device_rounding" yaml:"device_rounding"`
}

type ColumnsConfig struct {
	TimeGroups       []string       `json:"time_groups" yaml:"time_groups"`
	TextGroups       []string       `json:"text_groups" yaml:"text_groups"`
	UnitPrecision    map[string]int `json:"unit_precision" yaml:"unit_precision"`
	LabelPrecision   map[string]int `json:"label_precision" yaml:"label_precision"`
	DefaultPrecision int            `json:"default_precision" yaml:"default_precision"`
}

// Default returns built-in defaults.
func Default() Config {
	rules := engine.DefaultKindRules()
	policy := autofill.DefaultPolicy()
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		MQTT: MQTTConfig{
			KeepAlive: Duration(10 * time.Second),
		},
		NTP: NTPConfig{
			Timeout: Duration(2 * time.Second),
		},
		Device: DeviceConfig{
			Timeout: Duration(telemetry.DefaultDeviceTimeout),
			Rate:    20,
		},
		Autofill: AutofillConfig{
			WindowMarker:   "wavemeter",
			WindowSize:     telemetry.DefaultWindowSize,
			WindowScale:    policy.WindowScale,
			WindowDigits:   policy.WindowDigits,
			DeviceRounding: policy.DeviceRounding,
		},
		Columns: ColumnsConfig{
			TimeGroups:       rules.TimeGroups,
			TextGroups:       rules.TextGroups,
			UnitPrecision:    rules.UnitPrecision,
			LabelPrecision:   rules.LabelPrecision,
			DefaultPrecision: rules.DefaultPrecision,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). Keys
// present in the file replace the defaults, the rest keep their default
// value. If path is empty, returns defaults. A missing file returns the
// defaults and an error wrapping ErrNotFound.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Config{}, err
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format given by its extension.
func Save(path string, cfg Config) error {
	var (
		b   []byte
		err error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(cfg)
	default:
		b, err = json.MarshalIndent(cfg, "", "    ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate checks the settings that would otherwise fail late.
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for i, lb := range c.Logbooks {
		if lb.Name == "" || lb.Filename == "" {
			return fmt.Errorf("logbook %d: name and filename are required", i)
		}
		if seen[lb.Name] {
			return fmt.Errorf("logbook %q configured twice", lb.Name)
		}
		seen[lb.Name] = true
	}
	if c.Autofill.WindowSize < 0 {
		return fmt.Errorf("autofill window_size must not be negative")
	}
	if c.Device.Rate < 0 {
		return fmt.Errorf("device rate must not be negative")
	}
	return nil
}

func (c Config) KindRules() engine.KindRules {
	return engine.KindRules{
		TimeGroups:       c.Columns.TimeGroups,
		TextGroups:       c.Columns.TextGroups,
		UnitPrecision:    c.Columns.UnitPrecision,
		LabelPrecision:   c.Columns.LabelPrecision,
		DefaultPrecision: c.Columns.DefaultPrecision,
	}
}

func (c Config) LoadOptions() engine.LoadOptions {
	return engine.LoadOptions{Rules: c.KindRules(), WindowMarker: c.Autofill.WindowMarker}
}

func (c Config) Policy() autofill.Policy {
	return autofill.Policy{
		WindowScale:    c.Autofill.WindowScale,
		WindowDigits:   c.Autofill.WindowDigits,
		DeviceRounding: c.Autofill.DeviceRounding,
	}
}

func (c Config) DeviceOptions() telemetry.DeviceConfig {
	return telemetry.DeviceConfig{Timeout: time.Duration(c.Device.Timeout), Rate: c.Device.Rate}
}

func (c Config) MQTTOptions() telemetry.MQTTConfig {
	return telemetry.MQTTConfig{
		Broker:    c.MQTT.Broker,
		Port:      c.MQTT.Port,
		ClientID:  c.MQTT.ClientID,
		KeepAlive: time.Duration(c.MQTT.KeepAlive),
	}
}

func (c Config) KafkaOptions() telemetry.KafkaConfig {
	return telemetry.KafkaConfig{Brokers: c.Kafka.Brokers, Group: c.Kafka.Group}
}
