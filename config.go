package blelink

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" as well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScanDefaults are the scan parameters used when StartAsCentral is
// given a zero-valued ScanConfig field.
type ScanDefaults struct {
	Duration      Duration `yaml:"duration"`
	RSSIThreshold int      `yaml:"rssi_threshold"`
	MaxDevices    int      `yaml:"max_devices"`
	DedupWindow   Duration `yaml:"dedup_window"`
}

// Config carries the engine's tunables.
type Config struct {
	// DeviceID stamps outbound protocol messages. Defaults to the
	// advertised local name, or the radio address.
	DeviceID string `yaml:"device_id"`

	// MaxPayload caps encoded packets before MTU budgeting.
	MaxPayload int `yaml:"max_payload"`

	// ConnectTimeout bounds connect attempts that do not set their
	// own.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// AdvRestartBackoff delays an advertising restart after
	// cleanup. The right value is radio-dependent; this replaces a
	// hard-coded restart delay.
	AdvRestartBackoff Duration `yaml:"adv_restart_backoff"`

	Scan ScanDefaults `yaml:"scan"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayload:        256,
		ConnectTimeout:    Duration(DefaultConnectTimeout),
		AdvRestartBackoff: Duration(200 * time.Millisecond),
		Scan: ScanDefaults{
			RSSIThreshold: 0,
			MaxDevices:    DefaultMaxDevices,
			DedupWindow:   Duration(DefaultDedupWindow),
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// scanConfig merges the config defaults into a caller-supplied
// ScanConfig, filling only fields the caller left zero.
func (c Config) scanConfig(sc ScanConfig) ScanConfig {
	if sc.Duration == 0 {
		sc.Duration = c.Scan.Duration.Std()
	}
	if sc.RSSIThreshold == 0 {
		sc.RSSIThreshold = c.Scan.RSSIThreshold
	}
	if sc.MaxDevices == 0 {
		sc.MaxDevices = c.Scan.MaxDevices
	}
	if sc.DedupWindow == 0 {
		sc.DedupWindow = c.Scan.DedupWindow.Std()
	}
	return sc
}
