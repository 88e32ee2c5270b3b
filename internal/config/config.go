// Package config handles global configuration loading using viper.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/netsim"
	"bitfall.xyz/loopwire/internal/transport"
)

// GlobalConfig is the top-level static configuration. Maps to the
// `loopwire:` root key in YAML.
type GlobalConfig struct {
	Network   netsim.Config    `mapstructure:"network"`
	Transport transport.Config `mapstructure:"transport"`
	Harness   HarnessConfig    `mapstructure:"harness"`
	Log       log.LoggerConfig `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// HarnessConfig drives the application-layer test run.
type HarnessConfig struct {
	// Transmissions is the total number of transmissions to exchange.
	Transmissions int `mapstructure:"transmissions"`
	// Senders is the number of concurrent application threads calling
	// Send.
	Senders int `mapstructure:"senders"`
	// Receivers is the number of wildcard consumer threads.
	Receivers int `mapstructure:"receivers"`
	// MinKB / MaxKB bound the generated transmission sizes.
	MinKB int `mapstructure:"min_kb"`
	MaxKB int `mapstructure:"max_kb"`
	// Seed makes the generated payloads reproducible.
	Seed int64 `mapstructure:"seed"`
	// ReceiveTimeoutMS bounds each wildcard receive.
	ReceiveTimeoutMS int64 `mapstructure:"receive_timeout_ms"`
	// Plot, when set, renders a latency histogram PNG at this path.
	Plot string `mapstructure:"plot"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// configRoot is the wrapper matching the YAML structure `loopwire: ...`.
type configRoot struct {
	Loopwire GlobalConfig `mapstructure:"loopwire"`
}

// Load loads configuration from file. An empty path loads defaults only.
// The YAML file uses `loopwire:` as root key; env vars override via the
// LOOPWIRE_ prefix (e.g., LOOPWIRE_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	// Environment variable overrides. The `loopwire.` key prefix maps to
	// `LOOPWIRE_` in env vars via the key replacer (e.g., key
	// "loopwire.log.level" → env "LOOPWIRE_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg := root.Loopwire

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration. All keys use the
// "loopwire." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Network defaults
	v.SetDefault("loopwire.network.bandwidth_bps", netsim.DefaultBandwidthBPS)
	v.SetDefault("loopwire.network.latency_ms", netsim.DefaultLatencyMS)
	v.SetDefault("loopwire.network.nic_slots", netsim.DefaultNICSlots)
	v.SetDefault("loopwire.network.wire_bytes", netsim.DefaultWireBytes)
	v.SetDefault("loopwire.network.net_retry_ms", netsim.DefaultNetRetryMS)

	// Transport defaults
	v.SetDefault("loopwire.transport.send_deadline_ms", transport.DefaultSendDeadlineMS)
	v.SetDefault("loopwire.transport.packet_wait_ms", transport.DefaultPacketWaitMS)
	v.SetDefault("loopwire.transport.workers", transport.DefaultWorkers)
	v.SetDefault("loopwire.transport.ack_every_packets", transport.DefaultAckEveryPackets)
	v.SetDefault("loopwire.transport.cache_slots", transport.DefaultCacheSlots)

	// Harness defaults
	v.SetDefault("loopwire.harness.transmissions", 32)
	v.SetDefault("loopwire.harness.senders", 4)
	v.SetDefault("loopwire.harness.receivers", 2)
	v.SetDefault("loopwire.harness.min_kb", 1)
	v.SetDefault("loopwire.harness.max_kb", 64)
	v.SetDefault("loopwire.harness.receive_timeout_ms", 60000)

	// Log defaults
	v.SetDefault("loopwire.log.level", "info")
	v.SetDefault("loopwire.log.pattern", "%time [%level] %caller: %msg%n")
	v.SetDefault("loopwire.log.time", "2006-01-02 15:04:05")

	// Metrics defaults
	v.SetDefault("loopwire.metrics.enabled", false)
	v.SetDefault("loopwire.metrics.listen", ":9091")
	v.SetDefault("loopwire.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults, including the latency-relative transport intervals.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	cfg.Network.ApplyDefaults()
	if err := cfg.Network.Validate(); err != nil {
		return err
	}

	cfg.Transport.ApplyDefaults(cfg.Network.LatencyMS)
	if err := cfg.Transport.Validate(); err != nil {
		return err
	}

	h := &cfg.Harness
	if h.Transmissions < 1 {
		return errors.Errorf("harness.transmissions must be at least 1, got %d", h.Transmissions)
	}
	if h.Senders < 1 || h.Receivers < 1 {
		return errors.Errorf("harness needs at least one sender and one receiver, got %d/%d", h.Senders, h.Receivers)
	}
	if h.MinKB < 1 || h.MaxKB < h.MinKB {
		return errors.Errorf("harness sizes must satisfy 1 <= min_kb <= max_kb, got %d..%d", h.MinKB, h.MaxKB)
	}
	if h.ReceiveTimeoutMS < 1 {
		return errors.Errorf("harness.receive_timeout_ms must be positive, got %d", h.ReceiveTimeoutMS)
	}

	if len(cfg.Log.Appenders) == 0 {
		cfg.Log.Appenders = []log.AppenderConfig{{Type: "console"}}
	}

	return nil
}
