package netsim

import "github.com/pkg/errors"

// Defaults match the reference tuning for a loopback deployment.
const (
	DefaultBandwidthBPS = 100_000_000
	DefaultLatencyMS    = 20
	DefaultNICSlots     = 256
	DefaultWireBytes    = 16 << 20
	DefaultNetRetryMS   = 5
)

// Config tunes the simulated channel. The zero value is usable after
// ApplyDefaults; all perturbation rates default to zero.
type Config struct {
	// BandwidthBPS is the wire serialization rate. Zero disables the
	// per-packet serialization stall.
	BandwidthBPS int64 `mapstructure:"bandwidth_bps"`
	// LatencyMS is the simulated round-trip latency. Each wire hop
	// enforces half of it.
	LatencyMS int64 `mapstructure:"latency_ms"`
	// NICSlots is the packet capacity of each NIC staging ring.
	NICSlots int `mapstructure:"nic_slots"`
	// WireBytes is the data arena capacity of each wire ring.
	WireBytes int `mapstructure:"wire_bytes"`
	// WireSlots is the metadata slot count of each wire ring. Zero derives
	// it from WireBytes at one slot per kilobyte.
	WireSlots int `mapstructure:"wire_slots"`

	DropRatePct      int  `mapstructure:"drop_rate_pct"`
	DuplicateRatePct int  `mapstructure:"duplicate_rate_pct"`
	CorruptRatePct   int  `mapstructure:"corrupt_rate_pct"`
	ReorderEnabled   bool `mapstructure:"reorder_enabled"`

	// Seed feeds the perturbation PRNGs so runs are reproducible.
	Seed int64 `mapstructure:"seed"`
	// NetRetryMS caps every simulator wait so drops and shutdown are
	// detected promptly.
	NetRetryMS int64 `mapstructure:"net_retry_ms"`
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.BandwidthBPS == 0 {
		c.BandwidthBPS = DefaultBandwidthBPS
	}
	if c.LatencyMS == 0 {
		c.LatencyMS = DefaultLatencyMS
	}
	if c.NICSlots == 0 {
		c.NICSlots = DefaultNICSlots
	}
	if c.WireBytes == 0 {
		c.WireBytes = DefaultWireBytes
	}
	if c.WireSlots == 0 {
		c.WireSlots = c.WireBytes / 1024
	}
	if c.NetRetryMS == 0 {
		c.NetRetryMS = DefaultNetRetryMS
	}
}

// Validate rejects configurations the simulator cannot honor.
func (c *Config) Validate() error {
	if c.BandwidthBPS < 0 {
		return errors.Errorf("bandwidth_bps must not be negative, got %d", c.BandwidthBPS)
	}
	if c.LatencyMS < 0 {
		return errors.Errorf("latency_ms must not be negative, got %d", c.LatencyMS)
	}
	if c.NICSlots < DefaultNICSlots {
		return errors.Errorf("nic_slots must be at least %d, got %d", DefaultNICSlots, c.NICSlots)
	}
	if c.WireBytes <= 0 || c.WireSlots <= 0 {
		return errors.Errorf("wire capacity must be positive, got %d bytes / %d slots", c.WireBytes, c.WireSlots)
	}
	for _, rate := range []struct {
		name string
		pct  int
	}{
		{"drop_rate_pct", c.DropRatePct},
		{"duplicate_rate_pct", c.DuplicateRatePct},
		{"corrupt_rate_pct", c.CorruptRatePct},
	} {
		if rate.pct < 0 || rate.pct > 100 {
			return errors.Errorf("%s must be within 0..100, got %d", rate.name, rate.pct)
		}
	}
	return nil
}
