package transport

import "github.com/pkg/errors"

// Defaults for a loopback deployment at the reference latency.
const (
	DefaultSendDeadlineMS  = 30000
	DefaultPacketWaitMS    = 500
	DefaultWorkers         = 2
	DefaultAckEveryPackets = 16
	DefaultCacheSlots      = 128
)

// Config tunes both engines. RetryIntervalMS and AckIntervalMS default
// relative to the network's simulated latency.
type Config struct {
	// RetryIntervalMS is the pause between sender retransmit passes.
	// Zero derives twice the round-trip latency.
	RetryIntervalMS int64 `mapstructure:"retry_interval_ms"`
	// SendDeadlineMS is the sender's total wall-clock budget per
	// transmission.
	SendDeadlineMS int64 `mapstructure:"send_deadline_ms"`
	// PacketWaitMS bounds each blocking receive inside the engines.
	PacketWaitMS int64 `mapstructure:"packet_wait_ms"`
	// Workers is the number of sender minions draining the packetize
	// queue.
	Workers int `mapstructure:"workers"`
	// AckEveryPackets emits a comm packet after this many data packets
	// per transmission.
	AckEveryPackets int `mapstructure:"ack_every_packets"`
	// AckIntervalMS emits a comm packet when this much time has passed
	// since the last one. Zero derives the round-trip latency.
	AckIntervalMS int64 `mapstructure:"ack_interval_ms"`
	// CacheSlots is the capacity of the queue between the NIC drainer
	// and the reassembler.
	CacheSlots int `mapstructure:"cache_slots"`
}

// ApplyDefaults fills unset fields in place, deriving the latency-relative
// intervals from the network's configured round trip.
func (c *Config) ApplyDefaults(latencyMS int64) {
	if c.RetryIntervalMS == 0 {
		c.RetryIntervalMS = 2 * latencyMS
	}
	if c.RetryIntervalMS <= 0 {
		c.RetryIntervalMS = 1
	}
	if c.SendDeadlineMS == 0 {
		c.SendDeadlineMS = DefaultSendDeadlineMS
	}
	if c.PacketWaitMS == 0 {
		c.PacketWaitMS = DefaultPacketWaitMS
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.AckEveryPackets == 0 {
		c.AckEveryPackets = DefaultAckEveryPackets
	}
	if c.AckIntervalMS == 0 {
		c.AckIntervalMS = latencyMS
	}
	if c.AckIntervalMS <= 0 {
		c.AckIntervalMS = 1
	}
	if c.CacheSlots == 0 {
		c.CacheSlots = DefaultCacheSlots
	}
}

// Validate rejects configurations the engines cannot honor.
func (c *Config) Validate() error {
	if c.RetryIntervalMS < 0 || c.SendDeadlineMS < 0 || c.PacketWaitMS < 0 || c.AckIntervalMS < 0 {
		return errors.New("transport intervals must not be negative")
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.AckEveryPackets < 1 {
		return errors.Errorf("ack_every_packets must be at least 1, got %d", c.AckEveryPackets)
	}
	if c.CacheSlots < 1 {
		return errors.Errorf("cache_slots must be at least 1, got %d", c.CacheSlots)
	}
	return nil
}
