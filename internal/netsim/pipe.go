package netsim

import (
	"context"
	"math/rand"
	"time"

	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/metrics"
	"bitfall.xyz/loopwire/internal/packet"
	"bitfall.xyz/loopwire/internal/ring"
)

// pipe is one direction of the channel: outbound NIC → wire → inbound NIC.
// Two goroutines move packets along it.
type pipe struct {
	name string
	cfg  Config

	outbound *ring.Ring
	wire     *ring.Ring
	inbound  *ring.Ring

	log log.Logger
}

func newPipe(name string, cfg Config) *pipe {
	return &pipe{
		name:     name,
		cfg:      cfg,
		outbound: ring.New(cfg.NICSlots, cfg.NICSlots*packet.MaxPacketBytes),
		wire:     ring.New(cfg.WireSlots, cfg.WireBytes),
		inbound:  ring.New(cfg.NICSlots, cfg.NICSlots*packet.MaxPacketBytes),
		log:      log.GetLogger().WithField("pipe", name),
	}
}

// nicToWire drains the outbound NIC into the wire, stamping each packet
// with its one-way propagation deadline and stalling for its serialization
// time on the simulated link.
func (p *pipe) nicToWire(ctx context.Context) {
	retry := time.Duration(p.cfg.NetRetryMS) * time.Millisecond
	timer := time.NewTimer(retry)
	defer timer.Stop()

	for {
		s, err := p.outbound.TryTake()
		if err != nil {
			if !p.wait(ctx, timer, retry, p.outbound.Ready()) {
				return
			}
			continue
		}
		raw := s.Bytes()
		if p.cfg.BandwidthBPS > 0 {
			stall := time.Duration(int64(len(raw)) * 8 * int64(time.Second) / p.cfg.BandwidthBPS)
			if !sleepCtx(ctx, stall) {
				p.outbound.Release(s)
				return
			}
		}
		ws, err := p.wire.Reserve(len(raw))
		if err != nil {
			metrics.PacketsDroppedTotal.WithLabelValues(p.name, "wire_full").Inc()
			p.outbound.Release(s)
			continue
		}
		copy(ws.Bytes(), raw)
		ws.SetArrival(nowMS() + p.cfg.LatencyMS/2)
		p.wire.Publish(ws)
		metrics.PacketsSentTotal.WithLabelValues(p.name).Inc()
		p.outbound.Release(s)
	}
}

// wireToNIC pops due packets off the wire, applies the configured
// perturbations and delivers survivors to the inbound NIC. When nothing is
// due it sleeps until the head packet's deadline or the next publish,
// capped at NetRetryMS.
func (p *pipe) wireToNIC(ctx context.Context) {
	retry := time.Duration(p.cfg.NetRetryMS) * time.Millisecond
	timer := time.NewTimer(retry)
	defer timer.Stop()

	rng := rand.New(rand.NewSource(p.cfg.Seed))
	var holdback []byte

	for {
		s, etaMS, err := p.wire.TryTakeDue(nowMS())
		if err != nil {
			if etaMS == 0 && holdback != nil {
				// Nothing left behind the held packet; let it through.
				p.deliver(holdback)
				holdback = nil
				continue
			}
			wait := retry
			if etaMS > 0 {
				if d := time.Duration(etaMS) * time.Millisecond; d < wait {
					wait = d
				}
			}
			if !p.wait(ctx, timer, wait, p.wire.Ready()) {
				return
			}
			continue
		}
		raw := make([]byte, len(s.Bytes()))
		copy(raw, s.Bytes())
		p.wire.Release(s)

		if p.cfg.DropRatePct > 0 && rng.Intn(100) < p.cfg.DropRatePct {
			metrics.PacketsDroppedTotal.WithLabelValues(p.name, "perturb").Inc()
			continue
		}
		if p.cfg.CorruptRatePct > 0 && rng.Intn(100) < p.cfg.CorruptRatePct {
			raw[rng.Intn(len(raw))] ^= 0xFF
			metrics.PacketsCorruptedTotal.WithLabelValues(p.name).Inc()
		}
		dup := p.cfg.DuplicateRatePct > 0 && rng.Intn(100) < p.cfg.DuplicateRatePct
		if p.cfg.ReorderEnabled && holdback == nil && rng.Intn(2) == 0 {
			holdback = raw
			continue
		}
		p.deliver(raw)
		if dup {
			p.deliver(raw)
			metrics.PacketsDuplicatedTotal.WithLabelValues(p.name).Inc()
		}
		if holdback != nil {
			p.deliver(holdback)
			holdback = nil
		}
	}
}

func (p *pipe) deliver(raw []byte) {
	s, err := p.inbound.Reserve(len(raw))
	if err != nil {
		metrics.PacketsDroppedTotal.WithLabelValues(p.name, "nic_full").Inc()
		return
	}
	copy(s.Bytes(), raw)
	p.inbound.Publish(s)
	metrics.PacketsDeliveredTotal.WithLabelValues(p.name).Inc()
}

// wait blocks until the duration elapses, the ready channel fires, or the
// context is cancelled. Reports false on cancellation.
func (p *pipe) wait(ctx context.Context, timer *time.Timer, d time.Duration, ready <-chan struct{}) bool {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
	select {
	case <-ctx.Done():
		return false
	case <-ready:
		return true
	case <-timer.C:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
