// Package netsim simulates an unreliable packetized channel between the
// sender and receiver roles of the same process. Two directional pipes each
// run an outbound NIC ring, a wire ring enforcing propagation latency, and
// an inbound NIC ring.
package netsim

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"

	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/packet"
)

// Role selects which end of the channel an operation acts for.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

var (
	// ErrRejected reports an invalid argument; the call had no effect.
	ErrRejected = errors.New("rejected")
	// ErrFull reports that the outbound NIC could not take the packet.
	ErrFull = errors.New("nic full")
	// ErrTimeout reports that no packet arrived within the deadline.
	ErrTimeout = errors.New("timeout")
	// ErrShutdown reports that the network has been stopped.
	ErrShutdown = errors.New("network shut down")
)

// Network owns the two directional pipes and their four goroutines.
type Network struct {
	cfg Config

	forward *pipe // sender → receiver
	reverse *pipe // receiver → sender

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	running *abool.AtomicBool

	log log.Logger
}

// New builds a stopped network. Call Start before exchanging packets.
func New(cfg Config) (*Network, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "network config")
	}
	ctx, cancel := context.WithCancel(context.Background())
	reverseCfg := cfg
	reverseCfg.Seed = cfg.Seed + 1
	return &Network{
		cfg:     cfg,
		forward: newPipe("forward", cfg),
		reverse: newPipe("reverse", reverseCfg),
		ctx:     ctx,
		cancel:  cancel,
		running: abool.New(),
		log:     log.GetLogger().WithField("component", "netsim"),
	}, nil
}

// Start launches the pipe goroutines. Starting twice is a no-op.
func (n *Network) Start() {
	if !n.running.SetToIf(false, true) {
		return
	}
	for _, p := range []*pipe{n.forward, n.reverse} {
		p := p
		n.wg.Go(func() { p.nicToWire(n.ctx) })
		n.wg.Go(func() { p.wireToNIC(n.ctx) })
	}
	n.log.Infof("network started: latency=%dms bandwidth=%dbps drop=%d%% dup=%d%% corrupt=%d%% reorder=%v",
		n.cfg.LatencyMS, n.cfg.BandwidthBPS, n.cfg.DropRatePct,
		n.cfg.DuplicateRatePct, n.cfg.CorruptRatePct, n.cfg.ReorderEnabled)
}

// Close stops the pipe goroutines without draining in-flight packets.
// Closing twice is a no-op.
func (n *Network) Close() error {
	n.cancel()
	if n.running.SetToIf(true, false) {
		n.wg.Wait()
		n.log.Info("network stopped")
	}
	return nil
}

// LatencyMS reports the configured round-trip latency.
func (n *Network) LatencyMS() int64 { return n.cfg.LatencyMS }

// egress returns the pipe a role transmits on.
func (n *Network) egress(role Role) *pipe {
	if role == RoleSender {
		return n.forward
	}
	return n.reverse
}

// ingress returns the pipe a role receives from.
func (n *Network) ingress(role Role) *pipe {
	if role == RoleSender {
		return n.reverse
	}
	return n.forward
}

// SendPacket enqueues a raw packet on the role's outbound NIC. Returns
// ErrFull when the NIC is saturated; the caller retries or drops.
func (n *Network) SendPacket(raw []byte, role Role) error {
	if role != RoleSender && role != RoleReceiver {
		return errors.Wrapf(ErrRejected, "unknown role %d", role)
	}
	if len(raw) == 0 || len(raw) > packet.MaxPacketBytes {
		return errors.Wrapf(ErrRejected, "packet of %d bytes", len(raw))
	}
	if n.ctx.Err() != nil {
		return ErrShutdown
	}
	p := n.egress(role)
	s, err := p.outbound.Reserve(len(raw))
	if err != nil {
		return errors.Wrapf(ErrFull, "%s outbound", p.name)
	}
	copy(s.Bytes(), raw)
	p.outbound.Publish(s)
	return nil
}

// ReceivePacket copies the next inbound packet for the role into buf and
// returns its length. Blocks up to timeoutMS milliseconds; a zero timeout
// makes a single non-blocking attempt.
func (n *Network) ReceivePacket(buf []byte, timeoutMS int64, role Role) (int, error) {
	if role != RoleSender && role != RoleReceiver {
		return 0, errors.Wrapf(ErrRejected, "unknown role %d", role)
	}
	p := n.ingress(role)
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	retry := time.Duration(n.cfg.NetRetryMS) * time.Millisecond
	timer := time.NewTimer(retry)
	defer timer.Stop()

	for {
		s, err := p.inbound.TryTake()
		if err == nil {
			raw := s.Bytes()
			if len(buf) < len(raw) {
				p.inbound.Release(s)
				return 0, errors.Wrapf(ErrRejected, "receive buffer of %d bytes for %d byte packet", len(buf), len(raw))
			}
			m := copy(buf, raw)
			p.inbound.Release(s)
			return m, nil
		}
		if n.ctx.Err() != nil {
			return 0, ErrShutdown
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, ErrTimeout
		}
		wait := retry
		if remain < wait {
			wait = remain
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-n.ctx.Done():
			return 0, ErrShutdown
		case <-p.inbound.Ready():
		case <-timer.C:
		}
	}
}

// TryReceivePacket is the zero-timeout receive: one attempt, never blocks.
func (n *Network) TryReceivePacket(buf []byte, role Role) (int, error) {
	if role != RoleSender && role != RoleReceiver {
		return 0, errors.Wrapf(ErrRejected, "unknown role %d", role)
	}
	if n.ctx.Err() != nil {
		return 0, ErrShutdown
	}
	p := n.ingress(role)
	s, err := p.inbound.TryTake()
	if err != nil {
		return 0, ErrTimeout
	}
	raw := s.Bytes()
	if len(buf) < len(raw) {
		p.inbound.Release(s)
		return 0, errors.Wrapf(ErrRejected, "receive buffer of %d bytes for %d byte packet", len(buf), len(raw))
	}
	m := copy(buf, raw)
	p.inbound.Release(s)
	return m, nil
}
