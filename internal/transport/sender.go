package transport

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	popcount "github.com/tmthrgd/go-popcount"

	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/metrics"
	"bitfall.xyz/loopwire/internal/netsim"
	"bitfall.xyz/loopwire/internal/packet"
)

// Bounded yield-spin on a saturated outbound NIC before backing off to a
// millisecond sleep.
const pushSpinLimit = 50

// sendRecord tracks one in-flight outbound transmission. The Send caller
// owns it; the listener only touches ackBits and done.
type sendRecord struct {
	id       uint32
	data     []byte
	nPackets int
	ackBits  []uint64
	done     chan struct{}
	once     sync.Once
}

func (r *sendRecord) acked(k int) bool {
	return atomic.LoadUint64(&r.ackBits[k/64])&(1<<(uint(k)%64)) != 0
}

// Sender packetizes transmissions and pushes them to the network. Minion
// workers drain a shared packetize queue so concurrent Send calls share
// push bandwidth; a listener folds comm bitmaps back into the records.
type Sender struct {
	cfg Config
	net *netsim.Network

	records *recordStore[*sendRecord]
	work    chan *sendRecord

	ctx context.Context
	log log.Logger
}

func newSender(ctx context.Context, cfg Config, net *netsim.Network) *Sender {
	return &Sender{
		cfg:     cfg,
		net:     net,
		records: newRecordStore[*sendRecord](),
		work:    make(chan *sendRecord),
		ctx:     ctx,
		log:     log.GetLogger().WithField("role", "sender"),
	}
}

// Send delivers data reliably under the given transmission id. It blocks
// until every packet is acknowledged, the send deadline elapses, or the
// context is cancelled.
func (s *Sender) Send(ctx context.Context, id uint32, data []byte) error {
	if id > packet.MaxTransmissionID {
		return errors.Wrapf(ErrRejected, "transmission id %d out of range", id)
	}
	if len(data) == 0 {
		return errors.Wrap(ErrRejected, "empty transmission")
	}
	n := (len(data) + packet.MaxPayload - 1) / packet.MaxPayload
	rec := &sendRecord{
		id:       id,
		data:     data,
		nPackets: n,
		ackBits:  make([]uint64, (n+63)/64),
		done:     make(chan struct{}),
	}
	if !s.records.PutIfAbsent(id, rec) {
		return errors.Wrapf(ErrRejected, "transmission %d already in flight", id)
	}
	defer s.records.Delete(id)
	metrics.InFlightTransmissions.WithLabelValues("sender").Inc()
	defer metrics.InFlightTransmissions.WithLabelValues("sender").Dec()

	deadline := time.NewTimer(time.Duration(s.cfg.SendDeadlineMS) * time.Millisecond)
	defer deadline.Stop()
	retry := time.NewTimer(time.Duration(s.cfg.RetryIntervalMS) * time.Millisecond)
	defer retry.Stop()

	for pass := 0; ; pass++ {
		if pass > 0 {
			metrics.RetransmitPassesTotal.Inc()
		}
		// Hand the record to a minion for an unacked-only packetize pass.
		select {
		case s.work <- rec:
		case <-rec.done:
			metrics.TransmissionsCompletedTotal.Inc()
			return nil
		case <-deadline.C:
			return s.fail(rec, "send deadline elapsed")
		case <-ctx.Done():
			return errors.Wrapf(ErrShutdown, "transmission %d", id)
		case <-s.ctx.Done():
			return errors.Wrapf(ErrShutdown, "transmission %d", id)
		}

		if !retry.Stop() {
			select {
			case <-retry.C:
			default:
			}
		}
		retry.Reset(time.Duration(s.cfg.RetryIntervalMS) * time.Millisecond)
		select {
		case <-rec.done:
			metrics.TransmissionsCompletedTotal.Inc()
			return nil
		case <-retry.C:
		case <-deadline.C:
			return s.fail(rec, "send deadline elapsed")
		case <-ctx.Done():
			return errors.Wrapf(ErrShutdown, "transmission %d", id)
		case <-s.ctx.Done():
			return errors.Wrapf(ErrShutdown, "transmission %d", id)
		}
	}
}

func (s *Sender) fail(rec *sendRecord, why string) error {
	metrics.TransmissionsFailedTotal.Inc()
	s.log.WithField("transmission_id", rec.id).Warnf("%s after %d/%d acks",
		why, popcount.CountSlice64(rec.ackBits), rec.nPackets)
	return errors.Wrapf(ErrTimeout, "transmission %d: %s", rec.id, why)
}

// minion drains the packetize queue.
func (s *Sender) minion() {
	buf := make([]byte, packet.MaxPacketBytes)
	for {
		select {
		case <-s.ctx.Done():
			return
		case rec := <-s.work:
			s.pass(rec, buf)
		}
	}
}

// pass pushes every still-unacked packet of the record. Payload chunks are
// sliced per pass; no pre-split packet cache is retained.
func (s *Sender) pass(rec *sendRecord, buf []byte) {
	for k := 0; k < rec.nPackets; k++ {
		if rec.acked(k) {
			continue
		}
		select {
		case <-rec.done:
			return
		case <-s.ctx.Done():
			return
		default:
		}
		lo := k * packet.MaxPayload
		hi := lo + packet.MaxPayload
		if hi > len(rec.data) {
			hi = len(rec.data)
		}
		dp := packet.DataPacket{
			TransmissionID: rec.id,
			Index:          uint32(k),
			NPackets:       uint32(rec.nPackets),
			Payload:        rec.data[lo:hi],
		}
		n, err := dp.Encode(buf)
		if err != nil {
			s.log.WithError(err).WithField("transmission_id", rec.id).Error("dropping unencodable packet")
			return
		}
		if !s.push(buf[:n]) {
			return
		}
	}
}

// push enqueues one raw packet, riding out transient NIC saturation with a
// bounded yield-spin before sleeping. Reports false on shutdown.
func (s *Sender) push(raw []byte) bool {
	spins := 0
	for {
		err := s.net.SendPacket(raw, netsim.RoleSender)
		if err == nil {
			return true
		}
		if !errors.Is(err, netsim.ErrFull) {
			return false
		}
		spins++
		if spins <= pushSpinLimit {
			runtime.Gosched()
			continue
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
}

// listen consumes comm packets and folds their bitmaps into the matching
// record's acknowledgement state.
func (s *Sender) listen() {
	buf := make([]byte, packet.MaxPacketBytes)
	for {
		if s.ctx.Err() != nil {
			return
		}
		n, err := s.net.ReceivePacket(buf, s.cfg.PacketWaitMS, netsim.RoleSender)
		if err != nil {
			if errors.Is(err, netsim.ErrShutdown) {
				return
			}
			continue
		}
		pkt, err := packet.Decode(buf[:n])
		if err != nil {
			metrics.MalformedPacketsTotal.WithLabelValues("sender").Inc()
			continue
		}
		comm, ok := pkt.(*packet.CommPacket)
		if !ok {
			// Data packets never flow toward the sender side.
			continue
		}
		rec, ok := s.records.Get(comm.TransmissionID)
		if !ok {
			// Completed or abandoned; stale acks are harmless.
			continue
		}
		s.applyAck(rec, comm)
	}
}

// applyAck ORs the comm window into the record's ack bitmap. Duplicate
// acks are idempotent; bits outside the transmission are masked off.
func (s *Sender) applyAck(rec *sendRecord, comm *packet.CommPacket) {
	first := int(comm.FirstIndex)
	if first >= rec.nPackets {
		return
	}
	nbits := int(comm.NBits)
	if first+nbits > rec.nPackets {
		nbits = rec.nPackets - first
	}
	if first%64 == 0 {
		words := (nbits + 63) / 64
		for w := 0; w < words; w++ {
			var cw uint64
			for b := 0; b < 8 && w*8+b < len(comm.Bitmap); b++ {
				cw |= uint64(comm.Bitmap[w*8+b]) << (8 * b)
			}
			if w == words-1 && nbits%64 != 0 {
				cw &= 1<<(uint(nbits)%64) - 1
			}
			if cw != 0 {
				atomic.OrUint64(&rec.ackBits[first/64+w], cw)
			}
		}
	} else {
		for i := 0; i < nbits; i++ {
			if comm.Bitmap[i/8]&(1<<(uint(i)%8)) == 0 {
				continue
			}
			k := first + i
			atomic.OrUint64(&rec.ackBits[k/64], 1<<(uint(k)%64))
		}
	}
	if popcount.CountSlice64(rec.ackBits) >= uint64(rec.nPackets) {
		rec.once.Do(func() { close(rec.done) })
	}
}
