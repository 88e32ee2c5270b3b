package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tevino/abool"
	uatomic "go.uber.org/atomic"

	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/metrics"
	"bitfall.xyz/loopwire/internal/netsim"
	"bitfall.xyz/loopwire/internal/packet"
)

// WildcardID claims whichever transmission completes next instead of a
// specific one.
const WildcardID uint32 = 0

// completionSlots bounds the queue feeding wildcard receivers. A full
// queue only degrades wildcard claims; the record stays claimable by id.
const completionSlots = 1024

// recvRecord tracks one in-flight inbound transmission. It is created
// lazily, either by the first data packet observed for a new id or by a
// Receive call waiting for an id not yet seen.
type recvRecord struct {
	id uint32

	mu       sync.Mutex // guards lazy sizing
	nPackets *uatomic.Int64
	buf      []byte
	bits     []uint64

	lastSize  *uatomic.Int64
	remaining *uatomic.Int64
	done      chan struct{}
	once      sync.Once
	claimed   *abool.AtomicBool
	ack       *limiter
}

func newRecvRecord(id uint32, cfg Config) *recvRecord {
	return &recvRecord{
		id:        id,
		nPackets:  uatomic.NewInt64(0),
		lastSize:  uatomic.NewInt64(0),
		remaining: uatomic.NewInt64(0),
		done:      make(chan struct{}),
		claimed:   abool.New(),
		ack:       newLimiter(cfg.AckEveryPackets, time.Duration(cfg.AckIntervalMS)*time.Millisecond),
	}
}

// size commits the record's dimensions on the first data packet. The first
// packet wins; later packets disagreeing on the count are dropped.
func (r *recvRecord) size(n int) bool {
	if got := r.nPackets.Load(); got != 0 {
		return got == int64(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if got := r.nPackets.Load(); got != 0 {
		return got == int64(n)
	}
	r.buf = make([]byte, n*packet.MaxPayload)
	r.bits = make([]uint64, (n+63)/64)
	r.remaining.Store(int64(n))
	r.nPackets.Store(int64(n))
	return true
}

func (r *recvRecord) totalBytes() int {
	n := int(r.nPackets.Load())
	return (n-1)*packet.MaxPayload + int(r.lastSize.Load())
}

// Receiver reassembles inbound data packets into transmission buffers and
// acknowledges progress with comm packets. One goroutine drains the NIC
// into a bounded cache, another reassembles from it.
type Receiver struct {
	cfg Config
	net *netsim.Network

	records     *recordStore[*recvRecord]
	cache       chan []byte
	completions chan uint32

	ctx context.Context
	log log.Logger
}

func newReceiver(ctx context.Context, cfg Config, net *netsim.Network) *Receiver {
	return &Receiver{
		cfg:         cfg,
		net:         net,
		records:     newRecordStore[*recvRecord](),
		cache:       make(chan []byte, cfg.CacheSlots),
		completions: make(chan uint32, completionSlots),
		ctx:         ctx,
		log:         log.GetLogger().WithField("role", "receiver"),
	}
}

// drain moves packets from the inbound NIC into the cache. The blocking
// put is the back-pressure point: when the reassembler falls behind, the
// drainer pauses instead of flooding it.
func (r *Receiver) drain() {
	buf := make([]byte, packet.MaxPacketBytes)
	for {
		if r.ctx.Err() != nil {
			return
		}
		n, err := r.net.ReceivePacket(buf, r.cfg.PacketWaitMS, netsim.RoleReceiver)
		if err != nil {
			if errors.Is(err, netsim.ErrShutdown) {
				return
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case r.cache <- cp:
		case <-r.ctx.Done():
			return
		}
	}
}

// reassemble consumes the cache and folds data packets into records.
func (r *Receiver) reassemble() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case raw := <-r.cache:
			pkt, err := packet.Decode(raw)
			if err != nil {
				metrics.MalformedPacketsTotal.WithLabelValues("receiver").Inc()
				continue
			}
			dp, ok := pkt.(*packet.DataPacket)
			if !ok {
				// Comm packets never flow toward the receiver side.
				continue
			}
			r.handleData(dp)
		}
	}
}

func (r *Receiver) handleData(dp *packet.DataPacket) {
	rec := r.records.GetOrCreate(dp.TransmissionID, func() *recvRecord {
		return newRecvRecord(dp.TransmissionID, r.cfg)
	})
	if !rec.size(int(dp.NPackets)) {
		metrics.MalformedPacketsTotal.WithLabelValues("receiver").Inc()
		return
	}
	k := int(dp.Index)
	if k >= int(rec.nPackets.Load()) {
		metrics.MalformedPacketsTotal.WithLabelValues("receiver").Inc()
		return
	}
	mask := uint64(1) << (uint(k) % 64)
	if atomic.OrUint64(&rec.bits[k/64], mask)&mask != 0 {
		metrics.DuplicateDataTotal.Inc()
		// A retransmitted packet means an ack covering it may have been
		// lost. Repeat the bitmap: always once the record is complete,
		// otherwise at the usual cadence.
		if rec.remaining.Load() == 0 || rec.ack.allow(time.Now()) {
			r.sendAck(rec)
		}
		return
	}
	copy(rec.buf[k*packet.MaxPayload:], dp.Payload)
	if k == int(rec.nPackets.Load())-1 {
		rec.lastSize.Store(int64(len(dp.Payload)))
	}
	if rec.remaining.Dec() == 0 {
		// The final comm is always sent so the sender can finish without
		// waiting out a retry interval.
		r.sendAck(rec)
		rec.once.Do(func() { close(rec.done) })
		select {
		case r.completions <- rec.id:
		default:
			r.log.Warnf("completion queue full, transmission %d claimable by id only", rec.id)
		}
		return
	}
	if rec.ack.allow(time.Now()) {
		r.sendAck(rec)
	}
}

// sendAck emits the record's received bitmap as one comm packet per
// window. A saturated reverse NIC just costs a retransmit pass, so full
// errors are not retried here.
func (r *Receiver) sendAck(rec *recvRecord) {
	buf := make([]byte, packet.MaxPacketBytes)
	n := int(rec.nPackets.Load())
	for first := 0; first < n; first += packet.MaxBitmapBits {
		nbits := n - first
		if nbits > packet.MaxBitmapBits {
			nbits = packet.MaxBitmapBits
		}
		bm := make([]byte, packet.BitmapBytes(uint32(nbits)))
		for w := 0; w*64 < nbits; w++ {
			word := atomic.LoadUint64(&rec.bits[first/64+w])
			for b := 0; b < 8 && w*8+b < len(bm); b++ {
				bm[w*8+b] = byte(word >> (8 * b))
			}
		}
		cp := packet.CommPacket{
			TransmissionID: rec.id,
			FirstIndex:     uint32(first),
			NBits:          uint32(nbits),
			Bitmap:         bm,
		}
		m, err := cp.Encode(buf)
		if err != nil {
			r.log.WithError(err).WithField("transmission_id", rec.id).Error("dropping unencodable ack")
			return
		}
		if err := r.net.SendPacket(buf[:m], netsim.RoleReceiver); err != nil && !errors.Is(err, netsim.ErrFull) {
			return
		}
	}
}

// Receive blocks until the requested transmission completes and copies it
// into dst, returning the byte length. WildcardID claims whichever
// transmission completes next. On timeout the record is preserved so a
// later call can still claim it.
func (r *Receiver) Receive(ctx context.Context, id uint32, dst []byte, timeoutMS int64) (int, error) {
	if id > packet.MaxTransmissionID {
		return 0, errors.Wrapf(ErrRejected, "transmission id %d out of range", id)
	}
	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

	if id == WildcardID {
		for {
			select {
			case cid := <-r.completions:
				rec, ok := r.records.Get(cid)
				if !ok || !rec.claimed.SetToIf(false, true) {
					// Already claimed by a targeted call; take the next.
					continue
				}
				return r.copyOut(rec, dst)
			case <-timer.C:
				return 0, errors.Wrap(ErrTimeout, "no completed transmission")
			case <-ctx.Done():
				return 0, errors.Wrap(ErrShutdown, "receive cancelled")
			case <-r.ctx.Done():
				return 0, errors.Wrap(ErrTimeout, "transport closed")
			}
		}
	}

	rec := r.records.GetOrCreate(id, func() *recvRecord {
		// Pending stub; sized by the first data packet.
		return newRecvRecord(id, r.cfg)
	})
	select {
	case <-rec.done:
		if !rec.claimed.SetToIf(false, true) {
			return 0, errors.Wrapf(ErrRejected, "transmission %d already claimed", id)
		}
		return r.copyOut(rec, dst)
	case <-timer.C:
		return 0, errors.Wrapf(ErrTimeout, "transmission %d", id)
	case <-ctx.Done():
		return 0, errors.Wrap(ErrShutdown, "receive cancelled")
	case <-r.ctx.Done():
		return 0, errors.Wrapf(ErrTimeout, "transmission %d: transport closed", id)
	}
}

func (r *Receiver) copyOut(rec *recvRecord, dst []byte) (int, error) {
	total := rec.totalBytes()
	if len(dst) < total {
		rec.claimed.UnSet()
		return 0, errors.Wrapf(ErrRejected, "destination of %d bytes for %d byte transmission", len(dst), total)
	}
	copy(dst, rec.buf[:total])
	r.records.Delete(rec.id)
	return total, nil
}
