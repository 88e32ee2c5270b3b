// Package harness drives the transport end to end: it generates seeded
// transmissions, pushes them through concurrent senders, validates what the
// wildcard receivers claim, and reports timing statistics.
package harness

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	uatomic "go.uber.org/atomic"

	"bitfall.xyz/loopwire/internal/config"
	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/metrics"
	"bitfall.xyz/loopwire/internal/netsim"
	"bitfall.xyz/loopwire/internal/transport"
)

// payloadIDBytes prefixes every generated payload with its transmission id
// so wildcard receivers can match what they claimed back to expectations.
const payloadIDBytes = 4

// Run executes one full exchange and returns its statistics. The error is
// non-nil only for setup failures; delivery failures show up in the stats.
func Run(cfg *config.GlobalConfig) (*Stats, error) {
	net, err := netsim.New(cfg.Network)
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Transport, net)
	if err != nil {
		net.Close()
		return nil, err
	}
	tr.Start()
	defer tr.Close()

	h := &run{
		cfg:    cfg.Harness,
		tr:     tr,
		starts: make([]uatomic.Int64, cfg.Harness.Transmissions+1),
		log:    log.GetLogger().WithField("run", uuid.NewString()[:8]),
	}
	return h.exchange()
}

type run struct {
	cfg config.HarnessConfig
	tr  *transport.Transport

	starts []uatomic.Int64 // send start, unix milli, indexed by id

	sent      uatomic.Int64
	received  uatomic.Int64
	validated uatomic.Int64
	failed    uatomic.Int64
	bytes     uatomic.Int64

	latMu     sync.Mutex
	latencies []float64

	log log.Logger
}

// payload regenerates the deterministic bytes of one transmission, so the
// receiving side validates without sharing buffers with the sending side.
func (h *run) payload(id uint32) []byte {
	rng := rand.New(rand.NewSource(h.cfg.Seed + int64(id)))
	minB := h.cfg.MinKB * 1024
	maxB := h.cfg.MaxKB * 1024
	size := minB
	if maxB > minB {
		size += rng.Intn(maxB - minB + 1)
	}
	data := make([]byte, size)
	rng.Read(data)
	binary.LittleEndian.PutUint32(data[:payloadIDBytes], id)
	return data
}

func (h *run) exchange() (*Stats, error) {
	ctx := context.Background()
	total := h.cfg.Transmissions
	begin := time.Now()

	senders := pool.New().WithMaxGoroutines(h.cfg.Senders)
	for i := 1; i <= total; i++ {
		id := uint32(i)
		senders.Go(func() {
			data := h.payload(id)
			h.starts[id].Store(time.Now().UnixMilli())
			h.sent.Inc()
			if err := h.tr.Send(ctx, id, data); err != nil {
				h.failed.Inc()
				h.log.WithError(err).Warnf("transmission %d failed", id)
			}
		})
	}
	sendersDone := make(chan struct{})
	go func() {
		senders.Wait()
		close(sendersDone)
	}()

	var receivers conc.WaitGroup
	for i := 0; i < h.cfg.Receivers; i++ {
		receivers.Go(func() { h.consume(ctx, sendersDone) })
	}
	receivers.Wait()

	stats := &Stats{
		Sent:      int(h.sent.Load()),
		Received:  int(h.received.Load()),
		Validated: int(h.validated.Load()),
		Failed:    int(h.failed.Load()),

		TotalBytes:  h.bytes.Load(),
		TotalTimeMS: time.Since(begin).Milliseconds(),
		latencies:   h.latencies,
	}
	stats.finish()
	return stats, nil
}

// consume claims completed transmissions until every expected one is
// accounted for, then drains nothing further.
func (h *run) consume(ctx context.Context, sendersDone <-chan struct{}) {
	buf := make([]byte, h.cfg.MaxKB*1024)
	for {
		if int(h.received.Load()+h.failed.Load()) >= h.cfg.Transmissions {
			return
		}
		n, err := h.tr.Receive(ctx, transport.WildcardID, buf, h.cfg.ReceiveTimeoutMS)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				return
			}
			select {
			case <-sendersDone:
				// Every sender returned and nothing new completed within
				// a full timeout; whatever is missing already failed.
				return
			default:
				continue
			}
		}
		h.received.Inc()
		h.bytes.Add(int64(n))
		h.validate(buf[:n])
	}
}

func (h *run) validate(got []byte) {
	if len(got) < payloadIDBytes {
		h.log.Errorf("runt transmission of %d bytes", len(got))
		return
	}
	id := binary.LittleEndian.Uint32(got[:payloadIDBytes])
	if int(id) < 1 || int(id) >= len(h.starts) {
		h.log.Errorf("unknown transmission id %d", id)
		return
	}
	if !bytes.Equal(got, h.payload(id)) {
		h.log.Errorf("transmission %d bytes do not match", id)
		return
	}
	h.validated.Inc()
	latMS := time.Now().UnixMilli() - h.starts[id].Load()
	if latMS < 0 {
		latMS = 0
	}
	metrics.DeliveryLatencySeconds.Observe(float64(latMS) / 1000)
	h.latMu.Lock()
	h.latencies = append(h.latencies, float64(latMS))
	h.latMu.Unlock()
}
