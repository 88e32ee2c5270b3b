// Package transport implements reliable transmission delivery over the
// simulated network: a sliding-window sender with acknowledgement bitmaps
// and a reassembling multi-transmission receiver.
package transport

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"

	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/netsim"
)

// Transport owns the network and both engines. Construct with New, launch
// with Start, and always Close to stop the engine goroutines.
type Transport struct {
	cfg Config
	net *netsim.Network
	snd *Sender
	rcv *Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	started *abool.AtomicBool
	closed  *abool.AtomicBool

	log log.Logger
}

// New builds a stopped transport on the given network. The transport takes
// ownership of the network; Close stops both.
func New(cfg Config, net *netsim.Network) (*Transport, error) {
	cfg.ApplyDefaults(net.LatencyMS())
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "transport config")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		net:     net,
		snd:     newSender(ctx, cfg, net),
		rcv:     newReceiver(ctx, cfg, net),
		ctx:     ctx,
		cancel:  cancel,
		started: abool.New(),
		closed:  abool.New(),
		log:     log.GetLogger().WithField("component", "transport"),
	}, nil
}

// Start launches the network pipes and the engine goroutines. Starting
// twice is a no-op.
func (t *Transport) Start() {
	if !t.started.SetToIf(false, true) {
		return
	}
	t.net.Start()
	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Go(t.snd.minion)
	}
	t.wg.Go(t.snd.listen)
	t.wg.Go(t.rcv.drain)
	t.wg.Go(t.rcv.reassemble)
	t.log.Infof("transport started: workers=%d retry=%dms deadline=%dms",
		t.cfg.Workers, t.cfg.RetryIntervalMS, t.cfg.SendDeadlineMS)
}

// Close stops the engines and the network. In-flight Send calls fail and
// Receive calls time out. Closing twice is a no-op.
func (t *Transport) Close() error {
	if !t.closed.SetToIf(false, true) {
		return nil
	}
	t.cancel()
	var result *multierror.Error
	if err := t.net.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "network"))
	}
	if t.started.IsSet() {
		t.wg.Wait()
	}
	t.log.Info("transport stopped")
	return result.ErrorOrNil()
}

// Send delivers data reliably under the given transmission id.
func (t *Transport) Send(ctx context.Context, id uint32, data []byte) error {
	return t.snd.Send(ctx, id, data)
}

// Receive waits for the transmission (or any, with WildcardID) and copies
// it into dst, returning the byte length.
func (t *Transport) Receive(ctx context.Context, id uint32, dst []byte, timeoutMS int64) (int, error) {
	return t.rcv.Receive(ctx, id, dst, timeoutMS)
}
