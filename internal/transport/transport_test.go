package transport

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitfall.xyz/loopwire/internal/netsim"
	"bitfall.xyz/loopwire/internal/packet"
)

func newTestTransport(t *testing.T, netCfg netsim.Config, cfg Config) *Transport {
	t.Helper()
	if netCfg.LatencyMS == 0 {
		netCfg.LatencyMS = 2
	}
	net, err := netsim.New(netCfg)
	require.NoError(t, err)
	tr, err := New(cfg, net)
	require.NoError(t, err)
	tr.Start()
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func testPayload(seed int64, size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestRoundTripSinglePacket(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 1}, Config{})
	ctx := context.Background()

	sent := testPayload(1, 100)
	require.NoError(t, tr.Send(ctx, 1, sent))

	dst := make([]byte, 1024)
	n, err := tr.Receive(ctx, 1, dst, 5000)
	require.NoError(t, err)
	assert.Equal(t, sent, dst[:n])
}

func TestRoundTripMultiPacket(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 2}, Config{})
	ctx := context.Background()

	// Deliberately not a multiple of the payload size so the short tail
	// packet is exercised.
	sent := testPayload(2, 10*packet.MaxPayload+337)
	require.NoError(t, tr.Send(ctx, 3, sent))

	dst := make([]byte, len(sent)+packet.MaxPayload)
	n, err := tr.Receive(ctx, 3, dst, 5000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(sent, dst[:n]))
}

func TestExactPayloadMultiple(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 3}, Config{})
	ctx := context.Background()

	sent := testPayload(3, 4*packet.MaxPayload)
	require.NoError(t, tr.Send(ctx, 4, sent))

	dst := make([]byte, len(sent))
	n, err := tr.Receive(ctx, 4, dst, 5000)
	require.NoError(t, err)
	assert.Equal(t, len(sent), n)
	assert.True(t, bytes.Equal(sent, dst[:n]))
}

func TestSendRejects(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 4}, Config{})
	ctx := context.Background()

	assert.True(t, errors.Is(tr.Send(ctx, 1, nil), ErrRejected))
	assert.True(t, errors.Is(tr.Send(ctx, packet.MaxTransmissionID+1, []byte{1}), ErrRejected))
}

func TestReceiveRejectsIDOverflow(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 4}, Config{})
	_, err := tr.Receive(context.Background(), packet.MaxTransmissionID+1, make([]byte, 16), 50)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestDuplicateIDInFlightRejected(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{DropRatePct: 100, Seed: 5},
		Config{SendDeadlineMS: 800})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- tr.Send(ctx, 9, testPayload(5, 256)) }()
	time.Sleep(100 * time.Millisecond)

	err := tr.Send(ctx, 9, testPayload(5, 256))
	assert.True(t, errors.Is(err, ErrRejected))

	assert.True(t, errors.Is(<-first, ErrTimeout))
}

func TestSendDeadline(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{DropRatePct: 100, Seed: 6},
		Config{SendDeadlineMS: 200})

	begin := time.Now()
	err := tr.Send(context.Background(), 1, testPayload(6, 2048))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(begin), 200*time.Millisecond)
}

func TestReceiveTimeoutPreservesRecord(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 7}, Config{})
	ctx := context.Background()

	dst := make([]byte, 4096)
	_, err := tr.Receive(ctx, 11, dst, 50)
	require.True(t, errors.Is(err, ErrTimeout))

	sent := testPayload(7, 2000)
	require.NoError(t, tr.Send(ctx, 11, sent))

	n, err := tr.Receive(ctx, 11, dst, 5000)
	require.NoError(t, err)
	assert.Equal(t, sent, dst[:n])
}

func TestShortDestinationKeepsTransmissionClaimable(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 8}, Config{})
	ctx := context.Background()

	sent := testPayload(8, 3000)
	require.NoError(t, tr.Send(ctx, 2, sent))

	_, err := tr.Receive(ctx, 2, make([]byte, 100), 5000)
	require.True(t, errors.Is(err, ErrRejected))

	dst := make([]byte, 4096)
	n, err := tr.Receive(ctx, 2, dst, 5000)
	require.NoError(t, err)
	assert.Equal(t, sent, dst[:n])
}

func TestReceiveOnceOnly(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 9}, Config{})
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, 6, testPayload(9, 500)))

	dst := make([]byte, 1024)
	_, err := tr.Receive(ctx, 6, dst, 5000)
	require.NoError(t, err)

	// The record is consumed; a second claim waits for a new transmission.
	_, err = tr.Receive(ctx, 6, dst, 100)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestWildcardReceive(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 10}, Config{})
	ctx := context.Background()

	sizes := []int{1000, 2500, 4000}
	var wg sync.WaitGroup
	for i, size := range sizes {
		id, size := uint32(i+1), size
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Send(ctx, id, testPayload(int64(id), size)))
		}()
	}

	got := make(map[int]bool)
	dst := make([]byte, 8192)
	for range sizes {
		n, err := tr.Receive(ctx, WildcardID, dst, 5000)
		require.NoError(t, err)
		got[n] = true
	}
	wg.Wait()

	for _, size := range sizes {
		assert.Truef(t, got[size], "missing transmission of %d bytes", size)
	}
}

func TestWildcardTimeout(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 11}, Config{})
	_, err := tr.Receive(context.Background(), WildcardID, make([]byte, 16), 50)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestLossyNetworkStillDelivers(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{
		DropRatePct:      30,
		DuplicateRatePct: 20,
		ReorderEnabled:   true,
		Seed:             42,
	}, Config{})
	ctx := context.Background()

	const transmissions = 4
	payloads := make(map[uint32][]byte, transmissions)
	for i := 1; i <= transmissions; i++ {
		payloads[uint32(i)] = testPayload(int64(100+i), 6000+i*500)
	}
	p := pool.New().WithErrors()
	for id, data := range payloads {
		id, data := id, data
		p.Go(func() error { return tr.Send(ctx, id, data) })
	}
	require.NoError(t, p.Wait())

	dst := make([]byte, 16384)
	for id, want := range payloads {
		n, err := tr.Receive(ctx, id, dst, 10000)
		require.NoError(t, err)
		assert.Truef(t, bytes.Equal(want, dst[:n]), "transmission %d corrupted", id)
	}
}

func TestCloseUnblocksSend(t *testing.T) {
	net, err := netsim.New(netsim.Config{LatencyMS: 2, DropRatePct: 100, Seed: 12})
	require.NoError(t, err)
	tr, err := New(Config{}, net)
	require.NoError(t, err)
	tr.Start()

	res := make(chan error, 1)
	go func() { res <- tr.Send(context.Background(), 1, testPayload(12, 256)) }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-res:
		assert.True(t, errors.Is(err, ErrShutdown))
	case <-time.After(2 * time.Second):
		t.Fatal("send did not unblock on close")
	}

	// Closing again is a no-op.
	require.NoError(t, tr.Close())
}

func TestContextCancelUnblocksReceive(t *testing.T) {
	tr := newTestTransport(t, netsim.Config{Seed: 13}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := tr.Receive(ctx, 3, make([]byte, 16), 5000)
	assert.True(t, errors.Is(err, ErrShutdown))
}
