package ring

import (
	"encoding/binary"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservePublishTakeRelease(t *testing.T) {
	r := New(8, 8192)

	s, err := r.Reserve(100)
	require.NoError(t, err)
	for i := range s.Bytes() {
		s.Bytes()[i] = byte(i)
	}
	r.Publish(s)
	assert.Equal(t, 1, r.Len())

	got, err := r.TryTake()
	require.NoError(t, err)
	require.Len(t, got.Bytes(), 100)
	for i, b := range got.Bytes() {
		require.Equal(t, byte(i), b)
	}
	r.Release(got)

	_, err = r.TryTake()
	assert.True(t, errors.Is(err, ErrEmpty))
	assert.Equal(t, 0, r.Len())
}

func TestFIFOOrder(t *testing.T) {
	r := New(16, 16384)
	for i := 0; i < 10; i++ {
		s, err := r.Reserve(4)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(s.Bytes(), uint32(i))
		r.Publish(s)
	}
	for i := 0; i < 10; i++ {
		s, err := r.TryTake()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), binary.LittleEndian.Uint32(s.Bytes()))
		r.Release(s)
	}
}

func TestTakeBeforePublish(t *testing.T) {
	r := New(4, 1024)
	s, err := r.Reserve(10)
	require.NoError(t, err)

	_, err = r.TryTake()
	assert.True(t, errors.Is(err, ErrEmpty))

	r.Publish(s)
	got, err := r.TryTake()
	require.NoError(t, err)
	r.Release(got)
}

func TestSlotExhaustion(t *testing.T) {
	r := New(2, 8192)
	a, err := r.Reserve(10)
	require.NoError(t, err)
	b, err := r.Reserve(10)
	require.NoError(t, err)

	_, err = r.Reserve(10)
	assert.True(t, errors.Is(err, ErrFull))

	r.Publish(a)
	s, err := r.TryTake()
	require.NoError(t, err)
	r.Release(s)

	_, err = r.Reserve(10)
	require.NoError(t, err)
	r.Publish(b)
}

func TestArenaExhaustion(t *testing.T) {
	r := New(8, 1024)
	a, err := r.Reserve(600)
	require.NoError(t, err)

	// 600 does not fit behind the first region nor at offset zero while the
	// first region is unconsumed.
	_, err = r.Reserve(600)
	assert.True(t, errors.Is(err, ErrFull))

	r.Publish(a)
	s, err := r.TryTake()
	require.NoError(t, err)
	r.Release(s)

	_, err = r.Reserve(600)
	require.NoError(t, err)
}

func TestUnsatisfiableReservation(t *testing.T) {
	r := New(4, 256)
	_, err := r.Reserve(257)
	assert.True(t, errors.Is(err, ErrFull))
	_, err = r.Reserve(0)
	assert.True(t, errors.Is(err, ErrFull))
}

func TestRejectionLeavesRingUsable(t *testing.T) {
	r := New(4, 1024)
	a, err := r.Reserve(900)
	require.NoError(t, err)
	_, err = r.Reserve(900)
	require.True(t, errors.Is(err, ErrFull))

	// The rejected claim must not leave a hole: publish, consume, reuse.
	r.Publish(a)
	s, err := r.TryTake()
	require.NoError(t, err)
	r.Release(s)

	for i := 0; i < 8; i++ {
		s, err := r.Reserve(900)
		require.NoError(t, err)
		r.Publish(s)
		got, err := r.TryTake()
		require.NoError(t, err)
		r.Release(got)
	}
}

func TestWrapAround(t *testing.T) {
	r := New(4, 1000)
	for i := 0; i < 50; i++ {
		s, err := r.Reserve(300)
		require.NoError(t, err)
		s.Bytes()[0] = byte(i)
		r.Publish(s)

		got, err := r.TryTake()
		require.NoError(t, err)
		assert.Equal(t, byte(i), got.Bytes()[0])
		r.Release(got)
	}
}

func TestTryTakeDue(t *testing.T) {
	r := New(4, 1024)
	now := time.Now().UnixMilli()

	s, err := r.Reserve(8)
	require.NoError(t, err)
	s.SetArrival(now + 50)
	r.Publish(s)

	_, eta, err := r.TryTakeDue(now)
	assert.True(t, errors.Is(err, ErrEmpty))
	assert.Equal(t, int64(50), eta)

	got, eta, err := r.TryTakeDue(now + 50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), eta)
	r.Release(got)
}

func TestReadyCoalesces(t *testing.T) {
	r := New(4, 1024)
	for i := 0; i < 3; i++ {
		s, err := r.Reserve(8)
		require.NoError(t, err)
		r.Publish(s)
	}
	select {
	case <-r.Ready():
	default:
		t.Fatal("expected a ready notification")
	}
	select {
	case <-r.Ready():
		t.Fatal("notifications must coalesce")
	default:
	}
}

// TestConcurrentMultiset drives producers and consumers hard and checks
// that everything published comes out exactly once, unmangled.
func TestConcurrentMultiset(t *testing.T) {
	const (
		producers   = 4
		consumers   = 4
		perProducer = 500
	)
	r := New(64, 64*64)

	var mu sync.Mutex
	seen := make(map[uint32]int)
	var consumed sync.WaitGroup
	consumed.Add(producers * perProducer)

	stop := make(chan struct{})
	for c := 0; c < consumers; c++ {
		go func() {
			for {
				s, err := r.TryTake()
				if err != nil {
					select {
					case <-stop:
						return
					default:
						runtime.Gosched()
						continue
					}
				}
				v := binary.LittleEndian.Uint32(s.Bytes())
				assert.Equal(t, v^0xDEADBEEF, binary.LittleEndian.Uint32(s.Bytes()[4:]))
				r.Release(s)
				mu.Lock()
				seen[v]++
				mu.Unlock()
				consumed.Done()
			}
		}()
	}

	var produced sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		produced.Add(1)
		go func() {
			defer produced.Done()
			for i := 0; i < perProducer; i++ {
				v := uint32(p*perProducer + i)
				for {
					s, err := r.Reserve(8)
					if err != nil {
						runtime.Gosched()
						continue
					}
					binary.LittleEndian.PutUint32(s.Bytes(), v)
					binary.LittleEndian.PutUint32(s.Bytes()[4:], v^0xDEADBEEF)
					r.Publish(s)
					break
				}
			}
		}()
	}

	produced.Wait()
	consumed.Wait()
	close(stop)

	assert.Len(t, seen, producers*perProducer)
	for v, n := range seen {
		assert.Equalf(t, 1, n, "value %d consumed %d times", v, n)
	}
}

// TestConcurrentMixedSizes exercises the arena chaining with variable
// reservation sizes under contention.
func TestConcurrentMixedSizes(t *testing.T) {
	const total = 2000
	r := New(32, 16384)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got := 0
		for got < total {
			s, err := r.TryTake()
			if err != nil {
				runtime.Gosched()
				continue
			}
			b := s.Bytes()
			for _, x := range b[1:] {
				if x != b[0] {
					assert.Equal(t, b[0], x)
					break
				}
			}
			r.Release(s)
			got++
		}
	}()

	for i := 0; i < total; i++ {
		size := 1 + i%700
		for {
			s, err := r.Reserve(size)
			if err != nil {
				runtime.Gosched()
				continue
			}
			fill := byte(i)
			for j := range s.Bytes() {
				s.Bytes()[j] = fill
			}
			r.Publish(s)
			break
		}
	}
	<-done
}
