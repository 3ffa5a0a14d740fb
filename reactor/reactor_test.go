package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/wlkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func newReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunIterationDispatchesReadable(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	var got []Event
	tok, err := r.Register(rd, Readable, func(ev Event) error {
		got = append(got, ev)
		var buf [16]byte
		unix.Read(rd, buf[:])
		return nil
	})
	require.NoError(t, err)

	_, err = unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	served, err := r.RunIteration(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []Token{tok}, served)
	require.Len(t, got, 1)
	assert.True(t, got[0].Readable)
	assert.NoError(t, got[0].Err)

	_, err = r.RunIteration(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegisterTwiceFails(t *testing.T) {
	r := newReactor(t)
	rd, _ := newPipe(t)

	_, err := r.Register(rd, Readable, func(Event) error { return nil })
	require.NoError(t, err)
	_, err = r.Register(rd, Readable, func(Event) error { return nil })
	assert.Error(t, err)
}

func TestUnregisterFromOwnHandler(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	calls := 0
	var tok Token
	tok, err := r.Register(rd, Readable, func(ev Event) error {
		calls++
		return r.Unregister(tok)
	})
	require.NoError(t, err)

	unix.Write(wr, []byte("x"))
	_, err = r.RunIteration(time.Second)
	require.NoError(t, err)

	// Still readable, but no longer registered.
	_, err = r.RunIteration(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, calls)
}

func TestUnregisterSkipsPendingDispatch(t *testing.T) {
	r := newReactor(t)
	rdA, wrA := newPipe(t)
	rdB, wrB := newPipe(t)

	var tokA, tokB Token
	var ran []string
	tokA, err := r.Register(rdA, Readable, func(Event) error {
		ran = append(ran, "a")
		return r.Unregister(tokB)
	})
	require.NoError(t, err)
	tokB, err = r.Register(rdB, Readable, func(Event) error {
		ran = append(ran, "b")
		return r.Unregister(tokA)
	})
	require.NoError(t, err)

	unix.Write(wrA, []byte("x"))
	unix.Write(wrB, []byte("x"))

	served, err := r.RunIteration(time.Second)
	require.NoError(t, err)
	assert.Len(t, served, 1)
	assert.Len(t, ran, 1)
}

func TestHangupIsReported(t *testing.T) {
	r := newReactor(t)
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[0])

	var got Event
	_, err := r.Register(p[0], Readable, func(ev Event) error {
		got = ev
		return nil
	})
	require.NoError(t, err)

	unix.Close(p[1])
	_, err = r.RunIteration(time.Second)
	require.NoError(t, err)
	assert.True(t, got.Hangup)
}

func TestFairness(t *testing.T) {
	const (
		n     = 5
		batch = 2
		iters = 20
	)
	r := newReactor(t, WithBatch(batch))

	lastServed := make(map[Token]int)
	maxGap := make(map[Token]int)
	iteration := 0
	for i := 0; i < n; i++ {
		rd, wr := newPipe(t)
		// Never drained, so always ready.
		unix.Write(wr, []byte("x"))
		tok, err := r.Register(rd, Readable, func(ev Event) error {
			gap := iteration - lastServed[ev.Token]
			if gap > maxGap[ev.Token] {
				maxGap[ev.Token] = gap
			}
			lastServed[ev.Token] = iteration
			return nil
		})
		require.NoError(t, err)
		lastServed[tok] = 0
	}

	for iteration = 1; iteration <= iters; iteration++ {
		served, err := r.RunIteration(time.Second)
		require.NoError(t, err)
		assert.Len(t, served, batch)
	}

	bound := (n + batch - 1) / batch
	require.Len(t, maxGap, n)
	for tok, gap := range maxGap {
		assert.LessOrEqual(t, gap, bound, "token %d starved", tok)
		assert.LessOrEqual(t, gap-1, n-1)
	}
}

func TestFatalErrorStopsIteration(t *testing.T) {
	r := newReactor(t)
	rdA, wrA := newPipe(t)
	rdB, wrB := newPipe(t)

	ranB := false
	_, err := r.Register(rdA, Readable, func(Event) error {
		return wlkit.Fatal(errors.New("control channel lost"))
	})
	require.NoError(t, err)
	_, err = r.Register(rdB, Readable, func(Event) error {
		ranB = true
		return nil
	})
	require.NoError(t, err)

	unix.Write(wrA, []byte("x"))
	unix.Write(wrB, []byte("x"))

	_, err = r.RunIteration(time.Second)
	assert.ErrorIs(t, err, wlkit.ErrFatal)
	assert.False(t, ranB)
}

func TestChannelDeliversInOrder(t *testing.T) {
	r := newReactor(t)

	var got []int
	ch, err := NewChannel(r, func(v int) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	defer ch.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			ch.Send(i)
		}
	}()
	<-done

	for len(got) < 100 {
		_, err := r.RunIteration(time.Second)
		require.NoError(t, err)
	}
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTimerFires(t *testing.T) {
	r := newReactor(t)

	fired := 0
	timer, err := NewTimer(r, func() error {
		fired++
		return nil
	})
	require.NoError(t, err)
	defer timer.Close()

	require.NoError(t, timer.Arm(time.Millisecond))
	_, err = r.RunIteration(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.NoError(t, timer.Disarm())
	_, err = r.RunIteration(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newReactor(t)
	ctx, cancel := context.WithCancel(context.Background())

	idles := 0
	errc := make(chan error, 1)
	go func() {
		errc <- r.Run(ctx, -1, func() error {
			idles++
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
