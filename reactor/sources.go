package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/wlkit"
	"golang.org/x/sys/unix"
)

// Ping is an eventfd based wakeup source. Signal may be called from
// any goroutine; the callback runs on the reactor thread.
type Ping struct {
	r   *Reactor
	fd  int
	tok Token
}

// NewPing registers a new wakeup source whose callback runs once per
// batch of signals.
func NewPing(r *Reactor, fn func() error) (*Ping, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Ping{r: r, fd: fd}
	tok, err := r.Register(fd, Readable, func(ev Event) error {
		if ev.Err != nil {
			return wlkit.Fatal(fmt.Errorf("ping source: %w", ev.Err))
		}
		p.drain()
		return fn()
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	p.tok = tok
	return p, nil
}

// Signal marks the source ready.
func (p *Ping) Signal() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated, which still wakes the loop.
	unix.Write(p.fd, buf[:])
}

func (p *Ping) drain() {
	var buf [8]byte
	unix.Read(p.fd, buf[:])
}

// Close unregisters and closes the source.
func (p *Ping) Close() error {
	return errors.Join(p.r.Unregister(p.tok), unix.Close(p.fd))
}

// Channel is a goroutine-safe unbounded FIFO whose items are handed to
// a callback on the reactor thread, in send order.
type Channel[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ping   *Ping
	fn     func(T) error
}

// NewChannel registers a channel delivering to fn.
func NewChannel[T any](r *Reactor, fn func(T) error) (*Channel[T], error) {
	c := &Channel[T]{fn: fn}
	ping, err := NewPing(r, c.deliver)
	if err != nil {
		return nil, err
	}
	c.ping = ping
	return c, nil
}

// Send enqueues v. It reports false once the channel is closed.
func (c *Channel[T]) Send(v T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, v)
	c.mu.Unlock()

	c.ping.Signal()
	return true
}

func (c *Channel[T]) deliver() error {
	c.mu.Lock()
	items := c.items
	c.items = nil
	c.mu.Unlock()

	var errs []error
	for _, v := range items {
		if err := c.fn(v); err != nil {
			errs = append(errs, err)
			if errors.Is(err, wlkit.ErrFatal) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops delivery. Pending items are dropped.
func (c *Channel[T]) Close() error {
	c.mu.Lock()
	c.closed = true
	c.items = nil
	c.mu.Unlock()
	return c.ping.Close()
}

// Timer is a timerfd source.
type Timer struct {
	r   *Reactor
	fd  int
	tok Token
}

// NewTimer registers a disarmed monotonic timer.
func NewTimer(r *Reactor, fn func() error) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd: %w", err)
	}

	t := &Timer{r: r, fd: fd}
	tok, err := r.Register(fd, Readable, func(ev Event) error {
		var buf [8]byte
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			if wlkit.IsTransient(err) {
				return nil
			}
			return fmt.Errorf("timer read: %w", err)
		}
		return fn()
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t.tok = tok
	return t, nil
}

// Arm fires the timer once after d.
func (t *Timer) Arm(d time.Duration) error {
	return t.set(d, 0)
}

// ArmPeriodic fires the timer every d.
func (t *Timer) ArmPeriodic(d time.Duration) error {
	return t.set(d, d)
}

// Disarm stops the timer.
func (t *Timer) Disarm() error {
	return t.set(0, 0)
}

func (t *Timer) set(value, interval time.Duration) error {
	if value == 0 && interval == 0 {
		return unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{}, nil)
	}
	if value <= 0 {
		value = time.Nanosecond
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(value.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Close unregisters and closes the timer.
func (t *Timer) Close() error {
	return errors.Join(t.r.Unregister(t.tok), unix.Close(t.fd))
}
