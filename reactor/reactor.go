// Package reactor implements a single-threaded readiness loop over
// epoll. Every handler runs on the goroutine calling RunIteration, one
// at a time, so state owned by handlers needs no locking.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bnema/wlkit"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by RunIteration when no source became ready
// before the timeout expired.
var ErrTimeout = errors.New("reactor: timeout")

// Interest is the set of readiness conditions a source is polled for.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

// Token identifies a registration. Tokens are never reused.
type Token uint64

// Event describes the readiness of one source.
type Event struct {
	Token    Token
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool

	// Err is set when the kernel flagged an error condition on the
	// source. The handler decides whether to retry or unregister.
	Err error
}

// Handler is invoked when its source is ready.
type Handler func(ev Event) error

type source struct {
	fd       int
	interest Interest
	handler  Handler
	removed  bool
}

// Reactor multiplexes a dynamic set of file descriptors.
type Reactor struct {
	epfd    int
	sources map[Token]*source
	byFD    map[int]Token
	next    Token
	last    Token
	batch   int
	events  []unix.EpollEvent
	wake    *Ping
	log     *log.Logger
	closed  bool
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithBatch limits the number of handlers dispatched per iteration.
// Zero means no limit.
func WithBatch(n int) Option {
	return func(r *Reactor) { r.batch = n }
}

// WithLogger sets the log sink.
func WithLogger(l *log.Logger) Option {
	return func(r *Reactor) { r.log = l }
}

// New creates a reactor.
func New(opts ...Option) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	r := &Reactor{
		epfd:    epfd,
		sources: make(map[Token]*source),
		byFD:    make(map[int]Token),
		events:  make([]unix.EpollEvent, 16),
		log:     log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	wake, err := NewPing(r, func() error { return nil })
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r.wake = wake

	return r, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the polled set.
func (r *Reactor) Register(fd int, interest Interest, h Handler) (Token, error) {
	if r.closed {
		return 0, errors.New("reactor: closed")
	}
	if _, ok := r.byFD[fd]; ok {
		return 0, fmt.Errorf("reactor: fd %d already registered", fd)
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll add fd %d: %w", fd, err)
	}

	r.next++
	tok := r.next
	r.sources[tok] = &source{fd: fd, interest: interest, handler: h}
	r.byFD[fd] = tok

	if len(r.events) < len(r.sources) {
		r.events = make([]unix.EpollEvent, 2*len(r.sources))
	}
	return tok, nil
}

// Modify changes the interest set of a registration.
func (r *Reactor) Modify(tok Token, interest Interest) error {
	src, ok := r.sources[tok]
	if !ok {
		return fmt.Errorf("reactor: unknown token %d", tok)
	}
	if src.interest == interest {
		return nil
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(src.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, src.fd, &ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", src.fd, err)
	}
	src.interest = interest
	return nil
}

// Unregister removes a registration. It is safe to call from any
// handler, including the handler of tok itself; a dispatch of tok
// already scheduled in the current iteration is skipped.
func (r *Reactor) Unregister(tok Token) error {
	src, ok := r.sources[tok]
	if !ok {
		return nil
	}
	src.removed = true
	delete(r.sources, tok)
	delete(r.byFD, src.fd)

	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, src.fd, nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll del fd %d: %w", src.fd, err)
	}
	return nil
}

// Len returns the number of registered sources, including the
// internal wakeup source.
func (r *Reactor) Len() int {
	return len(r.sources)
}

type ready struct {
	tok Token
	src *source
	ev  Event
}

// RunIteration waits up to timeout for readiness and dispatches the
// ready handlers. A negative timeout blocks indefinitely. It returns
// the tokens whose handlers ran, or ErrTimeout.
func (r *Reactor) RunIteration(timeout time.Duration) ([]Token, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
		if timeout > 0 && msec == 0 {
			msec = 1
		}
	}

	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, wlkit.Fatal(fmt.Errorf("epoll wait: %w", err))
	}
	if n == 0 {
		return nil, ErrTimeout
	}

	list := make([]ready, 0, n)
	for _, raw := range r.events[:n] {
		tok, ok := r.byFD[int(raw.Fd)]
		if !ok {
			continue
		}
		src := r.sources[tok]
		list = append(list, ready{tok: tok, src: src, ev: toEvent(tok, src.fd, raw.Events)})
	}
	slices.SortFunc(list, func(a, b ready) int {
		switch {
		case a.tok < b.tok:
			return -1
		case a.tok > b.tok:
			return 1
		}
		return 0
	})

	// Round-robin: resume after the last token served.
	start, _ := slices.BinarySearchFunc(list, r.last+1, func(e ready, t Token) int {
		switch {
		case e.tok < t:
			return -1
		case e.tok > t:
			return 1
		}
		return 0
	})
	if start == len(list) {
		start = 0
	}
	list = slices.Concat(list[start:], list[:start])
	if r.batch > 0 && len(list) > r.batch {
		list = list[:r.batch]
	}

	var (
		served []Token
		errs   []error
	)
	for _, e := range list {
		if e.src.removed {
			continue
		}
		r.last = e.tok
		served = append(served, e.tok)

		if err := e.src.handler(e.ev); err != nil {
			errs = append(errs, err)
			if errors.Is(err, wlkit.ErrFatal) {
				break
			}
		}
	}

	return served, errors.Join(errs...)
}

func toEvent(tok Token, fd int, events uint32) Event {
	ev := Event{
		Token:    tok,
		Fd:       fd,
		Readable: events&unix.EPOLLIN != 0,
		Writable: events&unix.EPOLLOUT != 0,
		Hangup:   events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
	}
	if events&unix.EPOLLERR != 0 {
		ev.Err = unix.EIO
		if v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && v != 0 {
			ev.Err = unix.Errno(v)
		}
	}
	return ev
}

// Wake interrupts a blocked RunIteration. It may be called from any
// goroutine.
func (r *Reactor) Wake() {
	r.wake.Signal()
}

// Run dispatches until ctx is done or a fatal error occurs. idle runs
// after every iteration, including ones that timed out.
func (r *Reactor) Run(ctx context.Context, timeout time.Duration, idle func() error) error {
	stop := context.AfterFunc(ctx, r.Wake)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_, err := r.RunIteration(timeout)
		if err != nil && !errors.Is(err, ErrTimeout) {
			if errors.Is(err, wlkit.ErrFatal) {
				return err
			}
			r.log.Warn("dispatch", "err", err)
		}

		if idle != nil {
			if err := idle(); err != nil {
				if errors.Is(err, wlkit.ErrFatal) {
					return err
				}
				r.log.Warn("idle", "err", err)
			}
		}
	}
}

// Close releases the epoll instance. Registered descriptors are not
// closed.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.wake.Close()
	return unix.Close(r.epfd)
}
