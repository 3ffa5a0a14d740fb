// Package inject creates virtual evdev devices through uinput and
// plays short scripts on them. It exercises the input path of a
// running runtime end to end.
package inject

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThomasT75/uinput"
	"github.com/charmbracelet/log"

	"github.com/bnema/wlkit/internal/logger"
)

var ErrClosed = errors.New("inject: devices closed")

// Mouse is the part of a uinput mouse the player drives.
type Mouse interface {
	Move(x, y int32) error
	LeftPress() error
	LeftRelease() error
	RightPress() error
	RightRelease() error
	MiddlePress() error
	MiddleRelease() error
	Wheel(horizontal bool, delta int32) error
	Close() error
}

// Keyboard is the part of a uinput keyboard the player drives.
type Keyboard interface {
	KeyDown(key int) error
	KeyUp(key int) error
	Close() error
}

type Op string

const (
	OpMove    Op = "move"
	OpKey     Op = "key"
	OpDown    Op = "down"
	OpUp      Op = "up"
	OpPress   Op = "press"
	OpRelease Op = "release"
	OpClick   Op = "click"
	OpScroll  Op = "scroll"
	OpHScroll Op = "hscroll"
	OpSleep   Op = "sleep"
)

// Step is one scripted action. Button is set for press, release and
// click; Args holds the numeric operands.
type Step struct {
	Op     Op
	Button string
	Args   []int
	Line   int
}

func (s Step) String() string {
	parts := []string{string(s.Op)}
	if s.Button != "" {
		parts = append(parts, s.Button)
	}
	for _, a := range s.Args {
		parts = append(parts, strconv.Itoa(a))
	}
	return strings.Join(parts, " ")
}

var arity = map[Op]int{
	OpMove:    2,
	OpKey:     1,
	OpDown:    1,
	OpUp:      1,
	OpScroll:  1,
	OpHScroll: 1,
	OpSleep:   1,
}

// Parse reads one step per line. Blank lines and lines starting with #
// are skipped; ";" also separates steps.
//
//	move 10 -5
//	key 30
//	click left
//	sleep 100
func Parse(script string) ([]Step, error) {
	var steps []Step
	sc := bufio.NewScanner(strings.NewReader(script))
	for n := 1; sc.Scan(); n++ {
		for _, stmt := range strings.Split(sc.Text(), ";") {
			fields := strings.Fields(stmt)
			if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
				continue
			}
			st, err := parseStep(fields)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			st.Line = n
			steps = append(steps, st)
		}
	}
	return steps, sc.Err()
}

func parseStep(fields []string) (Step, error) {
	st := Step{Op: Op(strings.ToLower(fields[0]))}
	args := fields[1:]

	switch st.Op {
	case OpPress, OpRelease, OpClick:
		if len(args) != 1 {
			return st, fmt.Errorf("%s takes a button", st.Op)
		}
		switch b := strings.ToLower(args[0]); b {
		case "left", "right", "middle":
			st.Button = b
		default:
			return st, fmt.Errorf("unknown button %q", args[0])
		}
		return st, nil
	}

	want, ok := arity[st.Op]
	if !ok {
		return st, fmt.Errorf("unknown step %q", fields[0])
	}
	if len(args) != want {
		return st, fmt.Errorf("%s takes %d arguments, got %d", st.Op, want, len(args))
	}
	for _, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return st, fmt.Errorf("%s: %w", st.Op, err)
		}
		st.Args = append(st.Args, v)
	}
	if st.Op == OpSleep && st.Args[0] < 0 {
		return st, fmt.Errorf("negative sleep")
	}
	return st, nil
}

type Option func(*Injector)

func WithLogger(l *log.Logger) Option {
	return func(in *Injector) {
		in.log = l
	}
}

// WithDelay pauses between steps so the compositor sees separate
// reports.
func WithDelay(d time.Duration) Option {
	return func(in *Injector) {
		in.delay = d
	}
}

// Injector plays steps on a virtual mouse and keyboard.
type Injector struct {
	mouse  Mouse
	kbd    Keyboard
	delay  time.Duration
	log    *log.Logger
	closed bool
}

func New(m Mouse, k Keyboard, opts ...Option) *Injector {
	in := &Injector{mouse: m, kbd: k, log: logger.With("inject")}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Open creates the virtual devices on /dev/uinput. The kernel needs a
// moment before new devices show up to readers.
func Open(name string, opts ...Option) (*Injector, error) {
	mouse, err := uinput.CreateMouse("/dev/uinput", []byte(name+" mouse"))
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual mouse: %w", err)
	}
	kbd, err := uinput.CreateKeyboard("/dev/uinput", []byte(name+" keyboard"))
	if err != nil {
		mouse.Close()
		return nil, fmt.Errorf("failed to create virtual keyboard: %w", err)
	}
	return New(mouse, kbd, opts...), nil
}

// Run plays steps in order, stopping at the first error or when ctx is
// done.
func (in *Injector) Run(ctx context.Context, steps []Step) error {
	for i, st := range steps {
		if in.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		in.log.Debug("step", "n", i, "step", st)
		if err := in.step(ctx, st); err != nil {
			return fmt.Errorf("line %d (%s): %w", st.Line, st, err)
		}
		if in.delay > 0 && i < len(steps)-1 {
			if err := sleep(ctx, in.delay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *Injector) step(ctx context.Context, st Step) error {
	switch st.Op {
	case OpMove:
		return in.mouse.Move(int32(st.Args[0]), int32(st.Args[1]))
	case OpKey:
		if err := in.kbd.KeyDown(st.Args[0]); err != nil {
			return err
		}
		return in.kbd.KeyUp(st.Args[0])
	case OpDown:
		return in.kbd.KeyDown(st.Args[0])
	case OpUp:
		return in.kbd.KeyUp(st.Args[0])
	case OpPress:
		return in.button(st.Button, true)
	case OpRelease:
		return in.button(st.Button, false)
	case OpClick:
		if err := in.button(st.Button, true); err != nil {
			return err
		}
		return in.button(st.Button, false)
	case OpScroll:
		return in.mouse.Wheel(false, int32(st.Args[0]))
	case OpHScroll:
		return in.mouse.Wheel(true, int32(st.Args[0]))
	case OpSleep:
		return sleep(ctx, time.Duration(st.Args[0])*time.Millisecond)
	}
	return fmt.Errorf("unknown step %q", st.Op)
}

func (in *Injector) button(name string, pressed bool) error {
	switch name {
	case "left":
		if pressed {
			return in.mouse.LeftPress()
		}
		return in.mouse.LeftRelease()
	case "right":
		if pressed {
			return in.mouse.RightPress()
		}
		return in.mouse.RightRelease()
	case "middle":
		if pressed {
			return in.mouse.MiddlePress()
		}
		return in.mouse.MiddleRelease()
	}
	return fmt.Errorf("unknown button %q", name)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close destroys both virtual devices.
func (in *Injector) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	return errors.Join(in.mouse.Close(), in.kbd.Close())
}
