package resource

import (
	"fmt"
	"iter"
)

// Handle is a generational reference to an Arena entry. The zero
// Handle refers to nothing.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	if h.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%d#%d", h.index, h.gen)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Arena stores values addressed by Handle. Once an entry is removed its
// handle never resolves again, even after the slot is reused.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	n     int
}

func (a *Arena[T]) Insert(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.val = v
	a.n++
	return Handle{index: idx, gen: s.gen}
}

func (a *Arena[T]) Get(h Handle) (T, bool) {
	var zero T
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return zero, false
	}
	return s.val, true
}

func (a *Arena[T]) Remove(h Handle) (T, bool) {
	v, ok := a.Get(h)
	if !ok {
		return v, false
	}

	var zero T
	s := &a.slots[h.index]
	s.val = zero
	s.live = false
	a.free = append(a.free, h.index)
	a.n--
	return v, true
}

func (a *Arena[T]) Len() int {
	return a.n
}

// All yields live entries in slot order.
func (a *Arena[T]) All() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		for i := range a.slots {
			s := &a.slots[i]
			if !s.live {
				continue
			}
			if !yield(Handle{index: uint32(i), gen: s.gen}, s.val) {
				return
			}
		}
	}
}
