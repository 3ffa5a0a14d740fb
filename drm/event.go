package drm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Event types read from the card.
const (
	EventVblank       uint32 = 0x01
	EventFlipComplete uint32 = 0x02
)

const vblankEventSize = 32

// Event is a vblank or page flip completion.
type Event struct {
	Type     uint32
	UserData uint64
	Sequence uint32
	CrtcID   uint32
	// Time is the CLOCK_MONOTONIC timestamp of the vblank.
	Time time.Duration
}

// ParseEvents decodes a buffer read from a card. Unknown event types
// are skipped.
func ParseEvents(buf []byte) ([]Event, error) {
	var events []Event
	order := binary.NativeEndian
	for len(buf) > 0 {
		if len(buf) < 8 {
			return events, fmt.Errorf("truncated drm event header: %d bytes", len(buf))
		}
		typ := order.Uint32(buf[0:])
		length := int(order.Uint32(buf[4:]))
		if length < 8 || length > len(buf) {
			return events, fmt.Errorf("invalid drm event length %d", length)
		}

		if (typ == EventVblank || typ == EventFlipComplete) && length >= vblankEventSize {
			sec := order.Uint32(buf[16:])
			usec := order.Uint32(buf[20:])
			events = append(events, Event{
				Type:     typ,
				UserData: order.Uint64(buf[8:]),
				Time:     time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
				Sequence: order.Uint32(buf[24:]),
				CrtcID:   order.Uint32(buf[28:]),
			})
		}
		buf = buf[length:]
	}
	return events, nil
}

// ReadEvents reads pending events without blocking.
func (c *Card) ReadEvents() ([]Event, error) {
	buf := make([]byte, 1024)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("read drm events: %w", err)
	}
	return ParseEvents(buf[:n])
}
