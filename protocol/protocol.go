// Package protocol is the marshalling layer for the core Wayland
// interfaces. It decodes wire messages into typed requests and encodes
// typed events into wire messages, so that the resource model never
// touches raw bytes.
package protocol

import (
	"fmt"

	"github.com/bnema/wlkit/wire"
)

// Interface names an interface and the highest version implemented.
type Interface struct {
	Name    string
	Version uint32
}

var (
	Display    = Interface{"wl_display", 1}
	Registry   = Interface{"wl_registry", 1}
	Callback   = Interface{"wl_callback", 1}
	Compositor = Interface{"wl_compositor", 5}
	Surface    = Interface{"wl_surface", 5}
	Region     = Interface{"wl_region", 1}
	Shm        = Interface{"wl_shm", 1}
	ShmPool    = Interface{"wl_shm_pool", 1}
	Buffer     = Interface{"wl_buffer", 1}
	Output     = Interface{"wl_output", 3}
	Seat       = Interface{"wl_seat", 5}
	Pointer    = Interface{"wl_pointer", 5}
	Keyboard   = Interface{"wl_keyboard", 5}
	Touch      = Interface{"wl_touch", 5}
)

// wl_display error codes.
const (
	ErrInvalidObject  uint32 = 0
	ErrInvalidMethod  uint32 = 1
	ErrNoMemory       uint32 = 2
	ErrImplementation uint32 = 3
)

// wl_surface error codes.
const (
	SurfaceErrInvalidScale     uint32 = 0
	SurfaceErrInvalidTransform uint32 = 1
	SurfaceErrInvalidSize      uint32 = 2
	SurfaceErrInvalidOffset    uint32 = 3
)

// wl_shm error codes.
const (
	ShmErrInvalidFormat uint32 = 0
	ShmErrInvalidStride uint32 = 1
	ShmErrInvalidFD     uint32 = 2
)

// wl_shm formats.
const (
	FormatARGB8888 uint32 = 0
	FormatXRGB8888 uint32 = 1
)

// wl_seat capabilities.
const (
	SeatPointer  uint32 = 1
	SeatKeyboard uint32 = 2
	SeatTouch    uint32 = 4
)

// Request is a decoded client request.
type Request interface {
	request()
}

// UnknownOpError is returned for an opcode the interface does not
// define.
type UnknownOpError struct {
	Interface string
	Op        uint16
}

func (err UnknownOpError) Error() string {
	return fmt.Sprintf("unknown request opcode for %v: %v", err.Interface, err.Op)
}

// UnknownInterfaceError is returned when decoding for an interface
// this package does not implement.
type UnknownInterfaceError struct {
	Interface string
}

func (err UnknownInterfaceError) Error() string {
	return fmt.Sprintf("unknown interface: %v", err.Interface)
}

type decoder func(msg *wire.Message) Request

var decoders = map[string][]decoder{
	Display.Name:    displayRequests,
	Registry.Name:   registryRequests,
	Callback.Name:   nil,
	Compositor.Name: compositorRequests,
	Surface.Name:    surfaceRequests,
	Region.Name:     regionRequests,
	Shm.Name:        shmRequests,
	ShmPool.Name:    shmPoolRequests,
	Buffer.Name:     bufferRequests,
	Output.Name:     outputRequests,
	Seat.Name:       seatRequests,
	Pointer.Name:    pointerRequests,
	Keyboard.Name:   keyboardRequests,
	Touch.Name:      touchRequests,
}

// Decode turns msg, sent to an object implementing iface, into a typed
// request. The whole body must be consumed.
func Decode(iface string, msg *wire.Message) (Request, error) {
	table, ok := decoders[iface]
	if !ok {
		return nil, UnknownInterfaceError{Interface: iface}
	}
	if int(msg.Opcode) >= len(table) {
		return nil, UnknownOpError{Interface: iface, Op: msg.Opcode}
	}

	req := table[msg.Opcode](msg)
	if err := msg.Done(); err != nil {
		return nil, fmt.Errorf("decode %v opcode %v: %w", iface, msg.Opcode, err)
	}
	return req, nil
}

// Lookup returns the implemented version of a named interface.
func Lookup(name string) (Interface, bool) {
	for _, iface := range []Interface{
		Display, Registry, Callback, Compositor, Surface, Region, Shm,
		ShmPool, Buffer, Output, Seat, Pointer, Keyboard, Touch,
	} {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}
