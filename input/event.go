package input

import (
	"fmt"
	"time"
)

type DeviceID uint32

type EventType int

const (
	KeyboardKey EventType = iota
	PointerMotion
	PointerMotionAbsolute
	PointerButton
	PointerAxis
	TouchDown
	TouchMotion
	TouchUp
	TouchFrame
	DeviceAdded
	DeviceRemoved
)

var eventTypeNames = [...]string{
	KeyboardKey:           "keyboard-key",
	PointerMotion:         "pointer-motion",
	PointerMotionAbsolute: "pointer-motion-absolute",
	PointerButton:         "pointer-button",
	PointerAxis:           "pointer-axis",
	TouchDown:             "touch-down",
	TouchMotion:           "touch-motion",
	TouchUp:               "touch-up",
	TouchFrame:            "touch-frame",
	DeviceAdded:           "device-added",
	DeviceRemoved:         "device-removed",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

type Axis int

const (
	AxisVertical Axis = iota
	AxisHorizontal
)

// Event is one input event. Which fields are meaningful depends on Type.
type Event struct {
	Type   EventType
	Device DeviceID
	// Time is CLOCK_MONOTONIC.
	Time time.Duration

	// Code is the raw evdev key or button code.
	Code    uint16
	Pressed bool

	// Dx, Dy are relative motion. X, Y are absolute coordinates,
	// normalized to [0,1] when the device reports its range.
	Dx, Dy float64
	X, Y   float64

	Axis  Axis
	Value float64

	Slot int32
}

func (e Event) String() string {
	switch e.Type {
	case KeyboardKey, PointerButton:
		return fmt.Sprintf("%s dev=%d code=%d pressed=%t", e.Type, e.Device, e.Code, e.Pressed)
	case PointerMotion:
		return fmt.Sprintf("%s dev=%d dx=%g dy=%g", e.Type, e.Device, e.Dx, e.Dy)
	case PointerMotionAbsolute, TouchDown, TouchMotion:
		return fmt.Sprintf("%s dev=%d slot=%d x=%g y=%g", e.Type, e.Device, e.Slot, e.X, e.Y)
	case PointerAxis:
		return fmt.Sprintf("%s dev=%d axis=%d value=%g", e.Type, e.Device, e.Axis, e.Value)
	default:
		return fmt.Sprintf("%s dev=%d", e.Type, e.Device)
	}
}
