package protocol

import "github.com/bnema/wlkit/wire"

// Event constructors. The first argument is always the object the event
// is sent from.

func DisplayError(display, object, code uint32, message string) *wire.Builder {
	return wire.NewBuilder(display, 0).PutObject(object).PutUint(code).PutString(message)
}

func DisplayDeleteID(display, id uint32) *wire.Builder {
	return wire.NewBuilder(display, 1).PutUint(id)
}

func RegistryGlobal(registry, name uint32, iface string, version uint32) *wire.Builder {
	return wire.NewBuilder(registry, 0).PutUint(name).PutString(iface).PutUint(version)
}

func RegistryGlobalRemove(registry, name uint32) *wire.Builder {
	return wire.NewBuilder(registry, 1).PutUint(name)
}

func CallbackDone(callback, data uint32) *wire.Builder {
	return wire.NewBuilder(callback, 0).PutUint(data)
}

func SurfaceEnter(surface, output uint32) *wire.Builder {
	return wire.NewBuilder(surface, 0).PutObject(output)
}

func SurfaceLeave(surface, output uint32) *wire.Builder {
	return wire.NewBuilder(surface, 1).PutObject(output)
}

func ShmFormat(shm, format uint32) *wire.Builder {
	return wire.NewBuilder(shm, 0).PutUint(format)
}

func BufferRelease(buffer uint32) *wire.Builder {
	return wire.NewBuilder(buffer, 0)
}

// OutputGeometry describes the physical properties of an output.
type OutputGeometry struct {
	X, Y           int32
	PhysicalWidth  int32
	PhysicalHeight int32
	Subpixel       int32
	Make, Model    string
	Transform      int32
}

func OutputGeometryEvent(output uint32, g OutputGeometry) *wire.Builder {
	return wire.NewBuilder(output, 0).
		PutInt(g.X).
		PutInt(g.Y).
		PutInt(g.PhysicalWidth).
		PutInt(g.PhysicalHeight).
		PutInt(g.Subpixel).
		PutString(g.Make).
		PutString(g.Model).
		PutInt(g.Transform)
}

// wl_output.mode flags.
const (
	OutputModeCurrent   uint32 = 0x1
	OutputModePreferred uint32 = 0x2
)

// OutputMode sends a mode; refresh is in mHz.
func OutputMode(output, flags uint32, width, height, refresh int32) *wire.Builder {
	return wire.NewBuilder(output, 1).PutUint(flags).PutInt(width).PutInt(height).PutInt(refresh)
}

func OutputDone(output uint32) *wire.Builder {
	return wire.NewBuilder(output, 2)
}

func OutputScale(output uint32, factor int32) *wire.Builder {
	return wire.NewBuilder(output, 3).PutInt(factor)
}

func SeatCapabilities(seat, caps uint32) *wire.Builder {
	return wire.NewBuilder(seat, 0).PutUint(caps)
}

func SeatName(seat uint32, name string) *wire.Builder {
	return wire.NewBuilder(seat, 1).PutString(name)
}

// wl_pointer.button_state and wl_keyboard.key_state values.
const (
	Released uint32 = 0
	Pressed  uint32 = 1
)

// wl_pointer.axis values.
const (
	AxisVertical   uint32 = 0
	AxisHorizontal uint32 = 1
)

func PointerEnter(pointer, serial, surface uint32, x, y wire.Fixed) *wire.Builder {
	return wire.NewBuilder(pointer, 0).PutUint(serial).PutObject(surface).PutFixed(x).PutFixed(y)
}

func PointerLeave(pointer, serial, surface uint32) *wire.Builder {
	return wire.NewBuilder(pointer, 1).PutUint(serial).PutObject(surface)
}

func PointerMotion(pointer, time uint32, x, y wire.Fixed) *wire.Builder {
	return wire.NewBuilder(pointer, 2).PutUint(time).PutFixed(x).PutFixed(y)
}

func PointerButton(pointer, serial, time, button, state uint32) *wire.Builder {
	return wire.NewBuilder(pointer, 3).PutUint(serial).PutUint(time).PutUint(button).PutUint(state)
}

func PointerAxis(pointer, time, axis uint32, value wire.Fixed) *wire.Builder {
	return wire.NewBuilder(pointer, 4).PutUint(time).PutUint(axis).PutFixed(value)
}

func PointerFrame(pointer uint32) *wire.Builder {
	return wire.NewBuilder(pointer, 5)
}

// wl_keyboard.keymap_format values.
const (
	KeymapNoKeymap uint32 = 0
	KeymapXKBV1    uint32 = 1
)

func KeyboardKeymap(keyboard, format uint32, fd int, size uint32) *wire.Builder {
	return wire.NewBuilder(keyboard, 0).PutUint(format).PutFD(fd).PutUint(size)
}

// KeyboardEnter sends the pressed keys as an array of uint32 codes.
func KeyboardEnter(keyboard, serial, surface uint32, keys []uint32) *wire.Builder {
	arr := make([]byte, 0, 4*len(keys))
	for _, k := range keys {
		arr = wire.AppendUint(arr, k)
	}
	return wire.NewBuilder(keyboard, 1).PutUint(serial).PutObject(surface).PutArray(arr)
}

func KeyboardLeave(keyboard, serial, surface uint32) *wire.Builder {
	return wire.NewBuilder(keyboard, 2).PutUint(serial).PutObject(surface)
}

func KeyboardKey(keyboard, serial, time, key, state uint32) *wire.Builder {
	return wire.NewBuilder(keyboard, 3).PutUint(serial).PutUint(time).PutUint(key).PutUint(state)
}

func KeyboardModifiers(keyboard, serial, depressed, latched, locked, group uint32) *wire.Builder {
	return wire.NewBuilder(keyboard, 4).
		PutUint(serial).
		PutUint(depressed).
		PutUint(latched).
		PutUint(locked).
		PutUint(group)
}

func KeyboardRepeatInfo(keyboard uint32, rate, delay int32) *wire.Builder {
	return wire.NewBuilder(keyboard, 5).PutInt(rate).PutInt(delay)
}

func TouchDown(touch, serial, time, surface uint32, id int32, x, y wire.Fixed) *wire.Builder {
	return wire.NewBuilder(touch, 0).
		PutUint(serial).
		PutUint(time).
		PutObject(surface).
		PutInt(id).
		PutFixed(x).
		PutFixed(y)
}

func TouchUp(touch, serial, time uint32, id int32) *wire.Builder {
	return wire.NewBuilder(touch, 1).PutUint(serial).PutUint(time).PutInt(id)
}

func TouchMotion(touch, time uint32, id int32, x, y wire.Fixed) *wire.Builder {
	return wire.NewBuilder(touch, 2).PutUint(time).PutInt(id).PutFixed(x).PutFixed(y)
}

func TouchFrame(touch uint32) *wire.Builder {
	return wire.NewBuilder(touch, 3)
}

func TouchCancel(touch uint32) *wire.Builder {
	return wire.NewBuilder(touch, 4)
}
