package input

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"unsafe"
)

// ioctl macro helpers
const (
	_IOC_READ  = 2
	_IOC_WRITE = 1
)

// EVIOCGBIT calculates the ioctl value for getting event bits
func EVIOCGBIT(ev uint, len int) uintptr {
	// _IOC(_IOC_READ, 'E', 0x20 + (ev), len)
	return uintptr(((_IOC_READ) << 30) | (('E') << 8) | (0x20 + int(ev)) | ((len) << 16))
}

// EVIOCGABS calculates the ioctl value for reading an axis range
func EVIOCGABS(abs uint) uintptr {
	// _IOR('E', 0x40 + (abs), struct input_absinfo)
	return uintptr((_IOC_READ << 30) | ('E' << 8) | (0x40 + int(abs)) | (24 << 16))
}

// EVIOCSCLOCKID is _IOW('E', 0xa0, int).
const EVIOCSCLOCKID = (_IOC_WRITE << 30) | (4 << 16) | ('E' << 8) | 0xa0

// Event types
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_ABS = 0x03
)

// Codes used for classification and decoding
const (
	SYN_REPORT  = 0x00
	SYN_DROPPED = 0x03

	REL_X      = 0x00
	REL_Y      = 0x01
	REL_HWHEEL = 0x06
	REL_WHEEL  = 0x08

	ABS_X              = 0x00
	ABS_Y              = 0x01
	ABS_MT_SLOT        = 0x2f
	ABS_MT_POSITION_X  = 0x35
	ABS_MT_POSITION_Y  = 0x36
	ABS_MT_TRACKING_ID = 0x39

	KEY_ESC         = 0x01
	KEY_A           = 0x1e
	BTN_MISC        = 0x100
	BTN_LEFT        = 0x110
	BTN_TOUCH       = 0x14a
	BTN_TOOL_PEN    = 0x140
	BTN_TOOL_FINGER = 0x145
	BTN_GEAR_UP     = 0x151
)

// Capabilities of a device.
type Capabilities uint8

const (
	CapKeyboard Capabilities = 1 << iota
	CapPointer
	CapTouch
)

func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

func (c Capabilities) String() string {
	var parts []string
	if c.Has(CapKeyboard) {
		parts = append(parts, "keyboard")
	}
	if c.Has(CapPointer) {
		parts = append(parts, "pointer")
	}
	if c.Has(CapTouch) {
		parts = append(parts, "touch")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// bitmask is a kernel capability bitmap.
type bitmask []uint64

func (b bitmask) has(bit int) bool {
	i := bit / 64
	return i < len(b) && b[i]&(1<<(bit%64)) != 0
}

func (b bitmask) any(from, to int) bool {
	for bit := from; bit <= to; bit++ {
		if b.has(bit) {
			return true
		}
	}
	return false
}

// parseBitmask decodes a sysfs capability file: hex words separated by
// spaces, most significant first.
func parseBitmask(s string) bitmask {
	words := strings.Fields(s)
	b := make(bitmask, len(words))
	for i, w := range words {
		v, err := strconv.ParseUint(w, 16, 64)
		if err != nil {
			return nil
		}
		b[len(words)-1-i] = v
	}
	return b
}

func bytesToBitmask(buf []byte) bitmask {
	b := make(bitmask, (len(buf)+7)/8)
	for i, v := range buf {
		b[i/8] |= uint64(v) << (8 * (i % 8))
	}
	return b
}

type capBits struct {
	ev, key, rel, abs bitmask
}

// classify maps capability bits to seat capabilities.
func classify(c capBits) Capabilities {
	var caps Capabilities
	if c.ev.has(EV_KEY) && c.key.any(KEY_ESC, KEY_A+20) {
		caps |= CapKeyboard
	}
	if c.ev.has(EV_REL) && c.rel.has(REL_X) && c.rel.has(REL_Y) {
		caps |= CapPointer
	}
	if c.ev.has(EV_ABS) {
		multitouch := c.abs.has(ABS_MT_POSITION_X) && c.abs.has(ABS_MT_POSITION_Y)
		switch {
		case multitouch && !c.key.has(BTN_TOOL_FINGER):
			caps |= CapTouch
		case c.abs.has(ABS_X) && c.abs.has(ABS_Y) && (c.key.has(BTN_LEFT) || c.key.has(BTN_TOOL_FINGER)):
			// touchpads and tablets drive the pointer
			caps |= CapPointer
		}
	}
	return caps
}

// sysfsCaps reads the capability files of an event node.
// Probe classifies an evdev node from its sysfs capability bitmaps
// without opening it. ok is false when sysfs has no bitmaps for node.
func Probe(sysfs, node string) (caps Capabilities, ok bool) {
	bits, ok := sysfsCaps(sysfs, node)
	if !ok {
		return 0, false
	}
	return classify(bits), true
}

func sysfsCaps(sysfs, node string) (capBits, bool) {
	dir := filepath.Join(sysfs, "class", "input", filepath.Base(node), "device", "capabilities")
	read := func(name string) bitmask {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil
		}
		return parseBitmask(string(data))
	}
	c := capBits{ev: read("ev"), key: read("key"), rel: read("rel"), abs: read("abs")}
	return c, c.ev != nil
}

// ioctlCaps queries the capability bits from an open device.
func ioctlCaps(fd int) (capBits, bool) {
	get := func(ev uint, size int) bitmask {
		buf := make([]byte, size)
		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL,
			uintptr(fd),
			EVIOCGBIT(ev, len(buf)),
			uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
			return nil
		}
		return bytesToBitmask(buf)
	}
	c := capBits{
		ev:  get(0, 8),       // EV_MAX/8 + 1
		key: get(EV_KEY, 96), // KEY_MAX/8 + 1
		rel: get(EV_REL, 8),
		abs: get(EV_ABS, 8),
	}
	return c, c.ev != nil
}

// absRange reads the range of an absolute axis.
func absRange(fd int, code uint) (lo, hi int32, ok bool) {
	var info [6]int32 // value, minimum, maximum, fuzz, flat, resolution
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL,
		uintptr(fd),
		EVIOCGABS(code),
		uintptr(unsafe.Pointer(&info[0]))); errno != 0 {
		return 0, 0, false
	}
	return info[1], info[2], info[2] > info[1]
}
