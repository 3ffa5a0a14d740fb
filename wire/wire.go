// Package wire frames Wayland messages over non-blocking unix sockets.
// It knows nothing about interfaces: package protocol turns messages
// into typed requests and events into messages.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// byteOrder is the host byte order, which the wire protocol uses.
var byteOrder = binary.NativeEndian

const (
	headerSize = 8

	// MaxMessageSize is the largest message the protocol can express.
	MaxMessageSize = 4096
)

var (
	ErrShortMessage = errors.New("message too short")
	ErrNoFD         = errors.New("no file descriptor available")
)

// Fixed is a signed 24.8 fixed-point number.
type Fixed int32

func FixedInt(v int) Fixed {
	return Fixed(v << 8)
}

func FixedFloat(v float64) Fixed {
	return Fixed(math.Round(v * 256))
}

func (f Fixed) Int() int {
	return int(f >> 8)
}

func (f Fixed) Float() float64 {
	return float64(f) / 256
}

func (f Fixed) String() string {
	return fmt.Sprint(f.Float())
}

// AppendUint appends v to b in wire byte order. It is used to build
// array arguments.
func AppendUint(b []byte, v uint32) []byte {
	return byteOrder.AppendUint32(b, v)
}

func padding(n uint32) uint32 {
	return (4 - n%4) % 4
}

// fdSource hands out file descriptors in arrival order.
type fdSource interface {
	popFD() (int, bool)
}

// Message is a received message whose arguments are decoded on
// demand. Decoding errors are sticky and reported by Err.
type Message struct {
	Sender uint32
	Opcode uint16

	data []byte
	off  int
	fds  fdSource
	err  error
}

// NewMessage wraps an already framed body, for tests and replay.
func NewMessage(sender uint32, opcode uint16, body []byte) *Message {
	return &Message{Sender: sender, Opcode: opcode, data: body}
}

// Size is the total message size including the header.
func (m *Message) Size() int {
	return headerSize + len(m.data)
}

// Err reports the first decoding error.
func (m *Message) Err() error {
	return m.err
}

// Done reports an error if the body was not fully consumed.
func (m *Message) Done() error {
	if m.err != nil {
		return m.err
	}
	if m.off != len(m.data) {
		return fmt.Errorf("%d trailing bytes in message", len(m.data)-m.off)
	}
	return nil
}

func (m *Message) word() uint32 {
	if m.err != nil {
		return 0
	}
	if len(m.data)-m.off < 4 {
		m.err = ErrShortMessage
		return 0
	}
	v := byteOrder.Uint32(m.data[m.off:])
	m.off += 4
	return v
}

func (m *Message) Uint() uint32 {
	return m.word()
}

func (m *Message) Int() int32 {
	return int32(m.word())
}

func (m *Message) Fixed() Fixed {
	return Fixed(int32(m.word()))
}

// Object reads an object id. Zero means null.
func (m *Message) Object() uint32 {
	return m.word()
}

// NewID reads a new_id argument of a statically typed interface.
func (m *Message) NewID() uint32 {
	return m.word()
}

func (m *Message) bytes() []byte {
	n := m.word()
	if m.err != nil {
		return nil
	}
	total := int(n + padding(n))
	if n > MaxMessageSize || len(m.data)-m.off < total {
		m.err = ErrShortMessage
		return nil
	}
	b := m.data[m.off : m.off+int(n)]
	m.off += total
	return b
}

// String reads a string. The empty result also covers a null string.
func (m *Message) String() string {
	b := m.bytes()
	if m.err != nil || len(b) == 0 {
		return ""
	}
	if b[len(b)-1] != 0 {
		m.err = errors.New("string is not null-terminated")
		return ""
	}
	return string(b[:len(b)-1])
}

func (m *Message) Array() []byte {
	b := m.bytes()
	if m.err != nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// FD takes the next file descriptor received on the connection. The
// caller owns the returned file.
func (m *Message) FD() *os.File {
	if m.err != nil {
		return nil
	}
	if m.fds == nil {
		m.err = ErrNoFD
		return nil
	}
	fd, ok := m.fds.popFD()
	if !ok {
		m.err = ErrNoFD
		return nil
	}
	return os.NewFile(uintptr(fd), "wayland-fd")
}

// Builder assembles an outgoing message.
type Builder struct {
	sender uint32
	opcode uint16
	data   []byte
	fds    []int
	err    error
}

func NewBuilder(sender uint32, opcode uint16) *Builder {
	return &Builder{sender: sender, opcode: opcode, data: make([]byte, headerSize, 32)}
}

func (b *Builder) Sender() uint32 {
	return b.sender
}

func (b *Builder) Opcode() uint16 {
	return b.opcode
}

func (b *Builder) PutUint(v uint32) *Builder {
	b.data = byteOrder.AppendUint32(b.data, v)
	return b
}

func (b *Builder) PutInt(v int32) *Builder {
	return b.PutUint(uint32(v))
}

func (b *Builder) PutFixed(v Fixed) *Builder {
	return b.PutUint(uint32(v))
}

func (b *Builder) PutObject(id uint32) *Builder {
	return b.PutUint(id)
}

func (b *Builder) PutString(s string) *Builder {
	n := uint32(len(s) + 1)
	b.PutUint(n)
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	for i := uint32(0); i < padding(n); i++ {
		b.data = append(b.data, 0)
	}
	return b
}

func (b *Builder) PutArray(v []byte) *Builder {
	n := uint32(len(v))
	b.PutUint(n)
	b.data = append(b.data, v...)
	for i := uint32(0); i < padding(n); i++ {
		b.data = append(b.data, 0)
	}
	return b
}

// PutFD queues a duplicate of fd to be sent with the message. The
// duplicate is closed once sent.
func (b *Builder) PutFD(fd int) *Builder {
	if b.err != nil {
		return b
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		b.err = fmt.Errorf("dup fd %d: %w", fd, err)
		return b
	}
	b.fds = append(b.fds, dup)
	return b
}

// Err reports a failure while building.
func (b *Builder) Err() error {
	return b.err
}

// Discard closes any descriptors held by an unsent builder.
func (b *Builder) Discard() {
	for _, fd := range b.fds {
		unix.Close(fd)
	}
	b.fds = nil
}

// Bytes returns the framed message.
func (b *Builder) Bytes() []byte {
	byteOrder.PutUint32(b.data[0:], b.sender)
	byteOrder.PutUint32(b.data[4:], uint32(len(b.data))<<16|uint32(b.opcode))
	return b.data
}

// Body returns the message without its header. Tests use it to build a
// Message from a Builder.
func (b *Builder) Body() []byte {
	return b.data[headerSize:]
}
