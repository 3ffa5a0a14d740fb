package wire

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// maxFDsPerMessage bounds the ancillary buffer, matching libwayland.
const maxFDsPerMessage = 28

// DefaultReadLimit caps the receive buffer of a Conn.
const DefaultReadLimit = 64 * MaxMessageSize

// Conn is a non-blocking Wayland connection. It is not safe for
// concurrent use; it lives on the reactor thread.
type Conn struct {
	fd     int
	in     []byte
	inFDs  []int
	out    []byte
	outFDs []int
	closed bool
	limit  int
}

// NewConn takes ownership of a connected unix stream socket.
func NewConn(fd int) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Conn{fd: fd, limit: DefaultReadLimit}, nil
}

// Pair returns two connected Conns. It is used by tests and by
// embedders spawning clients with WAYLAND_SOCKET.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := NewConn(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := NewConn(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// Fd returns the socket descriptor for readiness polling.
func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) popFD() (int, bool) {
	if len(c.inFDs) == 0 {
		return -1, false
	}
	fd := c.inFDs[0]
	c.inFDs = c.inFDs[1:]
	return fd, true
}

// SetReadLimit bounds how much Fill buffers. Anything beyond it stays
// in the socket until the buffered messages are consumed. The limit is
// at least MaxMessageSize; n <= 0 restores DefaultReadLimit.
func (c *Conn) SetReadLimit(n int) {
	if n <= 0 {
		n = DefaultReadLimit
	}
	c.limit = max(n, MaxMessageSize)
}

// Fill reads what is available, up to the read limit. It returns io.EOF
// once the peer has closed the connection and all data has been read.
func (c *Conn) Fill() error {
	buf := make([]byte, MaxMessageSize)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerMessage*4))

	for len(c.in) < c.limit {
		want := min(len(buf), c.limit-len(c.in))
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf[:want], oob, unix.MSG_CMSG_CLOEXEC|unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("recvmsg: %w", err)
		}

		if oobn > 0 {
			if err := c.parseRights(oob[:oobn]); err != nil {
				return err
			}
		}
		if n == 0 {
			return io.EOF
		}
		c.in = append(c.in, buf[:n]...)
	}
	return nil
}

func (c *Conn) parseRights(oob []byte) error {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse socket control messages: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			if errors.Is(err, unix.EINVAL) {
				continue
			}
			return fmt.Errorf("parse unix control message: %w", err)
		}
		c.inFDs = append(c.inFDs, fds...)
	}
	return nil
}

// Next frames the next complete message out of the receive buffer. It
// returns nil without error when more data is needed.
func (c *Conn) Next() (*Message, error) {
	if len(c.in) < headerSize {
		return nil, nil
	}

	sender := byteOrder.Uint32(c.in[0:])
	word := byteOrder.Uint32(c.in[4:])
	size := int(word >> 16)
	if size < headerSize || size%4 != 0 {
		return nil, fmt.Errorf("invalid message size %d", size)
	}
	if len(c.in) < size {
		return nil, nil
	}

	body := make([]byte, size-headerSize)
	copy(body, c.in[headerSize:size])
	c.in = c.in[size:]
	if len(c.in) == 0 {
		c.in = nil
	}

	return &Message{
		Sender: sender,
		Opcode: uint16(word & 0xFFFF),
		data:   body,
		fds:    c,
	}, nil
}

// Write queues a message for sending.
func (c *Conn) Write(b *Builder) error {
	if c.closed {
		b.Discard()
		return io.ErrClosedPipe
	}
	if b.err != nil {
		b.Discard()
		return b.err
	}
	c.out = append(c.out, b.Bytes()...)
	c.outFDs = append(c.outFDs, b.fds...)
	b.fds = nil
	return nil
}

// Buffered reports whether a complete message is waiting in the
// receive buffer.
func (c *Conn) Buffered() bool {
	if len(c.in) < headerSize {
		return false
	}
	size := int(byteOrder.Uint32(c.in[4:]) >> 16)
	return len(c.in) >= size
}

// Pending reports whether queued output remains.
func (c *Conn) Pending() bool {
	return len(c.out) > 0
}

// Flush sends queued output. It returns an error wrapping unix.EAGAIN
// when the socket buffer is full; the caller should wait for
// writability and retry.
func (c *Conn) Flush() error {
	for len(c.out) > 0 {
		var oob []byte
		fds := c.outFDs
		if len(fds) > maxFDsPerMessage {
			fds = fds[:maxFDsPerMessage]
		}
		if len(fds) > 0 {
			oob = unix.UnixRights(fds...)
		}

		// Send at most one chunk per batch of descriptors so that the
		// peer receives each fd with bytes it can associate it with.
		chunk := c.out
		if len(c.outFDs) > maxFDsPerMessage && len(chunk) > MaxMessageSize {
			chunk = chunk[:MaxMessageSize]
		}

		n, err := unix.SendmsgN(c.fd, chunk, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return fmt.Errorf("flush: %w", err)
			}
			return fmt.Errorf("sendmsg: %w", err)
		}

		for _, fd := range fds {
			unix.Close(fd)
		}
		c.outFDs = c.outFDs[len(fds):]
		c.out = c.out[n:]
	}
	c.out = nil
	return nil
}

// Close closes the socket and any descriptors not yet consumed.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, fd := range c.inFDs {
		unix.Close(fd)
	}
	for _, fd := range c.outFDs {
		unix.Close(fd)
	}
	c.inFDs, c.outFDs = nil, nil
	return unix.Close(c.fd)
}
