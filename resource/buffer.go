package resource

import (
	"os"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/protocol"
)

// mapping is a reference counted mmap of a client pool. A resized pool
// gets a new mapping; buffers keep the one they were created from.
type mapping struct {
	data []byte
	refs int
}

func mapPool(f *os.File, size int32) (*mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &mapping{data: data, refs: 1}, nil
}

func (m *mapping) unref() {
	m.refs--
	if m.refs == 0 {
		unix.Munmap(m.data)
		m.data = nil
	}
}

type shm struct {
	base
}

func (s *Server) bindShm(c *Client, id, version uint32) (object, error) {
	obj := &shm{base: base{id: id, version: version, client: c}}
	for _, f := range s.formats {
		c.send(protocol.ShmFormat(id, f))
	}
	return obj, nil
}

func (sh *shm) Interface() string {
	return protocol.Shm.Name
}

func (sh *shm) handle(req protocol.Request) error {
	create, ok := req.(protocol.ShmCreatePool)
	if !ok {
		return nil
	}
	defer create.FD.Close()

	c := sh.client
	if err := c.checkID(create.ID); err != nil {
		return err
	}
	if create.Size <= 0 {
		return wlkit.Protocolf(sh.id, protocol.ShmErrInvalidStride, "invalid pool size %d", create.Size)
	}

	mem, err := mapPool(create.FD, create.Size)
	if err != nil {
		return wlkit.Protocolf(sh.id, protocol.ShmErrInvalidFD, "mmap failed: %v", err)
	}
	// The descriptor is kept for resizes; the request's copy is closed.
	f, err := dupFile(create.FD)
	if err != nil {
		mem.unref()
		return wlkit.Protocolf(sh.id, protocol.ShmErrInvalidFD, "dup failed: %v", err)
	}

	c.add(&shmPool{
		base: base{id: create.ID, version: sh.version, client: c},
		file: f,
		mem:  mem,
		size: create.Size,
	})
	return nil
}

func (sh *shm) destroy() {}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

type shmPool struct {
	base
	file *os.File
	mem  *mapping
	size int32
}

func (p *shmPool) Interface() string {
	return protocol.ShmPool.Name
}

func (p *shmPool) handle(req protocol.Request) error {
	c := p.client
	switch req := req.(type) {
	case protocol.ShmPoolCreateBuffer:
		if err := c.checkID(req.ID); err != nil {
			return err
		}
		if !slices.Contains(c.server.formats, req.Format) {
			return wlkit.Protocolf(p.id, protocol.ShmErrInvalidFormat, "unsupported format 0x%x", req.Format)
		}
		if req.Offset < 0 || req.Width <= 0 || req.Height <= 0 ||
			req.Stride < req.Width*4 || int64(req.Offset)+int64(req.Stride)*int64(req.Height) > int64(p.size) {
			return wlkit.Protocolf(p.id, protocol.ShmErrInvalidStride,
				"invalid buffer %dx%d stride %d offset %d in pool of %d bytes",
				req.Width, req.Height, req.Stride, req.Offset, p.size)
		}

		p.mem.refs++
		c.add(&Buffer{
			base:   base{id: req.ID, version: 1, client: c},
			mem:    p.mem,
			offset: req.Offset,
			width:  req.Width,
			height: req.Height,
			stride: req.Stride,
			format: req.Format,
		})

	case protocol.ShmPoolResize:
		if req.Size < p.size {
			return wlkit.Protocolf(p.id, protocol.ShmErrInvalidStride, "shrinking pool from %d to %d", p.size, req.Size)
		}
		if req.Size == p.size {
			return nil
		}
		mem, err := mapPool(p.file, req.Size)
		if err != nil {
			return wlkit.Protocolf(p.id, protocol.ShmErrInvalidFD, "mmap failed: %v", err)
		}
		p.mem.unref()
		p.mem, p.size = mem, req.Size

	case protocol.ShmPoolDestroy:
		c.remove(p.id)
	}
	return nil
}

func (p *shmPool) destroy() {
	if p.mem != nil {
		p.mem.unref()
		p.mem = nil
	}
	p.file.Close()
}

// Buffer is a wl_buffer backed by shm memory.
//
// A buffer becomes busy when a commit makes it current. It is released,
// exactly once per busy period, when no surface holds it as current and
// no presentation holds a lock on it. Its memory stays mapped until then
// even if the client destroys it.
type Buffer struct {
	base
	mem    *mapping
	offset int32
	width  int32
	height int32
	stride int32
	format uint32

	refs      int
	locks     int
	busy      bool
	destroyed bool
	releases  int
}

func (b *Buffer) Interface() string {
	return protocol.Buffer.Name
}

func (b *Buffer) Width() int     { return int(b.width) }
func (b *Buffer) Height() int    { return int(b.height) }
func (b *Buffer) Stride() int    { return int(b.stride) }
func (b *Buffer) Format() uint32 { return b.format }

// Data returns the pixel memory. It is nil once the buffer is neither
// alive nor in use.
func (b *Buffer) Data() []byte {
	if b.mem == nil || b.mem.data == nil {
		return nil
	}
	end := int(b.offset) + int(b.stride)*int(b.height)
	return b.mem.data[b.offset:end:end]
}

// Busy reports whether the client is still waiting for a release.
func (b *Buffer) Busy() bool {
	return b.busy
}

// Releases counts the wl_buffer.release events sent.
func (b *Buffer) Releases() int {
	return b.releases
}

// Lock pins the buffer for a presentation. The buffer is not released
// before every lock is unlocked.
func (b *Buffer) Lock() *BufferLock {
	b.locks++
	return &BufferLock{buf: b}
}

// BufferLock is a presentation hold on a Buffer.
type BufferLock struct {
	buf *Buffer
}

// Unlock drops the hold. Only the first call has an effect.
func (l *BufferLock) Unlock() {
	b := l.buf
	if b == nil {
		return
	}
	l.buf = nil
	b.locks--
	b.settle()
}

func (b *Buffer) ref() {
	b.refs++
	b.busy = true
}

func (b *Buffer) unref() {
	b.refs--
	b.settle()
}

func (b *Buffer) settle() {
	if b.refs > 0 || b.locks > 0 {
		return
	}
	if b.busy {
		b.busy = false
		if !b.destroyed && !b.client.closed {
			b.releases++
			b.client.send(protocol.BufferRelease(b.id))
		}
	}
	if b.destroyed {
		b.free()
	}
}

func (b *Buffer) free() {
	if b.mem != nil {
		b.mem.unref()
		b.mem = nil
	}
}

func (b *Buffer) handle(req protocol.Request) error {
	if _, ok := req.(protocol.BufferDestroy); ok {
		b.client.remove(b.id)
	}
	return nil
}

func (b *Buffer) destroy() {
	b.destroyed = true
	if b.refs == 0 && b.locks == 0 {
		b.free()
	}
}
