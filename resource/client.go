package resource

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/protocol"
	"github.com/bnema/wlkit/wire"
)

const (
	displayID = 1
	// Ids at or above this value are allocated by the server.
	serverIDBase = 0xff000000
)

type object interface {
	ID() uint32
	Interface() string
	handle(req protocol.Request) error
	destroy()
}

// base holds the fields every resource shares.
type base struct {
	id      uint32
	version uint32
	client  *Client
}

func (b *base) ID() uint32 {
	return b.id
}

func (b *base) Version() uint32 {
	return b.version
}

func (b *base) Client() *Client {
	return b.client
}

// Client is one connected peer and the objects it owns.
type Client struct {
	server     *Server
	conn       *wire.Conn
	objects    map[uint32]object
	registries []*registry
	closed     bool
	eof        bool

	// Data is reserved for the embedder.
	Data any
}

func newClient(s *Server, conn *wire.Conn) *Client {
	c := &Client{
		server:  s,
		conn:    conn,
		objects: make(map[uint32]object),
	}
	c.objects[displayID] = &display{base: base{id: displayID, version: 1, client: c}}
	return c
}

func (c *Client) Conn() *wire.Conn {
	return c.conn
}

func (c *Client) Server() *Server {
	return c.server
}

// Closed reports whether the client has been disconnected.
func (c *Client) Closed() bool {
	return c.closed
}

// Dispatch reads whatever the socket holds and handles buffered
// requests in arrival order, up to the server's per-dispatch budget. It
// reports whether complete requests remain buffered. A ProtocolError has
// already been posted to the client when it is returned; io.EOF means
// the peer hung up. Either way the caller should remove the client.
func (c *Client) Dispatch() (more bool, err error) {
	if c.closed {
		return false, io.ErrClosedPipe
	}

	if err := c.conn.Fill(); err != nil {
		if !errors.Is(err, io.EOF) {
			return false, err
		}
		c.eof = true
	}

	budget := c.server.budget
	for n := 0; budget <= 0 || n < budget; n++ {
		msg, err := c.conn.Next()
		if err != nil {
			return false, c.PostError(wlkit.Protocolf(displayID, protocol.ErrInvalidMethod, "%v", err))
		}
		if msg == nil {
			break
		}
		if err := c.dispatch(msg); err != nil {
			return false, err
		}
		if c.closed {
			return false, io.ErrClosedPipe
		}
	}

	if c.conn.Buffered() {
		return true, nil
	}
	if c.eof {
		return false, io.EOF
	}
	return false, nil
}

func (c *Client) dispatch(msg *wire.Message) error {
	obj, ok := c.objects[msg.Sender]
	if !ok {
		return c.PostError(wlkit.Protocolf(displayID, protocol.ErrInvalidObject, "invalid object %d", msg.Sender))
	}

	req, err := protocol.Decode(obj.Interface(), msg)
	if err != nil {
		return c.PostError(wlkit.Protocolf(msg.Sender, protocol.ErrInvalidMethod, "%v@%d: %v", obj.Interface(), msg.Sender, err))
	}

	if err := obj.handle(req); err != nil {
		var perr *wlkit.ProtocolError
		if errors.As(err, &perr) {
			return c.PostError(perr)
		}
		return fmt.Errorf("%v@%d: %w", obj.Interface(), msg.Sender, err)
	}
	return nil
}

// PostError sends err as wl_display.error and flushes it. The client
// must be removed afterwards. It returns err.
func (c *Client) PostError(err *wlkit.ProtocolError) error {
	c.server.log.Warn("protocol error", "object", err.Object, "code", err.Code, "msg", err.Message)
	c.send(protocol.DisplayError(displayID, err.Object, err.Code, err.Message))
	c.Flush()
	return err
}

// Flush sends queued events. A full socket buffer is reported as a
// transient error.
func (c *Client) Flush() error {
	if c.closed {
		return io.ErrClosedPipe
	}
	return c.conn.Flush()
}

func (c *Client) send(b *wire.Builder) {
	if c.closed {
		b.Discard()
		return
	}
	if err := c.conn.Write(b); err != nil {
		c.server.log.Debug("dropping event", "object", b.Sender(), "opcode", b.Opcode(), "err", err)
	}
}

// checkID validates a client allocated new_id.
func (c *Client) checkID(id uint32) error {
	if id == 0 || id >= serverIDBase {
		return wlkit.Protocolf(displayID, protocol.ErrInvalidObject, "invalid new id %d", id)
	}
	if _, ok := c.objects[id]; ok {
		return wlkit.Protocolf(displayID, protocol.ErrInvalidObject, "id %d already in use", id)
	}
	return nil
}

func (c *Client) add(obj object) {
	c.objects[obj.ID()] = obj
}

// remove destroys a client object and acknowledges the id.
func (c *Client) remove(id uint32) {
	obj, ok := c.objects[id]
	if !ok {
		return
	}
	delete(c.objects, id)
	obj.destroy()
	if id < serverIDBase {
		c.send(protocol.DisplayDeleteID(displayID, id))
	}
}

// lookup returns the object with the given id if it implements T.
func lookup[T object](c *Client, id uint32) (T, bool) {
	obj, ok := c.objects[id].(T)
	return obj, ok
}

func (c *Client) destroy() int {
	if c.closed {
		return 0
	}
	c.closed = true

	ids := slices.Sorted(maps.Keys(c.objects))
	for _, id := range ids {
		c.objects[id].destroy()
	}
	clear(c.objects)
	c.registries = nil
	c.conn.Close()
	return len(ids)
}
