// Package resource is the server side object model: clients, globals,
// surfaces and their double-buffered commit protocol, regions, shm
// buffers with their release contract, outputs and seats.
//
// Everything in this package is driven from the reactor goroutine and
// is not safe for concurrent use.
package resource

import (
	"errors"
	"io"
	"iter"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/protocol"
	"github.com/bnema/wlkit/wire"
)

// Hooks lets the embedder observe surface and client lifecycle. Any
// field may be nil.
type Hooks struct {
	OnNewSurface     func(*Surface)
	OnCommit         func(*Surface)
	OnMap            func(*Surface)
	OnUnmap          func(*Surface)
	OnDestroySurface func(*Surface)
	OnClientGone     func(*Client)
}

// Global is an object advertised through wl_registry.
type Global struct {
	name    uint32
	iface   protocol.Interface
	bind    func(c *Client, id, version uint32) (object, error)
	removed bool
}

func (g *Global) Name() uint32 {
	return g.name
}

func (g *Global) Interface() protocol.Interface {
	return g.iface
}

// Server owns every client and the globals they can bind.
type Server struct {
	log     *log.Logger
	hooks   Hooks
	budget  int
	formats []uint32

	clients  []*Client
	globals  []*Global
	nextName uint32
	serial   uint32

	surfaces Arena[*Surface]
	order    []Handle

	outputs []*Output
	seat    *Seat
}

type Option func(*Server)

func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// WithMaxRequests bounds the number of requests handled per client per
// dispatch. Zero means unbounded.
func WithMaxRequests(n int) Option {
	return func(s *Server) { s.budget = n }
}

// WithSeatName names the seat global.
func WithSeatName(name string) Option {
	return func(s *Server) { s.seat.name = name }
}

// NewServer creates a server advertising wl_compositor, wl_shm and
// wl_seat.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:     logger.With("resource"),
		formats: []uint32{protocol.FormatARGB8888, protocol.FormatXRGB8888},
	}
	s.seat = newSeat(s, "seat0")
	for _, opt := range opts {
		opt(s)
	}

	s.AddGlobal(protocol.Compositor, bindCompositor)
	s.AddGlobal(protocol.Shm, s.bindShm)
	s.seat.global = s.AddGlobal(protocol.Seat, s.seat.bind)
	return s
}

// NextSerial returns a fresh event serial.
func (s *Server) NextSerial() uint32 {
	s.serial++
	return s.serial
}

// AddGlobal advertises a new global to every registry.
func (s *Server) AddGlobal(iface protocol.Interface, bind func(c *Client, id, version uint32) (object, error)) *Global {
	s.nextName++
	g := &Global{name: s.nextName, iface: iface, bind: bind}
	s.globals = append(s.globals, g)

	for _, c := range s.clients {
		for _, r := range c.registries {
			r.announce(g)
		}
	}
	return g
}

// RemoveGlobal withdraws g. Objects already bound stay alive, and
// binds racing with the removal produce inert objects.
func (s *Server) RemoveGlobal(g *Global) {
	if g.removed {
		return
	}
	g.removed = true

	for _, c := range s.clients {
		for _, r := range c.registries {
			c.send(protocol.RegistryGlobalRemove(r.id, g.name))
		}
	}
}

func (s *Server) global(name uint32) *Global {
	for _, g := range s.globals {
		if g.name == name {
			return g
		}
	}
	return nil
}

// AddClient takes ownership of conn.
func (s *Server) AddClient(conn *wire.Conn) *Client {
	if s.budget > 0 {
		conn.SetReadLimit(s.budget * wire.MaxMessageSize)
	}
	c := newClient(s, conn)
	s.clients = append(s.clients, c)
	s.log.Debug("client connected", "fd", conn.Fd())
	return c
}

// RemoveClient disconnects c and releases everything it owns.
func (s *Server) RemoveClient(c *Client) {
	idx := slices.Index(s.clients, c)
	if idx < 0 {
		return
	}
	s.clients = slices.Delete(s.clients, idx, idx+1)
	n := c.destroy()
	s.log.Debug("client disconnected", "objects", n)

	if s.hooks.OnClientGone != nil {
		s.hooks.OnClientGone(c)
	}
}

func (s *Server) Clients() []*Client {
	return slices.Clone(s.clients)
}

// Flush sends queued events to every client. Clients whose socket
// failed are returned so the caller can disconnect them.
func (s *Server) Flush() []*Client {
	var dead []*Client
	for _, c := range s.clients {
		err := c.Flush()
		if err == nil || wlkit.IsTransient(err) {
			continue
		}
		if !errors.Is(err, io.ErrClosedPipe) {
			s.log.Debug("flush failed", "err", err)
		}
		dead = append(dead, c)
	}
	return dead
}

// Surface resolves a handle. It reports false once the surface has
// been destroyed.
func (s *Server) Surface(h Handle) (*Surface, bool) {
	return s.surfaces.Get(h)
}

// Surfaces yields mapped surfaces bottom to top.
func (s *Server) Surfaces() iter.Seq[*Surface] {
	return func(yield func(*Surface) bool) {
		for _, h := range s.order {
			surf, ok := s.surfaces.Get(h)
			if !ok || !surf.mapped {
				continue
			}
			if !yield(surf) {
				return
			}
		}
	}
}

// Raise moves a surface to the top of the stacking order.
func (s *Server) Raise(h Handle) {
	idx := slices.Index(s.order, h)
	if idx < 0 {
		return
	}
	s.order = append(slices.Delete(s.order, idx, idx+1), h)
}

func (s *Server) Seat() *Seat {
	return s.seat
}

func (s *Server) Outputs() []*Output {
	return slices.Clone(s.outputs)
}

func (s *Server) addSurface(surf *Surface) {
	surf.hnd = s.surfaces.Insert(surf)
	s.order = append(s.order, surf.hnd)
	if s.hooks.OnNewSurface != nil {
		s.hooks.OnNewSurface(surf)
	}
}

func (s *Server) removeSurface(surf *Surface) {
	if _, ok := s.surfaces.Remove(surf.hnd); !ok {
		return
	}
	s.order = slices.DeleteFunc(s.order, func(h Handle) bool { return h == surf.hnd })
	if s.hooks.OnDestroySurface != nil {
		s.hooks.OnDestroySurface(surf)
	}
}
