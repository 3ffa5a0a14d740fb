package compositor

import (
	"errors"
	"io"
	"os"
	"slices"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/internal/ipc"
	"github.com/bnema/wlkit/reactor"
	"github.com/bnema/wlkit/resource"
	"github.com/bnema/wlkit/wire"
)

type clientState struct {
	tok      reactor.Token
	writable bool
}

func (rt *Runtime) listen() error {
	ln, err := wire.Listen(rt.cfg.Socket.Name)
	if err != nil {
		return err
	}
	rt.ln = ln
	if rt.lnTok, err = rt.r.Register(ln.Fd(), reactor.Readable, rt.accept); err != nil {
		return err
	}
	os.Setenv("WAYLAND_DISPLAY", ln.Name())

	if rt.cfg.IPC.Enabled {
		rt.ctl = ipc.NewSocketServer(ln.Name(), rt)
		if err := rt.ctl.Start(); err != nil {
			rt.log.Warn("control socket unavailable", "err", err)
			rt.ctl = nil
		}
	}
	return nil
}

func (rt *Runtime) accept(reactor.Event) error {
	for {
		conn, err := rt.ln.Accept()
		if err != nil {
			// The pending connection keeps the listener readable; with
			// EMFILE it would spin until a descriptor frees up.
			rt.log.Warn("accept", "err", err)
			rt.pauseAccept()
			return nil
		}
		if conn == nil {
			return nil
		}
		rt.addClient(conn)
	}
}

// pauseAccept stops polling the listener until a client disconnects or
// acceptBackoff elapses.
func (rt *Runtime) pauseAccept() {
	if rt.acceptPaused || rt.ln == nil {
		return
	}
	if err := rt.r.Modify(rt.lnTok, 0); err != nil {
		rt.log.Warn("disarm listener", "err", err)
		return
	}
	rt.acceptPaused = true
	if err := rt.acceptTimer.Arm(acceptBackoff); err != nil {
		rt.log.Warn("arm accept backoff", "err", err)
	}
}

func (rt *Runtime) resumeAccept() error {
	if !rt.acceptPaused || rt.ln == nil {
		return nil
	}
	if err := rt.r.Modify(rt.lnTok, reactor.Readable); err != nil {
		rt.log.Warn("rearm listener", "err", err)
		return nil
	}
	rt.acceptPaused = false
	rt.acceptTimer.Disarm()
	return nil
}

// AddClient serves an already connected socket, as if it had been
// accepted on the display socket.
func (rt *Runtime) AddClient(conn *wire.Conn) (*resource.Client, error) {
	return rt.addClient(conn)
}

func (rt *Runtime) addClient(conn *wire.Conn) (*resource.Client, error) {
	c := rt.srv.AddClient(conn)
	tok, err := rt.r.Register(conn.Fd(), reactor.Readable, func(ev reactor.Event) error {
		rt.clientReady(c, ev)
		return nil
	})
	if err != nil {
		rt.log.Warn("cannot poll client", "err", err)
		rt.srv.RemoveClient(c)
		return nil, err
	}
	rt.clients[c] = &clientState{tok: tok}
	rt.log.Debug("client connected", "fd", conn.Fd(), "clients", len(rt.clients))
	return c, nil
}

func (rt *Runtime) clientReady(c *resource.Client, ev reactor.Event) {
	if ev.Writable {
		if err := c.Flush(); err != nil && !wlkit.IsTransient(err) {
			rt.log.Debug("client flush", "err", err)
			rt.removeClient(c)
			return
		}
	}
	if ev.Readable || ev.Hangup {
		rt.dispatch(c)
		return
	}
	if ev.Err != nil {
		rt.log.Debug("client socket error", "err", ev.Err)
		rt.removeClient(c)
	}
}

func (rt *Runtime) dispatch(c *resource.Client) {
	more, err := c.Dispatch()
	if err != nil {
		var perr *wlkit.ProtocolError
		switch {
		case errors.Is(err, io.EOF):
		case errors.As(err, &perr):
			rt.log.Info("client protocol error", "err", perr)
		default:
			rt.log.Warn("client dispatch", "err", err)
		}
		rt.removeClient(c)
		return
	}
	if more && !slices.Contains(rt.backlog, c) {
		rt.backlog = append(rt.backlog, c)
		rt.ping.Signal()
	}
}

// drainBacklog continues clients that hit their per-dispatch budget,
// after everyone else had a turn.
func (rt *Runtime) drainBacklog() error {
	list := rt.backlog
	rt.backlog = nil
	for _, c := range list {
		if _, ok := rt.clients[c]; ok {
			rt.dispatch(c)
		}
	}
	return nil
}

func (rt *Runtime) removeClient(c *resource.Client) {
	st, ok := rt.clients[c]
	if !ok {
		return
	}
	delete(rt.clients, c)
	rt.r.Unregister(st.tok)
	rt.srv.RemoveClient(c)
	rt.backlog = slices.DeleteFunc(rt.backlog, func(o *resource.Client) bool { return o == c })
	rt.log.Debug("client disconnected", "clients", len(rt.clients))
	rt.resumeAccept()
}

// flush writes queued events and polls for writability only while a
// client has output the kernel did not take.
func (rt *Runtime) flush() {
	for _, c := range rt.srv.Flush() {
		rt.removeClient(c)
	}
	for c, st := range rt.clients {
		pending := c.Conn().Pending()
		if pending == st.writable {
			continue
		}
		interest := reactor.Readable
		if pending {
			interest |= reactor.Writable
		}
		if err := rt.r.Modify(st.tok, interest); err != nil {
			rt.log.Debug("modify client interest", "err", err)
			continue
		}
		st.writable = pending
	}
}
