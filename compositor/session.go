package compositor

import (
	"fmt"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/session"
)

// HandleSessionEvent reacts to seat changes. It is installed as the
// session handler unless the session came from WithSession.
func (rt *Runtime) HandleSessionEvent(ev session.Event) {
	rt.log.Debug("session event", "kind", ev.Kind, "device", ev.Device)
	switch ev.Kind {
	case session.EventPaused:
		rt.pause(ev.Ack)
	case session.EventResumed:
		rt.resume()
	case session.EventDeviceResumed:
		if rt.input != nil {
			rt.input.ResumeDevice(ev.Device.Path)
		}
	case session.EventDeviceRemoved:
		if ev.Device != nil && ev.Device == rt.cardDev {
			rt.fatal = wlkit.Fatal(fmt.Errorf("display device %s removed", ev.Device.Path))
			rt.r.Wake()
			return
		}
		if rt.input != nil && ev.Device != nil {
			rt.input.RemoveDevice(ev.Device.Path)
		}
	}
}

// pause stops touching devices and acknowledges once no frame is
// being rendered.
func (rt *Runtime) pause(ack func()) {
	rt.paused = true
	if rt.disp == nil {
		ack()
		return
	}
	rt.log.Info("session paused")
	rt.disp.Suspend()
	rt.input.Suspend()

	rt.ack = ack
	if d := rt.cfg.Session.PauseTimeout; d > 0 {
		if err := rt.ackTimer.Arm(d); err != nil {
			rt.log.Warn("arm pause timer", "err", err)
		}
	}
	rt.maybeAck()
}

func (rt *Runtime) maybeAck() {
	if rt.ack == nil {
		return
	}
	for _, st := range rt.outputs {
		if st.rendering != nil {
			return
		}
	}
	rt.finishAck()
}

func (rt *Runtime) finishAck() {
	ack := rt.ack
	rt.ack = nil
	rt.ackTimer.Disarm()
	ack()
}

func (rt *Runtime) ackDeadline() error {
	if rt.ack == nil {
		return nil
	}
	rt.log.Warn("renderer still busy at pause deadline, acknowledging anyway", "timeout", rt.cfg.Session.PauseTimeout)
	rt.finishAck()
	return nil
}

func (rt *Runtime) resume() {
	rt.paused = false
	if rt.ack != nil {
		rt.finishAck()
	}
	if rt.disp == nil {
		return
	}
	rt.log.Info("session resumed")
	if err := rt.disp.Resume(); err != nil {
		if wlkit.IsRevoked(err) {
			return
		}
		rt.log.Error("display resume", "err", err)
	}
	rt.input.Resume()
	if err := rt.input.Scan(); err != nil {
		rt.log.Warn("input scan", "err", err)
	}
	rt.updateCapabilities()
	rt.damageAll()
}
