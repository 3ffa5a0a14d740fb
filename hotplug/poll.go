package hotplug

import (
	"maps"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/wlkit/reactor"
)

// pollMonitor rescans sysfs periodically and diffs against the last
// scan. Connector status changes of a card are reported as Change.
type pollMonitor struct {
	log      *log.Logger
	sysfs    string
	interval time.Duration
	timer    *reactor.Timer

	known     map[string]Device
	connector map[string]map[string]string
}

func newPoll(interval time.Duration, o options) *pollMonitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &pollMonitor{
		log:       o.log,
		sysfs:     o.sysfs,
		interval:  interval,
		known:     make(map[string]Device),
		connector: make(map[string]map[string]string),
	}
}

func (m *pollMonitor) Start(r *reactor.Reactor, fn func(Event)) error {
	// The initial state is the baseline, not a series of adds.
	m.scan(func(Event) {})

	t, err := reactor.NewTimer(r, func() error {
		m.scan(fn)
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.ArmPeriodic(m.interval); err != nil {
		t.Close()
		return err
	}
	m.timer = t
	m.log.Debug("device monitor started with polling", "interval", m.interval)
	return nil
}

func (m *pollMonitor) scan(fn func(Event)) {
	devices, err := enumerate(m.sysfs)
	if err != nil {
		m.log.Warn("sysfs scan", "err", err)
	}

	current := make(map[string]Device, len(devices))
	for _, d := range devices {
		current[d.Node] = d
		if _, ok := m.known[d.Node]; !ok {
			m.log.Debug("device added", "device", d)
			fn(Event{Action: Add, Device: d})
		}
	}
	for node, d := range m.known {
		if _, ok := current[node]; !ok {
			m.log.Debug("device removed", "device", d)
			delete(m.connector, node)
			fn(Event{Action: Remove, Device: d})
		}
	}
	m.known = current

	for node, d := range current {
		if d.Subsystem != SubsystemDRM {
			continue
		}
		status := connectorStatus(m.sysfs, filepath.Base(node))
		old, seen := m.connector[node]
		m.connector[node] = status
		if seen && !maps.Equal(old, status) {
			m.log.Debug("connectors changed", "device", d)
			fn(Event{Action: Change, Device: d})
		}
	}
}

func (m *pollMonitor) Close() error {
	if m.timer == nil {
		return nil
	}
	return m.timer.Close()
}
