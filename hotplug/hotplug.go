// Package hotplug reports DRM and input device nodes appearing and
// disappearing. The netlink monitor listens to kernel uevents; the poll
// monitor rescans sysfs on a timer for environments without netlink.
package hotplug

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/reactor"
)

type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
	Change Action = "change"
)

const (
	SubsystemDRM   = "drm"
	SubsystemInput = "input"
)

// Device is a device node known to sysfs.
type Device struct {
	Subsystem string
	SysPath   string // devpath below /sys, e.g. /devices/.../drm/card0
	Node      string // e.g. /dev/dri/card0
	Major     uint32
	Minor     uint32
	Props     map[string]string
}

func (d Device) String() string {
	return fmt.Sprintf("%s %s", d.Subsystem, d.Node)
}

// Event is one change of a device.
type Event struct {
	Action Action
	Device
}

// Monitor delivers device events on the reactor goroutine.
type Monitor interface {
	Start(r *reactor.Reactor, fn func(Event)) error
	Close() error
}

type Option func(*options)

type options struct {
	log   *log.Logger
	sysfs string
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithSysfs changes the sysfs mount point used for enumeration.
func WithSysfs(root string) Option {
	return func(o *options) {
		o.sysfs = root
	}
}

func buildOptions(opts []Option) options {
	o := options{log: logger.With("hotplug"), sysfs: "/sys"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the configured monitor. A netlink monitor that cannot be
// created falls back to polling.
func New(cfg config.HotplugConfig, opts ...Option) (Monitor, error) {
	o := buildOptions(opts)

	switch cfg.Strategy {
	case config.HotplugNetlink:
		m, err := newNetlink(o)
		if err == nil {
			return m, nil
		}
		o.log.Warn("netlink monitor unavailable, polling sysfs", "err", err)
		return newPoll(cfg.PollInterval, o), nil
	case config.HotplugPoll:
		return newPoll(cfg.PollInterval, o), nil
	default:
		return nil, fmt.Errorf("unknown hotplug strategy %q", cfg.Strategy)
	}
}

// accept reports whether a device is a DRM primary node or an evdev
// node.
func accept(subsystem, devname string) bool {
	switch subsystem {
	case SubsystemDRM:
		return strings.HasPrefix(devname, "dri/card")
	case SubsystemInput:
		return strings.HasPrefix(devname, "input/event")
	}
	return false
}

// fromProps builds a device out of uevent properties. ok is false for
// devices outside the drm and input subsystems.
func fromProps(props map[string]string) (Device, bool) {
	subsystem, devname := props["SUBSYSTEM"], props["DEVNAME"]
	if !accept(subsystem, devname) {
		return Device{}, false
	}
	d := Device{
		Subsystem: subsystem,
		SysPath:   props["DEVPATH"],
		Node:      "/dev/" + devname,
		Props:     props,
	}
	if v, err := strconv.ParseUint(props["MAJOR"], 10, 32); err == nil {
		d.Major = uint32(v)
	}
	if v, err := strconv.ParseUint(props["MINOR"], 10, 32); err == nil {
		d.Minor = uint32(v)
	}
	return d, true
}

// parseUeventFile reads KEY=VALUE lines as found in sysfs uevent files.
func parseUeventFile(data []byte) map[string]string {
	props := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			props[k] = v
		}
	}
	return props
}

// Enumerate lists the DRM cards and evdev nodes currently in sysfs,
// sorted by node.
func Enumerate(opts ...Option) ([]Device, error) {
	o := buildOptions(opts)
	return enumerate(o.sysfs)
}

func enumerate(sysfs string) ([]Device, error) {
	var devices []Device
	var errs []error
	for _, class := range []string{SubsystemDRM, SubsystemInput} {
		dir := filepath.Join(sysfs, "class", class)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(filepath.Join(path, "uevent"))
			if err != nil {
				continue
			}
			props := parseUeventFile(data)
			props["SUBSYSTEM"] = class
			if _, ok := props["DEVPATH"]; !ok {
				props["DEVPATH"] = devpath(sysfs, path)
			}
			if d, ok := fromProps(props); ok {
				devices = append(devices, d)
			}
		}
	}
	slices.SortFunc(devices, func(a, b Device) int { return strings.Compare(a.Node, b.Node) })
	return devices, errors.Join(errs...)
}

// devpath resolves a class symlink to its path below sysfs.
func devpath(sysfs, path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	if root, err := filepath.EvalSymlinks(sysfs); err == nil {
		sysfs = root
	}
	if rel, err := filepath.Rel(sysfs, resolved); err == nil {
		return "/" + rel
	}
	return resolved
}

// Name returns the human readable name of an input device, read from
// sysfs, or the node name.
func Name(d Device, opts ...Option) string {
	o := buildOptions(opts)
	if d.Subsystem == SubsystemInput {
		p := filepath.Join(o.sysfs, "class", "input", filepath.Base(d.Node), "device", "name")
		if data, err := os.ReadFile(p); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return filepath.Base(d.Node)
}

// ConnectorStatus reads the status of every connector of a card from
// sysfs, keyed by connector name.
func ConnectorStatus(card string, opts ...Option) map[string]string {
	o := buildOptions(opts)
	return connectorStatus(o.sysfs, card)
}

func connectorStatus(sysfs, card string) map[string]string {
	status := make(map[string]string)
	matches, _ := filepath.Glob(filepath.Join(sysfs, "class", "drm", card+"-*", "status"))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		name := strings.TrimPrefix(filepath.Base(filepath.Dir(m)), card+"-")
		status[name] = strings.TrimSpace(string(data))
	}
	return status
}

const defaultPollInterval = 2 * time.Second
