package hotplug

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
)

func kernelUevent(action, devpath string, props ...string) []byte {
	fields := append([]string{action + "@" + devpath, "ACTION=" + action, "DEVPATH=" + devpath}, props...)
	return []byte(strings.Join(fields, "\x00") + "\x00")
}

func udevUevent(props ...string) []byte {
	payload := []byte(strings.Join(props, "\x00") + "\x00")
	header := make([]byte, 40)
	copy(header, udevPrefix)
	binary.BigEndian.PutUint32(header[8:], udevMagic)
	binary.NativeEndian.PutUint32(header[12:], 40)
	binary.NativeEndian.PutUint32(header[16:], 40)
	binary.NativeEndian.PutUint32(header[20:], uint32(len(payload)))
	return append(header, payload...)
}

func TestParseUevent(t *testing.T) {
	tests := []struct {
		name    string
		msg     []byte
		want    Event
		wantErr bool
	}{
		{
			name: "kernel drm change",
			msg: kernelUevent("change", "/devices/pci0000:00/0000:00:02.0/drm/card0",
				"SUBSYSTEM=drm", "MAJOR=226", "MINOR=0", "DEVNAME=dri/card0", "HOTPLUG=1"),
			want: Event{Action: Change, Device: Device{
				Subsystem: SubsystemDRM,
				SysPath:   "/devices/pci0000:00/0000:00:02.0/drm/card0",
				Node:      "/dev/dri/card0",
				Major:     226,
			}},
		},
		{
			name: "kernel input add",
			msg: kernelUevent("add", "/devices/virtual/input/input42/event7",
				"SUBSYSTEM=input", "MAJOR=13", "MINOR=71", "DEVNAME=input/event7"),
			want: Event{Action: Add, Device: Device{
				Subsystem: SubsystemInput,
				SysPath:   "/devices/virtual/input/input42/event7",
				Node:      "/dev/input/event7",
				Major:     13,
				Minor:     71,
			}},
		},
		{
			name: "udev input remove",
			msg: udevUevent("ACTION=remove", "DEVPATH=/devices/virtual/input/input42/event7",
				"SUBSYSTEM=input", "MAJOR=13", "MINOR=71", "DEVNAME=input/event7"),
			want: Event{Action: Remove, Device: Device{
				Subsystem: SubsystemInput,
				SysPath:   "/devices/virtual/input/input42/event7",
				Node:      "/dev/input/event7",
				Major:     13,
				Minor:     71,
			}},
		},
		{
			name:    "connector node is not a card",
			msg:     kernelUevent("add", "/devices/x/drm/card0/card0-DP-1", "SUBSYSTEM=drm"),
			wantErr: true,
		},
		{
			name:    "input parent device",
			msg:     kernelUevent("add", "/devices/virtual/input/input42", "SUBSYSTEM=input"),
			wantErr: true,
		},
		{
			name:    "other subsystem",
			msg:     kernelUevent("add", "/devices/x/block/sda", "SUBSYSTEM=block", "DEVNAME=sda"),
			wantErr: true,
		},
		{
			name:    "unsupported action",
			msg:     kernelUevent("bind", "/devices/x/drm/card0", "SUBSYSTEM=drm", "DEVNAME=dri/card0"),
			wantErr: true,
		},
		{
			name:    "no header",
			msg:     []byte("garbage"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUevent(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			got.Props = nil
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUeventBadMagic(t *testing.T) {
	msg := udevUevent("ACTION=add", "SUBSYSTEM=drm", "DEVNAME=dri/card0")
	binary.BigEndian.PutUint32(msg[8:], 0xdeadbeef)
	_, err := ParseUevent(msg)
	assert.ErrorContains(t, err, "magic")

	_, err = ParseUevent(msg[:12])
	assert.Error(t, err)
}

// fakeSysfs builds a minimal /sys with class directories.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	return &fakeSysfs{t: t, root: t.TempDir()}
}

func (f *fakeSysfs) write(rel, content string) {
	f.t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(f.t, os.WriteFile(p, []byte(content), 0o644))
}

func (f *fakeSysfs) remove(rel string) {
	require.NoError(f.t, os.RemoveAll(filepath.Join(f.root, rel)))
}

func (f *fakeSysfs) card(n string) {
	f.write("class/drm/card"+n+"/uevent", "MAJOR=226\nMINOR="+n+"\nDEVNAME=dri/card"+n+"\nDEVTYPE=drm_minor\n")
}

func (f *fakeSysfs) connector(card, name, status string) {
	f.write("class/drm/card"+card+"-"+name+"/uevent", "DEVTYPE=drm_connector\n")
	f.write("class/drm/card"+card+"-"+name+"/status", status+"\n")
}

func (f *fakeSysfs) event(n, name string) {
	f.write("class/input/event"+n+"/uevent", "MAJOR=13\nMINOR=6"+n+"\nDEVNAME=input/event"+n+"\n")
	f.write("class/input/event"+n+"/device/name", name+"\n")
}

func TestEnumerate(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.card("0")
	fs.connector("0", "HDMI-A-1", "connected")
	fs.event("3", "AT Translated Set 2 keyboard")
	fs.event("1", "Power Button")
	fs.write("class/input/input5/uevent", "PRODUCT=1/2/3/4\n")

	devices, err := Enumerate(WithSysfs(fs.root))
	require.NoError(t, err)
	var nodes []string
	for _, d := range devices {
		nodes = append(nodes, d.Node)
	}
	assert.Equal(t, []string{"/dev/dri/card0", "/dev/input/event1", "/dev/input/event3"}, nodes)
	assert.Equal(t, uint32(226), devices[0].Major)
	assert.Equal(t, "/class/drm/card0", devices[0].SysPath)

	assert.Equal(t, "AT Translated Set 2 keyboard", Name(devices[2], WithSysfs(fs.root)))
	assert.Equal(t, "card0", Name(devices[0], WithSysfs(fs.root)))
	assert.Equal(t, map[string]string{"HDMI-A-1": "connected"}, ConnectorStatus("card0", WithSysfs(fs.root)))
}

func TestEnumerateMissingClasses(t *testing.T) {
	devices, err := Enumerate(WithSysfs(t.TempDir()))
	assert.NoError(t, err)
	assert.Empty(t, devices)
}

func TestPollScanDiffs(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.card("0")
	fs.connector("0", "DP-1", "disconnected")
	fs.event("0", "keyboard")

	m := newPoll(0, options{log: logger.Discard(), sysfs: fs.root})
	var got []Event
	collect := func(ev Event) { got = append(got, ev) }

	m.scan(func(Event) {})
	m.scan(collect)
	assert.Empty(t, got, "unchanged tree yields nothing")

	fs.event("1", "mouse")
	fs.remove("class/input/event0")
	fs.connector("0", "DP-1", "connected")
	m.scan(collect)

	require.Len(t, got, 3)
	byAction := map[Action]string{}
	for _, ev := range got {
		byAction[ev.Action] = ev.Node
	}
	assert.Equal(t, "/dev/input/event1", byAction[Add])
	assert.Equal(t, "/dev/input/event0", byAction[Remove])
	assert.Equal(t, "/dev/dri/card0", byAction[Change])
}

func TestNewStrategies(t *testing.T) {
	m, err := New(config.HotplugConfig{Strategy: config.HotplugPoll}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	poll, ok := m.(*pollMonitor)
	require.True(t, ok)
	assert.Equal(t, defaultPollInterval, poll.interval)

	_, err = New(config.HotplugConfig{Strategy: "inotify"})
	assert.Error(t, err)

	// netlink either works or falls back to polling
	m, err = New(config.HotplugConfig{Strategy: config.HotplugNetlink}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}
