package drm

import (
	"bytes"
	"fmt"
	"unsafe"
)

// ModeInfo is a display timing, laid out as struct drm_mode_modeinfo.
type ModeInfo struct {
	Clock      uint32
	HDisplay   uint16
	HSyncStart uint16
	HSyncEnd   uint16
	HTotal     uint16
	HSkew      uint16
	VDisplay   uint16
	VSyncStart uint16
	VSyncEnd   uint16
	VTotal     uint16
	VScan      uint16
	VRefresh   uint32
	Flags      uint32
	Type       uint32
	RawName    [32]byte
}

// Mode type and flag bits.
const (
	ModeTypePreferred uint32 = 1 << 3
	ModeTypeDriver    uint32 = 1 << 6

	ModeFlagInterlace uint32 = 1 << 4
	ModeFlagDblScan   uint32 = 1 << 5
)

func (m *ModeInfo) Name() string {
	if i := bytes.IndexByte(m.RawName[:], 0); i >= 0 {
		return string(m.RawName[:i])
	}
	return string(m.RawName[:])
}

func (m *ModeInfo) Preferred() bool {
	return m.Type&ModeTypePreferred != 0
}

// RefreshMilliHz computes the refresh rate from the timings, falling
// back to VRefresh when they are incomplete.
func (m *ModeInfo) RefreshMilliHz() int32 {
	if m.HTotal == 0 || m.VTotal == 0 {
		return int32(m.VRefresh * 1000)
	}
	refresh := (uint64(m.Clock)*1000000/uint64(m.HTotal) + uint64(m.VTotal)/2) / uint64(m.VTotal)
	if m.Flags&ModeFlagInterlace != 0 {
		refresh *= 2
	}
	if m.Flags&ModeFlagDblScan != 0 {
		refresh /= 2
	}
	if m.VScan > 1 {
		refresh /= uint64(m.VScan)
	}
	return int32(refresh)
}

func (m ModeInfo) String() string {
	return fmt.Sprintf("%dx%d@%d", m.HDisplay, m.VDisplay, m.VRefresh)
}

// Bytes exposes the mode in kernel layout, for MODE_ID blobs.
func (m *ModeInfo) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m)), unsafe.Sizeof(*m))
}

// Connection states.
const (
	Connected         uint32 = 1
	Disconnected      uint32 = 2
	UnknownConnection uint32 = 3
)

var connectorTypeNames = []string{
	"Unknown", "VGA", "DVI-I", "DVI-D", "DVI-A", "Composite", "SVIDEO",
	"LVDS", "Component", "DIN", "DP", "HDMI-A", "HDMI-B", "TV", "eDP",
	"Virtual", "DSI", "DPI", "Writeback", "SPI", "USB",
}

// ConnectorTypeName returns the kernel name of a connector type.
func ConnectorTypeName(typ uint32) string {
	if int(typ) < len(connectorTypeNames) {
		return connectorTypeNames[typ]
	}
	return "Unknown"
}

// Connector is the state of one connector.
type Connector struct {
	ID         uint32
	EncoderID  uint32
	Type       uint32
	TypeID     uint32
	Connection uint32
	MMWidth    uint32
	MMHeight   uint32
	Subpixel   uint32
	Modes      []ModeInfo
	Encoders   []uint32
}

// Name is the connector name as the kernel prints it, e.g. HDMI-A-1.
func (c *Connector) Name() string {
	return fmt.Sprintf("%s-%d", ConnectorTypeName(c.Type), c.TypeID)
}

func (c *Connector) Connected() bool {
	return c.Connection == Connected
}

// PreferredMode returns the preferred mode, else the first one.
func (c *Connector) PreferredMode() (ModeInfo, bool) {
	for _, m := range c.Modes {
		if m.Preferred() {
			return m, true
		}
	}
	if len(c.Modes) > 0 {
		return c.Modes[0], true
	}
	return ModeInfo{}, false
}

type Encoder struct {
	ID             uint32
	Type           uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

type Crtc struct {
	ID        uint32
	FBID      uint32
	X, Y      uint32
	GammaSize uint32
	ModeValid bool
	Mode      ModeInfo
}

type Plane struct {
	ID            uint32
	CrtcID        uint32
	FBID          uint32
	PossibleCrtcs uint32
	GammaSize     uint32
	Formats       []uint32
}

// Plane types, the values of the "type" property.
const (
	PlaneTypeOverlay uint64 = 0
	PlaneTypePrimary uint64 = 1
	PlaneTypeCursor  uint64 = 2
)

type Resources struct {
	FBs        []uint32
	Crtcs      []uint32
	Connectors []uint32
	Encoders   []uint32
	MinWidth   uint32
	MaxWidth   uint32
	MinHeight  uint32
	MaxHeight  uint32
}

// Object types for property queries.
const (
	ObjectCrtc      uint32 = 0xcccccccc
	ObjectConnector uint32 = 0xc0c0c0c0
	ObjectEncoder   uint32 = 0xe0e0e0e0
	ObjectMode      uint32 = 0xdededede
	ObjectProperty  uint32 = 0xb0b0b0b0
	ObjectFB        uint32 = 0xfbfbfbfb
	ObjectBlob      uint32 = 0xbbbbbbbb
	ObjectPlane     uint32 = 0xeeeeeeee
)

// Property is one named property of an object with its current value.
type Property struct {
	ID    uint32
	Value uint64
}

// Properties maps property names to ids and values.
type Properties map[string]Property

// ID returns the id of a named property, or 0.
func (p Properties) ID(name string) uint32 {
	return p[name].ID
}

// Formats used for dumb framebuffers.
const (
	FormatXRGB8888 uint32 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatARGB8888 uint32 = 'A' | 'R'<<8 | '2'<<16 | '4'<<24
)
