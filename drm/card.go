// Package drm is a thin layer over the kernel mode-setting ioctls:
// resource enumeration, dumb framebuffers, legacy and atomic commits,
// property lookups and event parsing.
package drm

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Capabilities.
const (
	CapDumbBuffer            uint64 = 0x1
	CapCrtcInVblankEvent     uint64 = 0x12
	ClientCapUniversalPlanes uint64 = 2
	ClientCapAtomic          uint64 = 3
)

// Page flip and atomic commit flags.
const (
	PageFlipEvent      uint32 = 0x01
	PageFlipAsync      uint32 = 0x02
	AtomicTestOnly     uint32 = 0x0100
	AtomicNonblock     uint32 = 0x0200
	AtomicAllowModeset uint32 = 0x0400
)

// Card is an open DRM device node.
type Card struct {
	file  *os.File
	fd    int
	guard func() error
}

// Open opens a card node directly, without a session.
func Open(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return NewCard(f), nil
}

// NewCard wraps an already open card, usually one handed out by the
// session.
func NewCard(f *os.File) *Card {
	fd := int(f.Fd())
	// Fd switches the descriptor to blocking mode.
	unix.SetNonblock(fd, true)
	return &Card{file: f, fd: fd}
}

// SetGuard installs a check run before every ioctl. The session uses it
// to refuse device access while paused.
func (c *Card) SetGuard(fn func() error) {
	c.guard = fn
}

func (c *Card) Fd() int {
	return c.fd
}

func (c *Card) Close() error {
	return c.file.Close()
}

func (c *Card) ioctl(name string, req uintptr, arg unsafe.Pointer) error {
	if c.guard != nil {
		if err := c.guard(); err != nil {
			return err
		}
	}
	if err := ioctl(c.fd, req, arg); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (c *Card) GetCap(capability uint64) (uint64, error) {
	arg := drmGetCap{Capability: capability}
	if err := c.ioctl("DRM_IOCTL_GET_CAP", ioctlGetCap, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return arg.Value, nil
}

func (c *Card) SetClientCap(capability, value uint64) error {
	arg := drmSetClientCap{Capability: capability, Value: value}
	return c.ioctl("DRM_IOCTL_SET_CLIENT_CAP", ioctlSetClientCap, unsafe.Pointer(&arg))
}

func (c *Card) SetMaster() error {
	return c.ioctl("DRM_IOCTL_SET_MASTER", ioctlSetMaster, nil)
}

func (c *Card) DropMaster() error {
	return c.ioctl("DRM_IOCTL_DROP_MASTER", ioctlDropMaster, nil)
}

// GetResources lists the card's objects. The count query is repeated
// if a hotplug changes the counts between the two calls.
func (c *Card) GetResources() (*Resources, error) {
	for {
		var counts modeCardRes
		if err := c.ioctl("DRM_IOCTL_MODE_GETRESOURCES", ioctlModeGetResources, unsafe.Pointer(&counts)); err != nil {
			return nil, err
		}

		res := &Resources{
			FBs:        make([]uint32, counts.CountFBs),
			Crtcs:      make([]uint32, counts.CountCrtcs),
			Connectors: make([]uint32, counts.CountConnectors),
			Encoders:   make([]uint32, counts.CountEncoders),
		}
		arg := counts
		arg.FBIDPtr = ptr(res.FBs)
		arg.CrtcIDPtr = ptr(res.Crtcs)
		arg.ConnectorIDPtr = ptr(res.Connectors)
		arg.EncoderIDPtr = ptr(res.Encoders)
		err := c.ioctl("DRM_IOCTL_MODE_GETRESOURCES", ioctlModeGetResources, unsafe.Pointer(&arg))
		runtime.KeepAlive(res)
		if err != nil {
			return nil, err
		}
		if arg.CountFBs > counts.CountFBs || arg.CountCrtcs > counts.CountCrtcs ||
			arg.CountConnectors > counts.CountConnectors || arg.CountEncoders > counts.CountEncoders {
			continue
		}

		res.FBs = res.FBs[:arg.CountFBs]
		res.Crtcs = res.Crtcs[:arg.CountCrtcs]
		res.Connectors = res.Connectors[:arg.CountConnectors]
		res.Encoders = res.Encoders[:arg.CountEncoders]
		res.MinWidth, res.MaxWidth = arg.MinWidth, arg.MaxWidth
		res.MinHeight, res.MaxHeight = arg.MinHeight, arg.MaxHeight
		return res, nil
	}
}

// GetConnector reads a connector. It does not force a probe; the
// kernel reports the state it last saw.
func (c *Card) GetConnector(id uint32) (*Connector, error) {
	for {
		counts := modeGetConnector{ConnectorID: id}
		if err := c.ioctl("DRM_IOCTL_MODE_GETCONNECTOR", ioctlModeGetConnector, unsafe.Pointer(&counts)); err != nil {
			return nil, err
		}

		modes := make([]ModeInfo, counts.CountModes)
		encoders := make([]uint32, counts.CountEncoders)
		props := make([]uint32, counts.CountProps)
		values := make([]uint64, counts.CountProps)
		arg := modeGetConnector{
			ConnectorID:   id,
			CountModes:    counts.CountModes,
			CountEncoders: counts.CountEncoders,
			CountProps:    counts.CountProps,
			ModesPtr:      ptr(modes),
			EncodersPtr:   ptr(encoders),
			PropsPtr:      ptr(props),
			PropValuesPtr: ptr(values),
		}
		err := c.ioctl("DRM_IOCTL_MODE_GETCONNECTOR", ioctlModeGetConnector, unsafe.Pointer(&arg))
		runtime.KeepAlive(modes)
		runtime.KeepAlive(encoders)
		runtime.KeepAlive(props)
		runtime.KeepAlive(values)
		if err != nil {
			return nil, err
		}
		if arg.CountModes > counts.CountModes || arg.CountEncoders > counts.CountEncoders ||
			arg.CountProps > counts.CountProps {
			continue
		}

		return &Connector{
			ID:         arg.ConnectorID,
			EncoderID:  arg.EncoderID,
			Type:       arg.ConnectorType,
			TypeID:     arg.ConnectorTypeID,
			Connection: arg.Connection,
			MMWidth:    arg.MMWidth,
			MMHeight:   arg.MMHeight,
			Subpixel:   arg.Subpixel,
			Modes:      modes[:arg.CountModes],
			Encoders:   encoders[:arg.CountEncoders],
		}, nil
	}
}

func (c *Card) GetEncoder(id uint32) (*Encoder, error) {
	arg := modeGetEncoder{EncoderID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETENCODER", ioctlModeGetEncoder, unsafe.Pointer(&arg)); err != nil {
		return nil, err
	}
	return &Encoder{
		ID:             arg.EncoderID,
		Type:           arg.EncoderType,
		CrtcID:         arg.CrtcID,
		PossibleCrtcs:  arg.PossibleCrtcs,
		PossibleClones: arg.PossibleClones,
	}, nil
}

func (c *Card) GetCrtc(id uint32) (*Crtc, error) {
	arg := modeCrtc{CrtcID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETCRTC", ioctlModeGetCrtc, unsafe.Pointer(&arg)); err != nil {
		return nil, err
	}
	return &Crtc{
		ID:        arg.CrtcID,
		FBID:      arg.FBID,
		X:         arg.X,
		Y:         arg.Y,
		GammaSize: arg.GammaSize,
		ModeValid: arg.ModeValid != 0,
		Mode:      arg.Mode,
	}, nil
}

// SetCrtc performs a legacy modeset. A nil mode with no connectors
// disables the CRTC.
func (c *Card) SetCrtc(crtcID, fbID uint32, connectors []uint32, mode *ModeInfo) error {
	arg := modeCrtc{
		CrtcID:           crtcID,
		FBID:             fbID,
		SetConnectorsPtr: ptr(connectors),
		CountConnectors:  uint32(len(connectors)),
	}
	if mode != nil {
		arg.Mode = *mode
		arg.ModeValid = 1
	}
	err := c.ioctl("DRM_IOCTL_MODE_SETCRTC", ioctlModeSetCrtc, unsafe.Pointer(&arg))
	runtime.KeepAlive(connectors)
	return err
}

// PageFlip schedules fbID on crtcID at the next vblank. With
// PageFlipEvent set, completion is reported as a FlipComplete event
// carrying userData.
func (c *Card) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	arg := modeCrtcPageFlip{CrtcID: crtcID, FBID: fbID, Flags: flags, UserData: userData}
	return c.ioctl("DRM_IOCTL_MODE_PAGE_FLIP", ioctlModePageFlip, unsafe.Pointer(&arg))
}

func (c *Card) GetPlaneResources() ([]uint32, error) {
	for {
		var counts modeGetPlaneRes
		if err := c.ioctl("DRM_IOCTL_MODE_GETPLANERESOURCES", ioctlModeGetPlaneRes, unsafe.Pointer(&counts)); err != nil {
			return nil, err
		}
		ids := make([]uint32, counts.CountPlanes)
		arg := modeGetPlaneRes{CountPlanes: counts.CountPlanes, PlaneIDPtr: ptr(ids)}
		err := c.ioctl("DRM_IOCTL_MODE_GETPLANERESOURCES", ioctlModeGetPlaneRes, unsafe.Pointer(&arg))
		runtime.KeepAlive(ids)
		if err != nil {
			return nil, err
		}
		if arg.CountPlanes > counts.CountPlanes {
			continue
		}
		return ids[:arg.CountPlanes], nil
	}
}

func (c *Card) GetPlane(id uint32) (*Plane, error) {
	counts := modeGetPlane{PlaneID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETPLANE", ioctlModeGetPlane, unsafe.Pointer(&counts)); err != nil {
		return nil, err
	}
	formats := make([]uint32, counts.CountFormatTypes)
	arg := modeGetPlane{PlaneID: id, CountFormatTypes: counts.CountFormatTypes, FormatTypePtr: ptr(formats)}
	err := c.ioctl("DRM_IOCTL_MODE_GETPLANE", ioctlModeGetPlane, unsafe.Pointer(&arg))
	runtime.KeepAlive(formats)
	if err != nil {
		return nil, err
	}
	return &Plane{
		ID:            arg.PlaneID,
		CrtcID:        arg.CrtcID,
		FBID:          arg.FBID,
		PossibleCrtcs: arg.PossibleCrtcs,
		GammaSize:     arg.GammaSize,
		Formats:       formats[:min(arg.CountFormatTypes, counts.CountFormatTypes)],
	}, nil
}

// ObjectProperties returns the property ids and values of an object.
func (c *Card) ObjectProperties(objID, objType uint32) ([]uint32, []uint64, error) {
	for {
		counts := modeObjGetProperties{ObjID: objID, ObjType: objType}
		if err := c.ioctl("DRM_IOCTL_MODE_OBJ_GETPROPERTIES", ioctlModeObjGetProps, unsafe.Pointer(&counts)); err != nil {
			return nil, nil, err
		}
		ids := make([]uint32, counts.CountProps)
		values := make([]uint64, counts.CountProps)
		arg := modeObjGetProperties{
			ObjID:         objID,
			ObjType:       objType,
			CountProps:    counts.CountProps,
			PropsPtr:      ptr(ids),
			PropValuesPtr: ptr(values),
		}
		err := c.ioctl("DRM_IOCTL_MODE_OBJ_GETPROPERTIES", ioctlModeObjGetProps, unsafe.Pointer(&arg))
		runtime.KeepAlive(ids)
		runtime.KeepAlive(values)
		if err != nil {
			return nil, nil, err
		}
		if arg.CountProps > counts.CountProps {
			continue
		}
		return ids[:arg.CountProps], values[:arg.CountProps], nil
	}
}

// PropertyName returns the name of a property id.
func (c *Card) PropertyName(id uint32) (string, error) {
	arg := modeGetProperty{PropID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETPROPERTY", ioctlModeGetProperty, unsafe.Pointer(&arg)); err != nil {
		return "", err
	}
	name := arg.Name[:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	return string(name), nil
}

// Properties resolves an object's properties by name.
func (c *Card) Properties(objID, objType uint32) (Properties, error) {
	ids, values, err := c.ObjectProperties(objID, objType)
	if err != nil {
		return nil, err
	}
	props := make(Properties, len(ids))
	for i, id := range ids {
		name, err := c.PropertyName(id)
		if err != nil {
			return nil, err
		}
		props[name] = Property{ID: id, Value: values[i]}
	}
	return props, nil
}

func (c *Card) CreatePropertyBlob(data []byte) (uint32, error) {
	arg := modeCreateBlob{Data: ptr(data), Length: uint32(len(data))}
	err := c.ioctl("DRM_IOCTL_MODE_CREATEPROPBLOB", ioctlModeCreatePropBlob, unsafe.Pointer(&arg))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, err
	}
	return arg.BlobID, nil
}

func (c *Card) DestroyPropertyBlob(id uint32) error {
	arg := modeDestroyBlob{BlobID: id}
	return c.ioctl("DRM_IOCTL_MODE_DESTROYPROPBLOB", ioctlModeDestroyBlob, unsafe.Pointer(&arg))
}

// Atomic submits req. With AtomicTestOnly nothing is applied.
func (c *Card) Atomic(req *AtomicRequest, flags uint32, userData uint64) error {
	objs, counts, props, values := req.flatten()
	arg := modeAtomic{
		Flags:         flags,
		CountObjs:     uint32(len(objs)),
		ObjsPtr:       ptr(objs),
		CountPropsPtr: ptr(counts),
		PropsPtr:      ptr(props),
		PropValuesPtr: ptr(values),
		UserData:      userData,
	}
	err := c.ioctl("DRM_IOCTL_MODE_ATOMIC", ioctlModeAtomic, unsafe.Pointer(&arg))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	return err
}
