package drm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl macro helpers
const (
	_IOC_NONE  = 0
	_IOC_WRITE = 1
	_IOC_READ  = 2

	drmIoctlBase = 'd'
)

func _IOC(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

func _IO(nr uintptr) uintptr {
	return _IOC(_IOC_NONE, nr, 0)
}

func _IOW(nr, size uintptr) uintptr {
	return _IOC(_IOC_WRITE, nr, size)
}

func _IOWR(nr, size uintptr) uintptr {
	return _IOC(_IOC_READ|_IOC_WRITE, nr, size)
}

var (
	ioctlGetCap             = _IOWR(0x0c, unsafe.Sizeof(drmGetCap{}))
	ioctlSetClientCap       = _IOW(0x0d, unsafe.Sizeof(drmSetClientCap{}))
	ioctlSetMaster          = _IO(0x1e)
	ioctlDropMaster         = _IO(0x1f)
	ioctlModeGetResources   = _IOWR(0xa0, unsafe.Sizeof(modeCardRes{}))
	ioctlModeGetCrtc        = _IOWR(0xa1, unsafe.Sizeof(modeCrtc{}))
	ioctlModeSetCrtc        = _IOWR(0xa2, unsafe.Sizeof(modeCrtc{}))
	ioctlModeGetEncoder     = _IOWR(0xa6, unsafe.Sizeof(modeGetEncoder{}))
	ioctlModeGetConnector   = _IOWR(0xa7, unsafe.Sizeof(modeGetConnector{}))
	ioctlModeGetProperty    = _IOWR(0xaa, unsafe.Sizeof(modeGetProperty{}))
	ioctlModeAddFB          = _IOWR(0xae, unsafe.Sizeof(modeFBCmd{}))
	ioctlModeRmFB           = _IOWR(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip       = _IOWR(0xb0, unsafe.Sizeof(modeCrtcPageFlip{}))
	ioctlModeCreateDumb     = _IOWR(0xb2, unsafe.Sizeof(modeCreateDumb{}))
	ioctlModeMapDumb        = _IOWR(0xb3, unsafe.Sizeof(modeMapDumb{}))
	ioctlModeDestroyDumb    = _IOWR(0xb4, unsafe.Sizeof(modeDestroyDumb{}))
	ioctlModeGetPlaneRes    = _IOWR(0xb5, unsafe.Sizeof(modeGetPlaneRes{}))
	ioctlModeGetPlane       = _IOWR(0xb6, unsafe.Sizeof(modeGetPlane{}))
	ioctlModeObjGetProps    = _IOWR(0xb9, unsafe.Sizeof(modeObjGetProperties{}))
	ioctlModeAtomic         = _IOWR(0xbc, unsafe.Sizeof(modeAtomic{}))
	ioctlModeCreatePropBlob = _IOWR(0xbd, unsafe.Sizeof(modeCreateBlob{}))
	ioctlModeDestroyBlob    = _IOWR(0xbe, unsafe.Sizeof(modeDestroyBlob{}))
)

// Kernel ABI structures. Field order and sizes follow drm_mode.h.

type drmGetCap struct {
	Capability uint64
	Value      uint64
}

type drmSetClientCap struct {
	Capability uint64
	Value      uint64
}

type modeCardRes struct {
	FBIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFBs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

type modeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FBID             uint32
	X, Y             uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             ModeInfo
}

type modeGetEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

type modeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MMWidth         uint32
	MMHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

type modeGetProperty struct {
	ValuesPtr      uint64
	EnumBlobPtr    uint64
	PropID         uint32
	Flags          uint32
	Name           [32]byte
	CountValues    uint32
	CountEnumBlobs uint32
}

type modeFBCmd struct {
	FBID   uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint32
	Depth  uint32
	Handle uint32
}

type modeCrtcPageFlip struct {
	CrtcID   uint32
	FBID     uint32
	Flags    uint32
	Reserved uint32
	UserData uint64
}

type modeCreateDumb struct {
	Height uint32
	Width  uint32
	BPP    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

type modeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

type modeDestroyDumb struct {
	Handle uint32
}

type modeGetPlaneRes struct {
	PlaneIDPtr  uint64
	CountPlanes uint32
}

type modeGetPlane struct {
	PlaneID          uint32
	CrtcID           uint32
	FBID             uint32
	PossibleCrtcs    uint32
	GammaSize        uint32
	CountFormatTypes uint32
	FormatTypePtr    uint64
}

type modeObjGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
}

type modeAtomic struct {
	Flags         uint32
	CountObjs     uint32
	ObjsPtr       uint64
	CountPropsPtr uint64
	PropsPtr      uint64
	PropValuesPtr uint64
	Reserved      uint64
	UserData      uint64
}

type modeCreateBlob struct {
	Data   uint64
	Length uint32
	BlobID uint32
}

type modeDestroyBlob struct {
	BlobID uint32
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

// ioctl retries on EINTR and EAGAIN like drmIoctl does.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errors.Is(errno, unix.EINTR) || errors.Is(errno, unix.EAGAIN) {
			continue
		}
		return errno
	}
}
