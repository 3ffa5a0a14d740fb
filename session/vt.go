package session

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Console ioctls from linux/vt.h and linux/kd.h.
const (
	VT_SETMODE  = 0x5602
	VT_GETSTATE = 0x5603
	VT_RELDISP  = 0x5605
	VT_ACTIVATE = 0x5606

	VT_AUTO    = 0x00
	VT_PROCESS = 0x01
	VT_ACKACQ  = 0x02

	KDSETMODE   = 0x4B3A
	KD_TEXT     = 0x00
	KD_GRAPHICS = 0x01

	KDGKBMODE = 0x4B44
	KDSKBMODE = 0x4B45
	K_OFF     = 0x04
)

// ioctl macro helpers
const (
	_IOC_WRITE = 1
)

// EVIOCREVOKE is _IOW('E', 0x91, int).
const EVIOCREVOKE = (_IOC_WRITE << 30) | (4 << 16) | ('E' << 8) | 0x91

// DRM master ioctls, _IO('d', 0x1e) and _IO('d', 0x1f).
const (
	DRM_IOCTL_SET_MASTER  = ('d' << 8) | 0x1e
	DRM_IOCTL_DROP_MASTER = ('d' << 8) | 0x1f
)

// vtMode is struct vt_mode.
type vtMode struct {
	Mode   int8
	Waitv  int8
	Relsig int16
	Acqsig int16
	Frsig  int16
}

func setVTMode(fd int, m *vtMode) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), VT_SETMODE, uintptr(unsafe.Pointer(m))); errno != 0 {
		return fmt.Errorf("VT_SETMODE: %w", errno)
	}
	return nil
}

func ioctlArg(fd int, name string, req uint, arg int) error {
	if err := unix.IoctlSetInt(fd, req, arg); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func setMaster(fd int) error {
	return ioctlArg(fd, "DRM_IOCTL_SET_MASTER", DRM_IOCTL_SET_MASTER, 0)
}

func dropMaster(fd int) error {
	return ioctlArg(fd, "DRM_IOCTL_DROP_MASTER", DRM_IOCTL_DROP_MASTER, 0)
}

func revokeInput(fd int) error {
	return ioctlArg(fd, "EVIOCREVOKE", EVIOCREVOKE, 0)
}
