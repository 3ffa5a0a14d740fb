package drm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Framebuffer is a CPU mapped dumb buffer registered as a scanout
// framebuffer.
type Framebuffer struct {
	ID     uint32
	Handle uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	Format uint32
	Data   []byte
}

// CreateFramebuffer allocates a 32 bpp XRGB8888 dumb buffer, maps it
// and adds it as a framebuffer.
func (c *Card) CreateFramebuffer(width, height uint32) (fb *Framebuffer, err error) {
	create := modeCreateDumb{Width: width, Height: height, BPP: 32}
	if err := c.ioctl("DRM_IOCTL_MODE_CREATE_DUMB", ioctlModeCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, err
	}
	fb = &Framebuffer{
		Handle: create.Handle,
		Width:  width,
		Height: height,
		Pitch:  create.Pitch,
		Format: FormatXRGB8888,
	}
	defer func() {
		if err != nil {
			c.DestroyFramebuffer(fb)
		}
	}()

	mapArg := modeMapDumb{Handle: create.Handle}
	if err := c.ioctl("DRM_IOCTL_MODE_MAP_DUMB", ioctlModeMapDumb, unsafe.Pointer(&mapArg)); err != nil {
		return fb, err
	}
	data, err := unix.Mmap(c.fd, int64(mapArg.Offset), int(create.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fb, fmt.Errorf("mmap dumb buffer: %w", err)
	}
	fb.Data = data

	add := modeFBCmd{Width: width, Height: height, Pitch: create.Pitch, BPP: 32, Depth: 24, Handle: create.Handle}
	if err := c.ioctl("DRM_IOCTL_MODE_ADDFB", ioctlModeAddFB, unsafe.Pointer(&add)); err != nil {
		return fb, err
	}
	fb.ID = add.FBID
	return fb, nil
}

// DestroyFramebuffer undoes CreateFramebuffer. It tolerates partially
// created buffers and runs even while the session is paused, since the
// kernel accepts these ioctls without master.
func (c *Card) DestroyFramebuffer(fb *Framebuffer) error {
	var errs []error
	if fb.ID != 0 {
		id := fb.ID
		if err := ioctl(c.fd, ioctlModeRmFB, unsafe.Pointer(&id)); err != nil {
			errs = append(errs, fmt.Errorf("DRM_IOCTL_MODE_RMFB: %w", err))
		}
		fb.ID = 0
	}
	if fb.Data != nil {
		if err := unix.Munmap(fb.Data); err != nil {
			errs = append(errs, fmt.Errorf("munmap dumb buffer: %w", err))
		}
		fb.Data = nil
	}
	if fb.Handle != 0 {
		arg := modeDestroyDumb{Handle: fb.Handle}
		if err := ioctl(c.fd, ioctlModeDestroyDumb, unsafe.Pointer(&arg)); err != nil {
			errs = append(errs, fmt.Errorf("DRM_IOCTL_MODE_DESTROY_DUMB: %w", err))
		}
		fb.Handle = 0
	}
	return errors.Join(errs...)
}
