package protocol

import (
	"os"

	"github.com/bnema/wlkit/wire"
)

// wl_display

type DisplaySync struct{ Callback uint32 }
type DisplayGetRegistry struct{ Registry uint32 }

var displayRequests = []decoder{
	func(m *wire.Message) Request { return DisplaySync{Callback: m.NewID()} },
	func(m *wire.Message) Request { return DisplayGetRegistry{Registry: m.NewID()} },
}

// wl_registry

type RegistryBind struct {
	Name      uint32
	Interface string
	Version   uint32
	ID        uint32
}

var registryRequests = []decoder{
	func(m *wire.Message) Request {
		return RegistryBind{Name: m.Uint(), Interface: m.String(), Version: m.Uint(), ID: m.NewID()}
	},
}

// wl_compositor

type CompositorCreateSurface struct{ ID uint32 }
type CompositorCreateRegion struct{ ID uint32 }

var compositorRequests = []decoder{
	func(m *wire.Message) Request { return CompositorCreateSurface{ID: m.NewID()} },
	func(m *wire.Message) Request { return CompositorCreateRegion{ID: m.NewID()} },
}

// wl_surface

type SurfaceDestroy struct{}
type SurfaceAttach struct {
	Buffer uint32
	X, Y   int32
}
type SurfaceDamage struct{ X, Y, Width, Height int32 }
type SurfaceFrame struct{ Callback uint32 }
type SurfaceSetOpaqueRegion struct{ Region uint32 }
type SurfaceSetInputRegion struct{ Region uint32 }
type SurfaceCommit struct{}
type SurfaceSetBufferTransform struct{ Transform int32 }
type SurfaceSetBufferScale struct{ Scale int32 }
type SurfaceDamageBuffer struct{ X, Y, Width, Height int32 }
type SurfaceOffset struct{ X, Y int32 }

var surfaceRequests = []decoder{
	func(m *wire.Message) Request { return SurfaceDestroy{} },
	func(m *wire.Message) Request { return SurfaceAttach{Buffer: m.Object(), X: m.Int(), Y: m.Int()} },
	func(m *wire.Message) Request {
		return SurfaceDamage{X: m.Int(), Y: m.Int(), Width: m.Int(), Height: m.Int()}
	},
	func(m *wire.Message) Request { return SurfaceFrame{Callback: m.NewID()} },
	func(m *wire.Message) Request { return SurfaceSetOpaqueRegion{Region: m.Object()} },
	func(m *wire.Message) Request { return SurfaceSetInputRegion{Region: m.Object()} },
	func(m *wire.Message) Request { return SurfaceCommit{} },
	func(m *wire.Message) Request { return SurfaceSetBufferTransform{Transform: m.Int()} },
	func(m *wire.Message) Request { return SurfaceSetBufferScale{Scale: m.Int()} },
	func(m *wire.Message) Request {
		return SurfaceDamageBuffer{X: m.Int(), Y: m.Int(), Width: m.Int(), Height: m.Int()}
	},
	func(m *wire.Message) Request { return SurfaceOffset{X: m.Int(), Y: m.Int()} },
}

// wl_region

type RegionDestroy struct{}
type RegionAdd struct{ X, Y, Width, Height int32 }
type RegionSubtract struct{ X, Y, Width, Height int32 }

var regionRequests = []decoder{
	func(m *wire.Message) Request { return RegionDestroy{} },
	func(m *wire.Message) Request {
		return RegionAdd{X: m.Int(), Y: m.Int(), Width: m.Int(), Height: m.Int()}
	},
	func(m *wire.Message) Request {
		return RegionSubtract{X: m.Int(), Y: m.Int(), Width: m.Int(), Height: m.Int()}
	},
}

// wl_shm

type ShmCreatePool struct {
	ID   uint32
	FD   *os.File
	Size int32
}

var shmRequests = []decoder{
	func(m *wire.Message) Request { return ShmCreatePool{ID: m.NewID(), FD: m.FD(), Size: m.Int()} },
}

// wl_shm_pool

type ShmPoolCreateBuffer struct {
	ID                            uint32
	Offset, Width, Height, Stride int32
	Format                        uint32
}
type ShmPoolDestroy struct{}
type ShmPoolResize struct{ Size int32 }

var shmPoolRequests = []decoder{
	func(m *wire.Message) Request {
		return ShmPoolCreateBuffer{
			ID:     m.NewID(),
			Offset: m.Int(),
			Width:  m.Int(),
			Height: m.Int(),
			Stride: m.Int(),
			Format: m.Uint(),
		}
	},
	func(m *wire.Message) Request { return ShmPoolDestroy{} },
	func(m *wire.Message) Request { return ShmPoolResize{Size: m.Int()} },
}

// wl_buffer

type BufferDestroy struct{}

var bufferRequests = []decoder{
	func(m *wire.Message) Request { return BufferDestroy{} },
}

// wl_output

type OutputRelease struct{}

var outputRequests = []decoder{
	func(m *wire.Message) Request { return OutputRelease{} },
}

// wl_seat

type SeatGetPointer struct{ ID uint32 }
type SeatGetKeyboard struct{ ID uint32 }
type SeatGetTouch struct{ ID uint32 }
type SeatRelease struct{}

var seatRequests = []decoder{
	func(m *wire.Message) Request { return SeatGetPointer{ID: m.NewID()} },
	func(m *wire.Message) Request { return SeatGetKeyboard{ID: m.NewID()} },
	func(m *wire.Message) Request { return SeatGetTouch{ID: m.NewID()} },
	func(m *wire.Message) Request { return SeatRelease{} },
}

// wl_pointer, wl_keyboard, wl_touch

type PointerSetCursor struct {
	Serial             uint32
	Surface            uint32
	HotspotX, HotspotY int32
}
type PointerRelease struct{}
type KeyboardRelease struct{}
type TouchRelease struct{}

var pointerRequests = []decoder{
	func(m *wire.Message) Request {
		return PointerSetCursor{Serial: m.Uint(), Surface: m.Object(), HotspotX: m.Int(), HotspotY: m.Int()}
	},
	func(m *wire.Message) Request { return PointerRelease{} },
}

var keyboardRequests = []decoder{
	func(m *wire.Message) Request { return KeyboardRelease{} },
}

var touchRequests = []decoder{
	func(m *wire.Message) Request { return TouchRelease{} },
}

func (DisplaySync) request()               {}
func (DisplayGetRegistry) request()        {}
func (RegistryBind) request()              {}
func (CompositorCreateSurface) request()   {}
func (CompositorCreateRegion) request()    {}
func (SurfaceDestroy) request()            {}
func (SurfaceAttach) request()             {}
func (SurfaceDamage) request()             {}
func (SurfaceFrame) request()              {}
func (SurfaceSetOpaqueRegion) request()    {}
func (SurfaceSetInputRegion) request()     {}
func (SurfaceCommit) request()             {}
func (SurfaceSetBufferTransform) request() {}
func (SurfaceSetBufferScale) request()     {}
func (SurfaceDamageBuffer) request()       {}
func (SurfaceOffset) request()             {}
func (RegionDestroy) request()             {}
func (RegionAdd) request()                 {}
func (RegionSubtract) request()            {}
func (ShmCreatePool) request()             {}
func (ShmPoolCreateBuffer) request()       {}
func (ShmPoolDestroy) request()            {}
func (ShmPoolResize) request()             {}
func (BufferDestroy) request()             {}
func (OutputRelease) request()             {}
func (SeatGetPointer) request()            {}
func (SeatGetKeyboard) request()           {}
func (SeatGetTouch) request()              {}
func (SeatRelease) request()               {}
func (PointerSetCursor) request()          {}
func (PointerRelease) request()            {}
func (KeyboardRelease) request()           {}
func (TouchRelease) request()              {}
