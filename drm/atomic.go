package drm

// AtomicRequest collects property changes for one atomic commit.
// Properties are grouped per object in insertion order.
type AtomicRequest struct {
	objects []uint32
	props   map[uint32][]atomicProp
}

type atomicProp struct {
	id    uint32
	value uint64
}

func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{props: make(map[uint32][]atomicProp)}
}

// Add sets property prop of object obj. A later Add for the same
// property overrides the earlier one.
func (r *AtomicRequest) Add(obj, prop uint32, value uint64) {
	list, ok := r.props[obj]
	if !ok {
		r.objects = append(r.objects, obj)
	}
	for i := range list {
		if list[i].id == prop {
			list[i].value = value
			return
		}
	}
	r.props[obj] = append(list, atomicProp{id: prop, value: value})
}

// Merge appends every property of other.
func (r *AtomicRequest) Merge(other *AtomicRequest) {
	for _, obj := range other.objects {
		for _, p := range other.props[obj] {
			r.Add(obj, p.id, p.value)
		}
	}
}

func (r *AtomicRequest) Len() int {
	n := 0
	for _, list := range r.props {
		n += len(list)
	}
	return n
}

func (r *AtomicRequest) flatten() (objs, counts, props []uint32, values []uint64) {
	for _, obj := range r.objects {
		list := r.props[obj]
		objs = append(objs, obj)
		counts = append(counts, uint32(len(list)))
		for _, p := range list {
			props = append(props, p.id)
			values = append(values, p.value)
		}
	}
	return objs, counts, props, values
}

// Objects lists the objects touched by the request.
func (r *AtomicRequest) Objects() []uint32 {
	return append([]uint32(nil), r.objects...)
}

// Value returns the value queued for a property.
func (r *AtomicRequest) Value(obj, prop uint32) (uint64, bool) {
	for _, p := range r.props[obj] {
		if p.id == prop {
			return p.value, true
		}
	}
	return 0, false
}
