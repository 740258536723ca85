package core

import (
	"errors"

	"github.com/openfabric/fabricd/state"
)

var ErrLabelSpaceExhausted = errors.New("prepend label space exhausted")

// PrependLabelAllocator hands out MPLS labels keyed by canonical next-hop
// set, so that routes sharing forwarding behaviour share one label. Bindings
// are reference counted; a label returns to the free pool once no route
// references it.
type PrependLabelAllocator struct {
	next int32
	free []int32
	refs map[string]*labelRef
}

type labelRef struct {
	label int32
	count int
}

func NewPrependLabelAllocator() *PrependLabelAllocator {
	return &PrependLabelAllocator{
		next: state.PrependLabelBase,
		refs: make(map[string]*labelRef),
	}
}

// Increment binds (or re-references) a label for the next-hop set key.
func (a *PrependLabelAllocator) Increment(key string) (int32, error) {
	if ref, ok := a.refs[key]; ok {
		ref.count++
		return ref.label, nil
	}
	var label int32
	switch {
	case len(a.free) > 0:
		label = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case a.next <= state.PrependLabelCeiling:
		label = a.next
		a.next++
	default:
		return 0, ErrLabelSpaceExhausted
	}
	a.refs[key] = &labelRef{label: label, count: 1}
	return label, nil
}

// Decrement releases one reference; the freed label is reported once the
// last reference goes away.
func (a *PrependLabelAllocator) Decrement(key string) (int32, bool) {
	ref, ok := a.refs[key]
	if !ok {
		return 0, false
	}
	ref.count--
	if ref.count > 0 {
		return 0, false
	}
	delete(a.refs, key)
	a.free = append(a.free, ref.label)
	return ref.label, true
}

func (a *PrependLabelAllocator) Label(key string) (int32, bool) {
	ref, ok := a.refs[key]
	if !ok {
		return 0, false
	}
	return ref.label, true
}
