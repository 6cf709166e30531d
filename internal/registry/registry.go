// Package registry implements the TPS registry and page table: the
// mapping from thread identifier to region descriptor.
// Grounded on biscuit/src/tinfo/tinfo.go's map[defs.Tid_t]*Tnote_t
// keyed-by-thread pattern for owner lookup, and on
// biscuit/src/mem/mem.go's atomic-publication style for the
// lookup-by-page-base path, which must stay safe when
// read from the fault interceptor without the gate held.
package registry

import (
	"sync/atomic"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
	"github.com/oichkatzelesfrettschen/tps/internal/page"
)

// Region is a per-thread ownership record. Once published into a Registry's snapshot, a *Region is
// never mutated in place: rebinding a thread to a different page (the
// write path's copy-on-write case) replaces the *Region entirely, so the
// fault interceptor can read a snapshot without racing a partial update.
type Region struct {
	Owner defs.Tid_t
	Page  *page.Descriptor
}

// Registry holds the set of live region descriptors. Mutating methods
// (Insert, Remove) must be called with the engine gate held; LookupByOwner
// likewise assumes the gate. LookupByPageBase is the one exception: it is
// safe to call from the fault interceptor with no gate held, because it
// only ever reads an atomically published snapshot.
type Registry struct {
	byOwner map[defs.Tid_t]*Region
	view    atomic.Pointer[[]*Region]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{byOwner: make(map[defs.Tid_t]*Region)}
	empty := []*Region{}
	r.view.Store(&empty)
	return r
}

func (r *Registry) publish() {
	snap := make([]*Region, 0, len(r.byOwner))
	for _, reg := range r.byOwner {
		snap = append(snap, reg)
	}
	r.view.Store(&snap)
}

// LookupByOwner returns the region owned by tid, if any (gate held).
func (r *Registry) LookupByOwner(tid defs.Tid_t) (*Region, bool) {
	reg, ok := r.byOwner[tid]
	return reg, ok
}

// LookupByPageBase returns the region whose page's base address equals
// addr, if any. Safe to call without the gate, since the fault
// interceptor calls it asynchronously.
func (r *Registry) LookupByPageBase(addr uintptr) (*Region, bool) {
	snap := r.view.Load()
	if snap == nil {
		return nil, false
	}
	for _, reg := range *snap {
		if reg.Page.Base() == addr {
			return reg, true
		}
	}
	return nil, false
}

// Insert adds or replaces the region owned by reg.Owner (gate held). The
// empty-container release invariant has no separate
// container to release here since the registry itself is long-lived;
// Len reports zero once the last region is removed.
func (r *Registry) Insert(reg *Region) {
	r.byOwner[reg.Owner] = reg
	r.publish()
}

// Remove deletes the region owned by tid, if present (gate held).
func (r *Registry) Remove(tid defs.Tid_t) {
	delete(r.byOwner, tid)
	r.publish()
}

// Len returns the number of live regions (gate held).
func (r *Registry) Len() int {
	return len(r.byOwner)
}
