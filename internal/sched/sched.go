// Package sched is the minimal user-thread scheduler the TPS engine is
// layered on: the process-wide critical-section gate, and the
// block/unblock primitives that are the engine's only suspension point.
//
// biscuit identifies the currently running thread via a runtime-patched
// goroutine-local pointer (runtime.Gptr/Setgptr in
// biscuit/src/tinfo/tinfo.go), which requires a forked toolchain this
// module does not have. Threads here are therefore explicit: Go launches a
// goroutine and hands it a Tid_t, and every TPS call takes that Tid_t as
// an explicit "self" parameter instead of querying scheduler-local state.
package sched

import (
	"sync"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
)

// gateMu is the process-wide gate every public operation takes before
// touching engine state. It also backs every
// per-thread condition variable, so Block's wait and Unblock's signal are
// always race-free with respect to gate-held mutations.
var gateMu sync.Mutex

// Enter acquires the gate. Not re-entrant: a thread already holding the
// gate must not call Enter again before Exit.
func Enter() { gateMu.Lock() }

// Exit releases the gate.
func Exit() { gateMu.Unlock() }

// note_t is the scheduler's per-thread bookkeeping, grounded on
// biscuit/src/tinfo/tinfo.go's Tnote_t: a condition variable bound to the
// shared gate plus a latch recording whether a matching Unblock has
// already arrived.
type note_t struct {
	cond     *sync.Cond
	runnable bool
}

type registry_t struct {
	sync.Mutex
	notes map[defs.Tid_t]*note_t
	next  uint64
}

var reg = registry_t{notes: make(map[defs.Tid_t]*note_t)}

func (r *registry_t) allocate() defs.Tid_t {
	r.Lock()
	defer r.Unlock()
	r.next++
	tid := defs.Tid_t(r.next)
	r.notes[tid] = &note_t{cond: sync.NewCond(&gateMu)}
	return tid
}

func (r *registry_t) lookup(tid defs.Tid_t) *note_t {
	r.Lock()
	defer r.Unlock()
	return r.notes[tid]
}

func (r *registry_t) forget(tid defs.Tid_t) {
	r.Lock()
	delete(r.notes, tid)
	r.Unlock()
}

// Go allocates a fresh thread identifier, launches fn on a new goroutine
// with that identifier, and returns the identifier along with a channel
// that closes once fn returns. It stands in for the out-of-scope
// user-thread library's thread-creation entry point.
func Go(fn func(tid defs.Tid_t)) (defs.Tid_t, <-chan struct{}) {
	tid := reg.allocate()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reg.forget(tid)
		fn(tid)
	}()
	return tid, done
}

// Block suspends tid until a matching Unblock arrives. The caller must
// already hold the gate; Block releases it for the duration of the wait
// and reacquires it before returning, via sync.Cond's atomic
// unlock-wait-relock, so callers can treat the suspended region as if
// mutual exclusion over shared state never lapsed.
func Block(tid defs.Tid_t) {
	note := reg.lookup(tid)
	if note == nil {
		return
	}
	for !note.runnable {
		note.cond.Wait()
	}
	note.runnable = false
}

// Unblock marks tid runnable and wakes it if it is currently waiting in
// Block; a no-op if tid is not registered. The caller must hold the gate.
func Unblock(tid defs.Tid_t) {
	note := reg.lookup(tid)
	if note == nil {
		return
	}
	note.runnable = true
	note.cond.Signal()
}
