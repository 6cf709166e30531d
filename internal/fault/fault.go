// Package fault implements the protection/fault interceptor's signal half:
// reverse-mapping a faulting address to a TPS owner and emitting the
// diagnostic before the process terminates. Grounded on
// _examples/original_source/libuthread/tps.c's segv_handler.
//
// Go's runtime claims synchronous in-process SIGSEGV/SIGBUS before user
// code ever sees them, so installing a competing sigaction handler is not
// possible without cgo. runtime/debug.SetPanicOnFault is the standard
// library's documented answer for exactly this situation: its own doc
// comment names "recovery from... custom memory-mapping implementations"
// as the intended use, so a fault on a TPS page (protection None) is
// delivered to the faulting goroutine as a recoverable runtime.Error
// instead of an immediate crash. Guard, below, recovers it, attributes it,
// prints the diagnostic, and re-panics so the process still terminates
// abnormally, mirroring "restore default dispositions, then re-raise".
package fault

import (
	"os"
	"runtime/debug"
	"sync/atomic"

	"github.com/oichkatzelesfrettschen/tps/internal/page"
	"github.com/oichkatzelesfrettschen/tps/internal/registry"
)

var installed int32

// Install enables panic-on-fault for the calling goroutine only, since
// debug.SetPanicOnFault is a per-goroutine setting; other goroutines keep
// the runtime's default fatal fault behavior unless they enable it
// themselves. Only the first call has any effect.
func Install() {
	if atomic.CompareAndSwapInt32(&installed, 0, 1) {
		debug.SetPanicOnFault(true)
	}
}

// Installed reports whether Install has run.
func Installed() bool {
	return atomic.LoadInt32(&installed) == 1
}

// diagnostic is the exact byte sequence written to stderr on a stray
// access: "TPS protection error!" followed by a newline, nothing else.
const diagnostic = "TPS protection error!\n"

// pageBase computes si_addr & ~(PAGE_BYTES-1): the page-aligned base of
// the faulting address.
func pageBase(addr uintptr) uintptr {
	mask := uintptr(page.Bytes - 1)
	return addr &^ mask
}

// Attribute performs steps 2-3 of the interceptor: probing reg for a
// region whose page base equals the faulting address's page, and writing
// the diagnostic if one is found. It reports whether attribution
// succeeded; a miss is not an error; the caller still re-raises.
func Attribute(reg *registry.Registry, addr uintptr) bool {
	if _, ok := reg.LookupByPageBase(pageBase(addr)); ok {
		os.Stderr.WriteString(diagnostic)
		return true
	}
	return false
}

// Guard runs fn, which is expected to access TPS-owned memory at addr
// outside the published API (a stray access). If fn faults, Guard
// attributes the fault against reg, emits the diagnostic when
// attributable, then re-panics so the calling goroutine terminates
// without resuming the faulting code. Guard does nothing special if fn
// does not fault.
func Guard(reg *registry.Registry, addr uintptr, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Attribute(reg, addr)
			panic(r)
		}
	}()
	fn()
}
