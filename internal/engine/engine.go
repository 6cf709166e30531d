// Package engine implements the public TPS API, wiring the
// critical-section gate (internal/sched), the registry
// (internal/registry), the page facility (internal/page) and the fault
// interceptor (internal/fault). Grounded on
// _examples/original_source/libuthread/tps.c's tps_create/tps_destroy/
// tps_read/tps_write/tps_clone, and on biscuit/src/vm/as.go's Vm_t for the
// embedded-gate-discipline shape around every public method.
//
// Configuration follows biscuit's Physmem_t/Vm_t, which are constructed
// once and carry their configuration as fields rather than reading global
// flags: New takes a set of Options and returns an *Engine ready for
// Init.
package engine

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
	"github.com/oichkatzelesfrettschen/tps/internal/fault"
	"github.com/oichkatzelesfrettschen/tps/internal/page"
	"github.com/oichkatzelesfrettschen/tps/internal/registry"
	"github.com/oichkatzelesfrettschen/tps/internal/sched"
	"github.com/oichkatzelesfrettschen/tps/internal/telemetry"
)

// Logger receives one line per lifecycle or copy-on-write event.
// Implementations must be safe for concurrent use. The engine itself
// calls Logf only while holding the gate.
type Logger interface {
	Logf(format string, args ...interface{})
}

// stderrLogger is the default Logger: one terse fmt.Fprintf line per
// event, the style biscuit itself uses for its own diagnostics.
type stderrLogger struct{}

func (stderrLogger) Logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Option configures an Engine built by New.
type Option func(*Engine)

// WithPageSize overrides the byte size of every region's page. Production
// callers leave this at the default (the real OS page size, page.Bytes);
// tests use a small synthetic size to keep fixtures cheap.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageBytes = n }
}

// WithHandlers controls whether Init installs the fault interceptor.
func WithHandlers(install bool) Option {
	return func(e *Engine) { e.installHandlers = install }
}

// WithLogger overrides the default stderr Logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source stamped onto logged events.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine is one thread-private storage instance: a registry of
// per-thread regions plus the configuration governing them. The zero
// value is not usable; construct with New.
type Engine struct {
	pageBytes       int
	installHandlers bool
	logger          Logger
	clock           func() time.Time

	initialized bool
	reg         *registry.Registry
	telemetry   *telemetry.Counters
}

// New constructs an Engine. Callers still must call Init before Create.
func New(opts ...Option) *Engine {
	e := &Engine{
		pageBytes: page.Bytes,
		logger:    stderrLogger{},
		clock:     time.Now,
		reg:       registry.New(),
		telemetry: &telemetry.Counters{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PageSize returns PAGE_BYTES: the page size every region of this Engine
// occupies.
func (e *Engine) PageSize() int {
	return e.pageBytes
}

// Telemetry exposes this Engine's lifecycle counters.
func (e *Engine) Telemetry() *telemetry.Counters {
	return e.telemetry
}

// Init performs the engine's one-shot initialization, installing the
// fault interceptor when configured via WithHandlers. Re-invocation
// always fails with ERR_ALREADY.
func (e *Engine) Init() defs.Err_t {
	sched.Enter()
	defer sched.Exit()
	if e.initialized {
		return defs.ERR_ALREADY
	}
	e.initialized = true
	if e.installHandlers {
		fault.Install()
	}
	e.logger.Logf("tps: %d init installHandlers=%v pageBytes=%d", e.clock().UnixNano(), e.installHandlers, e.pageBytes)
	return defs.OK
}

// Create allocates a fresh private region for tid.
func (e *Engine) Create(tid defs.Tid_t) defs.Err_t {
	sched.Enter()
	defer sched.Exit()
	if _, ok := e.reg.LookupByOwner(tid); ok {
		return defs.ERR_EXISTS
	}
	pg, errc := page.NewSized(e.pageBytes)
	if errc != defs.OK {
		return errc
	}
	e.reg.Insert(&registry.Region{Owner: tid, Page: pg})
	e.telemetry.Count(telemetry.Create)
	e.logger.Logf("tps: %d create tid=%d", e.clock().UnixNano(), tid)
	return defs.OK
}

// Destroy releases tid's region. Unmaps the underlying page
// only when tid was its last sharer; otherwise just drops the reference.
func (e *Engine) Destroy(tid defs.Tid_t) defs.Err_t {
	sched.Enter()
	defer sched.Exit()
	reg, ok := e.reg.LookupByOwner(tid)
	if !ok {
		return defs.ERR_NONE
	}
	if reg.Page.Refdown() {
		if errc := page.Unmap(reg.Page); errc != defs.OK {
			return errc
		}
	}
	e.reg.Remove(tid)
	e.telemetry.Count(telemetry.Destroy)
	e.logger.Logf("tps: %d destroy tid=%d", e.clock().UnixNano(), tid)
	return defs.OK
}

// Read copies length bytes starting at offset from tid's region into buf.
// The page is transitioned None -> Read -> None around
// the copy; no other engine operation on the page may interleave, since
// the gate is held throughout.
func (e *Engine) Read(tid defs.Tid_t, offset, length int, buf []byte) defs.Err_t {
	sched.Enter()
	defer sched.Exit()
	if errc := e.checkBounds(offset, length, buf); errc != defs.OK {
		return errc
	}
	reg, ok := e.reg.LookupByOwner(tid)
	if !ok {
		return defs.ERR_INVALID
	}
	reg.Page.Protect(page.Read)
	reg.Page.ReadAt(offset, length, buf)
	reg.Page.Protect(page.None)
	return defs.OK
}

// Write copies length bytes from buf into tid's region starting at
// offset. When the page is exclusively owned, it transitions
// directly None -> ReadWrite -> None. When shared, it performs
// copy-on-write: the caller privately takes a fresh page seeded with the
// old page's full contents plus the write, leaving other sharers'
// contents untouched.
func (e *Engine) Write(tid defs.Tid_t, offset, length int, buf []byte) defs.Err_t {
	sched.Enter()
	defer sched.Exit()
	if errc := e.checkBounds(offset, length, buf); errc != defs.OK {
		return errc
	}
	reg, ok := e.reg.LookupByOwner(tid)
	if !ok {
		return defs.ERR_INVALID
	}

	if reg.Page.Refcount() == 1 {
		reg.Page.Protect(page.ReadWrite)
		reg.Page.WriteAt(offset, length, buf)
		reg.Page.Protect(page.None)
		e.telemetry.Count(telemetry.Write)
		e.logger.Logf("tps: %d write tid=%d offset=%d length=%d", e.clock().UnixNano(), tid, offset, length)
		return defs.OK
	}

	// Shared: copy-on-write. The new page is allocated and fully prepared
	// before oldPage's refcount is touched or the registry is updated, so
	// a failed Protect call leaves the existing region exactly as it was
	// instead of leaking the new page or decrementing a refcount the
	// registry hasn't actually released yet.
	oldPage := reg.Page

	newPage, errc := page.NewSized(e.pageBytes)
	if errc != defs.OK {
		return errc
	}
	if errc := newPage.Protect(page.ReadWrite); errc != defs.OK {
		page.Unmap(newPage)
		return errc
	}
	if errc := oldPage.Protect(page.Read); errc != defs.OK {
		page.Unmap(newPage)
		return errc
	}

	newPage.CopyFullFrom(oldPage)
	newPage.WriteAt(offset, length, buf)

	newPage.Protect(page.None)
	oldPage.Protect(page.None)

	oldPage.Refdown()
	e.reg.Insert(&registry.Region{Owner: tid, Page: newPage})
	e.telemetry.Count(telemetry.Cow)
	e.logger.Logf("tps: %d cow tid=%d offset=%d length=%d", e.clock().UnixNano(), tid, offset, length)
	return defs.OK
}

// Clone gives tid a region sharing source's page. No
// memory is mapped or copied; this is the only path by which a page's
// refcount exceeds 1.
func (e *Engine) Clone(tid, source defs.Tid_t) defs.Err_t {
	sched.Enter()
	defer sched.Exit()
	if _, ok := e.reg.LookupByOwner(tid); ok {
		return defs.ERR_INVALID
	}
	srcReg, ok := e.reg.LookupByOwner(source)
	if !ok {
		return defs.ERR_INVALID
	}
	srcReg.Page.Refup()
	e.reg.Insert(&registry.Region{Owner: tid, Page: srcReg.Page})
	e.telemetry.Count(telemetry.Clone)
	e.logger.Logf("tps: %d clone tid=%d source=%d", e.clock().UnixNano(), tid, source)
	return defs.OK
}

// PageBaseFor exposes the base address of tid's page, for callers
// demonstrating or testing the fault path, such as cmd/tpsctl's demo
// workload. It is not part of the published read/write API and
// bypasses no protection itself.
func (e *Engine) PageBaseFor(tid defs.Tid_t) (uintptr, bool) {
	sched.Enter()
	defer sched.Exit()
	reg, ok := e.reg.LookupByOwner(tid)
	if !ok {
		return 0, false
	}
	return reg.Page.Base(), true
}

// GuardStrayAccess runs fn (expected to dereference addr, a page base
// obtained from PageBaseFor, outside the API) and attributes any
// resulting fault against the live registry, exactly as the installed
// interceptor would.
func (e *Engine) GuardStrayAccess(addr uintptr, fn func()) {
	// Panic-on-fault is a per-goroutine setting, so it is enabled here for
	// the goroutine running fn rather than relying on the one that ran Init.
	if e.installHandlers && fault.Installed() {
		defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	}
	defer func() {
		if r := recover(); r != nil {
			if fault.Attribute(e.reg, addr) {
				e.telemetry.Count(telemetry.FaultAttributed)
			}
			panic(r)
		}
	}()
	fn()
}

func (e *Engine) checkBounds(offset, length int, buf []byte) defs.Err_t {
	if buf == nil {
		return defs.ERR_INVALID
	}
	if length < 0 || len(buf) < length {
		return defs.ERR_INVALID
	}
	if offset < 0 || offset >= e.pageBytes {
		return defs.ERR_INVALID
	}
	if offset+length > e.pageBytes {
		return defs.ERR_INVALID
	}
	return defs.OK
}
