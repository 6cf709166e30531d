package fault

import (
	"os"
	"os/exec"
	"strings"
	"testing"
	"unsafe"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
	"github.com/oichkatzelesfrettschen/tps/internal/page"
	"github.com/oichkatzelesfrettschen/tps/internal/registry"
)

func TestAttributeMatchesOwningPage(t *testing.T) {
	reg := registry.New()
	pg, err := page.New()
	if err != defs.OK {
		t.Fatalf("page.New: %v", err)
	}
	defer page.Unmap(pg)
	reg.Insert(&registry.Region{Owner: 1, Page: pg})

	if !Attribute(reg, pg.Base()+5) {
		t.Fatal("expected attribution to succeed for an address inside the page")
	}
}

func TestAttributeMissOnUnrelatedAddress(t *testing.T) {
	reg := registry.New()
	var x int
	if Attribute(reg, uintptr(unsafe.Pointer(&x))) {
		t.Fatal("expected no attribution for an address outside any TPS page")
	}
}

// TestStrayAccessCrashesWithDiagnostic runs the end-to-end scenario in a
// subprocess: a thread that dereferences a TPS page's base address
// outside the API causes the exact diagnostic line
// on stderr and abnormal termination. This necessarily crashes the
// process that runs it, so, matching the standard library's own
// TestCrasher-style tests for os.Exit/fatal paths, the real work
// happens in a re-exec'd child and the parent only inspects its exit
// status and output.
func TestStrayAccessCrashesWithDiagnostic(t *testing.T) {
	if os.Getenv("TPS_FAULT_HELPER") == "1" {
		runStrayAccessHelper()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestStrayAccessCrashesWithDiagnostic")
	cmd.Env = append(os.Environ(), "TPS_FAULT_HELPER=1")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected the helper process to terminate abnormally, got clean exit; output:\n%s", out)
	}
	if !strings.Contains(string(out), "TPS protection error!\n") {
		t.Fatalf("expected diagnostic line in output, got:\n%s", out)
	}
}

func runStrayAccessHelper() {
	Install()
	reg := registry.New()
	pg, errc := page.New()
	if errc != defs.OK {
		os.Exit(2)
	}
	reg.Insert(&registry.Region{Owner: 1, Page: pg})

	addr := pg.Base()
	Guard(reg, addr, func() {
		p := (*byte)(unsafe.Pointer(addr))
		_ = *p // stray read through a protection-None page: must fault
	})
}
