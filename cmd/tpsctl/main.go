// Command tpsctl drives the thread-private storage engine end to end: a
// small demo workload that creates, writes, clones and destroys regions,
// and reports what happened through the engine's counters and profile.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
	"github.com/oichkatzelesfrettschen/tps/internal/engine"
	"github.com/oichkatzelesfrettschen/tps/internal/sched"
	"github.com/oichkatzelesfrettschen/tps/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "demo":
		runDemo()
	case "stats":
		eng := runDemo()
		printStats(eng)
	case "profile":
		eng := runDemo()
		if err := writeProfile(eng, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "tpsctl: %v\n", err)
			os.Exit(1)
		}
	case "disasm":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: tpsctl disasm <hex-bytes> [16|32|64]\n")
			os.Exit(1)
		}
		if err := runDisasm(os.Args[2], os.Args[3:]); err != nil {
			fmt.Fprintf(os.Stderr, "tpsctl: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tpsctl demo|stats|profile [out-file]|disasm <hex-bytes> [16|32|64]\n")
}

// runDemo exercises the engine through one representative lifecycle:
// init, a private region, an exclusive write, a clone, a shared write
// that triggers copy-on-write, and a stray access caught by the fault
// interceptor. It then tears everything down and returns the engine so
// callers can inspect its counters or profile afterward.
func runDemo() *engine.Engine {
	eng := engine.New(engine.WithHandlers(true))
	if errc := eng.Init(); errc != defs.OK && errc != defs.ERR_ALREADY {
		fmt.Fprintf(os.Stderr, "init: %v\n", errc)
		os.Exit(1)
	}

	owner, ownerDone := sched.Go(func(tid defs.Tid_t) {
		if errc := eng.Create(tid); errc.Failed() {
			fmt.Fprintf(os.Stderr, "create: %v\n", errc)
			return
		}
		payload := []byte("thread-private payload")
		if errc := eng.Write(tid, 0, len(payload), payload); errc.Failed() {
			fmt.Fprintf(os.Stderr, "write: %v\n", errc)
		}
	})
	<-ownerDone

	cloner, clonerDone := sched.Go(func(tid defs.Tid_t) {
		if errc := eng.Clone(tid, owner); errc.Failed() {
			fmt.Fprintf(os.Stderr, "clone: %v\n", errc)
			return
		}
		update := []byte("cloner's own edit")
		if errc := eng.Write(tid, 0, len(update), update); errc.Failed() {
			fmt.Fprintf(os.Stderr, "shared write: %v\n", errc)
		}
	})
	<-clonerDone

	if base, ok := eng.PageBaseFor(owner); ok {
		demoStrayAccess(eng, base)
	}

	for _, tid := range []defs.Tid_t{owner, cloner} {
		if errc := eng.Destroy(tid); errc.Failed() {
			fmt.Fprintf(os.Stderr, "destroy: %v\n", errc)
		}
	}

	return eng
}

// demoStrayAccess touches addr outside the published API, in a goroutine
// whose panic-on-fault is recovered locally so the CLI keeps running
// after reporting the attribution, instead of crashing the whole process
// the way a genuine stray access would.
func demoStrayAccess(eng *engine.Engine, addr uintptr) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { recover() }()
		eng.GuardStrayAccess(addr, func() {
			p := (*byte)(unsafe.Pointer(addr))
			_ = *p
		})
	}()
	<-done
}

func printStats(eng *engine.Engine) {
	p := message.NewPrinter(language.English)
	counters := eng.Telemetry()
	for k := telemetry.Create; k <= telemetry.FaultAttributed; k++ {
		p.Printf("%-16s %d\n", k.String(), counters.Value(k))
	}
}

func writeProfile(eng *engine.Engine, args []string) error {
	out := os.Stdout
	if len(args) > 0 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return eng.Telemetry().Profile().Write(out)
}

// runDisasm decodes a single x86 instruction from hex-encoded bytes,
// for developers inspecting the program counter a crash report names.
func runDisasm(hexBytes string, rest []string) error {
	mode := 64
	if len(rest) > 0 {
		switch rest[0] {
		case "16":
			mode = 16
		case "32":
			mode = 32
		case "64":
			mode = 64
		default:
			return fmt.Errorf("unsupported mode %q", rest[0])
		}
	}

	raw, err := decodeHex(hexBytes)
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(raw, mode)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	fmt.Printf("%s\n", inst.String())
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b byte
		if _, err := fmt.Sscanf(s[2*i:2*i+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid hex byte %q: %w", s[2*i:2*i+2], err)
		}
		out[i] = b
	}
	return out, nil
}
