package page

import (
	"bytes"
	"testing"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
)

func TestNewStartsAtNoneWithRefcountOne(t *testing.T) {
	d, errc := New()
	if errc != defs.OK {
		t.Fatalf("New: %v", errc)
	}
	defer Unmap(d)

	if got := d.Protection(); got != None {
		t.Fatalf("initial protection: got %v want None", got)
	}
	if got := d.Refcount(); got != 1 {
		t.Fatalf("initial refcount: got %d want 1", got)
	}
	if d.Base() == 0 {
		t.Fatal("expected a non-zero base address")
	}
}

func TestProtectThenReadWriteRoundTrip(t *testing.T) {
	d, errc := New()
	if errc != defs.OK {
		t.Fatalf("New: %v", errc)
	}
	defer Unmap(d)

	if errc := d.Protect(ReadWrite); errc != defs.OK {
		t.Fatalf("Protect(ReadWrite): %v", errc)
	}
	src := []byte("hello page")
	d.WriteAt(0, len(src), src)
	if errc := d.Protect(None); errc != defs.OK {
		t.Fatalf("Protect(None): %v", errc)
	}

	if errc := d.Protect(Read); errc != defs.OK {
		t.Fatalf("Protect(Read): %v", errc)
	}
	dst := make([]byte, len(src))
	d.ReadAt(0, len(src), dst)
	if errc := d.Protect(None); errc != defs.OK {
		t.Fatalf("Protect(None): %v", errc)
	}

	if !bytes.Equal(src, dst) {
		t.Fatalf("got %q want %q", dst, src)
	}
}

func TestRefupRefdown(t *testing.T) {
	d, errc := New()
	if errc != defs.OK {
		t.Fatalf("New: %v", errc)
	}
	defer Unmap(d)

	d.Refup()
	if got := d.Refcount(); got != 2 {
		t.Fatalf("Refcount after Refup: got %d want 2", got)
	}
	if d.Refdown() {
		t.Fatal("Refdown from 2 must not report last reference")
	}
	if got := d.Refcount(); got != 1 {
		t.Fatalf("Refcount after one Refdown: got %d want 1", got)
	}
	if !d.Refdown() {
		t.Fatal("Refdown from 1 must report last reference")
	}
}

func TestCopyFullFrom(t *testing.T) {
	src, errc := New()
	if errc != defs.OK {
		t.Fatalf("New src: %v", errc)
	}
	defer Unmap(src)
	dst, errc := New()
	if errc != defs.OK {
		t.Fatalf("New dst: %v", errc)
	}
	defer Unmap(dst)

	src.Protect(ReadWrite)
	payload := bytes.Repeat([]byte{0xab}, 32)
	src.WriteAt(0, len(payload), payload)
	src.Protect(Read)

	dst.Protect(ReadWrite)
	dst.CopyFullFrom(src)
	dst.Protect(None)
	src.Protect(None)

	dst.Protect(Read)
	got := make([]byte, len(payload))
	dst.ReadAt(0, len(payload), got)
	dst.Protect(None)

	if !bytes.Equal(got, payload) {
		t.Fatalf("copied page mismatch: got %x want %x", got[:8], payload[:8])
	}
}
