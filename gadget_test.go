package gadget

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFunctionStateString(t *testing.T) {
	cases := map[FunctionState]string{
		StateUninitialized: "uninitialized",
		StatePreparing:     "preparing",
		StateReady:         "ready",
		StateBound:         "bound",
		StateEnabled:       "enabled",
		StateSuspended:     "suspended",
		StateDisposed:      "disposed",
		FunctionState(99):  "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewGadgetRejectsBadName(t *testing.T) {
	if _, err := NewGadget("", 0x1234, 0x5678); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := NewGadget("a/b", 0x1234, 0x5678); err == nil {
		t.Fatal("expected error for name containing a path separator")
	}
}

func TestNewGadgetDefaults(t *testing.T) {
	g, err := NewGadget("g1", 0x1d6b, 0x0104)
	if err != nil {
		t.Fatal(err)
	}
	if g.BCDUSB != 0x0200 {
		t.Fatalf("BCDUSB = %#x, want 0x0200", g.BCDUSB)
	}
	if g.BindDeadline != DefaultBindDeadline {
		t.Fatalf("BindDeadline = %v, want %v", g.BindDeadline, DefaultBindDeadline)
	}
	if g.ConfigFSRoot != DefaultConfigFSRoot {
		t.Fatalf("ConfigFSRoot = %q, want %q", g.ConfigFSRoot, DefaultConfigFSRoot)
	}
}

func TestBindRejectsMissingConfiguration(t *testing.T) {
	g, err := NewGadget("g1", 0x1d6b, 0x0104)
	if err != nil {
		t.Fatal(err)
	}
	g.ConfigFSRoot = t.TempDir()
	if err := g.Bind(); err == nil {
		t.Fatal("expected error binding without a configuration")
	}
}

func TestResolveUDCPreselected(t *testing.T) {
	got, err := resolveUDC(t.TempDir(), "musb-hdrc.0")
	if err != nil {
		t.Fatal(err)
	}
	if got != "musb-hdrc.0" {
		t.Fatalf("resolveUDC() = %q, want musb-hdrc.0", got)
	}
}

func TestResolveUDCNoneFound(t *testing.T) {
	if _, err := resolveUDC(t.TempDir(), ""); err != ErrNoUDC {
		t.Fatalf("resolveUDC() = %v, want ErrNoUDC", err)
	}
}

func TestResolveUDCAmbiguous(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "udc0"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "udc1"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveUDC(dir, ""); err != ErrAmbiguousUDC {
		t.Fatalf("resolveUDC() = %v, want ErrAmbiguousUDC", err)
	}
}

func TestResolveUDCSoleEntry(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "udc0"), 0755); err != nil {
		t.Fatal(err)
	}
	got, err := resolveUDC(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "udc0" {
		t.Fatalf("resolveUDC() = %q, want udc0", got)
	}
}

func TestTrimNewline(t *testing.T) {
	cases := map[string]string{
		"configured\n":   "configured",
		"configured\r\n": "configured",
		"configured":     "configured",
		"":               "",
	}
	for in, want := range cases {
		if got := trimNewline(in); got != want {
			t.Fatalf("trimNewline(%q) = %q, want %q", in, got, want)
		}
	}
}
