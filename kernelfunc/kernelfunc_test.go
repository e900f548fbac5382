package kernelfunc

import (
	"os"
	"path/filepath"
	"testing"

	gadget "github.com/daedaluz/gadgetfs"
)

func TestConfigfsName(t *testing.T) {
	f := NewMassStorage("disk0", nil, false)
	if got, want := f.ConfigfsName(), "mass_storage.disk0"; got != want {
		t.Fatalf("ConfigfsName() = %q, want %q", got, want)
	}
}

func TestMassStoragePrepareWritesLUNs(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(img, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	f := NewMassStorage("storage", []LUN{
		{File: img, Removable: true},
	}, false)

	if err := f.Prepare(dir); err != nil {
		t.Fatal(err)
	}
	if f.State() != gadget.StateReady {
		t.Fatalf("state = %v, want ready", f.State())
	}

	lunDir := filepath.Join(dir, "lun.0")
	got, err := os.ReadFile(filepath.Join(lunDir, "file"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != img {
		t.Fatalf("lun.0/file = %q, want %q", got, img)
	}
	removable, err := os.ReadFile(filepath.Join(lunDir, "removable"))
	if err != nil {
		t.Fatal(err)
	}
	if string(removable) != "1" {
		t.Fatalf("lun.0/removable = %q, want %q", removable, "1")
	}
	stall, err := os.ReadFile(filepath.Join(dir, "stall"))
	if err != nil {
		t.Fatal(err)
	}
	if string(stall) != "0" {
		t.Fatalf("stall = %q, want %q", stall, "0")
	}
}

func TestPrepareMissingDirectory(t *testing.T) {
	f := NewACM("console0", "", false)
	err := f.Prepare(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error for missing function directory")
	}
	if f.State() != gadget.StateUninitialized {
		t.Fatalf("state = %v, want uninitialized after failed prepare", f.State())
	}
}

func TestEthernetRejectsNonEthernetKind(t *testing.T) {
	if _, err := NewEthernet(KindHID, "net0", "", "", false); err == nil {
		t.Fatal("expected error for non-ethernet kind")
	}
}

func TestRNDISWritesWceis(t *testing.T) {
	dir := t.TempDir()
	f, err := NewEthernet(KindRNDIS, "net0", "aa:bb:cc:dd:ee:ff", "11:22:33:44:55:66", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Prepare(dir); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "wceis"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1" {
		t.Fatalf("wceis = %q, want %q", got, "1")
	}
}

func TestKernelHIDWritesReportDescriptor(t *testing.T) {
	dir := t.TempDir()
	reportDesc := []byte{0x05, 0x01, 0x09, 0x06, 0xC0}
	f, err := NewKernelHID("keyboard0", reportDesc, 1, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Prepare(dir); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "report_desc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(reportDesc) {
		t.Fatalf("report_desc = %x, want %x", got, reportDesc)
	}
}

func TestKernelHIDRejectsEmptyReportDescriptor(t *testing.T) {
	if _, err := NewKernelHID("keyboard0", nil, 1, 1, false); err == nil {
		t.Fatal("expected error for empty report descriptor")
	}
}

func TestDeviceRejectsNonHID(t *testing.T) {
	f := NewMassStorage("disk0", nil, false)
	if _, _, err := f.Device(); err == nil {
		t.Fatal("expected error for non-HID Device() call")
	}
}

func TestDeviceParsesMajorMinor(t *testing.T) {
	dir := t.TempDir()
	f, err := NewKernelHID("keyboard0", []byte{0x01}, 1, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Prepare(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dev"), []byte("243:0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	major, minor, err := f.Device()
	if err != nil {
		t.Fatal(err)
	}
	if major != 243 || minor != 0 {
		t.Fatalf("Device() = (%d, %d), want (243, 0)", major, minor)
	}
}

func TestEjectLUNOnlyForMassStorage(t *testing.T) {
	f := NewACM("console0", "", false)
	if err := f.EjectLUN(0); err == nil {
		t.Fatal("expected error ejecting a LUN on a non-mass_storage function")
	}
}

func TestWaitReadyRequiresPrepare(t *testing.T) {
	f := NewMassStorage("disk0", nil, false)
	if err := f.WaitReady(0); err == nil {
		t.Fatal("expected error waiting ready before prepare")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	f := NewMassStorage("disk0", nil, false)
	if err := f.Dispose(); err != nil {
		t.Fatal(err)
	}
	if err := f.Dispose(); err != nil {
		t.Fatal(err)
	}
	if f.State() != gadget.StateDisposed {
		t.Fatalf("state = %v, want disposed", f.State())
	}
}
