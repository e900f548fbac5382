package functionfs

import (
	"errors"
	"testing"
	"time"

	gadget "github.com/daedaluz/gadgetfs"
)

func TestNewFunctionDefaults(t *testing.T) {
	f := NewFunction("keyboard", nil, []gadget.Speed{gadget.SpeedFull})
	if f.MountPoint != "/dev/ffs/keyboard" {
		t.Fatalf("MountPoint = %q, want /dev/ffs/keyboard", f.MountPoint)
	}
	if f.State() != gadget.StateUninitialized {
		t.Fatalf("State() = %v, want uninitialized", f.State())
	}
	if f.ConfigfsName() != "ffs.keyboard" {
		t.Fatalf("ConfigfsName() = %q, want ffs.keyboard", f.ConfigfsName())
	}
	if f.Name() != "keyboard" {
		t.Fatalf("Name() = %q, want keyboard", f.Name())
	}
}

func TestWaitReadyTimesOutBeforePrepare(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	err := f.WaitReady(10 * time.Millisecond)
	if !errors.Is(err, gadget.ErrBindTimeout) {
		t.Fatalf("WaitReady() = %v, want ErrBindTimeout", err)
	}
}

func TestInEndpointUnknownAddress(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	if _, err := f.InEndpoint(1); !errors.Is(err, gadget.ErrUnknownEndpoint) {
		t.Fatalf("InEndpoint(1) = %v, want ErrUnknownEndpoint", err)
	}
}

func TestOutEndpointUnknownAddress(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	if _, err := f.OutEndpoint(1); !errors.Is(err, gadget.ErrUnknownEndpoint) {
		t.Fatalf("OutEndpoint(1) = %v, want ErrUnknownEndpoint", err)
	}
}

func TestHaltEndpointUnknownAddress(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	if err := f.haltEndpoint(0x81); !errors.Is(err, gadget.ErrUnknownEndpoint) {
		t.Fatalf("haltEndpoint(0x81) = %v, want ErrUnknownEndpoint", err)
	}
	if err := f.clearHaltEndpoint(0x81); !errors.Is(err, gadget.ErrUnknownEndpoint) {
		t.Fatalf("clearHaltEndpoint(0x81) = %v, want ErrUnknownEndpoint", err)
	}
}

func TestDisposeIdempotentWithoutPrepare(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	if err := f.Dispose(); err != nil {
		t.Fatal(err)
	}
	if f.State() != gadget.StateDisposed {
		t.Fatalf("State() = %v, want disposed", f.State())
	}
	if err := f.Dispose(); err != nil {
		t.Fatalf("second Dispose() = %v, want nil", err)
	}
}

func TestDispatchUpdatesState(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	f.setState(gadget.StateReady)

	var bound, enabled bool
	f.Hooks.OnBind = func() { bound = true }
	f.Hooks.OnEnable = func() { enabled = true }

	f.dispatch(Event{Type: EventBind})
	if f.State() != gadget.StateBound || !bound {
		t.Fatalf("after EventBind: state=%v bound=%v", f.State(), bound)
	}
	f.dispatch(Event{Type: EventEnable})
	if f.State() != gadget.StateEnabled || !enabled {
		t.Fatalf("after EventEnable: state=%v enabled=%v", f.State(), enabled)
	}
	f.dispatch(Event{Type: EventSuspend})
	if f.State() != gadget.StateSuspended {
		t.Fatalf("after EventSuspend: state=%v", f.State())
	}
	f.dispatch(Event{Type: EventResume})
	if f.State() != gadget.StateEnabled {
		t.Fatalf("after EventResume: state=%v", f.State())
	}
	f.dispatch(Event{Type: EventDisable})
	if f.State() != gadget.StateBound {
		t.Fatalf("after EventDisable: state=%v", f.State())
	}
	f.dispatch(Event{Type: EventUnbind})
	if f.State() != gadget.StateReady {
		t.Fatalf("after EventUnbind: state=%v", f.State())
	}
}

func TestDispatchSetupPrefersHook(t *testing.T) {
	f := NewFunction("gamepad", nil, []gadget.Speed{gadget.SpeedFull})
	var got SetupPacket
	f.Hooks.OnSetup = func(fn *Function, s SetupPacket) { got = s }

	want := SetupPacket{RequestType: 0x21, Request: 0x09, Value: 0x0200, Length: 1}
	f.dispatch(Event{Type: EventSetup, Setup: want})
	if got != want {
		t.Fatalf("OnSetup got %+v, want %+v", got, want)
	}
}
