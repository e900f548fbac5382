package functionfs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gadget "github.com/daedaluz/gadgetfs"
)

// Hooks are the lifecycle callbacks a Function owner can install. Each is
// invoked after the runtime's own state transition, so a hook observing
// State() sees the new state. A nil hook is simply skipped.
type Hooks struct {
	OnBind    func()
	OnUnbind  func()
	OnEnable  func()
	OnDisable func()
	OnSuspend func()
	OnResume  func()
	// OnSetup overrides the default standard-request handler entirely
	// when non-nil; it must itself call the default behavior (via
	// Function.HandleStandardSetup) if it wants the base semantics.
	OnSetup func(f *Function, setup SetupPacket)
}

// Function is the FunctionFS-backed implementation of gadget.Function: it
// owns the control endpoint, the data endpoints, the mount, and the event
// loop that drives the lifecycle state machine.
type Function struct {
	FunctionName string
	Base         []gadget.BaseItem
	Speeds       []gadget.Speed
	Strings      []LanguageStrings
	ExtraFlags   uint32
	MountPoint   string
	Hooks        Hooks
	Log          gadget.Logger

	mu          sync.Mutex
	state       gadget.FunctionState
	mounter     *Mounter
	ep0         *EP0File
	endpoints   map[uint8]interface{} // *InEndpointFile or *OutEndpointFile
	epConfig    map[uint8]gadget.EndpointConfig
	halted      map[uint8]bool
	stopEvts    func()
	ready       chan struct{}
	group       *errgroup.Group
	groupCtx    context.Context
	groupCancel context.CancelFunc
}

// NewFunction declares a FunctionFS function named name (used to build the
// configfs instance "ffs.<name>" and the default mount point
// "/dev/ffs/<name>").
func NewFunction(name string, base []gadget.BaseItem, speeds []gadget.Speed) *Function {
	return &Function{
		FunctionName: name,
		Base:         base,
		Speeds:       speeds,
		MountPoint:   filepath.Join("/dev/ffs", name),
		Log:          gadget.DefaultLogger(),
		endpoints:    map[uint8]interface{}{},
		epConfig:     map[uint8]gadget.EndpointConfig{},
		halted:       map[uint8]bool{},
		ready:        make(chan struct{}),
	}
}

func (f *Function) Name() string         { return f.FunctionName }
func (f *Function) ConfigfsName() string { return "ffs." + f.FunctionName }

func (f *Function) State() gadget.FunctionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Function) setState(s gadget.FunctionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Function) logger() gadget.Logger {
	if f.Log == nil {
		return gadget.NopLogger()
	}
	return f.Log
}

// Prepare runs the nine-step sequence: mount, open ep0, generate descriptor
// sets, recompute flags, write descriptors and strings, open data
// endpoints in base-declaration order, start the event listener, go ready.
func (f *Function) Prepare(configfsPath string) (err error) {
	f.mu.Lock()
	select {
	case <-f.ready:
		// An earlier Prepare already closed ready; this attempt gets its own.
		f.ready = make(chan struct{})
	default:
	}
	ready := f.ready
	f.mu.Unlock()
	f.setState(gadget.StatePreparing)
	defer func() {
		if err != nil {
			f.disposeIncomplete()
		}
		close(ready)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	f.mu.Lock()
	f.group = g
	f.groupCtx = gctx
	f.groupCancel = cancel
	f.mu.Unlock()

	f.mounter = NewMounter(f.MountPoint, f.ConfigfsName())
	if err = f.mounter.Ensure(); err != nil {
		return err
	}

	ep0, err2 := OpenEP0(filepath.Join(f.MountPoint, "ep0"))
	if err2 != nil {
		err = err2
		return err
	}
	f.ep0 = ep0

	sets := map[gadget.Speed]*gadget.DescriptorSet{}
	for _, s := range f.Speeds {
		set, serr := gadget.GenerateForSpeed(f.Base, s)
		if serr != nil {
			err = fmt.Errorf("functionfs: generate %s descriptors: %w", s, serr)
			return err
		}
		sets[s] = set
	}

	blob, berr := EncodeDescriptorsV2(sets, f.ExtraFlags)
	if berr != nil {
		err = berr
		return err
	}
	if werr := f.ep0.Write(blob); werr != nil {
		err = fmt.Errorf("functionfs: write descriptors blob: %w", werr)
		return err
	}

	if len(f.Strings) > 0 {
		strBlob, serr := EncodeStringsBlob(f.Strings)
		if serr != nil {
			err = serr
			return err
		}
		if werr := f.ep0.Write(strBlob); werr != nil {
			err = fmt.Errorf("functionfs: write strings blob: %w", werr)
			return err
		}
	}

	if oerr := f.openDataEndpoints(); oerr != nil {
		err = oerr
		return err
	}

	events, errs, stop := f.ep0.Stream(DefaultEventPollInterval)
	f.stopEvts = stop
	f.spawn(func() error { f.runEventLoop(events, errs); return nil })

	f.setState(gadget.StateReady)
	return nil
}

// spawn runs fn as a member of the function's supervised goroutine group:
// the event poller and every per-endpoint AIO engine join the same group,
// so a single Wait during teardown joins all of them, and cancelling
// groupCtx (on teardown) unblocks anything parked on it, such as an AIO
// writer waiting on its buffer semaphore.
func (f *Function) spawn(fn func() error) {
	f.mu.Lock()
	g := f.group
	f.mu.Unlock()
	if g == nil {
		go func() { _ = fn() }()
		return
	}
	g.Go(fn)
}

// openDataEndpoints opens ep1, ep2, ... in the order endpoint templates
// appear among Base, which is how the kernel allocates them, independent
// of the templates' own USB addresses.
func (f *Function) openDataEndpoints() error {
	n := 1
	for _, item := range f.Base {
		if item.Template == nil {
			continue
		}
		addr := item.Template.Address
		path := filepath.Join(f.MountPoint, fmt.Sprintf("ep%d", n))
		n++
		if addr.Direction == gadget.DirectionIn {
			ep, err := OpenInEndpoint(path)
			if err != nil {
				return fmt.Errorf("functionfs: open %s: %w", path, err)
			}
			ep.SetSpawner(f.groupCtx, f.spawn)
			f.endpoints[addr.Byte()] = ep
		} else {
			ep, err := OpenOutEndpoint(path)
			if err != nil {
				return fmt.Errorf("functionfs: open %s: %w", path, err)
			}
			ep.SetSpawner(f.spawn)
			f.endpoints[addr.Byte()] = ep
		}
		f.epConfig[addr.Byte()] = item.Template.Config
	}
	return nil
}

// disposeIncomplete releases whatever resources a failed Prepare managed to
// acquire, then returns to uninitialized rather than disposed: a failed
// prepare can be retried, a disposed function cannot.
func (f *Function) disposeIncomplete() {
	f.teardown()
	f.setState(gadget.StateUninitialized)
}

// WaitReady blocks until Prepare completes (successfully or not) or timeout
// elapses.
func (f *Function) WaitReady(timeout time.Duration) error {
	select {
	case <-f.ready:
		if f.State() != gadget.StateReady {
			return fmt.Errorf("functionfs: function %s failed to prepare", f.FunctionName)
		}
		return nil
	case <-time.After(timeout):
		return gadget.ErrBindTimeout
	}
}

// InEndpoint returns the opened IN endpoint at address n (0x80 | n).
func (f *Function) InEndpoint(n uint8) (*InEndpointFile, error) {
	addr := uint8(0x80) | (n & 0x0F)
	ep, ok := f.endpoints[addr]
	if !ok {
		return nil, gadget.ErrUnknownEndpoint
	}
	in, ok := ep.(*InEndpointFile)
	if !ok {
		return nil, gadget.ErrWrongDirection
	}
	return in, nil
}

// OutEndpoint returns the opened OUT endpoint at address n.
func (f *Function) OutEndpoint(n uint8) (*OutEndpointFile, error) {
	addr := n & 0x0F
	ep, ok := f.endpoints[addr]
	if !ok {
		return nil, gadget.ErrUnknownEndpoint
	}
	out, ok := ep.(*OutEndpointFile)
	if !ok {
		return nil, gadget.ErrWrongDirection
	}
	return out, nil
}

func (f *Function) runEventLoop(events <-chan Event, errs <-chan error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.dispatch(ev)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			f.logger().Errorf("functionfs: %s: event stream error: %v", f.FunctionName, err)
		}
	}
}

func (f *Function) dispatch(ev Event) {
	switch ev.Type {
	case EventBind:
		f.setState(gadget.StateBound)
		if f.Hooks.OnBind != nil {
			f.Hooks.OnBind()
		}
	case EventUnbind:
		f.setState(gadget.StateReady)
		if f.Hooks.OnUnbind != nil {
			f.Hooks.OnUnbind()
		}
	case EventEnable:
		f.setState(gadget.StateEnabled)
		if f.Hooks.OnEnable != nil {
			f.Hooks.OnEnable()
		}
	case EventDisable:
		f.setState(gadget.StateBound)
		if f.Hooks.OnDisable != nil {
			f.Hooks.OnDisable()
		}
	case EventSuspend:
		f.setState(gadget.StateSuspended)
		if f.Hooks.OnSuspend != nil {
			f.Hooks.OnSuspend()
		}
	case EventResume:
		f.setState(gadget.StateEnabled)
		if f.Hooks.OnResume != nil {
			f.Hooks.OnResume()
		}
	case EventSetup:
		if f.Hooks.OnSetup != nil {
			f.Hooks.OnSetup(f, ev.Setup)
		} else {
			f.HandleStandardSetup(ev.Setup)
		}
	}
}

// request field decode (USB 2.0 Table 9-2).
const (
	reqTypeMask      = 0x60
	reqTypeStandard  = 0x00
	reqRecipientMask = 0x1F
	recipientIface   = 0x01
	recipientEP      = 0x02

	stdGetStatus    = 0x00
	stdSetFeature   = 0x03
	stdClearFeature = 0x01

	featureEndpointHalt = 0x00
)

// HandleStandardSetup is the default on_setup handler: GET_STATUS,
// SET_FEATURE/CLEAR_FEATURE(ENDPOINT_HALT), STALL otherwise. Hooks that
// override OnSetup call this to fall back to default behavior for requests
// they don't recognize.
func (f *Function) HandleStandardSetup(s SetupPacket) {
	if s.RequestType&reqTypeMask != reqTypeStandard {
		f.stall()
		return
	}
	recipient := s.RequestType & reqRecipientMask

	switch s.Request {
	case stdGetStatus:
		switch recipient {
		case recipientIface:
			if s.Index == 0 {
				_ = f.ep0.Write([]byte{0x00, 0x00})
				return
			}
			f.stall()
		case recipientEP:
			addr := uint8(s.Index)
			f.mu.Lock()
			halted := f.halted[addr]
			_, known := f.endpoints[addr]
			f.mu.Unlock()
			if !known {
				f.stall()
				return
			}
			status := uint16(0)
			if halted {
				status = 1
			}
			_ = f.ep0.Write([]byte{byte(status), byte(status >> 8)})
		default:
			f.stall()
		}
	case stdSetFeature, stdClearFeature:
		if s.Value != featureEndpointHalt {
			f.stall()
			return
		}
		addr := uint8(s.Index)
		var err error
		if s.Request == stdSetFeature {
			err = f.haltEndpoint(addr)
		} else {
			err = f.clearHaltEndpoint(addr)
		}
		if err != nil {
			f.stall()
			return
		}
		_, _ = f.ep0.Read(0)
	default:
		f.stall()
	}
}

func (f *Function) stall() {
	if err := f.ep0.Halt(); err != nil {
		f.logger().Errorf("functionfs: %s: stall: %v", f.FunctionName, err)
	}
}

// Ep0Write writes an IN data phase to the control endpoint, for overriding
// hooks (such as the HID overlay) that need to answer requests the default
// handler does not know about.
func (f *Function) Ep0Write(data []byte) error {
	return f.ep0.Write(data)
}

// Ep0Read reads an OUT data phase, or acknowledges a no-data-phase request
// when length is 0.
func (f *Function) Ep0Read(length int) ([]byte, error) {
	return f.ep0.Read(length)
}

// Ep0Stall STALLs the current control transfer.
func (f *Function) Ep0Stall() {
	f.stall()
}

func (f *Function) haltEndpoint(addr uint8) error {
	f.mu.Lock()
	ep, ok := f.endpoints[addr]
	f.mu.Unlock()
	if !ok {
		return gadget.ErrUnknownEndpoint
	}
	var err error
	switch e := ep.(type) {
	case *InEndpointFile:
		err = e.Halt()
	case *OutEndpointFile:
		err = e.Halt()
	}
	if err == nil {
		f.mu.Lock()
		f.halted[addr] = true
		f.mu.Unlock()
	}
	return err
}

func (f *Function) clearHaltEndpoint(addr uint8) error {
	f.mu.Lock()
	ep, ok := f.endpoints[addr]
	f.mu.Unlock()
	if !ok {
		return gadget.ErrUnknownEndpoint
	}
	var err error
	if in, ok := ep.(*InEndpointFile); ok {
		err = in.ClearHalt()
	}
	if err == nil {
		f.mu.Lock()
		f.halted[addr] = false
		f.mu.Unlock()
	}
	return err
}

// Dispose closes every endpoint, stops the event listener, and unmounts
// the filesystem, transitioning to the terminal disposed state. It is
// idempotent: the gadget controller always calls it during unbind,
// regardless of how far Prepare got.
func (f *Function) Dispose() error {
	f.mu.Lock()
	if f.state == gadget.StateDisposed {
		f.mu.Unlock()
		return nil
	}
	f.state = gadget.StateDisposed
	f.mu.Unlock()
	return f.teardown()
}

// teardown releases ep0, data endpoints, the event listener, and the mount,
// without touching state. Safe to call more than once. The goroutine group
// is cancelled and joined after endpoints are closed (so their AIO
// reapers see stopCh first) but before the mount is torn down, so no
// group member is still touching the mount point when Close runs.
func (f *Function) teardown() error {
	f.mu.Lock()
	eps := f.endpoints
	f.endpoints = map[uint8]interface{}{}
	cancel := f.groupCancel
	g := f.group
	f.mu.Unlock()

	if f.stopEvts != nil {
		f.stopEvts()
	}
	for _, ep := range eps {
		switch e := ep.(type) {
		case *InEndpointFile:
			_ = e.Close()
		case *OutEndpointFile:
			_ = e.Close()
		}
	}
	if cancel != nil {
		cancel()
	}
	if g != nil {
		_ = g.Wait()
	}
	if f.ep0 != nil {
		_ = f.ep0.Close()
		f.ep0 = nil
	}
	var err error
	if f.mounter != nil {
		err = f.mounter.Close()
	}
	return err
}
