package gadget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultConfigFSRoot is where the usb_gadget configfs subsystem is
// mounted on a stock kernel.
const DefaultConfigFSRoot = "/sys/kernel/config"

// DefaultUDCRoot lists the registered USB device controllers.
const DefaultUDCRoot = "/sys/class/udc"

// DefaultBindDeadline bounds how long Bind waits for every function to
// reach StateReady before giving up.
const DefaultBindDeadline = 5 * time.Second

// GadgetStrings is one language's manufacturer/product/serial triple.
type GadgetStrings struct {
	Manufacturer string
	Product      string
	SerialNumber string
}

// Gadget is the root declaration of a synthesized USB device.
type Gadget struct {
	Name           string
	VendorID       uint16
	ProductID      uint16
	BCDDevice      uint16
	BCDUSB         uint16
	DeviceClass    *ClassCode
	DeviceSubClass *SubClass
	DeviceProtocol *uint8
	Strings        map[uint16]GadgetStrings
	Configuration  *Configuration
	UDC            string
	ConfigFSRoot   string
	BindDeadline   time.Duration
	Log            Logger

	mu    sync.Mutex
	bound bool
	track *rollbackTracker
}

// NewGadget builds a gadget declaration with USB 2.0 defaults
// (bcdUSB = 0x0200). name must be non-empty and safe as a filesystem path
// component.
func NewGadget(name string, vendorID, productID uint16) (*Gadget, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("gadget: name %q is empty or not a plain path component: %w", name, ErrInvalidConfiguration)
	}
	return &Gadget{
		Name:         name,
		VendorID:     vendorID,
		ProductID:    productID,
		BCDUSB:       0x0200,
		Strings:      map[uint16]GadgetStrings{},
		ConfigFSRoot: DefaultConfigFSRoot,
		BindDeadline: DefaultBindDeadline,
		Log:          DefaultLogger(),
	}, nil
}

func (g *Gadget) logger() Logger {
	if g.Log == nil {
		return NopLogger()
	}
	return g.Log
}

// IsBound reports whether the gadget is currently bound to a UDC.
func (g *Gadget) IsBound() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bound
}

func (g *Gadget) gadgetPath() string {
	return filepath.Join(g.ConfigFSRoot, "usb_gadget", g.Name)
}

// resolveUDC returns the preselected UDC name, or the sole entry under
// /sys/class/udc if exactly one exists.
func resolveUDC(udcRoot, preselected string) (string, error) {
	if preselected != "" {
		return preselected, nil
	}
	entries, err := os.ReadDir(udcRoot)
	if err != nil {
		return "", fmt.Errorf("gadget: list %s: %w", udcRoot, err)
	}
	if len(entries) == 0 {
		return "", ErrNoUDC
	}
	if len(entries) > 1 {
		return "", ErrAmbiguousUDC
	}
	return entries[0].Name(), nil
}

// Bind materializes the gadget in configfs, prepares every function, waits
// for them to become ready, and finally writes the UDC name. Any failure
// rolls the whole thing back and returns the original error.
func (g *Gadget) Bind() (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bound {
		return ErrAlreadyBound
	}
	if g.Configuration == nil {
		return fmt.Errorf("gadget: no configuration set: %w", ErrInvalidConfiguration)
	}

	udcRoot := filepath.Join("/sys", "class", "udc")
	udc, err := resolveUDC(udcRoot, g.UDC)
	if err != nil {
		return err
	}

	track := newRollbackTracker()
	defer func() {
		if err != nil {
			funcs := g.Configuration.Functions
			for i := len(funcs) - 1; i >= 0; i-- {
				if derr := funcs[i].Dispose(); derr != nil {
					g.logger().Errorf("gadget: rollback: dispose %s: %v", funcs[i].Name(), derr)
				}
			}
			track.rollback(g.logger())
		}
	}()

	gadgetPath := g.gadgetPath()
	if err = track.mkdirAll(gadgetPath); err != nil {
		return err
	}

	if err = writeHexAttr(gadgetPath, "idVendor", uint64(g.VendorID)); err != nil {
		return err
	}
	if err = writeHexAttr(gadgetPath, "idProduct", uint64(g.ProductID)); err != nil {
		return err
	}
	if err = writeHexAttr(gadgetPath, "bcdDevice", uint64(g.BCDDevice)); err != nil {
		return err
	}
	if err = writeHexAttr(gadgetPath, "bcdUSB", uint64(g.BCDUSB)); err != nil {
		return err
	}
	if g.DeviceClass != nil {
		g.logger().Debugf("gadget %s: bDeviceClass = %s", g.Name, g.DeviceClass.String())
		if err = writeHexAttr(gadgetPath, "bDeviceClass", uint64(*g.DeviceClass)); err != nil {
			return err
		}
	}
	if g.DeviceSubClass != nil {
		if err = writeHexAttr(gadgetPath, "bDeviceSubClass", uint64(*g.DeviceSubClass)); err != nil {
			return err
		}
	}
	if g.DeviceProtocol != nil {
		if err = writeHexAttr(gadgetPath, "bDeviceProtocol", uint64(*g.DeviceProtocol)); err != nil {
			return err
		}
	}

	for langID, strs := range g.Strings {
		langDir := filepath.Join(gadgetPath, "strings", fmt.Sprintf("0x%x", langID))
		if err = track.mkdirAll(langDir); err != nil {
			return err
		}
		if strs.Manufacturer != "" {
			if err = writeAttr(langDir, "manufacturer", strs.Manufacturer); err != nil {
				return err
			}
		}
		if strs.Product != "" {
			if err = writeAttr(langDir, "product", strs.Product); err != nil {
				return err
			}
		}
		if strs.SerialNumber != "" {
			if err = writeAttr(langDir, "serialnumber", strs.SerialNumber); err != nil {
				return err
			}
		}
	}

	cfg := g.Configuration
	cfgDir := filepath.Join(gadgetPath, "configs", fmt.Sprintf("c.%d", cfg.Index))
	if err = track.mkdirAll(cfgDir); err != nil {
		return err
	}
	if err = writeAttr(cfgDir, "bmAttributes", fmt.Sprintf("0x%x", cfg.Attributes)); err != nil {
		return err
	}
	if err = writeAttr(cfgDir, "MaxPower", fmt.Sprintf("%d", cfg.MaxPower.Raw())); err != nil {
		return err
	}
	for langID, name := range cfg.Names {
		langDir := filepath.Join(cfgDir, "strings", fmt.Sprintf("0x%x", langID))
		if err = track.mkdirAll(langDir); err != nil {
			return err
		}
		if err = writeAttr(langDir, "configuration", name); err != nil {
			return err
		}
	}

	for _, fn := range cfg.Functions {
		fnDir := filepath.Join(gadgetPath, "functions", fn.ConfigfsName())
		if err = track.mkdirAll(fnDir); err != nil {
			return err
		}
		if err = fn.Prepare(fnDir); err != nil {
			return fmt.Errorf("gadget: prepare function %s: %w", fn.Name(), err)
		}
	}

	for _, fn := range cfg.Functions {
		if err = fn.WaitReady(g.BindDeadline); err != nil {
			return fmt.Errorf("gadget: function %s: %w", fn.Name(), ErrBindTimeout)
		}
	}

	if err = clearStaleUDCBindings(filepath.Dir(gadgetPath), udc, gadgetPath, g.logger()); err != nil {
		return err
	}

	for _, fn := range cfg.Functions {
		link := filepath.Join(cfgDir, fn.ConfigfsName())
		target := filepath.Join(gadgetPath, "functions", fn.ConfigfsName())
		if err = os.Symlink(target, link); err != nil {
			return fmt.Errorf("gadget: link function %s: %w", fn.Name(), err)
		}
		track.symlinks = append(track.symlinks, link)
	}

	if err = writeAttr(gadgetPath, "UDC", udc); err != nil {
		if errors.Is(err, syscall.EBUSY) {
			return fmt.Errorf("gadget: bind to %s: device busy, a function is likely not actually ready: %w", udc, err)
		}
		return fmt.Errorf("gadget: bind to %s: %w", udc, err)
	}

	g.UDC = udc
	g.bound = true
	g.track = track
	return nil
}

// clearStaleUDCBindings resolves the "busy" case where a previous gadget
// (possibly this one under an earlier process) left udc bound.
// usbGadgetRoot is the usb_gadget/ directory all sibling gadgets live
// under; skipGadgetPath is this gadget's own directory.
func clearStaleUDCBindings(usbGadgetRoot, udc, skipGadgetPath string, log Logger) error {
	entries, err := os.ReadDir(usbGadgetRoot)
	if err != nil {
		// Nothing to scan is not fatal; the configfs tree may be freshly
		// created with this gadget as the only entry.
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		siblingPath := filepath.Join(filepath.Dir(skipGadgetPath), e.Name())
		if siblingPath == skipGadgetPath {
			continue
		}
		cur, err := os.ReadFile(filepath.Join(siblingPath, "UDC"))
		if err != nil {
			continue
		}
		if trimNewline(string(cur)) != udc {
			continue
		}
		log.Debugf("gadget: clearing stale UDC binding on %s", siblingPath)
		if err := writeAttr(siblingPath, "UDC", ""); err != nil {
			log.Errorf("gadget: failed clearing stale UDC binding on %s: %v", siblingPath, err)
		}
	}
	return nil
}

// Unbind idempotently tears the gadget down. Each step runs even if an
// earlier one failed, and the first error encountered is returned.
func (g *Gadget) Unbind() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	gadgetPath := g.gadgetPath()
	if g.bound {
		record(writeAttr(gadgetPath, "UDC", ""))
		g.bound = false
	}

	if g.Configuration != nil {
		funcs := g.Configuration.Functions
		for i := len(funcs) - 1; i >= 0; i-- {
			record(funcs[i].Dispose())
		}
	}

	if g.track != nil {
		g.track.rollback(g.logger())
		g.track = nil
	}

	return firstErr
}

// WaitForState polls /sys/class/udc/<udc>/state every pollInterval until it
// equals target, or returns ErrWaitStateTimeout after timeout.
func (g *Gadget) WaitForState(udc, target string, pollInterval, timeout time.Duration) error {
	statePath := filepath.Join("/sys", "class", "udc", udc, "state")
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(statePath)
		if err == nil && trimNewline(string(data)) == target {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitStateTimeout
		}
		time.Sleep(pollInterval)
	}
}

// StateStream emits /sys/class/udc/<udc>/state values as they change,
// coalescing consecutive duplicates, until stop is called.
func (g *Gadget) StateStream(udc string, pollInterval time.Duration) (states <-chan string, stop func()) {
	statePath := filepath.Join("/sys", "class", "udc", udc, "state")
	out := make(chan string, 1)
	done := make(chan struct{})
	var stopped bool

	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		last := ""
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			data, err := os.ReadFile(statePath)
			if err != nil {
				continue
			}
			cur := trimNewline(string(data))
			if cur == last {
				continue
			}
			last = cur
			select {
			case out <- cur:
			case <-done:
				return
			}
		}
	}()

	return out, func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
