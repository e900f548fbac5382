// Package kernelfunc implements gadget functions whose entire behavior
// lives in an in-tree kernel driver: mass storage, ACM/generic serial, the
// CDC Ethernet family, RNDIS, kernel HID, MIDI, UAC, UVC, printer, and
// loopback/source-sink. None of them are driven over ep0 from userspace;
// configuring them is a matter of writing a function-specific set of
// string attributes into their configfs directory.
package kernelfunc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gadget "github.com/daedaluz/gadgetfs"
)

// Kind is a configfs function type name, the first component of a
// function's configfs instance name (e.g. "mass_storage" in
// "mass_storage.disk0").
type Kind string

const (
	KindMassStorage Kind = "mass_storage"
	KindACM         Kind = "acm"
	KindGenericSer  Kind = "gser"
	KindECM         Kind = "ecm"
	KindECMSubset   Kind = "geth"
	KindEEM         Kind = "eem"
	KindNCM         Kind = "ncm"
	KindRNDIS       Kind = "rndis"
	KindHID         Kind = "hid"
	KindMIDI        Kind = "midi"
	KindUAC1        Kind = "uac1"
	KindUAC2        Kind = "uac2"
	KindUVC         Kind = "uvc"
	KindPrinter     Kind = "printer"
	KindLoopback    Kind = "loopback"
	KindSourceSink  Kind = "sourcesink"
)

// LUN is one mass storage logical unit, backed by a file or block device.
type LUN struct {
	File      string
	CDROM     bool
	RO        bool
	Removable bool
	NoFUA     bool
}

// Function is a kernel-driven function: a name, a kind, and a flat
// attribute table written verbatim into its configfs directory. LUNs and
// ReportDescriptor carry the two attributes that aren't flat strings.
type Function struct {
	FunctionName     string
	Kind             Kind
	Attributes       map[string]string
	LUNs             []LUN
	ReportDescriptor []byte

	mu    sync.Mutex
	state gadget.FunctionState
	path  string
}

func newFunction(name string, kind Kind, attrs map[string]string) *Function {
	return &Function{FunctionName: name, Kind: kind, Attributes: attrs}
}

// NewMassStorage builds a mass_storage function with one configfs LUN per
// entry in luns.
func NewMassStorage(name string, luns []LUN, stall bool) *Function {
	f := newFunction(name, KindMassStorage, map[string]string{"stall": boolAttr(stall)})
	f.LUNs = luns
	return f
}

// NewACM builds an acm (or gser, when generic is true) function. console is
// optional and ignored when empty.
func NewACM(name, console string, generic bool) *Function {
	kind := KindACM
	if generic {
		kind = KindGenericSer
	}
	attrs := map[string]string{}
	if console != "" {
		attrs["console"] = console
	}
	return newFunction(name, kind, attrs)
}

// NewEthernet builds one of the CDC Ethernet family (ecm, geth, eem, ncm)
// or rndis. hostAddr and devAddr are MAC addresses in "XX:XX:XX:XX:XX:XX"
// form. wceis is only meaningful for rndis.
func NewEthernet(kind Kind, name, hostAddr, devAddr string, wceis bool) (*Function, error) {
	switch kind {
	case KindECM, KindECMSubset, KindEEM, KindNCM, KindRNDIS:
	default:
		return nil, fmt.Errorf("kernelfunc: %q is not an ethernet function kind: %w", kind, gadget.ErrInvalidConfiguration)
	}
	attrs := map[string]string{
		"host_addr": hostAddr,
		"dev_addr":  devAddr,
	}
	if kind == KindRNDIS {
		attrs["wceis"] = boolAttr(wceis)
	}
	return newFunction(name, kind, attrs), nil
}

// NewKernelHID builds an in-kernel hid function. noOutEndpoint suppresses
// the OUT interrupt endpoint (no host-to-device reports).
func NewKernelHID(name string, reportDescriptor []byte, protocol, subclass uint8, noOutEndpoint bool) (*Function, error) {
	if len(reportDescriptor) == 0 {
		return nil, fmt.Errorf("kernelfunc: report descriptor must be non-empty: %w", gadget.ErrInvalidConfiguration)
	}
	f := newFunction(name, KindHID, map[string]string{
		"protocol":        strconv.Itoa(int(protocol)),
		"subclass":        strconv.Itoa(int(subclass)),
		"report_length":   strconv.Itoa(len(reportDescriptor)),
		"no_out_endpoint": boolAttr(noOutEndpoint),
	})
	f.ReportDescriptor = reportDescriptor
	return f, nil
}

// NewMIDI builds a midi function.
func NewMIDI(name, id string, inPorts, outPorts, buflen, qlen int) *Function {
	return newFunction(name, KindMIDI, map[string]string{
		"id":        id,
		"in_ports":  strconv.Itoa(inPorts),
		"out_ports": strconv.Itoa(outPorts),
		"buflen":    strconv.Itoa(buflen),
		"qlen":      strconv.Itoa(qlen),
	})
}

// NewUAC builds a uac1 or uac2 function from a caller-supplied attribute
// map (channel masks, sample rates, sample sizes, req_number are all
// driver-version-specific and passed through verbatim).
func NewUAC(version int, name string, attrs map[string]string) (*Function, error) {
	var kind Kind
	switch version {
	case 1:
		kind = KindUAC1
	case 2:
		kind = KindUAC2
	default:
		return nil, fmt.Errorf("kernelfunc: unsupported uac version %d: %w", version, gadget.ErrInvalidConfiguration)
	}
	return newFunction(name, kind, cloneAttrs(attrs)), nil
}

// NewUVC builds a uvc function.
func NewUVC(name string, streamingMaxPacket, streamingMaxBurst, streamingInterval int) *Function {
	return newFunction(name, KindUVC, map[string]string{
		"streaming_maxpacket": strconv.Itoa(streamingMaxPacket),
		"streaming_maxburst":  strconv.Itoa(streamingMaxBurst),
		"streaming_interval":  strconv.Itoa(streamingInterval),
	})
}

// NewPrinter builds a printer function.
func NewPrinter(name, pnpString string, qLen int) *Function {
	return newFunction(name, KindPrinter, map[string]string{
		"pnp_string": pnpString,
		"q_len":      strconv.Itoa(qLen),
	})
}

// NewLoopback builds a loopback function.
func NewLoopback(name string, qlen, buflen int) *Function {
	return newFunction(name, KindLoopback, map[string]string{
		"qlen":   strconv.Itoa(qlen),
		"buflen": strconv.Itoa(buflen),
	})
}

// NewSourceSink builds a sourcesink function from a caller-supplied
// attribute map (pattern, isoc_*, bulk_* knobs).
func NewSourceSink(name string, attrs map[string]string) *Function {
	return newFunction(name, KindSourceSink, cloneAttrs(attrs))
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// Name is the caller-chosen short identifier.
func (f *Function) Name() string { return f.FunctionName }

// ConfigfsName is "<kind>.<name>", e.g. "mass_storage.disk0".
func (f *Function) ConfigfsName() string {
	return fmt.Sprintf("%s.%s", f.Kind, f.FunctionName)
}

func (f *Function) setState(s gadget.FunctionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// State reports the function's current lifecycle state.
func (f *Function) State() gadget.FunctionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Prepare validates that path exists (its absence means the backing kernel
// module isn't loaded, since mkdir under functions/ is what instantiates a
// kernel function), writes the attribute table, and for mass storage and
// kernel HID writes their extra structured attributes. There is no ep0, no
// descriptor blob, and no event loop: the function is ready as soon as its
// attributes are written.
func (f *Function) Prepare(path string) error {
	f.setState(gadget.StatePreparing)

	if _, err := os.Stat(path); err != nil {
		f.setState(gadget.StateUninitialized)
		return fmt.Errorf("kernelfunc: %s: directory missing, kernel module for %q likely not loaded: %w", path, f.Kind, err)
	}
	f.path = path

	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeAttr(path, k, f.Attributes[k]); err != nil {
			f.setState(gadget.StateUninitialized)
			return err
		}
	}

	if f.Kind == KindMassStorage {
		for i, lun := range f.LUNs {
			lunDir := filepath.Join(path, fmt.Sprintf("lun.%d", i))
			if err := os.MkdirAll(lunDir, 0755); err != nil {
				f.setState(gadget.StateUninitialized)
				return fmt.Errorf("kernelfunc: create %s: %w", lunDir, err)
			}
			if err := writeAttr(lunDir, "cdrom", boolAttr(lun.CDROM)); err != nil {
				f.setState(gadget.StateUninitialized)
				return err
			}
			if err := writeAttr(lunDir, "ro", boolAttr(lun.RO)); err != nil {
				f.setState(gadget.StateUninitialized)
				return err
			}
			if err := writeAttr(lunDir, "removable", boolAttr(lun.Removable)); err != nil {
				f.setState(gadget.StateUninitialized)
				return err
			}
			if err := writeAttr(lunDir, "nofua", boolAttr(lun.NoFUA)); err != nil {
				f.setState(gadget.StateUninitialized)
				return err
			}
			// file last: the driver only accepts a backing file once the
			// other LUN attributes are in place.
			if lun.File != "" {
				if err := writeAttr(lunDir, "file", lun.File); err != nil {
					f.setState(gadget.StateUninitialized)
					return err
				}
			}
		}
	}

	if f.Kind == KindHID && len(f.ReportDescriptor) > 0 {
		if err := os.WriteFile(filepath.Join(path, "report_desc"), f.ReportDescriptor, 0644); err != nil {
			f.setState(gadget.StateUninitialized)
			return fmt.Errorf("kernelfunc: write %s/report_desc: %w", path, err)
		}
	}

	f.setState(gadget.StateReady)
	return nil
}

// WaitReady returns immediately: a kernel function has no asynchronous
// readiness to wait for, its attributes are either written or they aren't.
func (f *Function) WaitReady(timeout time.Duration) error {
	if f.State() != gadget.StateReady {
		return fmt.Errorf("kernelfunc: %s: not ready: %w", f.ConfigfsName(), gadget.ErrInvalidConfiguration)
	}
	return nil
}

// EjectLUN triggers the mass storage driver's media-eject path by writing
// to lun.<i>/forced_eject. Valid only for mass_storage functions.
func (f *Function) EjectLUN(i int) error {
	if f.Kind != KindMassStorage {
		return fmt.Errorf("kernelfunc: eject is a mass_storage operation: %w", gadget.ErrUnsupportedOperation)
	}
	lunDir := filepath.Join(f.path, fmt.Sprintf("lun.%d", i))
	return writeAttr(lunDir, "forced_eject", "1")
}

// Device reads back the kernel-assigned (major, minor) of a kernel HID
// function's /dev/hidg<n> node, valid once the gadget is bound. The device
// path itself is derivable as fmt.Sprintf("/dev/hidg%d", minor).
func (f *Function) Device() (major, minor int, err error) {
	if f.Kind != KindHID {
		return 0, 0, fmt.Errorf("kernelfunc: device() is a kernel HID operation: %w", gadget.ErrUnsupportedOperation)
	}
	data, err := os.ReadFile(filepath.Join(f.path, "dev"))
	if err != nil {
		return 0, 0, fmt.Errorf("kernelfunc: read %s/dev: %w", f.path, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("kernelfunc: %s/dev: unexpected format %q", f.path, data)
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("kernelfunc: %s/dev: unexpected format %q", f.path, data)
	}
	return major, minor, nil
}

// Dispose is idempotent. A kernel function has no open runtime handles of
// its own beyond what Device callers opened themselves, so there is
// nothing to release beyond the state transition.
func (f *Function) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == gadget.StateDisposed {
		return nil
	}
	f.state = gadget.StateDisposed
	return nil
}

func writeAttr(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("kernelfunc: write %s: %w", path, err)
	}
	return nil
}
