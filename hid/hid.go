// Package hid overlays HID class semantics onto a FunctionFS function:
// report descriptor emission, idle rate and protocol-mode state, a report
// cache keyed by (report type, report id), and class-specific setup
// request handling.
package hid

import (
	"fmt"
	"sync"

	gadget "github.com/daedaluz/gadgetfs"
	"github.com/daedaluz/gadgetfs/functionfs"
)

// Subclass is the HID interface subclass (USB HID 1.11 §4.2).
type Subclass uint8

const (
	SubclassNone Subclass = iota
	SubclassBoot
)

// Protocol is the HID interface protocol, meaningful only when Subclass is
// SubclassBoot.
type Protocol uint8

const (
	ProtocolNone Protocol = iota
	ProtocolKeyboard
	ProtocolMouse
)

// Topology selects which endpoints a HID function exposes. Addresses are
// fixed by topology: IN is always EP1 when present, OUT is EP2 when both
// are present, EP1 when output-only.
type Topology uint8

const (
	// TopologyInputOnly: IN on EP1.
	TopologyInputOnly Topology = iota
	// TopologyBidirectional: IN on EP1, OUT on EP2.
	TopologyBidirectional
	// TopologyOutputOnly: OUT on EP1.
	TopologyOutputOnly
)

func (t Topology) hasIn() bool  { return t == TopologyInputOnly || t == TopologyBidirectional }
func (t Topology) hasOut() bool { return t == TopologyBidirectional || t == TopologyOutputOnly }

// EndpointConfig is the topology's shared packet-size/interval knobs,
// applied to whichever endpoints the topology selects.
type EndpointConfig struct {
	PollingMillis uint8
	MaxPacketSize uint16
}

const (
	hidDescriptorValueHigh = 0x21
	hidReportDescHighByte  = 0x22
	reqGetReport           = 0x01
	reqGetIdle             = 0x02
	reqGetProtocol         = 0x03
	reqSetReport           = 0x09
	reqSetIdle             = 0x0A
	reqSetProtocol         = 0x0B

	reqTypeClassMask = 0x60
	reqTypeClass     = 0x20
	reqDirMask       = 0x80
	reqDirIn         = 0x80
	reqRecipientMask = 0x1F
	recipientIface   = 0x01

	stdGetDescriptor = 0x06
)

type reportKey struct {
	typ uint8
	id  uint8
}

// Function extends functionfs.Function with HID class behavior.
type Function struct {
	*functionfs.Function

	ReportDescriptor []byte
	SubclassValue    Subclass
	ProtocolValue    Protocol
	Topo             Topology
	EPConfig         EndpointConfig
	InterfaceNumber  uint8

	// OnGetReport supplies the bytes for a GET_REPORT request; ok=false
	// STALLs. OnSetReport is notified after a SET_REPORT payload is
	// cached. OnIdleChanged/OnProtocolChanged are notified after the
	// corresponding state updates.
	OnGetReport       func(reportType, reportID uint8) (data []byte, ok bool)
	OnSetReport       func(reportType, reportID uint8, data []byte)
	OnIdleChanged     func(reportID uint8, rate uint8)
	OnProtocolChanged func(protocol uint8)

	mu       sync.Mutex
	idleRate uint8
	protocol uint8
	reports  map[reportKey][]byte
	inAddr   uint8
	outAddr  uint8
}

// New builds the base descriptor list (interface + HID descriptor +
// topology endpoints) and wraps a functionfs.Function configured to
// generate it for speeds.
func New(name string, reportDescriptor []byte, subclass Subclass, protocol Protocol, topo Topology, epConfig EndpointConfig, speeds []gadget.Speed) (*Function, error) {
	if len(reportDescriptor) == 0 {
		return nil, fmt.Errorf("hid: report descriptor must be non-empty: %w", gadget.ErrInvalidConfiguration)
	}

	h := &Function{
		ReportDescriptor: reportDescriptor,
		SubclassValue:    subclass,
		ProtocolValue:    protocol,
		Topo:             topo,
		EPConfig:         epConfig,
		reports:          map[reportKey][]byte{},
	}

	iface := &gadget.InterfaceDescriptor{
		InterfaceNumber:   0,
		NumEndpoints:      numEndpoints(topo),
		InterfaceClass:    gadget.ClassCodeInterfaceHID,
		InterfaceSubClass: gadget.SubClass(subclass),
		InterfaceProtocol: uint8(protocol),
	}
	hidDesc := &gadget.HIDDescriptor{
		BcdHID:      0x0111,
		CountryCode: 0,
		Subordinates: []gadget.HIDSubordinate{
			{Type: gadget.DescriptorTypeHIDReport, Length: uint16(len(reportDescriptor))},
		},
	}

	base := []gadget.BaseItem{gadget.Fixed(iface), gadget.Fixed(hidDesc)}

	if topo.hasIn() {
		addr, err := gadget.NewEndpointAddress(1, gadget.DirectionIn)
		if err != nil {
			return nil, err
		}
		tmpl, err := gadget.NewEndpointTemplate(addr, gadget.EndpointConfig{
			TransferType:  gadget.TransferTypeInterrupt,
			PollingMillis: epConfig.PollingMillis,
			MaxPacketSize: epConfig.MaxPacketSize,
		}, speeds)
		if err != nil {
			return nil, err
		}
		base = append(base, gadget.Endpoint(tmpl))
		h.inAddr = addr.Byte()
	}
	if topo.hasOut() {
		num := uint8(2)
		if topo == TopologyOutputOnly {
			num = 1
		}
		addr, err := gadget.NewEndpointAddress(num, gadget.DirectionOut)
		if err != nil {
			return nil, err
		}
		tmpl, err := gadget.NewEndpointTemplate(addr, gadget.EndpointConfig{
			TransferType:  gadget.TransferTypeInterrupt,
			PollingMillis: epConfig.PollingMillis,
			MaxPacketSize: epConfig.MaxPacketSize,
		}, speeds)
		if err != nil {
			return nil, err
		}
		base = append(base, gadget.Endpoint(tmpl))
		h.outAddr = addr.Byte()
	}

	h.Function = functionfs.NewFunction(name, base, speeds)
	h.Function.Hooks.OnSetup = h.handleSetup
	return h, nil
}

func numEndpoints(t Topology) uint8 {
	switch t {
	case TopologyBidirectional:
		return 2
	default:
		return 1
	}
}

func (h *Function) handleSetup(f *functionfs.Function, s functionfs.SetupPacket) {
	high := uint8(s.Value >> 8)
	low := uint8(s.Value)
	recipient := s.RequestType & reqRecipientMask

	if s.RequestType&reqDirMask == reqDirIn && s.RequestType&reqTypeClassMask == 0 && recipient == recipientIface &&
		s.Request == stdGetDescriptor && (high == hidDescriptorValueHigh || high == hidReportDescHighByte) {
		h.handleGetDescriptor(f, high, s.Length)
		return
	}

	if s.RequestType&reqTypeClassMask != reqTypeClass || recipient != recipientIface {
		f.HandleStandardSetup(s)
		return
	}

	switch s.Request {
	case reqGetReport:
		h.handleGetReport(f, high, low, s.Length)
	case reqGetIdle:
		h.mu.Lock()
		rate := h.idleRate
		h.mu.Unlock()
		_ = f.Ep0Write([]byte{rate})
	case reqGetProtocol:
		h.mu.Lock()
		p := h.protocol
		h.mu.Unlock()
		_ = f.Ep0Write([]byte{p})
	case reqSetReport:
		h.handleSetReport(f, high, low, s.Length)
	case reqSetIdle:
		h.mu.Lock()
		h.idleRate = high
		h.mu.Unlock()
		if h.OnIdleChanged != nil {
			h.OnIdleChanged(low, high)
		}
		_, _ = f.Ep0Read(0)
	case reqSetProtocol:
		h.mu.Lock()
		h.protocol = uint8(s.Value)
		h.mu.Unlock()
		if h.OnProtocolChanged != nil {
			h.OnProtocolChanged(uint8(s.Value))
		}
		_, _ = f.Ep0Read(0)
	default:
		f.Ep0Stall()
	}
}

func (h *Function) handleGetDescriptor(f *functionfs.Function, high uint8, wLength uint16) {
	var data []byte
	if high == hidDescriptorValueHigh {
		data = (&gadget.HIDDescriptor{
			BcdHID:      0x0111,
			CountryCode: 0,
			Subordinates: []gadget.HIDSubordinate{
				{Type: gadget.DescriptorTypeHIDReport, Length: uint16(len(h.ReportDescriptor))},
			},
		}).Bytes()
	} else {
		data = h.ReportDescriptor
	}
	if int(wLength) < len(data) {
		data = data[:wLength]
	}
	_ = f.Ep0Write(data)
}

func (h *Function) handleGetReport(f *functionfs.Function, reportType, reportID uint8, wLength uint16) {
	if wLength == 0 {
		f.Ep0Stall()
		return
	}
	var data []byte
	var ok bool
	if h.OnGetReport != nil {
		data, ok = h.OnGetReport(reportType, reportID)
	} else {
		h.mu.Lock()
		cached, present := h.reports[reportKey{typ: reportType, id: reportID}]
		h.mu.Unlock()
		data, ok = cached, present
	}
	if !ok {
		f.Ep0Stall()
		return
	}
	out := make([]byte, wLength)
	copy(out, data)
	_ = f.Ep0Write(out)
}

func (h *Function) handleSetReport(f *functionfs.Function, reportType, reportID uint8, wLength uint16) {
	data, err := f.Ep0Read(int(wLength))
	if err != nil {
		f.Ep0Stall()
		return
	}
	h.mu.Lock()
	h.reports[reportKey{typ: reportType, id: reportID}] = data
	h.mu.Unlock()
	if h.OnSetReport != nil {
		h.OnSetReport(reportType, reportID, data)
	}
}

// SendReport writes bytes to the IN endpoint. Fails if the topology has no
// IN endpoint.
func (h *Function) SendReport(data []byte) error {
	if !h.Topo.hasIn() {
		return fmt.Errorf("hid: function has no IN endpoint: %w", gadget.ErrUnsupportedOperation)
	}
	ep, err := h.Function.InEndpoint(h.inAddr & 0x0F)
	if err != nil {
		return err
	}
	return ep.Write(data)
}

// StreamReports starts an AIO reader on the OUT endpoint and returns its
// data and error channels plus a stop function. Each report is delivered
// once, to whichever receiver takes it; several receivers do not each see
// every report. Fails if the topology has no OUT endpoint.
func (h *Function) StreamReports(numBuffers int) (<-chan []byte, <-chan error, func() error, error) {
	if !h.Topo.hasOut() {
		return nil, nil, nil, fmt.Errorf("hid: function has no OUT endpoint: %w", gadget.ErrUnsupportedOperation)
	}
	ep, err := h.Function.OutEndpoint(h.outAddr & 0x0F)
	if err != nil {
		return nil, nil, nil, err
	}
	return ep.Stream(gadget.TransferTypeInterrupt, h.EPConfig.MaxPacketSize, numBuffers)
}
