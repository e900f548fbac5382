package hid

import (
	"testing"

	gadget "github.com/daedaluz/gadgetfs"
)

var fullSpeed = []gadget.Speed{gadget.SpeedFull, gadget.SpeedHigh}

func keyboardReportDescriptor() []byte {
	return []byte{
		0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0xC0,
	}
}

func TestNewRejectsEmptyReportDescriptor(t *testing.T) {
	_, err := New("keyboard", nil, SubclassBoot, ProtocolKeyboard, TopologyInputOnly, EndpointConfig{PollingMillis: 8, MaxPacketSize: 8}, fullSpeed)
	if err == nil {
		t.Fatal("expected error for empty report descriptor")
	}
}

func TestNewInputOnlyHasNoOutEndpoint(t *testing.T) {
	h, err := New("keyboard", keyboardReportDescriptor(), SubclassBoot, ProtocolKeyboard, TopologyInputOnly, EndpointConfig{PollingMillis: 8, MaxPacketSize: 8}, fullSpeed)
	if err != nil {
		t.Fatal(err)
	}
	if h.inAddr == 0 {
		t.Fatal("expected an IN endpoint address to be assigned")
	}
	if h.outAddr != 0 {
		t.Fatalf("expected no OUT endpoint, got address %#x", h.outAddr)
	}
	if h.Topo.hasOut() {
		t.Fatal("TopologyInputOnly.hasOut() = true, want false")
	}
	if !h.Topo.hasIn() {
		t.Fatal("TopologyInputOnly.hasIn() = false, want true")
	}
}

func TestNewBidirectionalUsesEP1AndEP2(t *testing.T) {
	h, err := New("gamepad", keyboardReportDescriptor(), SubclassNone, ProtocolNone, TopologyBidirectional, EndpointConfig{PollingMillis: 4, MaxPacketSize: 64}, fullSpeed)
	if err != nil {
		t.Fatal(err)
	}
	if h.inAddr&0x0F != 1 {
		t.Fatalf("IN endpoint number = %d, want 1", h.inAddr&0x0F)
	}
	if h.outAddr&0x0F != 2 {
		t.Fatalf("OUT endpoint number = %d, want 2", h.outAddr&0x0F)
	}
}

func TestNewOutputOnlyUsesEP1(t *testing.T) {
	h, err := New("sensor", keyboardReportDescriptor(), SubclassNone, ProtocolNone, TopologyOutputOnly, EndpointConfig{PollingMillis: 4, MaxPacketSize: 64}, fullSpeed)
	if err != nil {
		t.Fatal(err)
	}
	if h.inAddr != 0 {
		t.Fatalf("expected no IN endpoint, got address %#x", h.inAddr)
	}
	if h.outAddr&0x0F != 1 {
		t.Fatalf("OUT endpoint number = %d, want 1", h.outAddr&0x0F)
	}
}

func TestSendReportFailsWithoutInEndpoint(t *testing.T) {
	h, err := New("sensor", keyboardReportDescriptor(), SubclassNone, ProtocolNone, TopologyOutputOnly, EndpointConfig{PollingMillis: 4, MaxPacketSize: 64}, fullSpeed)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.SendReport([]byte{0x01}); err == nil {
		t.Fatal("expected error sending a report with no IN endpoint")
	}
}

func TestStreamReportsFailsWithoutOutEndpoint(t *testing.T) {
	h, err := New("keyboard", keyboardReportDescriptor(), SubclassBoot, ProtocolKeyboard, TopologyInputOnly, EndpointConfig{PollingMillis: 8, MaxPacketSize: 8}, fullSpeed)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := h.StreamReports(4); err == nil {
		t.Fatal("expected error streaming reports with no OUT endpoint")
	}
}

func TestOnGetReportHookReceivesTypeAndID(t *testing.T) {
	h, err := New("gamepad", keyboardReportDescriptor(), SubclassNone, ProtocolNone, TopologyBidirectional, EndpointConfig{PollingMillis: 4, MaxPacketSize: 64}, fullSpeed)
	if err != nil {
		t.Fatal(err)
	}
	h.reports[reportKey{typ: 1, id: 0}] = []byte{0xAA, 0xBB}

	var gotType, gotID uint8
	var ok bool
	h.OnGetReport = func(reportType, reportID uint8) ([]byte, bool) {
		gotType, gotID, ok = reportType, reportID, true
		return nil, false
	}
	h.OnGetReport(1, 0)
	if !ok || gotType != 1 || gotID != 0 {
		t.Fatalf("callback not invoked with expected args: ok=%v type=%d id=%d", ok, gotType, gotID)
	}
}

func TestNumEndpoints(t *testing.T) {
	cases := map[Topology]uint8{
		TopologyInputOnly:     1,
		TopologyOutputOnly:    1,
		TopologyBidirectional: 2,
	}
	for topo, want := range cases {
		if got := numEndpoints(topo); got != want {
			t.Fatalf("numEndpoints(%v) = %d, want %d", topo, got, want)
		}
	}
}
