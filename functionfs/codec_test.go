package functionfs

import (
	"encoding/binary"
	"testing"

	gadget "github.com/daedaluz/gadgetfs"
)

func gamepadBase(t *testing.T) []gadget.BaseItem {
	t.Helper()
	addr, err := gadget.NewEndpointAddress(1, gadget.DirectionIn)
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := gadget.NewEndpointTemplate(addr, gadget.EndpointConfig{
		TransferType:  gadget.TransferTypeInterrupt,
		PollingMillis: 8,
		MaxPacketSize: 14,
	}, []gadget.Speed{gadget.SpeedFull, gadget.SpeedHigh})
	if err != nil {
		t.Fatal(err)
	}
	iface := &gadget.InterfaceDescriptor{
		InterfaceNumber:   0,
		InterfaceClass:    gadget.ClassCodeInterfaceHID,
		NumEndpoints:      1,
		StringIndex:       0,
	}
	hid := &gadget.HIDDescriptor{
		BcdHID:      0x0111,
		CountryCode: 0,
		Subordinates: []gadget.HIDSubordinate{
			{Type: gadget.DescriptorTypeHIDReport, Length: 70},
		},
	}
	return []gadget.BaseItem{gadget.Fixed(iface), gadget.Fixed(hid), gadget.Endpoint(tmpl)}
}

func TestEncodeDescriptorsV2Header(t *testing.T) {
	base := gamepadBase(t)
	fs, err := gadget.GenerateForSpeed(base, gadget.SpeedFull)
	if err != nil {
		t.Fatal(err)
	}
	hs, err := gadget.GenerateForSpeed(base, gadget.SpeedHigh)
	if err != nil {
		t.Fatal(err)
	}

	blob, err := EncodeDescriptorsV2(map[gadget.Speed]*gadget.DescriptorSet{
		gadget.SpeedFull: fs,
		gadget.SpeedHigh: hs,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if binary.LittleEndian.Uint32(blob[0:4]) != descriptorsMagicV2 {
		t.Fatalf("wrong magic")
	}
	if int(binary.LittleEndian.Uint32(blob[4:8])) != len(blob) {
		t.Fatalf("header length field %d != actual %d", binary.LittleEndian.Uint32(blob[4:8]), len(blob))
	}
	wantFlags := gadget.SpeedFull.FlagBit() | gadget.SpeedHigh.FlagBit()
	if binary.LittleEndian.Uint32(blob[8:12]) != wantFlags {
		t.Fatalf("flags = %x, want %x", binary.LittleEndian.Uint32(blob[8:12]), wantFlags)
	}

	fsCount := binary.LittleEndian.Uint32(blob[12:16])
	hsCount := binary.LittleEndian.Uint32(blob[16:20])
	if fsCount != 3 || hsCount != 3 {
		t.Fatalf("counts = %d,%d, want 3,3", fsCount, hsCount)
	}

	fsDescBytes := blob[20 : 20+fs.TotalLength()]
	wantFS := []byte{
		0x09, 0x04, 0x00, 0x00, 0x01, 0x03, 0x00, 0x00, 0x00,
		0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x46, 0x00,
		0x07, 0x05, 0x81, 0x03, 0x0E, 0x00, 0x08,
	}
	if len(fsDescBytes) != len(wantFS) {
		t.Fatalf("fs descriptor bytes len = %d, want %d", len(fsDescBytes), len(wantFS))
	}
	for i := range wantFS {
		if fsDescBytes[i] != wantFS[i] {
			t.Fatalf("fs descriptor byte %d = %#x, want %#x", i, fsDescBytes[i], wantFS[i])
		}
	}
}

func TestDescriptorBytesInvariant(t *testing.T) {
	base := gamepadBase(t)
	set, err := gadget.GenerateForSpeed(base, gadget.SpeedFull)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range set.Descriptors {
		b := d.Bytes()
		if len(b) != int(b[0]) {
			t.Fatalf("len(Bytes())=%d != bLength=%d for %T", len(b), b[0], d)
		}
		if gadget.DescriptorType(b[1]) != d.Type() {
			t.Fatalf("Bytes()[1]=%#x != Type()=%#x", b[1], d.Type())
		}
	}
	if set.TotalLength() != len(set.Bytes()) {
		t.Fatalf("TotalLength=%d != len(Bytes())=%d", set.TotalLength(), len(set.Bytes()))
	}
}

func TestEncodeStringsBlob(t *testing.T) {
	blob, err := EncodeStringsBlob([]LanguageStrings{
		{LangID: 0x0409, Values: []string{"Simple Gamepad"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(blob[0:4]) != stringsMagic {
		t.Fatal("wrong magic")
	}
	if int(binary.LittleEndian.Uint32(blob[4:8])) != len(blob) {
		t.Fatalf("header length %d != actual %d", binary.LittleEndian.Uint32(blob[4:8]), len(blob))
	}
	if binary.LittleEndian.Uint32(blob[8:12]) != 1 {
		t.Fatalf("strings-per-language = %d, want 1", binary.LittleEndian.Uint32(blob[8:12]))
	}
	if binary.LittleEndian.Uint32(blob[12:16]) != 1 {
		t.Fatalf("language-count = %d, want 1", binary.LittleEndian.Uint32(blob[12:16]))
	}
}

func TestEncodeStringsBlobMismatch(t *testing.T) {
	_, err := EncodeStringsBlob([]LanguageStrings{
		{LangID: 0x0409, Values: []string{"a", "b"}},
		{LangID: 0x0407, Values: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestEventRoundTrip(t *testing.T) {
	cases := []Event{
		{Type: EventBind},
		{Type: EventEnable},
		{Type: EventSetup, Setup: SetupPacket{RequestType: 0x82, Request: 0x00, Value: 0, Index: 0x0081, Length: 2}},
	}
	for _, want := range cases {
		frame := EncodeEvent(want)
		if len(frame) != eventSize {
			t.Fatalf("encoded frame length = %d, want %d", len(frame), eventSize)
		}
		got, err := DecodeEvent(frame)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeEventsChunking(t *testing.T) {
	buf := append(EncodeEvent(Event{Type: EventBind}), EncodeEvent(Event{Type: EventEnable})...)
	events, err := DecodeEvents(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != EventBind || events[1].Type != EventEnable {
		t.Fatalf("got %+v", events)
	}
}

func TestDecodeEventsSkipsUnknown(t *testing.T) {
	unknown := make([]byte, eventSize)
	unknown[8] = 0xFF
	buf := append(unknown, EncodeEvent(Event{Type: EventBind})...)
	events, err := DecodeEvents(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != EventBind {
		t.Fatalf("got %+v", events)
	}
}
