package gadget

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DescriptorType is the wire bDescriptorType byte (USB 2.0 §9.4, plus the
// SuperSpeed companion types from the USB 3.x spec).
type DescriptorType uint8

const (
	DescriptorTypeDevice                    = DescriptorType(0x01)
	DescriptorTypeConfiguration             = DescriptorType(0x02)
	DescriptorTypeString                    = DescriptorType(0x03)
	DescriptorTypeInterface                 = DescriptorType(0x04)
	DescriptorTypeEndpoint                  = DescriptorType(0x05)
	DescriptorTypeInterfaceAssociation      = DescriptorType(0x0B)
	DescriptorTypeHID                       = DescriptorType(0x21)
	DescriptorTypeHIDReport                 = DescriptorType(0x22)
	DescriptorTypeSSEndpointCompanion       = DescriptorType(0x30)
	DescriptorTypeSSPIsochEndpointCompanion = DescriptorType(0x31)
)

// Descriptor is implemented by every wire-format USB descriptor. Bytes
// always begins with bLength, bDescriptorType.
type Descriptor interface {
	Type() DescriptorType
	Bytes() []byte
}

func descHeader(length int, typ DescriptorType) []byte {
	return []byte{byte(length), byte(typ)}
}

// InterfaceDescriptor is the 9-byte standard interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    ClassCode
	InterfaceSubClass SubClass
	InterfaceProtocol uint8
	StringIndex       uint8
}

func (d *InterfaceDescriptor) Type() DescriptorType { return DescriptorTypeInterface }

func (d *InterfaceDescriptor) Bytes() []byte {
	b := append(descHeader(9, DescriptorTypeInterface),
		d.InterfaceNumber, d.AlternateSetting, d.NumEndpoints,
		byte(d.InterfaceClass), byte(d.InterfaceSubClass), d.InterfaceProtocol, d.StringIndex)
	return b
}

// InterfaceAssociationDescriptor groups contiguous interfaces into one
// function, 8 bytes on the wire.
type InterfaceAssociationDescriptor struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    ClassCode
	FunctionSubClass SubClass
	FunctionProtocol uint8
	StringIndex      uint8
}

func (d *InterfaceAssociationDescriptor) Type() DescriptorType {
	return DescriptorTypeInterfaceAssociation
}

func (d *InterfaceAssociationDescriptor) Bytes() []byte {
	return append(descHeader(8, DescriptorTypeInterfaceAssociation),
		d.FirstInterface, d.InterfaceCount, byte(d.FunctionClass), byte(d.FunctionSubClass),
		d.FunctionProtocol, d.StringIndex)
}

// EndpointDescriptor is the concrete, speed-resolved 7- or 9-byte endpoint
// descriptor (9 bytes when an isochronous endpoint carries refresh/sync
// address fields).
type EndpointDescriptor struct {
	Address        EndpointAddress
	Attributes     EndpointAttributes
	MaxPacketSize  uint16
	Interval       uint8
	Refresh        uint8
	SynchAddress   uint8
	isAudioVariant bool
}

func (d *EndpointDescriptor) Type() DescriptorType { return DescriptorTypeEndpoint }

func (d *EndpointDescriptor) Bytes() []byte {
	length := 7
	if d.isAudioVariant {
		length = 9
	}
	buf := new(bytes.Buffer)
	buf.Write(descHeader(length, DescriptorTypeEndpoint))
	buf.WriteByte(d.Address.Byte())
	buf.WriteByte(byte(d.Attributes))
	_ = binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	buf.WriteByte(d.Interval)
	if d.isAudioVariant {
		buf.WriteByte(d.Refresh)
		buf.WriteByte(d.SynchAddress)
	}
	return buf.Bytes()
}

// SSEndpointCompanionDescriptor is the 6-byte SuperSpeed endpoint companion
// that immediately follows every endpoint descriptor at SS/SSP.
type SSEndpointCompanionDescriptor struct {
	MaxBurst         uint8
	Attributes       uint8
	BytesPerInterval uint16
}

func (d *SSEndpointCompanionDescriptor) Type() DescriptorType {
	return DescriptorTypeSSEndpointCompanion
}

func (d *SSEndpointCompanionDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Write(descHeader(6, DescriptorTypeSSEndpointCompanion))
	buf.WriteByte(d.MaxBurst)
	buf.WriteByte(d.Attributes)
	_ = binary.Write(buf, binary.LittleEndian, d.BytesPerInterval)
	return buf.Bytes()
}

// SSPIsochEndpointCompanionDescriptor is the 8-byte SuperSpeedPlus
// isochronous companion, present only when the SS companion's Mult field
// cannot express the interval's byte budget.
type SSPIsochEndpointCompanionDescriptor struct {
	BytesPerInterval uint32
}

func (d *SSPIsochEndpointCompanionDescriptor) Type() DescriptorType {
	return DescriptorTypeSSPIsochEndpointCompanion
}

func (d *SSPIsochEndpointCompanionDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Write(descHeader(8, DescriptorTypeSSPIsochEndpointCompanion))
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(buf, binary.LittleEndian, d.BytesPerInterval)
	return buf.Bytes()
}

// HIDSubordinate is one subordinate descriptor entry referenced by a HID
// descriptor (almost always exactly one: the report descriptor).
type HIDSubordinate struct {
	Type   DescriptorType
	Length uint16
}

// HIDDescriptor is the 9-byte (one subordinate) or 12-byte (two
// subordinates) class-specific HID descriptor.
type HIDDescriptor struct {
	BcdHID       uint16
	CountryCode  uint8
	Subordinates []HIDSubordinate
}

func (d *HIDDescriptor) Type() DescriptorType { return DescriptorTypeHID }

func (d *HIDDescriptor) Bytes() []byte {
	length := 6 + 3*len(d.Subordinates)
	buf := new(bytes.Buffer)
	buf.Write(descHeader(length, DescriptorTypeHID))
	_ = binary.Write(buf, binary.LittleEndian, d.BcdHID)
	buf.WriteByte(d.CountryCode)
	buf.WriteByte(uint8(len(d.Subordinates)))
	for _, s := range d.Subordinates {
		buf.WriteByte(byte(s.Type))
		_ = binary.Write(buf, binary.LittleEndian, s.Length)
	}
	return buf.Bytes()
}

// ClassCode and well-known values are defined in classcodes.go; the USB-IF
// class code table is transport- and direction-independent.

// DescriptorSet is an ordered, fully speed-resolved sequence of descriptors
// ready for wire serialization.
type DescriptorSet struct {
	Descriptors []Descriptor
}

// TotalLength is the sum of every descriptor's encoded length, equal to
// len(Bytes()).
func (s *DescriptorSet) TotalLength() int {
	total := 0
	for _, d := range s.Descriptors {
		total += len(d.Bytes())
	}
	return total
}

// Bytes concatenates every descriptor's wire bytes in declaration order.
func (s *DescriptorSet) Bytes() []byte {
	buf := new(bytes.Buffer)
	for _, d := range s.Descriptors {
		buf.Write(d.Bytes())
	}
	return buf.Bytes()
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("gadget: invalid descriptor: "+format, args...)
}
