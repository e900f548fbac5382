// Package functionfs implements the FunctionFS wire codec, the mount
// lifecycle, endpoint files, and the function runtime.
package functionfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	gadget "github.com/daedaluz/gadgetfs"
)

// Magic numbers for the two blobs written to ep0.
const (
	descriptorsMagicV1 = uint32(0x00000001)
	descriptorsMagicV2 = uint32(0x00000003)
	stringsMagic       = uint32(0x00000002)
)

// Descriptors blob flag bits beyond the per-speed presence bits.
const (
	FlagVirtualAddr        = uint32(1 << 4)
	FlagAllControlRequests = uint32(1 << 5)
	FlagConfig0Setting     = uint32(1 << 6)
)

// speedOrder is the fixed order speeds are emitted in within the v2 blob:
// FS, HS, SS, SSP, matching the flag bit order.
var speedOrder = []gadget.Speed{gadget.SpeedFull, gadget.SpeedHigh, gadget.SpeedSuper, gadget.SpeedSuperPlus}

// EncodeDescriptorsV2 serializes the v2-format descriptors blob: a 12-byte
// header (magic, length, flags), one u32 count per present speed in FS/HS/
// SS/SSP order, then the concatenated descriptor bytes in that same order.
func EncodeDescriptorsV2(sets map[gadget.Speed]*gadget.DescriptorSet, extraFlags uint32) ([]byte, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("functionfs: no speeds to encode")
	}
	var flags uint32 = extraFlags
	var present []gadget.Speed
	for _, s := range speedOrder {
		if _, ok := sets[s]; ok {
			flags |= s.FlagBit()
			present = append(present, s)
		}
	}

	header := new(bytes.Buffer)
	counts := new(bytes.Buffer)
	body := new(bytes.Buffer)
	for _, s := range present {
		set := sets[s]
		_ = binary.Write(counts, binary.LittleEndian, uint32(len(set.Descriptors)))
		body.Write(set.Bytes())
	}

	total := 12 + counts.Len() + body.Len()
	_ = binary.Write(header, binary.LittleEndian, descriptorsMagicV2)
	_ = binary.Write(header, binary.LittleEndian, uint32(total))
	_ = binary.Write(header, binary.LittleEndian, flags)

	out := make([]byte, 0, total)
	out = append(out, header.Bytes()...)
	out = append(out, counts.Bytes()...)
	out = append(out, body.Bytes()...)
	return out, nil
}

// EncodeDescriptorsV1 serializes the legacy v1 format: three u32 counts
// (FS/HS/SS, no flags, no SSP) followed by the descriptor data. Used only
// as a fallback for kernels that predate the v2 format.
func EncodeDescriptorsV1(fs, hs, ss *gadget.DescriptorSet) []byte {
	count := func(s *gadget.DescriptorSet) uint32 {
		if s == nil {
			return 0
		}
		return uint32(len(s.Descriptors))
	}
	bytesOf := func(s *gadget.DescriptorSet) []byte {
		if s == nil {
			return nil
		}
		return s.Bytes()
	}

	counts := new(bytes.Buffer)
	_ = binary.Write(counts, binary.LittleEndian, count(fs))
	_ = binary.Write(counts, binary.LittleEndian, count(hs))
	_ = binary.Write(counts, binary.LittleEndian, count(ss))

	body := new(bytes.Buffer)
	body.Write(bytesOf(fs))
	body.Write(bytesOf(hs))
	body.Write(bytesOf(ss))

	total := 8 + counts.Len() + body.Len()
	header := new(bytes.Buffer)
	_ = binary.Write(header, binary.LittleEndian, descriptorsMagicV1)
	_ = binary.Write(header, binary.LittleEndian, uint32(total))

	out := make([]byte, 0, total)
	out = append(out, header.Bytes()...)
	out = append(out, counts.Bytes()...)
	out = append(out, body.Bytes()...)
	return out
}

// LanguageStrings is one language's ordered string table for a function's
// strings blob.
type LanguageStrings struct {
	LangID uint16
	Values []string
}

// EncodeStringsBlob serializes the strings blob (magic 0x00000002): a
// 16-byte header, then per language a u16 langid and each string
// NUL-terminated. Every language must contribute the same number of
// strings; mismatches are a construction-time error.
func EncodeStringsBlob(languages []LanguageStrings) ([]byte, error) {
	if len(languages) == 0 {
		return nil, nil
	}
	n := len(languages[0].Values)
	for _, l := range languages {
		if len(l.Values) != n {
			return nil, fmt.Errorf("functionfs: language 0x%04x has %d strings, want %d", l.LangID, len(l.Values), n)
		}
	}

	body := new(bytes.Buffer)
	for _, l := range languages {
		_ = binary.Write(body, binary.LittleEndian, l.LangID)
		for _, s := range l.Values {
			body.WriteString(s)
			body.WriteByte(0)
		}
	}

	total := 16 + body.Len()
	header := new(bytes.Buffer)
	_ = binary.Write(header, binary.LittleEndian, stringsMagic)
	_ = binary.Write(header, binary.LittleEndian, uint32(total))
	_ = binary.Write(header, binary.LittleEndian, uint32(n))
	_ = binary.Write(header, binary.LittleEndian, uint32(len(languages)))

	out := make([]byte, 0, total)
	out = append(out, header.Bytes()...)
	out = append(out, body.Bytes()...)
	return out, nil
}
