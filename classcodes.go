package gadget

import "fmt"

// From https://www.usb.org/defined-class-codes

type (
	ClassCode uint8
	SubClass  uint8
)

func (code ClassCode) String() string {
	if codeString, exist := classCodeMap[code]; exist {
		return codeString
	}
	return fmt.Sprintf("Unknown(%.2X)", uint8(code))
}

// Class codes named here: HID, which the hid package assigns on function
// interfaces, and Misc/IAD, available for callers that set Gadget.DeviceClass
// on a multi-function device; nothing in this module assigns Misc itself.
const (
	ClassCodeMisc         = ClassCode(0xEF)
	ClassCodeInterfaceHID = ClassCode(0x03)
)

var classCodeMap = map[ClassCode]string{
	0x00:                  "UseInterfaceDescriptors",
	ClassCodeInterfaceHID: "InterfaceHID",
	ClassCodeMisc:         "Misc",
}
