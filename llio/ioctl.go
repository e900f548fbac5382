// Package llio is the low-level OS adapter: ioctl request numbers, the
// Linux AIO syscalls, and the mount/umount wrappers that the rest of the
// module builds on. Nothing here is FunctionFS-specific beyond the ioctl
// numbers themselves.
package llio

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// FunctionFS per-endpoint ioctls, derived for the 'g' ioctl type
// (linux/usb/functionfs.h).
var (
	FIFOStatus    = ioctl.IO('g', 1)
	FIFOFlush     = ioctl.IO('g', 2)
	ClearHalt     = ioctl.IO('g', 3)
	EndpointDesc  = ioctl.IOR('g', 7, unsafe.Sizeof(usbEndpointDescriptor{}))
	DMABufAttach  = ioctl.IOW('g', 8, unsafe.Sizeof(int32(0)))
	DMABufDetach  = ioctl.IOW('g', 9, unsafe.Sizeof(int32(0)))
	DMABufTransfer = ioctl.IOW('g', 10, unsafe.Sizeof(dmabufTransferReq{}))
)

// usbEndpointDescriptor mirrors struct usb_endpoint_descriptor, used only
// to size the FUNCTIONFS_ENDPOINT_DESC ioctl buffer.
type usbEndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// dmabufTransferReq mirrors struct usb_ffs_dmabuf_transfer_req, used only
// to size the FUNCTIONFS_DMABUF_TRANSFER ioctl buffer.
type dmabufTransferReq struct {
	FD     int32
	Flags  uint32
	Offset uint64
	Length uint64
}
