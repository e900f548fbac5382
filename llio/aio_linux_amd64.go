//go:build linux && amd64

package llio

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Linux AIO (libaio) syscall numbers on amd64; there is no generic
// "io_uring-free" wrapper in golang.org/x/sys/unix for these four calls, so
// they're issued directly via raw syscall.Syscall.
const (
	sysIOSetup     = 206
	sysIODestroy   = 207
	sysIOGetevents = 208
	sysIOSubmit    = 209
)

// IOCB opcodes.
const (
	IOCmdPRead  = uint16(0)
	IOCmdPWrite = uint16(1)
)

// Context is the kernel aio_context_t handle returned by io_setup.
type Context uint64

// iocb mirrors struct iocb (include/uapi/linux/aio_abi.h), 64 bytes.
type iocb struct {
	data       uint64
	key        uint32
	rwFlags    uint32
	lioOpcode  uint16
	reqPrio    int16
	fildes     uint32
	buf        uint64
	nbytes     uint64
	offset     int64
	reserved2  uint64
	flags      uint32
	resfd      uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// IOEvent is a completed AIO request: Data is the opaque value the iocb was
// submitted with, Res is the byte count (or -errno when negative).
type IOEvent struct {
	Data uint64
	Res  int64
	Res2 int64
}

// SetupContext calls io_setup(nrEvents, &ctx).
func SetupContext(nrEvents uint32) (Context, error) {
	var ctx Context
	_, _, errno := syscall.Syscall(sysIOSetup, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, fmt.Errorf("llio: io_setup: %w", errno)
	}
	return ctx, nil
}

// DestroyContext calls io_destroy(ctx).
func DestroyContext(ctx Context) error {
	_, _, errno := syscall.Syscall(sysIODestroy, uintptr(ctx), 0, 0)
	if errno != 0 {
		return fmt.Errorf("llio: io_destroy: %w", errno)
	}
	return nil
}

// Submit builds one iocb for fd/buf/opcode and calls io_submit(ctx, 1, &iocb).
// data is an opaque request identifier returned verbatim in the completion.
func Submit(ctx Context, fd int, buf []byte, opcode uint16, data uint64) error {
	req := &iocb{
		data:      data,
		lioOpcode: opcode,
		fildes:    uint32(fd),
		buf:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		nbytes:    uint64(len(buf)),
	}
	iocbs := [1]*iocb{req}
	_, _, errno := syscall.Syscall(sysIOSubmit, uintptr(ctx), 1, uintptr(unsafe.Pointer(&iocbs[0])))
	if errno != 0 {
		return fmt.Errorf("llio: io_submit: %w", errno)
	}
	return nil
}

// GetEvents calls io_getevents(ctx, minNr, maxNr, events, timeout) and
// returns the completions actually reaped.
func GetEvents(ctx Context, minNr, maxNr int, timeoutNanos int64) ([]IOEvent, error) {
	raw := make([]ioEvent, maxNr)
	var tsPtr unsafe.Pointer
	var ts syscall.Timespec
	if timeoutNanos >= 0 {
		ts.Sec = timeoutNanos / 1e9
		ts.Nsec = timeoutNanos % 1e9
		tsPtr = unsafe.Pointer(&ts)
	}
	n, _, errno := syscall.Syscall6(sysIOGetevents, uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&raw[0])), uintptr(tsPtr), 0)
	if errno != 0 {
		return nil, fmt.Errorf("llio: io_getevents: %w", errno)
	}
	out := make([]IOEvent, n)
	for i := 0; i < int(n); i++ {
		out[i] = IOEvent{Data: raw[i].Data, Res: raw[i].Res, Res2: raw[i].Res2}
	}
	return out, nil
}
