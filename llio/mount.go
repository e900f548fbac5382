package llio

import (
	"golang.org/x/sys/unix"
)

// Mount mounts source (the function's registered configfs name) as a
// functionfs filesystem at target, matching the kernel contract
// mount(source, target, "functionfs", 0, NULL).
func Mount(source, target string) error {
	return unix.Mount(source, target, "functionfs", 0, "")
}

// Unmount performs an ordinary (non-lazy) unmount.
func Unmount(target string) error {
	return unix.Unmount(target, 0)
}

// UnmountLazy performs umount2(MNT_DETACH), the fallback used when an
// ordinary unmount keeps failing with EBUSY.
func UnmountLazy(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}
