package functionfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/daedaluz/gadgetfs/llio"
)

// Mount manager defaults. The ep0 wait is capped rather than polling
// forever after a remount.
const (
	DefaultRemountDelay  = 50 * time.Millisecond
	DefaultEP0WaitBudget = 1 * time.Second
	unmountRetries       = 5
	unmountRetryDelay    = 20 * time.Millisecond
)

// Mounter owns the lifecycle of one FunctionFS mount point.
type Mounter struct {
	MountPoint     string
	Source         string
	cleanupOnClose bool
	mounted        bool
}

// NewMounter prepares a mounter for source (the function's configfs
// instance name) at mountPoint.
func NewMounter(mountPoint, source string) *Mounter {
	return &Mounter{MountPoint: mountPoint, Source: source}
}

// Ensure makes sure a functionfs filesystem is mounted at m.MountPoint,
// creating the directory if absent, remounting (with a settling delay) if
// ep0 already exists, and recording whether this call did the mounting so
// Close knows whether it owns the unmount.
func (m *Mounter) Ensure() error {
	if err := os.MkdirAll(m.MountPoint, 0755); err != nil {
		return fmt.Errorf("functionfs: create mount point %s: %w", m.MountPoint, err)
	}

	ep0Path := filepath.Join(m.MountPoint, "ep0")
	if _, err := os.Stat(ep0Path); err == nil {
		if err := llio.Unmount(m.MountPoint); err != nil && !errors.Is(err, syscall.EINVAL) {
			return classifyMountError(err, m.Source)
		}
		if err := llio.Mount(m.Source, m.MountPoint); err != nil {
			return classifyMountError(err, m.Source)
		}
		time.Sleep(DefaultRemountDelay)
		return m.waitForEP0(ep0Path)
	}

	if err := llio.Mount(m.Source, m.MountPoint); err != nil {
		return classifyMountError(err, m.Source)
	}
	m.mounted = true
	m.cleanupOnClose = true
	return m.waitForEP0(ep0Path)
}

func (m *Mounter) waitForEP0(ep0Path string) error {
	deadline := time.Now().Add(DefaultEP0WaitBudget)
	for {
		if _, err := os.Stat(ep0Path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("functionfs: ep0 did not appear under %s within %s", m.MountPoint, DefaultEP0WaitBudget)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close unmounts the filesystem if this Mounter is the one that mounted it.
// Unmount policy: plain unmount with short retries on EBUSY, then a lazy
// detach, then give up and report the original error.
func (m *Mounter) Close() error {
	if !m.cleanupOnClose || !m.mounted {
		return nil
	}
	var lastErr error
	for i := 0; i < unmountRetries; i++ {
		lastErr = llio.Unmount(m.MountPoint)
		if lastErr == nil {
			m.mounted = false
			return nil
		}
		if !errors.Is(lastErr, syscall.EBUSY) {
			break
		}
		time.Sleep(unmountRetryDelay)
	}
	if err := llio.UnmountLazy(m.MountPoint); err == nil {
		m.mounted = false
		return nil
	}
	return fmt.Errorf("functionfs: unmount %s: %w (lazy detach also failed)", m.MountPoint, lastErr)
}

// classifyMountError turns a raw mount(2) errno into an actionable message.
func classifyMountError(err error, source string) error {
	switch {
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("functionfs: mount needs CAP_SYS_ADMIN: %w", err)
	case errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("functionfs: FunctionFS not available in kernel: %w", err)
	case errors.Is(err, syscall.ENOENT):
		return fmt.Errorf("functionfs: mount source %q not registered in configfs: %w", source, err)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("functionfs: mount %q: %w", source, err)
	default:
		return fmt.Errorf("functionfs: mount %q: %w", source, err)
	}
}
