package functionfs

import (
	"fmt"
	"time"

	"github.com/daedaluz/gadgetfs/llio"
)

// DefaultEventPollInterval is how often Stream polls ep0 for new events
// when nothing is immediately available.
const DefaultEventPollInterval = 100 * time.Millisecond

// eventsPerRead is the maximum number of 12-byte event frames Stream reads
// per syscall.
const eventsPerRead = 4

// EP0File is the control endpoint: opened read-write, non-blocking.
type EP0File struct {
	fd   int
	path string
}

// OpenEP0 opens the control endpoint file at path.
func OpenEP0(path string) (*EP0File, error) {
	fd, err := llio.Open(path, llio.OpenEP0)
	if err != nil {
		return nil, err
	}
	return &EP0File{fd: fd, path: path}, nil
}

// Close closes the underlying file descriptor.
func (e *EP0File) Close() error {
	return llio.Close(e.fd)
}

// Write retries on EAGAIN until every byte is written; other errors
// surface immediately.
func (e *EP0File) Write(data []byte) error {
	for len(data) > 0 {
		n, err := llio.Write(e.fd, data)
		if err != nil {
			if llio.IsAgain(err) {
				time.Sleep(time.Millisecond)
				continue
			}
			return fmt.Errorf("functionfs: ep0 write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Read is non-blocking: it returns an empty slice on EAGAIN rather than an
// error. length == 0 acknowledges an OUT control transfer's status phase.
func (e *EP0File) Read(length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := llio.Read(e.fd, buf)
	if err != nil {
		if llio.IsAgain(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("functionfs: ep0 read: %w", err)
	}
	return buf[:n], nil
}

// Halt issues a zero-length read, which the kernel interprets as a STALL
// of the current control transfer.
func (e *EP0File) Halt() error {
	_, err := e.Read(0)
	return err
}

// FlushFIFO issues FUNCTIONFS_FIFO_FLUSH.
func (e *EP0File) FlushFIFO() error {
	return llio.Ioctl(e.fd, llio.FIFOFlush, 0)
}

// FIFOStatus issues FUNCTIONFS_FIFO_STATUS, returning the number of bytes
// currently queued.
func (e *EP0File) FIFOStatus() (int, error) {
	return llio.IoctlRet(e.fd, llio.FIFOStatus, 0)
}

// Stream starts a goroutine that polls ep0 for events at interval (or
// DefaultEventPollInterval if zero) and returns an events channel and an
// error channel. Each event is delivered once, to whichever receiver takes
// it; several receivers do not each see every event. Unknown event types are skipped silently;
// decode errors go to the error channel; EBADF (the endpoint file having
// been closed) terminates the stream cleanly with no error emitted. Call
// the returned stop function to cancel the poller; dropping it without
// calling stop leaks the goroutine, so callers are expected to always
// defer stop().
func (e *EP0File) Stream(interval time.Duration) (events <-chan Event, errs <-chan error, stop func()) {
	if interval <= 0 {
		interval = DefaultEventPollInterval
	}
	evCh := make(chan Event, 16)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	var stopped bool

	go func() {
		defer close(evCh)
		defer close(errCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		buf := make([]byte, eventsPerRead*eventSize)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			n, err := llio.Read(e.fd, buf)
			if err != nil {
				if llio.IsAgain(err) {
					continue
				}
				if llio.IsBadFD(err) {
					return
				}
				select {
				case errCh <- fmt.Errorf("functionfs: ep0 stream read: %w", err):
				case <-done:
				}
				continue
			}
			decoded, err := DecodeEvents(buf[:n])
			if err != nil {
				select {
				case errCh <- err:
				case <-done:
				}
				continue
			}
			for _, ev := range decoded {
				select {
				case evCh <- ev:
				case <-done:
					return
				}
			}
		}
	}()

	return evCh, errCh, func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
}
