package functionfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	gadget "github.com/daedaluz/gadgetfs"
	"github.com/daedaluz/gadgetfs/llio"
)

// AIO engine defaults.
const (
	DefaultAIOBufferSize = 16 * 1024
	DefaultAIONumBuffers = 4
)

func allocAlignedBuffer(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("functionfs: allocate aio buffer: %w", err)
	}
	return buf, nil
}

// writeOp is one in-flight AIO write request, identified by an opaque id
// that GetEvents returns back in io_event.Data.
type writeOp struct {
	buf  []byte
	n    int
	done chan error
}

// AIOWriter drives Linux AIO writes to one IN endpoint. A single reaper
// goroutine polls io_getevents and fulfills completion futures, while
// Write submits chunks and waits for them in submission order so ordering
// is preserved even though completions may arrive out of order. Buffer
// acquisition is bounded by a semaphore sized to numBuffers: Write blocks
// on it exactly where it used to block on a pool channel receive, but the
// semaphore also ties buffer acquisition to acquireCtx, so a cancelled
// function unblocks a writer parked waiting for a buffer instead of
// leaving it stuck forever.
type AIOWriter struct {
	fd         int
	bufSize    int
	numBuffers int
	ctx        llio.Context
	acquireCtx context.Context

	sem  *semaphore.Weighted
	free [][]byte

	mu      sync.Mutex
	pending map[uint64]*writeOp
	nextID  uint64

	spawn func(func() error)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewAIOWriter backs one IN endpoint with an AIO writer sized
// bufferSize/numBuffers. acquireCtx bounds how long buffer acquisition
// waits (nil means context.Background()); spawn runs the reaper loop as
// part of a caller-owned supervised group (nil falls back to an
// internally tracked goroutine, e.g. for standalone use outside a
// Function).
func NewAIOWriter(fd, bufferSize, numBuffers int, acquireCtx context.Context, spawn func(func() error)) (*AIOWriter, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultAIOBufferSize
	}
	if numBuffers <= 0 {
		numBuffers = DefaultAIONumBuffers
	}
	if acquireCtx == nil {
		acquireCtx = context.Background()
	}
	ctx, err := llio.SetupContext(uint32(numBuffers))
	if err != nil {
		return nil, fmt.Errorf("functionfs: aio writer: %w", err)
	}
	w := &AIOWriter{
		fd:         fd,
		bufSize:    bufferSize,
		numBuffers: numBuffers,
		ctx:        ctx,
		acquireCtx: acquireCtx,
		sem:        semaphore.NewWeighted(int64(numBuffers)),
		pending:    make(map[uint64]*writeOp),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < numBuffers; i++ {
		buf, err := allocAlignedBuffer(bufferSize)
		if err != nil {
			return nil, err
		}
		w.free = append(w.free, buf)
	}
	if spawn != nil {
		w.spawn = spawn
	} else {
		w.spawn = w.runDetached
	}
	w.spawn(w.reapLoop)
	return w, nil
}

func (w *AIOWriter) runDetached(fn func() error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = fn()
	}()
}

func (w *AIOWriter) acquireBuffer() ([]byte, error) {
	if err := w.sem.Acquire(w.acquireCtx, 1); err != nil {
		return nil, fmt.Errorf("functionfs: aio writer: acquire buffer: %w", err)
	}
	w.mu.Lock()
	buf := w.free[len(w.free)-1]
	w.free = w.free[:len(w.free)-1]
	w.mu.Unlock()
	return buf, nil
}

func (w *AIOWriter) releaseBuffer(buf []byte) {
	w.mu.Lock()
	w.free = append(w.free, buf)
	w.mu.Unlock()
	w.sem.Release(1)
}

func (w *AIOWriter) reapLoop() error {
	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}
		events, err := llio.GetEvents(w.ctx, 0, w.numBuffers, int64(50*time.Millisecond))
		if err != nil {
			continue
		}
		for _, ev := range events {
			w.mu.Lock()
			op, ok := w.pending[ev.Data]
			if ok {
				delete(w.pending, ev.Data)
			}
			w.mu.Unlock()
			if !ok {
				continue
			}
			var resultErr error
			switch {
			case ev.Res < 0:
				resultErr = syscall.Errno(-ev.Res)
			case int(ev.Res) != op.n:
				resultErr = fmt.Errorf("functionfs: short write: wrote %d of %d bytes", ev.Res, op.n)
			}
			op.done <- resultErr
			close(op.done)
			w.releaseBuffer(op.buf)
		}
	}
}

// Write splits data into bufSize chunks, submits up to numBuffers of them
// concurrently (bounded by the buffer semaphore), and blocks until every
// chunk has completed, in submission order. This is the AIO path behind
// InEndpointFile.WriteAsync; InEndpointFile.Write uses a plain blocking
// write instead.
func (w *AIOWriter) Write(data []byte) error {
	var ops []*writeOp
	for len(data) > 0 {
		n := w.bufSize
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]

		buf, err := w.acquireBuffer()
		if err != nil {
			return err
		}
		copy(buf, chunk)
		id := atomic.AddUint64(&w.nextID, 1)
		op := &writeOp{buf: buf, n: n, done: make(chan error, 1)}

		w.mu.Lock()
		w.pending[id] = op
		w.mu.Unlock()

		if err := llio.Submit(w.ctx, w.fd, buf[:n], llio.IOCmdPWrite, id); err != nil {
			w.mu.Lock()
			delete(w.pending, id)
			w.mu.Unlock()
			w.releaseBuffer(buf)
			return fmt.Errorf("functionfs: aio submit: %w", err)
		}
		ops = append(ops, op)
	}

	for _, op := range ops {
		if err := <-op.done; err != nil {
			return err
		}
	}
	return nil
}

// Flush waits for every in-flight submission to complete, or for the writer
// to be closed. Write already waits for its own chunks, so Flush only finds
// work left by concurrent Write calls or by a Write that returned early on
// an error.
func (w *AIOWriter) Flush() error {
	for {
		w.mu.Lock()
		n := len(w.pending)
		w.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-w.stopCh:
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// Close stops the reaper goroutine and tears down the io_context. When
// spawn came from a caller-owned group, wg is never incremented for the
// reaper and Wait returns immediately; the reaper is joined later by the
// owner's own group.Wait(), not by this call.
func (w *AIOWriter) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	return llio.DestroyContext(w.ctx)
}

// InEndpointFile is a data IN endpoint: opened write-only.
type InEndpointFile struct {
	fd    int
	path  string
	aio   *AIOWriter
	aioMu sync.Mutex

	acquireCtx context.Context
	spawn      func(func() error)
}

// OpenInEndpoint opens an IN endpoint file.
func OpenInEndpoint(path string) (*InEndpointFile, error) {
	fd, err := llio.Open(path, llio.OpenIN)
	if err != nil {
		return nil, err
	}
	return &InEndpointFile{fd: fd, path: path}, nil
}

// SetSpawner wires the endpoint's (lazily created) AIO writer into an
// owner's supervised goroutine group and cancellation context. Called by
// Function when it opens the endpoint; unset, WriteAsync falls back to an
// internally tracked goroutine and context.Background().
func (e *InEndpointFile) SetSpawner(acquireCtx context.Context, spawn func(func() error)) {
	e.aioMu.Lock()
	e.acquireCtx = acquireCtx
	e.spawn = spawn
	e.aioMu.Unlock()
}

// Write performs one synchronous, blocking write.
func (e *InEndpointFile) Write(data []byte) error {
	for len(data) > 0 {
		n, err := llio.Write(e.fd, data)
		if err != nil {
			return fmt.Errorf("functionfs: in endpoint write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// WriteAsync lazily creates the AIO writer (sized bufferSize/numBuffers on
// first use) and submits data through it.
func (e *InEndpointFile) WriteAsync(data []byte, bufferSize, numBuffers int) error {
	e.aioMu.Lock()
	if e.aio == nil {
		aio, err := NewAIOWriter(e.fd, bufferSize, numBuffers, e.acquireCtx, e.spawn)
		if err != nil {
			e.aioMu.Unlock()
			return err
		}
		e.aio = aio
	}
	aio := e.aio
	e.aioMu.Unlock()
	return aio.Write(data)
}

// Flush drains the AIO writer's queue, if one has been created.
func (e *InEndpointFile) Flush() error {
	e.aioMu.Lock()
	defer e.aioMu.Unlock()
	if e.aio == nil {
		return nil
	}
	return e.aio.Flush()
}

// Halt writes zero bytes, which the kernel converts to a STALL.
func (e *InEndpointFile) Halt() error {
	_, err := llio.Write(e.fd, nil)
	return err
}

// ClearHalt issues FUNCTIONFS_CLEAR_HALT.
func (e *InEndpointFile) ClearHalt() error {
	return llio.Ioctl(e.fd, llio.ClearHalt, 0)
}

// Close tears down the AIO writer (if any) and closes the fd.
func (e *InEndpointFile) Close() error {
	e.aioMu.Lock()
	aio := e.aio
	e.aioMu.Unlock()
	if aio != nil {
		_ = aio.Close()
	}
	return llio.Close(e.fd)
}

// OutEndpointFile is a data OUT endpoint: opened read-only. OUT endpoints
// cannot be halted by the function; flow control on OUT belongs to the
// host.
type OutEndpointFile struct {
	fd    int
	path  string
	spawn func(func() error)
}

// OpenOutEndpoint opens an OUT endpoint file.
func OpenOutEndpoint(path string) (*OutEndpointFile, error) {
	fd, err := llio.Open(path, llio.OpenOUT)
	if err != nil {
		return nil, err
	}
	return &OutEndpointFile{fd: fd, path: path}, nil
}

// SetSpawner wires Stream's AIO reader into an owner's supervised
// goroutine group. Called by Function when it opens the endpoint; unset,
// Stream falls back to an internally tracked goroutine.
func (e *OutEndpointFile) SetSpawner(spawn func(func() error)) {
	e.spawn = spawn
}

// Read is non-blocking: EAGAIN yields an empty slice, not an error.
func (e *OutEndpointFile) Read(length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := llio.Read(e.fd, buf)
	if err != nil {
		if llio.IsAgain(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("functionfs: out endpoint read: %w", err)
	}
	return buf[:n], nil
}

// Halt always fails: OUT endpoints cannot be halted by the function.
func (e *OutEndpointFile) Halt() error {
	return fmt.Errorf("functionfs: halting an OUT endpoint: %w", gadget.ErrUnsupportedOperation)
}

func (e *OutEndpointFile) Close() error {
	return llio.Close(e.fd)
}

// defaultOutBufferSize picks an AIO read buffer size by transfer type, or
// maxPacketSize when the caller supplies a nonzero one.
func defaultOutBufferSize(t gadget.TransferType, maxPacketSize uint16) int {
	if maxPacketSize > 0 {
		return int(maxPacketSize)
	}
	switch t {
	case gadget.TransferTypeBulk:
		return 16 * 1024
	case gadget.TransferTypeInterrupt:
		return 64
	case gadget.TransferTypeIsochronous:
		return 1024
	default:
		return 64
	}
}

// aioReadOp is one in-flight AIO read request.
type aioReadOp struct {
	buf []byte
}

// AIOReader drives Linux AIO reads on one OUT endpoint, keeping numBuffers
// reads submitted at all times so the kernel always has somewhere to land
// incoming data.
type AIOReader struct {
	fd           int
	bufSize      int
	numBuffers   int
	ctx          llio.Context
	transferType gadget.TransferType

	mu      sync.Mutex
	pending map[uint64]*aioReadOp
	nextID  uint64

	data     chan []byte
	errs     chan error
	spawn    func(func() error)
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewAIOReader creates a reader and primes numBuffers concurrent reads.
// spawn runs the reaper loop as part of a caller-owned supervised group
// (nil falls back to an internally tracked goroutine).
func NewAIOReader(fd, bufSize, numBuffers int, transferType gadget.TransferType, spawn func(func() error)) (*AIOReader, error) {
	if bufSize <= 0 {
		bufSize = DefaultAIOBufferSize
	}
	if numBuffers <= 0 {
		numBuffers = DefaultAIONumBuffers
	}
	ctx, err := llio.SetupContext(uint32(numBuffers))
	if err != nil {
		return nil, fmt.Errorf("functionfs: aio reader: %w", err)
	}
	r := &AIOReader{
		fd:           fd,
		bufSize:      bufSize,
		numBuffers:   numBuffers,
		ctx:          ctx,
		transferType: transferType,
		pending:      make(map[uint64]*aioReadOp),
		data:         make(chan []byte, numBuffers),
		errs:         make(chan error, 1),
		stopCh:       make(chan struct{}),
	}
	for i := 0; i < numBuffers; i++ {
		if err := r.submitOne(); err != nil {
			return nil, err
		}
	}
	if spawn != nil {
		r.spawn = spawn
	} else {
		r.spawn = r.runDetached
	}
	r.spawn(r.reapLoop)
	return r, nil
}

func (r *AIOReader) runDetached(fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = fn()
	}()
}

func (r *AIOReader) submitOne() error {
	buf, err := allocAlignedBuffer(r.bufSize)
	if err != nil {
		return err
	}
	id := atomic.AddUint64(&r.nextID, 1)
	r.mu.Lock()
	r.pending[id] = &aioReadOp{buf: buf}
	r.mu.Unlock()
	if err := llio.Submit(r.ctx, r.fd, buf, llio.IOCmdPRead, id); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return fmt.Errorf("functionfs: aio submit: %w", err)
	}
	return nil
}

// Data returns the channel of completed reads; Errs returns the channel of
// errors that survived transfer-type-specific filtering.
func (r *AIOReader) Data() <-chan []byte { return r.data }
func (r *AIOReader) Errs() <-chan error  { return r.errs }

func (r *AIOReader) reapLoop() error {
	defer close(r.data)
	defer close(r.errs)
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}
		events, err := llio.GetEvents(r.ctx, 0, r.numBuffers, int64(50*time.Millisecond))
		if err != nil {
			continue
		}
		for _, ev := range events {
			r.mu.Lock()
			op, ok := r.pending[ev.Data]
			if ok {
				delete(r.pending, ev.Data)
			}
			r.mu.Unlock()
			if !ok {
				continue
			}
			if !r.handleCompletion(op, ev) {
				return nil
			}
		}
	}
}

// handleCompletion applies the transfer-type-specific error policy from
// the endpoint file design: isochronous EIO/ETIMEDOUT yields an empty
// packet, bulk/interrupt EPIPE is silently dropped, everything else
// propagates to Errs. It returns false when the stream should terminate
// (EOF).
func (r *AIOReader) handleCompletion(op *aioReadOp, ev llio.IOEvent) bool {
	switch {
	case ev.Res == 0:
		return false
	case ev.Res < 0:
		errno := syscall.Errno(-ev.Res)
		switch {
		case r.transferType == gadget.TransferTypeIsochronous && (errno == syscall.EIO || errno == syscall.ETIMEDOUT):
			r.emit(nil)
		case (r.transferType == gadget.TransferTypeBulk || r.transferType == gadget.TransferTypeInterrupt) && errno == syscall.EPIPE:
		default:
			select {
			case r.errs <- errno:
			case <-r.stopCh:
				return false
			}
		}
	default:
		out := make([]byte, ev.Res)
		copy(out, op.buf[:ev.Res])
		r.emit(out)
	}
	if err := r.resubmit(op.buf); err != nil {
		select {
		case r.errs <- err:
		case <-r.stopCh:
		}
		return false
	}
	return true
}

func (r *AIOReader) emit(b []byte) {
	select {
	case r.data <- b:
	case <-r.stopCh:
	}
}

func (r *AIOReader) resubmit(buf []byte) error {
	id := atomic.AddUint64(&r.nextID, 1)
	r.mu.Lock()
	r.pending[id] = &aioReadOp{buf: buf}
	r.mu.Unlock()
	if err := llio.Submit(r.ctx, r.fd, buf, llio.IOCmdPRead, id); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return fmt.Errorf("functionfs: aio submit: %w", err)
	}
	return nil
}

// Close stops the reaper goroutine and tears down the io_context.
func (r *AIOReader) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return llio.DestroyContext(r.ctx)
}

// Stream starts an AIO reader sized for transferType (or maxPacketSize
// when nonzero) with numBuffers concurrent reads in flight, and returns
// its data/error channels plus a stop function.
func (e *OutEndpointFile) Stream(transferType gadget.TransferType, maxPacketSize uint16, numBuffers int) (data <-chan []byte, errs <-chan error, stop func() error, err error) {
	bufSize := defaultOutBufferSize(transferType, maxPacketSize)
	r, err := NewAIOReader(e.fd, bufSize, numBuffers, transferType, e.spawn)
	if err != nil {
		return nil, nil, nil, err
	}
	return r.Data(), r.Errs(), r.Close, nil
}
