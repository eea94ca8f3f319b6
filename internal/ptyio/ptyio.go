// Package ptyio provides a ring-buffered, non-blocking wrapper around a
// pseudo-terminal pair created with github.com/creack/pty.
//
// The master side is serviced by background goroutines: a read loop drains
// the PTY into a ring buffer, a write loop flushes a second ring buffer into
// the PTY, and a dispatcher delivers buffered input to an optional callback.
// Callers interact only with the non-blocking Read/Write/SetReadCallback
// surface; the slave path (TTYName) is handed to external processes.
//
// Loops poll with a configurable timeout (PTYOptions.PollTimeoutMs). The
// timeout bounds shutdown latency and idle wakeup frequency: interactive use
// wants 10-25ms, bulk transfer tolerates 100-200ms, the default of 50ms
// suits most callers. When data flows continuously the timeout rarely
// matters since poll returns early.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/R1ick/BLEHelper/internal/groutine"
)

// ErrorCallback is invoked from a background goroutine when a read or write
// loop exits on an unrecoverable error. Implementations must be safe for
// concurrent use. The PTY is degraded afterwards and should be closed.
type ErrorCallback func(err error)

// ReadCallback receives data arriving from the PTY slave. It runs on a
// background goroutine, must be safe for concurrent use, and must not retain
// the slice past the call.
type ReadCallback func(data []byte)

// PTYOptions configures PTY creation. Zero values fall back to defaults.
type PTYOptions struct {
	ReadCap       int            // ring capacity for bytes read from the slave
	WriteCap      int            // ring capacity for bytes queued to the slave
	Logger        *logrus.Logger // nil uses a no-op logger
	OnError       ErrorCallback  // optional, reported at most once per loop
	PollTimeoutMs int            // 0 uses DefaultPollTimeoutMs
}

// PTY is a non-blocking interface to a pseudo-terminal pair.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats                    // runtime counters
	TTYName() string                 // slave device path, empty if unknown
	SetReadCallback(cb ReadCallback) // async data arrival callback (nil unregisters)
}

// Stats provides runtime counters useful for monitoring and backpressure.
type Stats struct {
	WriteQueueLen int32 // approximate
	WriteQueueCap int32
	ReadQueueLen  int32
	ReadQueueCap  int32

	DroppedWriteCount uint64 // bytes dropped on write ring overflow
	DroppedReadCount  uint64 // bytes dropped on read ring overflow
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

// DefaultPollTimeoutMs is the poll timeout applied when PTYOptions leaves
// PollTimeoutMs at zero. It bounds how long the loops take to notice context
// cancellation.
const DefaultPollTimeoutMs = 50

// noopLogger is shared by all PTYs created without a logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// ringPTY implements PTY. Producers and consumers never block: both
// directions go through ring buffers with drop-on-overflow semantics.
type ringPTY struct {
	logger         *logrus.Logger
	tty            *os.File // slave, kept open so the device node outlives handoff
	pty            *os.File // master
	onError        ErrorCallback
	writeErrorOnce sync.Once
	readErrorOnce  sync.Once
	pollTimeoutMs  int

	writeBuf *ringbuffer.RingBuffer // bytes to write to the PTY
	readBuf  *ringbuffer.RingBuffer // bytes read from the PTY

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// readCb holds a ReadCallback or nil, nothing else.
	readCb     atomic.Value
	readNotify chan struct{} // signals the dispatcher that data is available

	closed uint32 // atomic boolean

	droppedWrite uint64
	droppedRead  uint64
	readBytes    uint64
	writeBytes   uint64

	ttyName string

	// chunkPool recycles callback slices under high throughput.
	chunkPool sync.Pool
}

// NewPty creates a master/slave pair, wraps the master in a ringPTY, and
// returns the PTY interface. The slave path (TTYName) may be handed to
// another process. A nil logger disables logging.
func NewPty(readCap, writeCap int, logger *logrus.Logger) (PTY, error) {
	return NewPtyWithErrorHandler(readCap, writeCap, logger, nil)
}

// NewPtyWithErrorHandler creates a PTY with an optional callback for
// unrecoverable loop failures. The callback fires at most once per loop;
// after it fires the PTY should be closed.
func NewPtyWithErrorHandler(readCap, writeCap int, logger *logrus.Logger, onError ErrorCallback) (PTY, error) {
	return NewPtyWithOptions(&PTYOptions{
		ReadCap:  readCap,
		WriteCap: writeCap,
		Logger:   logger,
		OnError:  onError,
	})
}

// NewPtyWithOptions creates a PTY with full configuration control.
func NewPtyWithOptions(opts *PTYOptions) (PTY, error) {
	if opts == nil {
		return nil, fmt.Errorf("PTYOptions cannot be nil")
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	pollTimeout := opts.PollTimeoutMs
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	p := &ringPTY{
		logger:        logger,
		pty:           master,
		tty:           slave,
		ttyName:       slave.Name(),
		writeBuf:      ringbuffer.New(opts.WriteCap),
		readBuf:       ringbuffer.New(opts.ReadCap),
		ctx:           ctx,
		cancel:        cancel,
		onError:       opts.OnError,
		pollTimeoutMs: pollTimeout,
		readNotify:    make(chan struct{}, 1), // buffered so the signal never blocks
	}

	p.wg.Add(3)

	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		p.readLoop()
	})

	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		p.writeLoop()
	})

	groutine.Go(ctx, "pty-read-dispatcher", func(ctx context.Context) {
		p.readDispatchLoop()
	})

	return p, nil
}

func (p *ringPTY) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("writeLoop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	// Close() nils p.pty only after the loops exit; the loops work from a
	// reference captured before the first iteration.
	master := p.pty
	fd := int(master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.writeBuf.IsEmpty() {
			// Nothing queued; sleep on poll so context gets rechecked.
			nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
			if err != nil && !errors.Is(err, syscall.EINTR) {
				p.logger.Warnf("writeLoop poll error: %v", err)
			}
			if nReady == 0 {
				continue
			}
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.Warnf("writeLoop TryRead error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		offset := 0
		for offset < n {
			written, err := master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				atomic.AddUint64(&p.writeBytes, uint64(written))
				p.logger.Debugf("[writeLoop] Wrote %d bytes to PTY master", written)
			}

			if err != nil {
				switch {
				case errors.Is(err, syscall.EINTR):
					continue
				case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
					if _, pollErr := unix.Poll(pollFd, p.pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
						p.logger.Warnf("writeLoop poll error: %v", pollErr)
					}
					continue
				case errors.Is(err, syscall.EBADF):
					// FD closed, expected during Close()
					p.logger.Debug("writeLoop exiting: master FD closed")
					return
				default:
					p.logger.Warnf("writeLoop exiting on error: %v", err)
					if p.onError != nil {
						p.writeErrorOnce.Do(func() {
							p.onError(fmt.Errorf("writeLoop critical error: %w", err))
						})
					}
					return
				}
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("readLoop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	p.logger.Debugf("readLoop starting for slave %s", p.ttyName)

	// Same capture rule as writeLoop: p.pty stays valid until both loops exit.
	master := p.pty
	fd := int(master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.Warnf("readLoop poll error: %v", err)
			continue
		}
		if nReady == 0 {
			continue
		}

		n, err := master.Read(buf)

		if n > 0 {
			written, writeErr := p.readBuf.Write(buf[:n])
			if writeErr != nil && !errors.Is(writeErr, ringbuffer.ErrIsFull) {
				p.logger.Warnf("readLoop Write error: %v", writeErr)
				continue
			}

			if written < n {
				dropped := n - written
				atomic.AddUint64(&p.droppedRead, uint64(dropped))
				p.logger.Warnf("Read buffer overflow: dropped %d bytes from PTY (received %d, only buffered %d)",
					dropped, n, written)
			}

			atomic.AddUint64(&p.readBytes, uint64(written))

			if written > 0 && p.readCb.Load() != nil {
				select {
				case p.readNotify <- struct{}{}:
				default:
					// signal already pending
				}
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				continue
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF):
				// FD closed, expected during Close()
				p.logger.Debug("readLoop exiting: master FD closed")
				return
			case errors.Is(err, io.EOF):
				// Slave side closed, expected when the external process exits
				p.logger.Debug("readLoop exiting: EOF")
				return
			default:
				p.logger.Warnf("readLoop exiting on error: %v", err)
				if p.onError != nil {
					p.readErrorOnce.Do(func() {
						p.onError(fmt.Errorf("readLoop critical error: %w", err))
					})
				}
				return
			}
		}
	}
}

// Write queues data for async delivery to the PTY slave and returns
// immediately. When the ring is full the overflow is dropped and the short
// count reflects it, per the io.Writer contract; DroppedWriteCount in
// Stats() aggregates the loss. A returned count only means the bytes were
// queued, not that they reached the PTY yet.
func (p *ringPTY) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		p.logger.Warnf("Write error: %v", err)
		return 0, err
	}

	if written < len(data) {
		dropped := len(data) - written
		atomic.AddUint64(&p.droppedWrite, uint64(dropped))
		p.logger.Warnf("Write buffer overflow: dropped %d bytes (tried to write %d, only queued %d)",
			dropped, len(data), written)
	}

	// writeBytes is counted in writeLoop when actually transmitted
	return written, nil
}

// Read drains up to len(b) bytes from the buffered input and returns
// immediately. With no data available it returns (0, syscall.EAGAIN) in the
// manner of non-blocking descriptors; callers poll or wait and retry.
// (0, nil) occurs only for len(b) == 0.
func (p *ringPTY) Read(b []byte) (n int, err error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err = p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		p.logger.Warnf("Read TryRead error: %v", err)
		return 0, err
	}

	if n == 0 {
		return 0, syscall.EAGAIN
	}

	return n, nil
}

// Close shuts down the loops and closes both descriptors. It is idempotent.
func (p *ringPTY) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel()

	// Closing the FDs unblocks in-flight reads and writes with EBADF.
	// os.File.Close releases the FD even on error, so no retry.
	if p.pty != nil {
		if err := p.pty.Close(); err != nil {
			p.logger.Warnf("failed to close PTY(ptyx): %v", err)
		}
	}

	if p.tty != nil {
		if err := p.tty.Close(); err != nil {
			p.logger.Warnf("failed to close PTY(tty): %v", err)
		}
	}

	done := make(chan struct{})

	groutine.Go(context.Background(), "pty-wait-close", func(ctx context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond*3 + time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
	case <-time.After(timeout):
		// The loops self-terminate at most one poll interval after the FD
		// close; past this point they are orphaned but harmless.
		p.logger.Errorf("Close() timed out after %v waiting for goroutines to exit (PTY=%s); "+
			"loops will self-terminate within %v",
			timeout, p.ttyName, time.Duration(p.pollTimeoutMs)*time.Millisecond)
	}

	// The loops no longer touch these fields once wg is done.
	p.pty = nil
	p.tty = nil

	return nil
}

// Stats returns instantaneous counters for monitoring.
func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     int32(p.writeBuf.Length()),
		WriteQueueCap:     int32(p.writeBuf.Capacity()),
		ReadQueueLen:      int32(p.readBuf.Length()),
		ReadQueueCap:      int32(p.readBuf.Capacity()),
		DroppedWriteCount: atomic.LoadUint64(&p.droppedWrite),
		DroppedReadCount:  atomic.LoadUint64(&p.droppedRead),
		ReadBytesTotal:    atomic.LoadUint64(&p.readBytes),
		WriteBytesTotal:   atomic.LoadUint64(&p.writeBytes),
	}
}

// TTYName returns the filesystem path of the slave device, for example
// "/dev/pts/5".
func (p *ringPTY) TTYName() string {
	return p.ttyName
}

// createPTY opens a master/slave pair, puts the slave in raw mode, and makes
// the master non-blocking.
func createPTY() (master *os.File, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, closePairOnSetupError(master, slave, "failed to set PTY(tty) %s to raw mode", err)
	}

	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, closePairOnSetupError(master, slave, "failed to set PTY(ptyx) %s to nonblocking mode", err)
	}

	return master, slave, nil
}

// closePairOnSetupError closes both descriptors after a failed setup step and
// folds any close failures into the returned error.
func closePairOnSetupError(master, slave *os.File, msgFmt string, cause error) error {
	ptyPath := slave.Name()

	var cleanupErrs []error
	if closeErr := master.Close(); closeErr != nil {
		cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(ptyx): %w", closeErr))
	}
	if closeErr := slave.Close(); closeErr != nil {
		cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(tty): %w", closeErr))
	}

	if len(cleanupErrs) > 0 {
		return fmt.Errorf(msgFmt+": %w (cleanup errors: %v)", ptyPath, cause, cleanupErrs)
	}
	return fmt.Errorf(msgFmt+": %w", ptyPath, cause)
}

// SetReadCallback sets or clears the data arrival callback. The callback is
// invoked from a background goroutine and must be safe for concurrent use.
// Data already buffered triggers an immediate notification.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return
	}

	p.readCb.Store(cb)

	// Wake the dispatcher. If the signal is already pending the dispatcher
	// reloads the callback each batch, so the new one takes effect within
	// one batch either way.
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) readDispatchLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("dispatcher panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	tmp := make([]byte, 4096)
	const maxChunksPerIteration = 16

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
			for {
				select {
				case <-p.ctx.Done():
					return
				default:
				}

				cbIface := p.readCb.Load()
				if cbIface == nil {
					break
				}
				cb, ok := cbIface.(ReadCallback)
				if !ok {
					// readCb holds ReadCallback or nil, nothing else
					p.logger.Errorf("dispatcher: invalid type in readCb: %T (expected ReadCallback)", cbIface)
					p.readCb.Store(nil)
					break
				}

				chunksProcessed := 0
				for chunksProcessed < maxChunksPerIteration {
					select {
					case <-p.ctx.Done():
						return
					default:
					}

					n, err := p.readBuf.TryRead(tmp)
					if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
						break
					}

					var chunk []byte
					if pooled := p.chunkPool.Get(); pooled != nil {
						chunk = pooled.([]byte)
					}
					if cap(chunk) < n {
						chunk = make([]byte, n)
					} else {
						chunk = chunk[:n]
					}
					copy(chunk, tmp[:n])

					// A panicking callback is unregistered so it cannot kill
					// the dispatcher on every subsequent chunk.
					panicked := false
					func() {
						defer func() {
							if r := recover(); r != nil {
								panicked = true
								p.logger.Errorf("ReadCallback panicked: %v", r)
								p.readCb.Store(nil)
								if p.onError != nil {
									p.readErrorOnce.Do(func() {
										p.onError(fmt.Errorf("read callback panic: %v", r))
									})
								}
							}
							p.chunkPool.Put(chunk)
						}()
						cb(chunk)
					}()

					if panicked {
						break
					}

					chunksProcessed++
				}

				if p.readBuf.Length() == 0 || chunksProcessed == 0 {
					break
				}

				runtime.Gosched()
			}
		}
	}
}
