package socket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	readLive int32 = iota
	readCanceled
	readDetached
)

// ReadHalf is the receiving side of a Socket.
type ReadHalf struct {
	state atomic.Int32
	conn  *sharedConn

	// inflight is held shared by every Read so detach can wait them out.
	inflight sync.RWMutex

	eofOnce sync.Once
	onEOF   func()
}

func newReadHalf(conn *sharedConn, onEOF func()) *ReadHalf {
	return &ReadHalf{conn: conn, onEOF: onEOF}
}

// Read reads from the connection. Once the half is canceled or detached every
// Read, including one already blocked, returns io.EOF. Bytes a blocked read
// picks up after the half was detached are dropped.
func (r *ReadHalf) Read(p []byte) (int, error) {
	r.inflight.RLock()
	defer r.inflight.RUnlock()

	if r.state.Load() != readLive {
		return 0, io.EOF
	}

	n, err := r.conn.Read(p)
	switch r.state.Load() {
	case readLive:
	case readDetached:
		return 0, io.EOF
	default:
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if errors.Is(err, io.EOF) {
		r.eofOnce.Do(func() {
			if r.onEOF != nil {
				go r.onEOF()
			}
		})
	}
	return n, err
}

// Cancel stops the read half and interrupts blocked reads.
func (r *ReadHalf) Cancel() error {
	if !r.state.CompareAndSwap(readLive, readCanceled) {
		return nil
	}
	return r.conn.interruptReads()
}

// detach makes the half permanently unreadable and waits for in-flight reads
// to return, so nothing else consumes bytes off the connection afterwards. It
// fails when a read is blocked and the connection refuses to interrupt it.
func (r *ReadHalf) detach() error {
	if r.state.Swap(readDetached) == readDetached {
		return nil
	}
	if r.inflight.TryLock() {
		r.inflight.Unlock()
		return nil
	}
	if err := r.conn.interruptReads(); err != nil {
		return fmt.Errorf("interrupt blocked read: %w", err)
	}
	r.inflight.Lock()
	r.conn.resumeReads()
	r.inflight.Unlock()
	return nil
}

const (
	writeLive int32 = iota
	writeClosing
	writeClosed
	writeAborted
	writeDetached
	writeDisconnected
)

// WriteHalf is the sending side of a Socket.
type WriteHalf struct {
	state atomic.Int32

	// mu serializes I/O on conn and bw.
	mu   sync.Mutex
	conn *sharedConn
	bw   *bufio.Writer
}

func newWriteHalf(conn *sharedConn, bufferSize int) *WriteHalf {
	w := &WriteHalf{conn: conn}
	if bufferSize > 0 {
		w.bw = bufio.NewWriterSize(conn, bufferSize)
	}
	return w
}

func (w *WriteHalf) usable() error {
	switch w.state.Load() {
	case writeLive:
		return nil
	case writeDetached:
		return ErrStreamDetached
	case writeDisconnected:
		return ErrRemoteDisconnected
	default:
		return ErrStreamClosed
	}
}

// Write sends p, or buffers it when the socket was created with a write buffer.
func (w *WriteHalf) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}
	if w.bw != nil {
		return w.bw.Write(p)
	}
	return w.conn.Write(p)
}

// Flush pushes buffered bytes onto the connection.
func (w *WriteHalf) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}

// Close flushes and shuts down the sending direction. Closing a half that is
// already closed or closing is a no-op.
func (w *WriteHalf) Close() error {
	_, err := w.closeOrderly()
	if errors.Is(err, errAlreadyClosing) {
		return nil
	}
	return err
}

var errAlreadyClosing = errors.New("already closing")

// closeOrderly reports whether this call performed the close.
func (w *WriteHalf) closeOrderly() (bool, error) {
	if !w.state.CompareAndSwap(writeLive, writeClosing) {
		switch w.state.Load() {
		case writeClosing, writeClosed:
			return false, errAlreadyClosing
		}
		return false, w.usable()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.bw != nil {
		err = w.bw.Flush()
	}
	if err == nil {
		err = w.conn.CloseWrite()
	}
	w.state.CompareAndSwap(writeClosing, writeClosed)
	return true, err
}

// Abort discards buffered bytes and shuts down the sending direction without
// waiting for in-flight writes.
func (w *WriteHalf) Abort() error {
	for {
		st := w.state.Load()
		if st != writeLive && st != writeClosing {
			return nil
		}
		if w.state.CompareAndSwap(st, writeAborted) {
			break
		}
	}
	return w.conn.CloseWrite()
}

// closedOrClosing reports whether the half no longer accepts writes.
func (w *WriteHalf) closedOrClosing() bool {
	return w.state.Load() != writeLive
}

func (w *WriteHalf) markDisconnected() {
	w.state.CompareAndSwap(writeLive, writeDisconnected)
}

// detach removes the half from the connection. Buffered bytes must have been
// flushed already; anything left is dropped.
func (w *WriteHalf) detach() {
	w.state.Store(writeDetached)

	w.mu.Lock()
	w.bw = nil
	w.mu.Unlock()
}
