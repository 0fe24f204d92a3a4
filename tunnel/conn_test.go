package tunnel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

type mockRaw struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	writeErr    error
	writeClosed bool
	closed      bool
}

func (m *mockRaw) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.buf.Write(p)
}

func (m *mockRaw) CloseWrite() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeClosed = true
	return nil
}

func (m *mockRaw) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestConnReadWaitsForOpen(t *testing.T) {
	c := newConn("example.com:80", &mockRaw{}, nil)
	defer c.Close()

	if err := c.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Read(make([]byte, 8)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error before open, got %v", err)
	}

	c.SetReadDeadline(time.Time{})
	c.open(bytes.NewReader([]byte("hello")))

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestConnDeadlineKeepsBytes(t *testing.T) {
	pr, pw := io.Pipe()
	c := newConn("example.com:80", &mockRaw{}, nil)
	defer c.Close()
	c.open(pr)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.SetReadDeadline(time.Now())
	if err := <-errCh; !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected interrupted read, got %v", err)
	}
	c.SetReadDeadline(time.Time{})

	go pw.Write([]byte("after interrupt"))

	buf := make([]byte, 5)
	var got []byte
	for len(got) < len("after interrupt") {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "after interrupt" {
		t.Errorf("got %q", got)
	}
}

func TestConnWriteDisconnect(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		disconnected bool
	}{
		{"connection reset", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.ECONNRESET)}, true},
		{"broken pipe", syscall.EPIPE, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConn("example.com:80", &mockRaw{writeErr: tt.err}, nil)
			defer c.Close()

			if _, err := c.Write([]byte("x")); err == nil {
				t.Fatal("expected write error")
			}

			select {
			case <-c.WriteDisconnected():
				if !tt.disconnected {
					t.Error("unexpected disconnect")
				}
			default:
				if tt.disconnected {
					t.Error("expected disconnect")
				}
			}
		})
	}
}

func TestConnReadResetDisconnects(t *testing.T) {
	c := newConn("example.com:80", &mockRaw{}, nil)
	defer c.Close()
	c.open(iotestErrReader{syscall.ECONNRESET})

	if _, err := c.Read(make([]byte, 8)); !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected reset, got %v", err)
	}
	select {
	case <-c.WriteDisconnected():
	case <-time.After(time.Second):
		t.Fatal("expected disconnect after reset")
	}
}

func TestConnClose(t *testing.T) {
	raw := &mockRaw{}
	c := newConn("example.com:80", raw, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, net.ErrClosed) {
		t.Errorf("expected closed read, got %v", err)
	}
	if !raw.closed {
		t.Error("raw connection not closed")
	}
	if err := c.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
	if err := c.SetReadDeadline(time.Now()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("SetReadDeadline after close = %v", err)
	}
}

func TestConnCloseWrite(t *testing.T) {
	raw := &mockRaw{}
	c := newConn("example.com:80", raw, nil)
	defer c.Close()

	if _, err := c.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if !raw.writeClosed || raw.closed {
		t.Errorf("writeClosed=%v closed=%v", raw.writeClosed, raw.closed)
	}
	if raw.buf.String() != "data" {
		t.Errorf("raw got %q", raw.buf.String())
	}
	if c.RemoteAddr().String() != "example.com:80" || c.RemoteAddr().Network() != "tunsock" {
		t.Errorf("RemoteAddr = %v", c.RemoteAddr())
	}
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }
