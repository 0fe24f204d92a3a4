package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRejectsNonConnect(t *testing.T) {
	srv := httptest.NewServer(NewHandler(nil, time.Second, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// connect sends a raw CONNECT with payload appended and returns the reader
// positioned after the response head.
func connect(t *testing.T, proxyAddr, target, payload string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n" + payload
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	return conn, br, resp
}

func TestHandlerH1KeepsBytesBehindRequest(t *testing.T) {
	target := echoServer(t)
	srv := httptest.NewServer(NewHandler(nil, time.Second, nil))
	defer srv.Close()

	_, br, resp := connect(t, srv.Listener.Addr().String(), target, "early bytes")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got := make([]byte, len("early bytes"))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "early bytes" {
		t.Errorf("got %q", got)
	}
}

func TestHandlerH1Rejection(t *testing.T) {
	srv := httptest.NewServer(NewHandler([]string{"blocked.test"}, time.Second, nil))
	defer srv.Close()

	_, _, resp := connect(t, srv.Listener.Addr().String(), "blocked.test:443", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(body), "blocked: policy denies blocked.test") {
		t.Errorf("body = %q", body)
	}
	if resp.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, body %d bytes", resp.ContentLength, len(body))
	}
}
