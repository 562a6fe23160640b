package vsock_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/vsock"
	"github.com/soypat/vsock/virtio"
	"github.com/soypat/vsock/virtio/fake"
	"github.com/soypat/vsock/vsocktest"
)

const (
	guestCID  = 3
	hostPort  = 1234
	guestPort = 5000
)

func newStreamSetup(t *testing.T, hostBuf uint32) (*vsock.Driver, *vsocktest.Host) {
	t.Helper()
	tr := fake.NewTransport(virtio.SocketDeviceID, 0, fake.SocketConfig(guestCID))
	h := vsocktest.New(tr, vsocktest.Config{})
	d, err := vsock.New(tr, vsock.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	h.Listen(hostPort, hostBuf)
	return d, h
}

func dial(t *testing.T, d *vsock.Driver, h *vsocktest.Host, rxSize int) (*vsock.StreamConn, *vsocktest.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := vsock.Dial(ctx, d, vsock.Addr{CID: 2, Port: hostPort}, guestPort, vsock.StreamConfig{RxBufferSize: rxSize})
	if err != nil {
		t.Fatal(err)
	}
	hc, ok := h.Accept()
	if !ok {
		t.Fatal("host did not accept")
	}
	return c, hc
}

// readHost polls the host connection until n bytes arrive.
func readHost(t *testing.T, hc *vsocktest.Conn, n int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 256)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n {
		m, err := hc.Read(buf)
		if err != nil {
			t.Fatal("host read:", err)
		}
		got = append(got, buf[:m]...)
		if m == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("host read timed out with %d/%d bytes", len(got), n)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return got
}

func TestStreamEcho(t *testing.T) {
	d, h := newStreamSetup(t, 1024)
	c, hc := dial(t, d, h, 2048)
	if hc.Guest() != (vsock.Addr{CID: guestCID, Port: guestPort}) {
		t.Error("bad guest address on host", hc.Guest())
	}
	if c.LocalAddr().String() != "vm(3):5000" || c.RemoteAddr().String() != "vm(2):1234" {
		t.Error("bad addresses", c.LocalAddr(), c.RemoteAddr())
	}

	msg := []byte("hello world")
	n, err := c.Write(msg)
	if err != nil || n != len(msg) {
		t.Fatal("write:", n, err)
	}
	if got := readHost(t, hc, len(msg)); !bytes.Equal(got, msg) {
		t.Fatalf("host got %q", got)
	}

	n, err = hc.Write([]byte("pong"))
	if err != nil || n != 4 {
		t.Fatal("host write:", n, err)
	}
	buf := make([]byte, 16)
	n, err = c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("guest got %q", buf[:n])
	}
}

func TestStreamWriteWaitsForCredit(t *testing.T) {
	d, h := newStreamSetup(t, 512)
	c, hc := dial(t, d, h, 2048)
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	got := make(chan []byte)
	go func() {
		var b []byte
		buf := make([]byte, 100)
		for len(b) < len(data) {
			n, err := hc.Read(buf)
			if err != nil {
				break
			}
			b = append(b, buf[:n]...)
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		got <- b
	}()
	c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, err := c.Write(data)
	if err != nil || n != len(data) {
		t.Fatal("write:", n, err)
	}
	if b := <-got; !bytes.Equal(b, data) {
		t.Error("host received corrupted data", len(b))
	}
}

func TestStreamHostBacklog(t *testing.T) {
	d, h := newStreamSetup(t, 1024)
	c, hc := dial(t, d, h, 8192)
	data := bytes.Repeat([]byte("0123456789abcdef"), 10*vsocktest.MaxBody/16)
	n, err := hc.Write(data)
	if err != nil || n != len(data) {
		t.Fatal("host write:", n, err)
	}
	if h.Backlog() == 0 {
		t.Fatal("expected packets waiting for receive slots")
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(data))
	_, err = io.ReadFull(c, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("guest received corrupted data")
	}
	if h.Backlog() != 0 {
		t.Error("backlog should drain", h.Backlog())
	}
}

func TestStreamClose(t *testing.T) {
	d, h := newStreamSetup(t, 1024)
	c, hc := dial(t, d, h, 1024)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := hc.Read(make([]byte, 4)); err != io.EOF {
		t.Error("host should see EOF, got", err)
	}
	if _, err := c.Read(make([]byte, 4)); err != net.ErrClosed {
		t.Error("read after close: want net.ErrClosed, got", err)
	}
	if err := c.Close(); err != net.ErrClosed {
		t.Error("second close: want net.ErrClosed, got", err)
	}
	if _, ok := h.Conn(vsock.Addr{CID: guestCID, Port: guestPort}, hostPort); ok {
		t.Error("host should forget closed connection")
	}
}

func TestStreamPeerShutdown(t *testing.T) {
	d, h := newStreamSetup(t, 1024)
	c, hc := dial(t, d, h, 1024)
	hc.Write([]byte("bye"))
	if err := hc.Shutdown(); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "bye" {
		t.Errorf("want buffered data before EOF, got %q", b)
	}
	if _, err := c.Write([]byte("x")); err != vsock.ErrNotConnected {
		t.Error("write after peer shutdown: want ErrNotConnected, got", err)
	}
	if err := c.Close(); err != nil {
		t.Error(err)
	}
}

func TestStreamReadDeadline(t *testing.T) {
	d, h := newStreamSetup(t, 1024)
	c, _ := dial(t, d, h, 1024)
	c.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := c.Read(make([]byte, 4))
	if err != os.ErrDeadlineExceeded {
		t.Error("want deadline exceeded, got", err)
	}
}

func TestDialRefused(t *testing.T) {
	d, _ := newStreamSetup(t, 1024)
	_, err := vsock.Dial(context.Background(), d, vsock.Addr{CID: 2, Port: hostPort + 1}, guestPort, vsock.StreamConfig{})
	if err != vsock.ErrConnectionRefused {
		t.Error("want refused, got", err)
	}
}

func TestDialTimeout(t *testing.T) {
	// No host attached: the request is consumed and never answered.
	tr := fake.NewTransport(virtio.SocketDeviceID, 0, fake.SocketConfig(guestCID))
	d, err := vsock.New(tr, vsock.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = vsock.Dial(ctx, d, vsock.Addr{CID: 2, Port: hostPort}, guestPort, vsock.StreamConfig{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("want deadline exceeded, got", err)
	}
}
