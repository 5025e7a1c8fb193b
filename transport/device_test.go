package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gentam/spibridge"
)

type hostFrame struct {
	kind byte
	p    []byte
}

type testHost struct {
	conn   net.Conn
	frames chan hostFrame
}

// newTestPair connects a started Device to a host that collects every frame
// the device sends.
func newTestPair(t *testing.T) (*Device, *testHost, chan struct{}) {
	t.Helper()
	hc, dc := net.Pipe()
	woke := make(chan struct{}, 1)
	d := NewDevice(dc)
	d.Wake = func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	}
	if err := d.Setup(); err != nil {
		t.Fatal(err)
	}
	h := &testHost{conn: hc, frames: make(chan hostFrame, 16)}
	go func() {
		var buf [MaxPayload]byte
		for {
			kind, n, err := ReadFrame(hc, &buf)
			if err != nil {
				close(h.frames)
				return
			}
			h.frames <- hostFrame{kind, append([]byte(nil), buf[:n]...)}
		}
	}()
	t.Cleanup(func() {
		hc.Close()
		d.Close()
	})
	return d, h, woke
}

func (h *testHost) send(t *testing.T, kind byte, p []byte) {
	t.Helper()
	if err := WriteFrame(h.conn, kind, p); err != nil {
		t.Fatal(err)
	}
}

func (h *testHost) recv(t *testing.T) hostFrame {
	t.Helper()
	select {
	case f, ok := <-h.frames:
		if !ok {
			t.Fatal("device closed the stream")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from device")
	}
	panic("unreachable")
}

// interrupt waits for the next frame and handles it like the event loop.
func interrupt(t *testing.T, d *Device, woke chan struct{}) (spibridge.Request, bool) {
	t.Helper()
	n := d.Interrupts()
	timeout := time.After(5 * time.Second)
	for !n.USBPending() {
		select {
		case <-woke:
		case <-timeout:
			t.Fatal("no interrupt")
		}
	}
	req, ok := d.Interrupt()
	n.UnpendUSB()
	return req, ok
}

func TestDeviceRequests(t *testing.T) {
	d, h, woke := newTestPair(t)

	h.send(t, KindSetLED, []byte{1})
	req, ok := interrupt(t, d, woke)
	if !ok || req != (spibridge.SetLED{State: spibridge.High}) {
		t.Fatalf("Interrupt() = %#v, %t", req, ok)
	}

	h.send(t, KindGetTPwr, nil)
	req, ok = interrupt(t, d, woke)
	if !ok || req != (spibridge.GetTPwr{}) {
		t.Fatalf("Interrupt() = %#v, %t", req, ok)
	}
	if err := d.ReplyTPwr(spibridge.High); err != nil {
		t.Fatal(err)
	}
	if f := h.recv(t); f.kind != KindTPwr || len(f.p) != 1 || f.p[0] != 1 {
		t.Errorf("reply = %#v", f)
	}

	if d.Interrupts().USBPending() {
		t.Error("interrupt pending with empty queue")
	}
}

func TestDeviceDataRx(t *testing.T) {
	d, h, woke := newTestPair(t)

	// Refused until the bus is attached.
	h.send(t, KindData, []byte{1, 2, 3})
	if req, ok := interrupt(t, d, woke); ok {
		t.Fatalf("data accepted with rx disabled: %#v", req)
	}
	if f := h.recv(t); f.kind != KindNAK {
		t.Errorf("reply kind = %#02x, want NAK", f.kind)
	}

	d.EnableDataRx()
	h.send(t, KindData, []byte{1, 2, 3})
	req, ok := interrupt(t, d, woke)
	if !ok || req != spibridge.NewTransmit([]byte{1, 2, 3}) {
		t.Fatalf("Interrupt() = %#v, %t", req, ok)
	}
	if err := d.ReplyData([]byte{4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	if f := h.recv(t); f.kind != KindReply || string(f.p) != "\x04\x05\x06" {
		t.Errorf("reply = %#v", f)
	}
}

func TestDeviceRejectsFrames(t *testing.T) {
	d, h, woke := newTestPair(t)
	d.EnableDataRx()

	// Oversized frames are NAKed by the reader without reaching the queue.
	if _, err := h.conn.Write(append([]byte{KindData, MaxPayload + 1}, make([]byte, MaxPayload+1)...)); err != nil {
		t.Fatal(err)
	}
	if f := h.recv(t); f.kind != KindNAK {
		t.Errorf("reply kind = %#02x, want NAK", f.kind)
	}

	h.send(t, 0x42, nil)
	if _, ok := interrupt(t, d, woke); ok {
		t.Error("unknown kind accepted")
	}
	if f := h.recv(t); f.kind != KindNAK {
		t.Errorf("reply kind = %#02x, want NAK", f.kind)
	}

	h.send(t, KindSetCS, []byte{7})
	if _, ok := interrupt(t, d, woke); ok {
		t.Error("bad level accepted")
	}
	if f := h.recv(t); f.kind != KindNAK {
		t.Errorf("reply kind = %#02x, want NAK", f.kind)
	}
}

func TestDeviceHostHangup(t *testing.T) {
	d, h, _ := newTestPair(t)
	h.conn.Close()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("device didn't notice hangup")
	}
	if err := d.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Err() = %v, want %v", err, ErrClosed)
	}
}

func TestDeviceClose(t *testing.T) {
	d, _, _ := newTestPair(t)
	if d.Err() != nil {
		t.Errorf("Err() = %v before close", d.Err())
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader still running")
	}
	if err := d.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Err() = %v, want %v", err, ErrClosed)
	}
	// Idempotent.
	if err := d.Close(); err != nil {
		t.Error(err)
	}
}

func TestDeviceSetupWithoutConn(t *testing.T) {
	if err := new(Device).Setup(); err == nil {
		t.Error("Setup() succeeded without a connection")
	}
}
