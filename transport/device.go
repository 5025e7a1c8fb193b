package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gentam/spibridge"
)

// queueDepth is the number of frames buffered between the reader and the
// event loop, like packet memory on a USB peripheral.
const queueDepth = 16

type frame struct {
	kind byte
	n    int
	data [MaxPayload]byte
}

// Device is the device end of the stream. It implements spibridge.USB, and
// Interrupts returns the matching spibridge.NVIC.
//
// One goroutine reads frames and queues them; it plays the role of the USB
// hardware and never touches the App. Decoding and replies happen on the
// caller of Interrupt.
type Device struct {
	Conn   io.ReadWriter
	Logger *slog.Logger
	// Wake is called after a frame is queued or the stream ends. Connect it
	// to the CPU event so WaitForEvent returns.
	Wake func()

	frames  chan frame
	pending atomic.Bool
	rx      bool

	start   sync.Once
	stop    sync.Once
	quit    chan struct{}
	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// NewDevice returns a Device on conn.
func NewDevice(conn io.ReadWriter) *Device {
	return &Device{
		Conn:   conn,
		frames: make(chan frame, queueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Setup starts reading frames. Data frames are refused until EnableDataRx.
func (d *Device) Setup() error {
	if d.Conn == nil {
		return errors.New("transport: no connection")
	}
	d.start.Do(func() { go d.readLoop() })
	return nil
}

// Close stops reading and closes Conn if it is an io.Closer.
func (d *Device) Close() error {
	var err error
	d.stop.Do(func() {
		close(d.quit)
		if c, ok := d.Conn.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Done is closed once the stream ended.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Err returns why the stream ended, after Done is closed.
func (d *Device) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *Device) readLoop() {
	var f frame
	var err error
	for {
		f.kind, f.n, err = ReadFrame(d.Conn, &f.data)
		if errors.Is(err, ErrTooLong) {
			d.log(slog.LevelWarn, "frame rejected", slog.Int("kind", int(f.kind)), slog.String("err", err.Error()))
			if err = d.write(KindNAK, nil); err == nil {
				continue
			}
		}
		if err != nil {
			break
		}
		d.pending.Store(true)
		select {
		case d.frames <- f:
		case <-d.quit:
			err = ErrClosed
		}
		if err != nil {
			break
		}
		d.wake()
	}
	select {
	case <-d.quit:
		err = ErrClosed
	default:
		if errors.Is(err, io.EOF) {
			err = ErrClosed
		}
	}
	d.err = err
	close(d.done)
	d.wake()
}

func (d *Device) wake() {
	if d.Wake != nil {
		d.Wake()
	}
}

// Interrupt implements spibridge.USB.
func (d *Device) Interrupt() (spibridge.Request, bool) {
	var f frame
	select {
	case f = <-d.frames:
	default:
		return nil, false
	}
	if f.kind == KindData && !d.rx {
		d.log(slog.LevelDebug, "data refused", slog.Int("len", f.n))
		d.reply(KindNAK, nil)
		return nil, false
	}
	req, err := Decode(f.kind, f.data[:f.n])
	if err != nil {
		d.log(slog.LevelWarn, "bad frame", slog.String("err", err.Error()))
		d.reply(KindNAK, nil)
		return nil, false
	}
	return req, true
}

// ReplyData implements spibridge.USB.
func (d *Device) ReplyData(p []byte) error {
	return d.write(KindReply, p)
}

// ReplyTPwr implements spibridge.USB.
func (d *Device) ReplyTPwr(s spibridge.PinState) error {
	return d.write(KindTPwr, level(s))
}

// EnableDataRx implements spibridge.USB.
func (d *Device) EnableDataRx() { d.rx = true }

// DisableDataRx implements spibridge.USB.
func (d *Device) DisableDataRx() { d.rx = false }

// DataRx reports whether data frames are accepted.
func (d *Device) DataRx() bool { return d.rx }

func (d *Device) reply(kind byte, p []byte) {
	if err := d.write(kind, p); err != nil {
		d.log(slog.LevelError, "reply failed", slog.String("err", err.Error()))
	}
}

func (d *Device) write(kind byte, p []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return WriteFrame(d.Conn, kind, p)
}

func (d *Device) log(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.Logger == nil {
		return
	}
	d.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Interrupts returns the interrupt controller view of the device.
func (d *Device) Interrupts() *Interrupts {
	return &Interrupts{d: d}
}

// Interrupts implements spibridge.NVIC for a Device. The pending flag stays
// set while frames are queued, like a level triggered interrupt line.
type Interrupts struct {
	d *Device
}

func (n *Interrupts) Setup() error { return nil }

func (n *Interrupts) USBPending() bool {
	return n.d.pending.Load() || len(n.d.frames) > 0
}

func (n *Interrupts) UnpendUSB() {
	n.d.pending.Store(len(n.d.frames) > 0)
}

var (
	_ spibridge.USB  = (*Device)(nil)
	_ spibridge.NVIC = (*Interrupts)(nil)
)
