// Package client drives a bridge from the host: pin and mode requests,
// SPI exchanges, and an SPI flash driver built on top of them.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/transport"
)

// Bridge sends requests to one device. It is not safe for concurrent use:
// the device answers strictly in order.
type Bridge struct {
	rw     io.ReadWriter
	closer io.Closer
	name   string
	buf    [transport.MaxPayload]byte
}

// New returns a Bridge on an established stream.
func New(rw io.ReadWriter) *Bridge {
	b := &Bridge{rw: rw, name: "bridge"}
	if c, ok := rw.(io.Closer); ok {
		b.closer = c
	}
	return b
}

// Dial connects to an emulated bridge listening on network/address.
func Dial(network, address string) (*Bridge, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge: %w", err)
	}
	b := New(c)
	b.name = "bridge(" + address + ")"
	return b, nil
}

func (b *Bridge) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// String implements conn.Resource.
func (b *Bridge) String() string {
	return b.name
}

// Duplex implements conn.Conn.
func (b *Bridge) Duplex() conn.Duplex {
	return conn.Full
}

func (b *Bridge) send(req spibridge.Request) error {
	kind, p, err := transport.Encode(req)
	if err != nil {
		return err
	}
	return transport.WriteFrame(b.rw, kind, p)
}

// reply reads the answer to the last request.
func (b *Bridge) reply(want byte) ([]byte, error) {
	kind, n, err := transport.ReadFrame(b.rw, &b.buf)
	if err != nil {
		return nil, err
	}
	switch kind {
	case want:
		return b.buf[:n], nil
	case transport.KindNAK:
		return nil, transport.ErrNAK
	default:
		return nil, fmt.Errorf("unexpected reply kind %#02x, want %#02x", kind, want)
	}
}

// SetCS drives chip select; Low selects the target.
func (b *Bridge) SetCS(l gpio.Level) error {
	return b.send(spibridge.SetCS{State: l})
}

// SetFPGA drives the FPGA reset line; Low holds the FPGA in reset.
func (b *Bridge) SetFPGA(l gpio.Level) error {
	return b.send(spibridge.SetFPGA{State: l})
}

// SetTPwr switches target power.
func (b *Bridge) SetTPwr(l gpio.Level) error {
	return b.send(spibridge.SetTPwr{State: l})
}

// SetLED drives the status LED.
func (b *Bridge) SetLED(l gpio.Level) error {
	return b.send(spibridge.SetLED{State: l})
}

// SetMode attaches the SPI bus to a target, or tri-states it.
func (b *Bridge) SetMode(m spibridge.Mode) error {
	return b.send(spibridge.SetMode{Mode: m})
}

// Suspend tri-states the bus and turns off the LED and target power.
func (b *Bridge) Suspend() error {
	return b.send(spibridge.Suspend{})
}

// Bootload reboots the device into its system bootloader. The device stops
// answering afterwards.
func (b *Bridge) Bootload() error {
	return b.send(spibridge.Bootload{})
}

// GetTPwr reads the target power detect input.
func (b *Bridge) GetTPwr() (gpio.Level, error) {
	p, err := b.roundTrip(spibridge.GetTPwr{}, transport.KindTPwr)
	if err != nil {
		return gpio.Low, err
	}
	if len(p) != 1 {
		return gpio.Low, fmt.Errorf("%w: tpwr reply of %d bytes", transport.ErrBadPayload, len(p))
	}
	return p[0] == 1, nil
}

// Transmit exchanges up to 64 bytes in one request. The result aliases an
// internal buffer.
func (b *Bridge) Transmit(w []byte) ([]byte, error) {
	if len(w) > spibridge.MaxTransmit {
		return nil, transport.ErrTooLong
	}
	r, err := b.roundTrip(spibridge.NewTransmit(w), transport.KindReply)
	if err != nil {
		return nil, err
	}
	if len(r) != len(w) {
		return nil, fmt.Errorf("%w: sent %d bytes, received %d", transport.ErrBadPayload, len(w), len(r))
	}
	return r, nil
}

// Tx implements conn.Conn. It splits w into 64 byte exchanges and leaves chip
// select alone, so a caller holding CS low gets one bus transaction. read may
// be nil or as long as w.
func (b *Bridge) Tx(w, read []byte) error {
	if read != nil && len(read) != len(w) {
		return errors.New("bridge: read and write buffers differ in length")
	}
	for off := 0; off < len(w); off += spibridge.MaxTransmit {
		end := min(off+spibridge.MaxTransmit, len(w))
		r, err := b.Transmit(w[off:end])
		if err != nil {
			return err
		}
		if read != nil {
			copy(read[off:end], r)
		}
	}
	return nil
}

func (b *Bridge) roundTrip(req spibridge.Request, want byte) ([]byte, error) {
	if err := b.send(req); err != nil {
		return nil, err
	}
	return b.reply(want)
}

var _ conn.Conn = (*Bridge)(nil)
