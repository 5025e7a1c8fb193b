// Package transport carries bridge requests over a byte stream. It stands in
// for the USB peripheral when the core runs on the emulation board: the host
// writes one frame per request and the device answers GetTPwr and Transmit
// with one frame each.
//
// A frame is a kind byte, a length byte and up to MaxPayload bytes.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/gentam/spibridge"
)

// MaxPayload is the largest payload accepted in either direction.
const MaxPayload = spibridge.MaxTransmit

const headerSize = 2 // kind + length

// Frame kinds, host to device.
const (
	KindSetCS    = 0x01
	KindSetFPGA  = 0x02
	KindSetMode  = 0x03
	KindSetTPwr  = 0x04
	KindGetTPwr  = 0x05
	KindSetLED   = 0x06
	KindBootload = 0x07
	KindSuspend  = 0x08
	KindData     = 0x10
)

// Frame kinds, device to host.
const (
	KindTPwr  = 0x85
	KindReply = 0x90
	KindNAK   = 0xEE
)

var (
	// ErrTooLong is returned for a frame whose payload exceeds MaxPayload.
	// The payload has been drained from the stream.
	ErrTooLong = errors.New("transport: payload exceeds 64 bytes")

	// ErrNAK is returned when the device refused a frame.
	ErrNAK = errors.New("transport: NAK")

	// ErrUnknownKind is returned for a frame kind that maps to no request.
	ErrUnknownKind = errors.New("transport: unknown frame kind")

	// ErrBadPayload is returned when a payload doesn't match its kind.
	ErrBadPayload = errors.New("transport: bad payload")

	// ErrClosed is returned after the stream ended.
	ErrClosed = errors.New("transport: closed")
)

// WriteFrame writes one frame in a single Write call.
func WriteFrame(w io.Writer, kind byte, p []byte) error {
	if len(p) > MaxPayload {
		return ErrTooLong
	}
	var buf [headerSize + MaxPayload]byte
	buf[0] = kind
	buf[1] = byte(len(p))
	n := headerSize + copy(buf[headerSize:], p)
	_, err := w.Write(buf[:n])
	return err
}

// ReadFrame reads one frame into buf and returns its kind and payload length.
func ReadFrame(r io.Reader, buf *[MaxPayload]byte) (kind byte, n int, err error) {
	var hdr [headerSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	kind, n = hdr[0], int(hdr[1])
	if n > MaxPayload {
		if _, err = io.CopyN(io.Discard, r, int64(n)); err != nil {
			return kind, 0, err
		}
		return kind, 0, ErrTooLong
	}
	if _, err = io.ReadFull(r, buf[:n]); err != nil {
		return kind, 0, err
	}
	return kind, n, nil
}

// Encode returns the frame kind and payload for req.
func Encode(req spibridge.Request) (kind byte, p []byte, err error) {
	switch r := req.(type) {
	case spibridge.SetCS:
		return KindSetCS, level(r.State), nil
	case spibridge.SetFPGA:
		return KindSetFPGA, level(r.State), nil
	case spibridge.SetTPwr:
		return KindSetTPwr, level(r.State), nil
	case spibridge.SetLED:
		return KindSetLED, level(r.State), nil
	case spibridge.SetMode:
		if r.Mode > spibridge.FPGA {
			return 0, nil, fmt.Errorf("%w: mode %s", ErrBadPayload, r.Mode)
		}
		return KindSetMode, []byte{byte(r.Mode)}, nil
	case spibridge.Transmit:
		if r.N < 0 || r.N > MaxPayload {
			return 0, nil, ErrTooLong
		}
		return KindData, r.Data[:r.N], nil
	case spibridge.GetTPwr:
		return KindGetTPwr, nil, nil
	case spibridge.Bootload:
		return KindBootload, nil, nil
	case spibridge.Suspend:
		return KindSuspend, nil, nil
	default:
		return 0, nil, fmt.Errorf("transport: can't encode %T", req)
	}
}

// Decode builds the request carried by a host frame. Payload length is
// already bounded by ReadFrame.
func Decode(kind byte, p []byte) (spibridge.Request, error) {
	switch kind {
	case KindSetCS, KindSetFPGA, KindSetTPwr, KindSetLED:
		if len(p) != 1 || p[0] > 1 {
			return nil, fmt.Errorf("%w: kind %#02x len %d", ErrBadPayload, kind, len(p))
		}
		s := spibridge.PinState(p[0] == 1)
		switch kind {
		case KindSetCS:
			return spibridge.SetCS{State: s}, nil
		case KindSetFPGA:
			return spibridge.SetFPGA{State: s}, nil
		case KindSetTPwr:
			return spibridge.SetTPwr{State: s}, nil
		default:
			return spibridge.SetLED{State: s}, nil
		}
	case KindSetMode:
		if len(p) != 1 || spibridge.Mode(p[0]) > spibridge.FPGA {
			return nil, fmt.Errorf("%w: set mode %x", ErrBadPayload, p)
		}
		return spibridge.SetMode{Mode: spibridge.Mode(p[0])}, nil
	case KindData:
		return spibridge.NewTransmit(p), nil
	case KindGetTPwr:
		return spibridge.GetTPwr{}, nil
	case KindBootload:
		return spibridge.Bootload{}, nil
	case KindSuspend:
		return spibridge.Suspend{}, nil
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownKind, kind)
	}
}

func level(s spibridge.PinState) []byte {
	if s {
		return []byte{1}
	}
	return []byte{0}
}
