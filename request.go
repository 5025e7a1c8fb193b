package spibridge

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// PinState is the level of a single GPIO output.
type PinState = gpio.Level

const (
	Low  PinState = gpio.Low
	High PinState = gpio.High
)

// Mode selects which downstream target, if any, is attached to the SPI bus.
type Mode uint8

const (
	HighImpedance Mode = iota
	Flash
	FPGA
)

func (m Mode) String() string {
	switch m {
	case HighImpedance:
		return "HighImpedance"
	case Flash:
		return "Flash"
	case FPGA:
		return "FPGA"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// MaxTransmit is the capacity of a Transmit request buffer.
const MaxTransmit = 64

// Request is one decoded host command. The set of variants is closed: only
// types in this package implement it, and App.process switches over all of
// them.
type Request interface {
	request()
}

type (
	// SetCS drives the chip select line.
	SetCS struct{ State PinState }
	// SetFPGA drives the FPGA reset line.
	SetFPGA struct{ State PinState }
	// SetTPwr drives the target power enable line.
	SetTPwr struct{ State PinState }
	// SetLED drives the status LED.
	SetLED struct{ State PinState }
	// SetMode switches the SPI bus to another target.
	SetMode struct{ Mode Mode }
	// GetTPwr asks for the target power detect level.
	GetTPwr struct{}
	// Bootload reboots the device into the system bootloader.
	Bootload struct{}
	// Suspend tri-states the bus and turns off the LED and target power.
	Suspend struct{}
)

// Transmit exchanges the first N bytes of Data over SPI. N never exceeds
// MaxTransmit; the transport rejects longer payloads before decoding.
type Transmit struct {
	Data [MaxTransmit]byte
	N    int
}

// NewTransmit copies p into a Transmit request. It panics if p is longer than
// MaxTransmit.
func NewTransmit(p []byte) Transmit {
	if len(p) > MaxTransmit {
		panic("spibridge: transmit payload exceeds 64 bytes")
	}
	var t Transmit
	t.N = copy(t.Data[:], p)
	return t
}

// Bytes returns the valid part of the buffer.
func (t *Transmit) Bytes() []byte {
	return t.Data[:t.N]
}

func (SetCS) request()    {}
func (SetFPGA) request()  {}
func (SetTPwr) request()  {}
func (SetLED) request()   {}
func (SetMode) request()  {}
func (Transmit) request() {}
func (GetTPwr) request()  {}
func (Bootload) request() {}
func (Suspend) request()  {}
