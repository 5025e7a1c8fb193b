package sim

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/physic"
)

// CPU simulates the core instructions used by the firmware.
type CPU struct {
	// Freq converts Delay cycles into time. Zero counts cycles only.
	Freq physic.Frequency
	// Clock is slept on by Delay. Nil counts cycles only.
	Clock clockwork.Clock
	// Done wakes WaitForEvent for good, so an emulated loop can stop.
	Done <-chan struct{}

	event  chan struct{}
	cycles atomic.Uint64
}

// NewCPU returns a CPU clocked at freq.
func NewCPU(freq physic.Frequency) *CPU {
	return &CPU{
		Freq:  freq,
		event: make(chan struct{}, 1),
	}
}

// Signal sets the event register, like an interrupt becoming pending with
// SEVONPEND. At most one event is latched.
func (c *CPU) Signal() {
	select {
	case c.event <- struct{}{}:
	default:
	}
}

// WaitForEvent implements spibridge.CPU.
func (c *CPU) WaitForEvent() {
	select {
	case <-c.event:
	case <-c.Done:
	}
}

// Delay implements spibridge.CPU.
func (c *CPU) Delay(cycles uint32) {
	c.cycles.Add(uint64(cycles))
	if c.Clock == nil || c.Freq <= 0 {
		return
	}
	hz := uint64(c.Freq / physic.Hertz)
	c.Clock.Sleep(time.Duration(uint64(cycles) * uint64(time.Second) / hz))
}

// Cycles returns the total cycles spent in Delay.
func (c *CPU) Cycles() uint64 {
	return c.cycles.Load()
}

// SystemReset implements spibridge.CPU. It unwinds to the enclosing
// Machine.Run, which boots again.
func (c *CPU) SystemReset() {
	panic(resetSignal{})
}

type resetSignal struct{}

type jumpSignal struct{}

// ErrBootloader is returned by Machine.Run once the firmware jumped to the
// system bootloader.
var ErrBootloader = errors.New("sim: entered system bootloader")

// Bootloader stands in for the factory bootloader in system memory.
type Bootloader struct {
	jumps atomic.Int32
}

// Jump implements spibridge.SystemBootloader.
func (b *Bootloader) Jump() {
	b.jumps.Add(1)
	panic(jumpSignal{})
}

// Jumps returns how many times the bootloader was entered.
func (b *Bootloader) Jumps() int {
	return int(b.jumps.Load())
}

// Machine runs a boot function and boots again after every SystemReset.
// Retained memory lives outside the boot function, so it survives.
type Machine struct {
	// MaxResets bounds the number of resets. Zero means no limit.
	MaxResets int

	resets int
}

// Run returns the error returned by boot, or ErrBootloader.
func (m *Machine) Run(boot func() error) error {
	for {
		err, reset := m.boot(boot)
		if !reset {
			return err
		}
		m.resets++
		if m.MaxResets > 0 && m.resets > m.MaxResets {
			return fmt.Errorf("sim: more than %d resets", m.MaxResets)
		}
	}
}

// Resets returns the number of resets so far.
func (m *Machine) Resets() int {
	return m.resets
}

func (m *Machine) boot(boot func() error) (err error, reset bool) {
	defer func() {
		switch v := recover().(type) {
		case nil:
		case resetSignal:
			reset = true
		case jumpSignal:
			err = ErrBootloader
		default:
			panic(v)
		}
	}()
	return boot(), false
}
