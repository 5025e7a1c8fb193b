package sim

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Flash is an SPI NOR flash with the common 24-bit address command set. It
// is the SPI port and the chip select pin, so a transaction spans every Tx
// between CS going low and back high.
type Flash struct {
	ID [3]byte

	mu        sync.Mutex
	busyPolls int
	mem       []byte
	cs        flashCS
	selected  bool
	tx        []byte // bytes shifted in since CS went low
	wel       bool
	busy      int
	powerDown bool
	ops       []byte // commands completed, in order
}

// NewFlash returns an erased chip of size bytes.
func NewFlash(id [3]byte, size int) *Flash {
	f := &Flash{
		ID:  id,
		mem: make([]byte, size),
	}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	f.cs.f = f
	f.cs.N = "FLASH_CS"
	f.cs.L = gpio.High
	return f
}

// SetBusyPolls sets the number of status reads that report busy after each
// program or erase.
func (f *Flash) SetBusyPolls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busyPolls = n
}

// CS returns the chip select input of the flash.
func (f *Flash) CS() gpio.PinIO {
	return &f.cs
}

// Mem returns a copy of the array contents.
func (f *Flash) Mem(addr, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = f.mem[(addr+i)%len(f.mem)]
	}
	return out
}

// Ops returns the opcodes of the transactions completed so far.
func (f *Flash) Ops() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.ops...)
}

func (f *Flash) String() string {
	return fmt.Sprintf("flash(%X)", f.ID)
}

// Close implements spi.PortCloser.
func (f *Flash) Close() error { return nil }

// LimitSpeed implements spi.PortCloser.
func (f *Flash) LimitSpeed(physic.Frequency) error { return nil }

// Connect implements spi.Port. Only 8 bit mode 0 and 3 are accepted, like the
// real parts.
func (f *Flash) Connect(_ physic.Frequency, m spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, fmt.Errorf("sim: flash supports 8 bit words, not %d", bits)
	}
	if mode := m &^ (spi.NoCS | spi.LSBFirst | spi.HalfDuplex); mode != spi.Mode0 && mode != spi.Mode3 {
		return nil, fmt.Errorf("sim: flash doesn't support %s", mode)
	}
	return (*flashConn)(f), nil
}

type flashConn Flash

func (c *flashConn) String() string       { return (*Flash)(c).String() }
func (c *flashConn) Duplex() conn.Duplex  { return conn.Full }
func (c *flashConn) Tx(w, r []byte) error { return (*Flash)(c).shift(w, r) }

func (c *flashConn) TxPackets(pkts []spi.Packet) error {
	for _, p := range pkts {
		if err := c.Tx(p.W, p.R); err != nil {
			return err
		}
	}
	return nil
}

// flashCS ends the transaction on the rising edge.
type flashCS struct {
	gpiotest.Pin
	f *Flash
}

func (p *flashCS) Out(l gpio.Level) error {
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	p.f.chipSelect(l == gpio.Low)
	return nil
}

// In releases the line; the board pull-up deselects the chip.
func (p *flashCS) In(pull gpio.Pull, edge gpio.Edge) error {
	if err := p.Pin.In(pull, edge); err != nil {
		return err
	}
	p.f.chipSelect(false)
	return nil
}

func (f *Flash) chipSelect(sel bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sel == f.selected {
		return
	}
	f.selected = sel
	if sel {
		f.tx = f.tx[:0]
		return
	}
	f.complete()
}

// shift clocks w in and the flash output into r. Without chip select the
// output floats and reads as ones.
func (f *Flash) shift(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("sim: flash read of %d bytes for %d written", len(r), len(w))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range w {
		out := byte(0xFF)
		if f.selected {
			f.tx = append(f.tx, b)
			out = f.output(len(f.tx) - 1)
		}
		if r != nil {
			r[i] = out
		}
	}
	return nil
}

// output returns the byte driven while the byte at pos is shifted in.
func (f *Flash) output(pos int) byte {
	if pos == 0 || f.powerDown {
		return 0
	}
	switch f.tx[0] {
	case 0x9F:
		if pos <= len(f.ID) {
			return f.ID[pos-1]
		}
	case 0x05:
		sr := byte(0)
		if f.wel {
			sr |= 1 << 1
		}
		if f.busy > 0 {
			sr |= 1 << 0
			f.busy--
		}
		return sr
	case 0x03:
		if pos >= 4 {
			return f.mem[(f.addr()+pos-4)%len(f.mem)]
		}
	}
	return 0
}

func (f *Flash) addr() int {
	return int(f.tx[1])<<16 | int(f.tx[2])<<8 | int(f.tx[3])
}

func (f *Flash) complete() {
	if len(f.tx) == 0 {
		return
	}
	cmd := f.tx[0]
	if f.powerDown && cmd != 0xAB {
		return
	}
	f.ops = append(f.ops, cmd)
	switch cmd {
	case 0xAB:
		f.powerDown = false
	case 0xB9:
		f.powerDown = true
	case 0x06:
		f.wel = true
	case 0x02:
		if !f.wel || len(f.tx) < 4 {
			return
		}
		base := f.addr()
		page := base &^ 0xFF
		for i, b := range f.tx[4:] {
			// Addressing wraps within the page.
			a := (page + (base+i)&0xFF) % len(f.mem)
			f.mem[a] &= b
		}
		f.done()
	case 0x20:
		f.eraseBlock(4 << 10)
	case 0xD8:
		f.eraseBlock(64 << 10)
	case 0xC7:
		if !f.wel {
			return
		}
		for i := range f.mem {
			f.mem[i] = 0xFF
		}
		f.done()
	}
}

func (f *Flash) eraseBlock(size int) {
	if !f.wel || len(f.tx) < 4 {
		return
	}
	base := (f.addr() &^ (size - 1)) % len(f.mem)
	for i := base; i < base+size && i < len(f.mem); i++ {
		f.mem[i] = 0xFF
	}
	f.done()
}

func (f *Flash) done() {
	f.wel = false
	f.busy = f.busyPolls
}

// TargetPower is the target supply switch: the detect input reads what the
// enable output drives.
type TargetPower struct {
	Enable gpiotest.Pin
	det    powerDetect
}

// NewTargetPower returns a switched off supply.
func NewTargetPower() *TargetPower {
	t := &TargetPower{}
	t.Enable.N = "TPWR_EN"
	t.det.N = "TPWR_DET"
	t.det.en = &t.Enable
	return t
}

// Detect returns the power detect input.
func (t *TargetPower) Detect() gpio.PinIO {
	return &t.det
}

type powerDetect struct {
	gpiotest.Pin
	en *gpiotest.Pin
}

func (p *powerDetect) Read() gpio.Level {
	return p.en.Read()
}

var (
	_ spi.PortCloser = (*Flash)(nil)
	_ spi.Conn       = (*flashConn)(nil)
)
