package client

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"

	"github.com/gentam/spibridge"
)

// Flash drives an SPI NOR flash attached to the bridge.
type Flash struct {
	// Clock times power transitions and busy polling.
	Clock clockwork.Clock

	b    *Bridge
	id   [3]byte // JEDEC ID of the flash chip
	chip *chip
}

// NewFlash returns a Flash on b. Call Attach before any other method.
func NewFlash(b *Bridge) *Flash {
	return &Flash{
		Clock: clockwork.NewRealClock(),
		b:     b,
	}
}

// ErrBusyTimeout is returned when the flash stays busy past the datasheet
// maximum for the operation.
var ErrBusyTimeout = errors.New("flash: busy timeout")

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdWriteEnable        = 0x06
	flashCmdPageProgram        = 0x02
	flashCmdErase4KB           = 0x20 // Subsector Erase / Sector Erase (4KB)
	flashCmdErase64KB          = 0xD8 // Sector Erase / Block Erase (64KB)
	flashCmdEraseChip          = 0xC7 // Bulk Erase / Chip Erase
	flashCmdReadStatusRegister = 0x05
)

// Attach powers the target, routes the bus to the flash and keeps the FPGA
// in reset so it doesn't act as an SPI master.
func (f *Flash) Attach() error {
	if err := f.b.SetTPwr(gpio.High); err != nil {
		return err
	}
	if err := f.b.SetMode(spibridge.Flash); err != nil {
		return err
	}
	return f.b.SetFPGA(gpio.Low)
}

// Detach tri-states the bus and releases the FPGA from reset so it can
// configure itself from the flash.
func (f *Flash) Detach() error {
	if err := f.b.SetMode(spibridge.HighImpedance); err != nil {
		return err
	}
	return f.b.SetFPGA(gpio.High)
}

// tx wraps SPI transaction with CS assertion.
func (f *Flash) tx(buf []byte) (err error) {
	if err = f.b.SetCS(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.b.SetCS(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = f.b.Tx(buf, buf)
	return
}

func (f *Flash) PowerUp() error {
	buf := []byte{flashCmdPowerUp}
	if err := f.tx(buf); err != nil {
		return err
	}
	f.Clock.Sleep(f.delay(tRES1))
	return nil
}

func (f *Flash) PowerDown() error {
	buf := []byte{flashCmdPowerDown}
	if err := f.tx(buf); err != nil {
		return err
	}
	f.Clock.Sleep(f.delay(tDP))
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// It returns a non-empty name for known IDs. The extended device string is ignored.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID

	if err = f.tx(buf); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	f.chip = nil
	if c, ok := chips[f.id]; ok {
		f.chip = &c
		name = c.name
	}
	return f.id, name, err
}

// Size returns the capacity of the identified chip, or 0 before ReadID or for
// an unknown chip.
func (f *Flash) Size() int {
	if f.chip == nil {
		return 0
	}
	return f.chip.size
}

// Read performs a read operation, splitting it into multiple transactions to
// bound the buffer held for each one.
func (f *Flash) Read(addr, n int) ([]byte, error) {
	const (
		maxTx    = 4096
		cmdBytes = 4 // opRead + 24‑bit address
		maxData  = maxTx - cmdBytes
	)

	out := make([]byte, n)
	off := 0
	for remaining := n; remaining > 0; {
		chunk := min(remaining, maxData)
		buf := make([]byte, cmdBytes+chunk)
		buf[0] = flashCmdRead
		buf[1] = byte(addr >> 16)
		buf[2] = byte(addr >> 8)
		buf[3] = byte(addr)
		// buf[4:] dummy bytes

		if err := f.tx(buf); err != nil {
			return nil, err
		}

		copy(out[off:], buf[cmdBytes:])

		addr += chunk
		off += chunk
		remaining -= chunk
	}
	return out, nil
}

func (f *Flash) writeEnable() error {
	buf := []byte{flashCmdWriteEnable}
	return f.tx(buf)
}

// addr: 24 bit
// data: max 256 bytes, must not cross a page boundary
func (f *Flash) pageProgram(addr int, data []byte) error {
	const max24 = 1<<24 - 1 // 0xFFFFFF
	if addr < 0 || addr > max24 {
		return fmt.Errorf("address 0x%X out of 24-bit range", addr)
	}
	if len(data) > pageSize {
		return errors.New("data must not exceed 256 bytes")
	}
	if err := f.writeEnable(); err != nil {
		return err
	}

	buf := make([]byte, 4+len(data))
	buf[0] = flashCmdPageProgram
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
	copy(buf[4:], data)

	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(100*time.Microsecond, f.delay(tPP))
}

const pageSize = 256

// Write programs r starting at addr, one page at a time. The range must have
// been erased.
func (f *Flash) Write(addr int, r io.Reader) error {
	buf := [pageSize]byte{}
	for {
		// Stay within the page containing addr.
		room := pageSize - addr%pageSize
		n, err := io.ReadFull(r, buf[:room])
		if n > 0 {
			if perr := f.pageProgram(addr, buf[:n]); perr != nil {
				return perr
			}
			addr += n
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (f *Flash) erase(cmd byte, addr int, interval, timeout time.Duration) error {
	if err := f.writeEnable(); err != nil {
		return err
	}

	buf := make([]byte, 4)
	buf[0] = cmd
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)

	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(interval, timeout)
}

// Erase4KB erases the 4KB subsector containing addr.
func (f *Flash) Erase4KB(addr int) error {
	return f.erase(flashCmdErase4KB, addr, 50*time.Millisecond, f.delay(tSSE))
}

// Erase64KB erases a 64KB sector.
func (f *Flash) Erase64KB(addr int) error {
	return f.erase(flashCmdErase64KB, addr, 100*time.Millisecond, f.delay(tSE))
}

// EraseChip bulk erase the entire chip.
func (f *Flash) EraseChip() error {
	if err := f.writeEnable(); err != nil {
		return err
	}

	buf := []byte{flashCmdEraseChip}
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(time.Second, f.delay(tBE))
}

// Erase erases the size bytes starting from baseAddr by repeatedly calling
// Erase64KB and Erase4KB.
func (f *Flash) Erase(baseAddr, size int) error {
	const (
		sectorSize    = 64 << 10 // 64KB
		subsectorSize = 4 << 10  // 4KB
	)

	remaining := size
	addr := baseAddr

	// Use 4KB subsectors up to the first 64KB boundary
	for remaining > 0 && addr%sectorSize != 0 {
		if err := f.Erase4KB(addr); err != nil {
			return err
		}
		addr += subsectorSize
		remaining -= subsectorSize
	}

	// Use 64KB sectors for as much as possible
	for remaining >= sectorSize {
		if err := f.Erase64KB(addr); err != nil {
			return err
		}
		addr += sectorSize
		remaining -= sectorSize
	}

	// Use 4KB subsectors for the rest
	for remaining > 0 {
		if err := f.Erase4KB(addr); err != nil {
			return err
		}
		addr += subsectorSize
		remaining -= subsectorSize
	}

	return nil
}

// BusyWait waits for the flash to become ready by polling the status register's
// bit 0 with specified intervals, or until the timeout expires. Set timeout to
// 0 to wait indefinitely.
func (f *Flash) BusyWait(interval, timeout time.Duration) error {
	// Fast path
	if sr, err := f.ReadStatusRegister(); err != nil {
		return err
	} else if !sr.Busy() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := f.Clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	ticker := f.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-expired:
			return ErrBusyTimeout
		case <-ticker.Chan():
			sr, err := f.ReadStatusRegister()
			if err != nil {
				return err
			}
			if !sr.Busy() {
				return nil
			}
		}
	}
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	flags := []struct {
		set  bool
		name string
	}{
		{sr.StatusRegisterProtect(), "SRP"},
		{sr.SectorProtect(), "SEC"},
		{sr.TopBottom(), "TB"},
		{sr.BlockProtect2(), "BP2"},
		{sr.BlockProtect1(), "BP1"},
		{sr.BlockProtect0(), "BP0"},
		{sr.WriteEnabled(), "WEL"},
		{sr.Busy(), "BUSY"},
	}
	s := []string{}
	for _, fl := range flags {
		if fl.set {
			s = append(s, fl.name)
		}
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
