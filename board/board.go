// Package board runs the bridge core on a PC. An FT2232H provides the SPI
// engine and the GPIOs, a socket stands in for the USB device port, and the
// clock tree, CPU and retained memory are simulated.
//
// # References:
//
//   - [FTDI-DS_FT2232H]: FT2232H Hi-Speed Dual USB UART/FIFO IC Data Sheet (https://ftdichip.com/wp-content/uploads/2024/09/DS_FT2232H.pdf)
//   - [Lattice-EB82]: iCEstick User Manual (https://www.latticesemi.com/view_document?document_id=50701)
//   - [iCEBreaker]: iCEBreaker FPGA (https://github.com/icebreaker-fpga/icebreaker/blob/master/hardware/v1.0e/icebreaker-sch.pdf)
package board

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/config"
	"github.com/gentam/spibridge/sim"
)

// Board holds the hardware that outlives a reset of the emulated device.
type Board struct {
	Config config.Config
	Logger *slog.Logger

	// FTDI is nil when the SPI port comes from spireg or the board is simulated.
	FTDI *ftdi.FT232H
	Port spi.PortCloser
	// Pins is the wiring; each boot gets a copy in its reset state.
	Pins spibridge.Pins
	// Retained holds the bootload flag.
	Retained spibridge.RetainedWord

	rcc     *sim.RCC
	acr     sim.FlashACR
	rom     sim.Bootloader
	machine sim.Machine
}

var hostInitialized atomic.Bool

// InitHost loads the periph.io host drivers, which register the FTDI pins in
// gpioreg and its SPI port in spireg.
func InitHost() error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("host initialization failed: %w", err)
		}
	}
	return nil
}

// Open finds the FTDI device, opens its SPI port and resolves the configured
// pins.
func Open(cfg config.Config, logger *slog.Logger) (*Board, error) {
	if err := InitHost(); err != nil {
		return nil, err
	}

	b := newBoard(cfg, logger)
	b.Retained = &sim.FileWord{Path: cfg.Retained}

	var err error
	if cfg.SPI.Port == "" {
		if b.FTDI, err = FindFT2232H(); err != nil {
			return nil, err
		}
		b.Port, err = b.FTDI.SPI()
	} else {
		b.Port, err = spireg.Open(cfg.SPI.Port)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}

	if b.Pins, err = lookupPins(cfg.Pins); err != nil {
		b.Port.Close()
		return nil, err
	}
	return b, nil
}

// Simulated returns a board with no hardware: flash is an erased chip behind
// the SPI port and the other pins are test pins, except target power whose
// detect input follows its enable output.
func Simulated(cfg config.Config, logger *slog.Logger, flash *sim.Flash) *Board {
	b := newBoard(cfg, logger)
	b.Retained = &sim.Word{}
	b.Port = flash

	pwr := sim.NewTargetPower()
	b.Pins = spibridge.Pins{
		LED:       &gpiotest.Pin{N: "LED"},
		CS:        flash.CS(),
		FPGAReset: &gpiotest.Pin{N: "FPGA_RST"},
		SCK:       &gpiotest.Pin{N: "SCK"},
		FlashSO:   &gpiotest.Pin{N: "FLASH_SO"},
		FlashSI:   &gpiotest.Pin{N: "FLASH_SI"},
		FPGASO:    &gpiotest.Pin{N: "FPGA_SO"},
		FPGASI:    &gpiotest.Pin{N: "FPGA_SI"},
		TPwrDet:   pwr.Detect(),
		TPwrEn:    &pwr.Enable,
	}
	return b
}

func newBoard(cfg config.Config, logger *slog.Logger) *Board {
	rcc := sim.NewRCC()
	rcc.Lag = 2
	return &Board{
		Config: cfg,
		Logger: logger,
		rcc:    rcc,
	}
}

// Close releases the SPI port.
func (b *Board) Close() error {
	if b.Port == nil {
		return nil
	}
	return b.Port.Close()
}

// Resets returns the number of resets of the emulated device.
func (b *Board) Resets() int {
	return b.machine.Resets()
}

// RCC returns the simulated clock controller, which keeps its state across
// resets like the debugger-attached part does.
func (b *Board) RCC() *sim.RCC {
	return b.rcc
}

// FindFT2232H returns the MPSSE channel of the first FT2232H.
func FindFT2232H() (*ftdi.FT232H, error) {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}

	return nil, errors.New("FT2232H device not found")
}

func lookupPins(c config.Pins) (spibridge.Pins, error) {
	var p spibridge.Pins
	var errs []error
	lookup := func(role, name string) gpio.PinIO {
		if name == "" {
			return nil
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			errs = append(errs, fmt.Errorf("%s: pin %q not found", role, name))
		}
		return pin
	}
	// [Lattice-EB82|Appendix A. Sheet 2 of 5 (USB to SPI/RS232)] / [iCEBreaker]
	// ADBUS0 | iCE_SCK
	// ADBUS1 | iCE_MOSI / FLASH_MOSI
	// ADBUS2 | iCE_MISO / FLASH_MISO
	// ADBUS4 | iCE_SS_B
	// ADBUS7 | iCE_CRESET / iCE_RESET
	p.LED = lookup("led", c.LED)
	p.CS = lookup("cs", c.CS)
	p.FPGAReset = lookup("fpga_reset", c.FPGAReset)
	p.SCK = lookup("sck", c.SCK)
	p.FlashSO = lookup("flash_so", c.FlashSO)
	p.FlashSI = lookup("flash_si", c.FlashSI)
	p.FPGASO = lookup("fpga_so", c.FPGASO)
	p.FPGASI = lookup("fpga_si", c.FPGASI)
	p.TPwrDet = lookup("tpwr_det", c.TPwrDet)
	p.TPwrEn = lookup("tpwr_en", c.TPwrEn)
	return p, errors.Join(errs...)
}

// portDMA stands in for the DMA channels: the FTDI driver moves the data
// itself, so setup only caps the port speed.
type portDMA struct {
	port  spi.PortCloser
	speed physic.Frequency
}

func (d *portDMA) Setup() error {
	if d.port == nil {
		return errors.New("no SPI port")
	}
	return d.port.LimitSpeed(d.speed)
}
