package spibridge

import (
	"errors"
	"fmt"
	"slices"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/spi"
)

// Pins is the bridge pinout. A nil pin is not wired on the board and is
// skipped.
//
// SO and SI are named from the target's side: FlashSO is the flash data
// output and feeds the bridge MISO.
type Pins struct {
	LED       gpio.PinIO
	CS        gpio.PinIO
	FPGAReset gpio.PinIO
	SCK       gpio.PinIO
	FlashSO   gpio.PinIO
	FlashSI   gpio.PinIO
	FPGASO    gpio.PinIO
	FPGASI    gpio.PinIO

	TPwrDet gpio.PinIO
	TPwrEn  gpio.PinIO

	mode Mode
}

// Setup configures the always-on pins and leaves the bus tri-stated.
func (p *Pins) Setup() error {
	if err := out(p.LED, Low); err != nil {
		return fmt.Errorf("led: %w", err)
	}
	if err := out(p.TPwrEn, Low); err != nil {
		return fmt.Errorf("target power enable: %w", err)
	}
	if p.TPwrDet != nil {
		if err := p.TPwrDet.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return fmt.Errorf("target power detect: %w", err)
		}
	}
	return p.HighImpedance()
}

// Mode returns the current mode. A target is reported only once it is fully
// attached; a failed release still reports HighImpedance.
func (p *Pins) Mode() Mode {
	return p.mode
}

// HighImpedance stops driving every target facing line. It keeps releasing
// the remaining lines after a failure.
func (p *Pins) HighImpedance() error {
	p.mode = HighImpedance
	var errs []error
	for _, l := range []gpio.PinIO{p.SCK, p.FlashSO, p.FlashSI, p.FPGASO, p.FPGASI, p.CS, p.FPGAReset} {
		errs = append(errs, float(l))
	}
	return errors.Join(errs...)
}

// FlashMode routes the SPI peripheral to the flash lines. The FPGA is held in
// reset so it cannot master the shared bus.
func (p *Pins) FlashMode() error {
	if err := p.attach(p.FlashSO, p.FlashSI, p.FPGASO, p.FPGASI); err != nil {
		return err
	}
	p.mode = Flash
	return nil
}

// FPGAMode routes the SPI peripheral to the FPGA configuration port. The
// FPGA stays in reset until the host releases it with SetFPGA.
func (p *Pins) FPGAMode() error {
	if err := p.attach(p.FPGASO, p.FPGASI, p.FlashSO, p.FlashSI); err != nil {
		return err
	}
	p.mode = FPGA
	return nil
}

// attach tri-states the other target's data lines before driving anything,
// so both targets are never on the bus together.
func (p *Pins) attach(so, si, otherSO, otherSI gpio.PinIO) error {
	if err := float(otherSO, otherSI); err != nil {
		return err
	}
	if err := out(p.CS, High); err != nil {
		return fmt.Errorf("cs: %w", err)
	}
	if err := out(p.FPGAReset, Low); err != nil {
		return fmt.Errorf("fpga reset: %w", err)
	}
	if err := alternate(p.SCK, spi.CLK); err != nil {
		return err
	}
	if err := alternate(so, spi.MISO); err != nil {
		return err
	}
	return alternate(si, spi.MOSI)
}

func out(p gpio.PinIO, l gpio.Level) error {
	if p == nil {
		return nil
	}
	return p.Out(l)
}

func float(pins ...gpio.PinIO) error {
	for _, p := range pins {
		if p == nil {
			continue
		}
		if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// alternate hands the pin to the SPI peripheral. Pins that can't select f
// (FTDI MPSSE lines) are hard wired to the SPI engine and left alone.
func alternate(p gpio.PinIO, f pin.Func) error {
	if p == nil {
		return nil
	}
	pf, ok := p.(pin.PinFunc)
	if !ok || !slices.Contains(pf.SupportedFuncs(), f) {
		return nil
	}
	if err := pf.SetFunc(f); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}
