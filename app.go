package spibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// App owns every peripheral used by the firmware. It is the only context that
// touches them, so none of its methods lock.
type App struct {
	Flash  FlashInterface
	Clocks Clocks
	NVIC   NVIC
	DMA    DMA
	Pins   *Pins
	SPI    SPI
	USB    USB
	CPU    CPU

	// Retained holds the bootload flag across the reset triggered by a
	// Bootload request.
	Retained RetainedWord

	Logger *slog.Logger
}

// Setup initialises the peripherals in dependency order. Later steps rely on
// the clocks and interrupt configuration of earlier ones.
func (a *App) Setup() error {
	steps := []struct {
		name  string
		setup func() error
	}{
		{"flash", a.Flash.Setup},   // 1 wait state with prefetch
		{"clocks", a.Clocks.Setup}, // SYSCLK on PLL, peripheral clocks on
		{"nvic", a.NVIC.Setup},     // USB interrupt wakes WaitForEvent
		{"dma", a.DMA.Setup},
		{"pins", a.Pins.Setup},
		{"spi", a.SPI.Setup},
		{"usb", a.USB.Setup}, // connects to the host
	}
	for _, s := range steps {
		if err := s.setup(); err != nil {
			return fmt.Errorf("%s setup failed: %w", s.name, err)
		}
		a.debug("setup", slog.String("step", s.name))
	}
	a.info("ready")
	return nil
}

// Poll runs one iteration of the event loop: handle at most one request if
// the USB interrupt is pending, otherwise sleep until the next event.
func (a *App) Poll() {
	if !a.NVIC.USBPending() {
		a.CPU.WaitForEvent()
		return
	}
	if req, ok := a.USB.Interrupt(); ok {
		if err := a.process(req); err != nil {
			a.logerr("request failed", slog.String("req", fmt.Sprintf("%T", req)), slog.String("err", err.Error()))
		}
	}
	a.NVIC.UnpendUSB()
}

// Run polls until ctx is done. Firmware builds pass context.Background and
// never return.
func (a *App) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		a.Poll()
	}
	return ctx.Err()
}

// Mode returns the active bus mode.
func (a *App) Mode() Mode {
	return a.Pins.Mode()
}

func (a *App) process(req Request) error {
	switch r := req.(type) {
	case SetCS:
		a.trace("SetCS", slog.Bool("high", bool(r.State)))
		return out(a.Pins.CS, r.State)
	case SetFPGA:
		a.trace("SetFPGA", slog.Bool("high", bool(r.State)))
		return out(a.Pins.FPGAReset, r.State)
	case SetTPwr:
		a.trace("SetTPwr", slog.Bool("high", bool(r.State)))
		return out(a.Pins.TPwrEn, r.State)
	case SetLED:
		a.trace("SetLED", slog.Bool("high", bool(r.State)))
		return out(a.Pins.LED, r.State)
	case SetMode:
		a.trace("SetMode", slog.String("mode", r.Mode.String()))
		return a.setMode(r.Mode)
	case Transmit:
		a.trace("Transmit", slog.Int("len", r.N))
		rx, err := a.SPI.Exchange(a.DMA, r.Bytes())
		if err != nil {
			return err
		}
		return a.USB.ReplyData(rx)
	case GetTPwr:
		var s PinState
		if a.Pins.TPwrDet != nil {
			s = a.Pins.TPwrDet.Read()
		}
		a.trace("GetTPwr", slog.Bool("high", bool(s)))
		return a.USB.ReplyTPwr(s)
	case Bootload:
		a.warn("entering bootloader")
		requestBootload(a.Retained, a.CPU)
		return nil
	case Suspend:
		a.debug("suspend")
		// Target power is cut even when the bus could not be released.
		return errors.Join(
			a.setMode(HighImpedance),
			out(a.Pins.LED, Low),
			out(a.Pins.TPwrEn, Low),
		)
	default:
		panic(fmt.Sprintf("spibridge: unhandled request %T", req))
	}
}

// setMode detaches the host data path before touching the pins, so no
// transfer data is accepted while the bus is between targets.
func (a *App) setMode(m Mode) (err error) {
	a.USB.DisableDataRx()
	switch m {
	case HighImpedance:
		return a.Pins.HighImpedance()
	case Flash:
		err = a.Pins.FlashMode()
	case FPGA:
		err = a.Pins.FPGAMode()
	default:
		return fmt.Errorf("unknown mode %s", m)
	}
	if err != nil {
		// Leave the bus floating rather than half attached.
		if herr := a.Pins.HighImpedance(); herr != nil {
			a.logerr("high impedance fallback failed", slog.String("err", herr.Error()))
		}
		return err
	}
	a.USB.EnableDataRx()
	return nil
}
