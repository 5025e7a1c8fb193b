package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/sim"
	"github.com/gentam/spibridge/transport"
)

// Serve boots the emulated device once per host connection, the way the real
// device enumerates when it's plugged in. A Bootload request resets the
// device into its system bootloader, which ends Serve with sim.ErrBootloader.
//
// Serve returns ctx.Err() after ctx is done; l is closed by then.
func (b *Board) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		err := b.machine.Run(func() error { return b.boot(ctx, l) })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
}

// boot is the firmware entry point.
func (b *Board) boot(ctx context.Context, l net.Listener) error {
	spibridge.CheckBootload(b.Retained, &b.rom)
	if fw, ok := b.Retained.(*sim.FileWord); ok && fw.Err != nil {
		b.warn("retained memory unavailable", slog.String("err", fw.Err.Error()))
	}

	c, err := l.Accept()
	if err != nil {
		return err
	}
	b.info("host connected", slog.Any("addr", c.RemoteAddr()))

	clk := b.Config.ClockConfig()
	usb := transport.NewDevice(c)
	defer usb.Close()
	usb.Logger = b.Logger
	cpu := sim.NewCPU(clk.SysClk())
	cpu.Done = usb.Done()
	usb.Wake = cpu.Signal

	pins := b.Pins
	app := &spibridge.App{
		Flash:    &spibridge.WaitStates{ACR: &b.acr},
		Clocks:   &spibridge.ClockSequencer{RCC: b.rcc.Registers(), CPU: cpu, Config: clk},
		NVIC:     usb.Interrupts(),
		DMA:      &portDMA{port: b.Port, speed: b.Config.SPI.Speed.Frequency},
		Pins:     &pins,
		SPI:      &spibridge.ConnSPI{Port: b.Port, Clock: b.Config.SPI.Speed.Frequency},
		USB:      usb,
		CPU:      cpu,
		Retained: b.Retained,
		Logger:   b.Logger,
	}
	if err := app.Setup(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-usb.Done():
		case <-runCtx.Done():
			usb.Close()
		}
		cancel()
	}()

	if err := app.Run(runCtx); err != nil && ctx.Err() == nil {
		if uerr := usb.Err(); uerr != nil && !errors.Is(uerr, transport.ErrClosed) {
			b.warn("host connection failed", slog.String("err", uerr.Error()))
		}
	}
	b.info("host disconnected")
	return nil
}

func (b *Board) info(msg string, attrs ...slog.Attr) {
	b.log(slog.LevelInfo, msg, attrs...)
}

func (b *Board) warn(msg string, attrs ...slog.Attr) {
	b.log(slog.LevelWarn, msg, attrs...)
}

func (b *Board) log(level slog.Level, msg string, attrs ...slog.Attr) {
	if b.Logger == nil {
		return
	}
	b.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Listen opens the configured host socket.
func (b *Board) Listen() (net.Listener, error) {
	l, err := net.Listen(b.Config.Listen.Network, b.Config.Listen.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return l, nil
}
