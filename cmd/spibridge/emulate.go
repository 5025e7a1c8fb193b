package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gentam/spibridge/board"
	"github.com/gentam/spibridge/sim"
)

var (
	emulateOpts = struct {
		sim       bool
		flashSize int
	}{}

	emulateCmd = &cobra.Command{
		Use:   "emulate",
		Short: "Run the bridge firmware on an FT2232H",
		Long: `Run the bridge firmware on the PC. The FT2232H drives the SPI bus and the
pins; host commands arrive on the configured socket instead of USB.

With --sim no hardware is used: the bus leads to a simulated Micron N25Q32
flash chip.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var b *board.Board
			if emulateOpts.sim {
				flash := sim.NewFlash([3]byte{0x20, 0xBA, 0x16}, emulateOpts.flashSize)
				flash.SetBusyPolls(2)
				b = board.Simulated(cfg, logger, flash)
			} else if b, err = board.Open(cfg, logger); err != nil {
				return err
			}
			defer b.Close()

			l, err := b.Listen()
			if err != nil {
				return err
			}
			defer l.Close()
			logger.Info("listening", "network", cfg.Listen.Network, "addr", cfg.Listen.Address)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = b.Serve(ctx, l)
			switch {
			case errors.Is(err, sim.ErrBootloader):
				logger.Info("device entered system bootloader", "resets", b.Resets())
				return nil
			case errors.Is(err, context.Canceled):
				return nil
			}
			return err
		},
	}
)

func init() {
	emulateCmd.Flags().BoolVar(&emulateOpts.sim, "sim", false, "simulate the board instead of using an FT2232H")
	emulateCmd.Flags().IntVar(&emulateOpts.flashSize, "sim-flash-size", 4<<20, "size of the simulated flash in bytes")
	rootCmd.AddCommand(emulateCmd)
}
