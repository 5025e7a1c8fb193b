package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/gentam/spibridge/client"
)

var (
	eraseOpts = struct {
		addr int
		size int
		chip bool
	}{}

	eraseCmd = &cobra.Command{
		Use:   "erase",
		Short: "Erase flash memory",
		Long: `Erase a range of flash memory in 4KB and 64KB steps, or the whole chip with
--chip. The range is rounded out to 4KB boundaries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !eraseOpts.chip && eraseOpts.size <= 0 {
				return errors.New("--size or --chip is required")
			}
			return withFlash(func(f *client.Flash) error {
				if _, _, err := f.ReadID(); err != nil {
					return err
				}
				if eraseOpts.chip {
					return f.EraseChip()
				}
				const subsector = 4 << 10
				base := eraseOpts.addr &^ (subsector - 1)
				return f.Erase(base, eraseOpts.addr+eraseOpts.size-base)
			})
		},
	}
)

func init() {
	eraseCmd.Flags().IntVarP(&eraseOpts.addr, "addr-offset", "a", 0, "flash address to start from")
	eraseCmd.Flags().IntVarP(&eraseOpts.size, "size", "n", 0, "number of bytes to erase")
	eraseCmd.Flags().BoolVar(&eraseOpts.chip, "chip", false, "erase the whole chip")
	rootCmd.AddCommand(eraseCmd)
}
