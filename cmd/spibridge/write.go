package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gentam/spibridge/client"
)

var (
	writeOpts = struct {
		filename  string
		addr      int
		bulkErase bool
		noErase   bool
	}{}

	writeCmd = &cobra.Command{
		Use:   "write",
		Short: "Write flash memory",
		Long: `Write a file to flash memory. The range covered by the file is erased
first unless --no-erase is given; -e erases the whole chip instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if writeOpts.filename == "" && !writeOpts.bulkErase {
				return errors.New("input file is required")
			}

			var input *os.File
			var size int
			if writeOpts.filename != "" {
				var err error
				input, err = os.Open(writeOpts.filename)
				if err != nil {
					return fmt.Errorf("failed to open file: %w", err)
				}
				defer input.Close()
				st, err := input.Stat()
				if err != nil {
					return err
				}
				size = int(st.Size())
			}

			return withFlash(func(f *client.Flash) error {
				if _, _, err := f.ReadID(); err != nil {
					return fmt.Errorf("read flash ID failed: %w", err)
				}

				switch {
				case writeOpts.bulkErase:
					logger.Info("erasing chip")
					if err := f.EraseChip(); err != nil {
						return fmt.Errorf("bulk erase flash failed: %w", err)
					}
				case !writeOpts.noErase && size > 0:
					const subsector = 4 << 10
					base := writeOpts.addr &^ (subsector - 1)
					logger.Info("erasing", "addr", base, "size", writeOpts.addr+size-base)
					if err := f.Erase(base, writeOpts.addr+size-base); err != nil {
						return fmt.Errorf("erase flash failed: %w", err)
					}
				}

				if input == nil {
					return nil
				}
				logger.Info("writing", "file", writeOpts.filename, "size", size)
				if err := f.Write(writeOpts.addr, input); err != nil {
					return fmt.Errorf("write flash failed: %w", err)
				}
				return nil
			})
		},
	}
)

func init() {
	writeCmd.Flags().StringVarP(&writeOpts.filename, "file", "f", "", "input file")
	writeCmd.Flags().IntVarP(&writeOpts.addr, "addr-offset", "a", 0, "flash address to start from")
	writeCmd.Flags().BoolVarP(&writeOpts.bulkErase, "bulk-erase", "e", false, "bulk erase entire flash")
	writeCmd.Flags().BoolVar(&writeOpts.noErase, "no-erase", false, "program without erasing first")
	rootCmd.AddCommand(writeCmd)
}
