package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gentam/spibridge/client"
)

var (
	readOpts = struct {
		n          int
		addr       int
		idOnly     bool
		statusOnly bool
		outFile    string
	}{}

	readCmd = &cobra.Command{
		Use:   "read",
		Short: "Read flash memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlash(func(f *client.Flash) error {
				if readOpts.statusOnly {
					sr, err := f.ReadStatusRegister()
					if err != nil {
						return fmt.Errorf("read flash status register failed: %w", err)
					}
					fmt.Println(sr)
					return nil
				}

				flashID, name, err := f.ReadID()
				if err != nil {
					return fmt.Errorf("read flash ID failed: %w", err)
				}
				if readOpts.idOnly {
					fmt.Printf("%X\t%s\n", flashID, name)
					return nil
				}
				if name == "" {
					fmt.Fprintf(os.Stderr, "unknown flash ID (%X)\n", flashID)
				}

				data, err := f.Read(readOpts.addr, readOpts.n)
				if err != nil {
					return fmt.Errorf("read flash failed: %w", err)
				}
				if readOpts.outFile == "" {
					fmt.Println(hex.Dump(data))
					return nil
				}
				return os.WriteFile(readOpts.outFile, data, 0644)
			})
		},
	}
)

func init() {
	readCmd.Flags().IntVarP(&readOpts.n, "n", "n", 256, "number of bytes to read")
	readCmd.Flags().IntVarP(&readOpts.addr, "addr-offset", "a", 0, "flash address to start from")
	readCmd.Flags().BoolVar(&readOpts.idOnly, "id", false, "just print flash ID")
	readCmd.Flags().BoolVarP(&readOpts.statusOnly, "status", "s", false, "just print flash status register")
	readCmd.Flags().StringVarP(&readOpts.outFile, "output", "o", "", "output file (default: hexdump)")
	rootCmd.AddCommand(readCmd)
}

// withFlash attaches the flash to the bus for fn and releases the FPGA
// afterwards so it can configure from the new image.
func withFlash(fn func(*client.Flash) error) (err error) {
	b, err := dial()
	if err != nil {
		return err
	}
	defer b.Close()

	f := client.NewFlash(b)
	if err := f.Attach(); err != nil {
		return fmt.Errorf("attach flash failed: %w", err)
	}
	defer func() {
		if derr := f.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()

	if err := f.PowerUp(); err != nil {
		return fmt.Errorf("flash power up failed: %w", err)
	}
	defer f.PowerDown()

	return fn(f)
}
