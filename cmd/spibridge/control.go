package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/client"
)

var (
	powerCmd = &cobra.Command{
		Use:   "power [on|off]",
		Short: "Switch target power, or print the power detect input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(func(b *client.Bridge) error {
				if len(args) == 1 {
					l, err := parseLevelArg(args[0])
					if err != nil {
						return err
					}
					return b.SetTPwr(l)
				}
				l, err := b.GetTPwr()
				if err != nil {
					return err
				}
				fmt.Println(onOff(l))
				return nil
			})
		},
	}

	modeCmd = &cobra.Command{
		Use:   "mode hiz|flash|fpga",
		Short: "Attach the SPI bus to a target, or tri-state it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return withBridge(func(b *client.Bridge) error {
				return b.SetMode(m)
			})
		},
	}

	ledCmd = &cobra.Command{
		Use:   "led on|off",
		Short: "Drive the status LED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLevelArg(args[0])
			if err != nil {
				return err
			}
			return withBridge(func(b *client.Bridge) error {
				return b.SetLED(l)
			})
		},
	}

	fpgaCmd = &cobra.Command{
		Use:   "fpga run|reset",
		Short: "Release the FPGA from reset, or hold it there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var l spibridge.PinState
			switch args[0] {
			case "run":
				l = spibridge.High
			case "reset":
				l = spibridge.Low
			default:
				return fmt.Errorf("invalid argument %q: want run or reset", args[0])
			}
			return withBridge(func(b *client.Bridge) error {
				return b.SetFPGA(l)
			})
		},
	}

	suspendCmd = &cobra.Command{
		Use:   "suspend",
		Short: "Tri-state the bus and switch off the LED and target power",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(func(b *client.Bridge) error {
				return b.Suspend()
			})
		},
	}

	bootloadCmd = &cobra.Command{
		Use:   "bootload",
		Short: "Reboot the bridge into its system bootloader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(func(b *client.Bridge) error {
				return b.Bootload()
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(powerCmd, modeCmd, ledCmd, fpgaCmd, suspendCmd, bootloadCmd)
}

func withBridge(fn func(*client.Bridge) error) error {
	b, err := dial()
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

func parseMode(s string) (spibridge.Mode, error) {
	switch strings.ToLower(s) {
	case "hiz", "off", "highimpedance":
		return spibridge.HighImpedance, nil
	case "flash":
		return spibridge.Flash, nil
	case "fpga":
		return spibridge.FPGA, nil
	}
	return 0, fmt.Errorf("invalid mode %q: want hiz, flash or fpga", s)
}

func onOff(l spibridge.PinState) string {
	if l {
		return "on"
	}
	return "off"
}
