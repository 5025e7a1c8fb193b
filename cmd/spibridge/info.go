package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/spibridge/board"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the FT2232H and the configured pinout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := board.InitHost(); err != nil {
			return err
		}
		ft, err := board.FindFT2232H()
		if err != nil {
			return err
		}

		// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
		i := ftdi.Info{}
		ft.Info(&i)
		fmt.Printf("Type:            %s\n", i.Type)
		fmt.Printf("Vendor ID:       %#04x\n", i.VenID)
		fmt.Printf("Device ID:       %#04x\n", i.DevID)

		ee := ftdi.EEPROM{}
		if err := ft.EEPROM(&ee); err != nil {
			return fmt.Errorf("failed to read EEPROM: %w", err)
		}

		fmt.Printf("Manufacturer:    %s\n", ee.Manufacturer)
		fmt.Printf("ManufacturerID:  %s\n", ee.ManufacturerID)
		fmt.Printf("Desc:            %s\n", ee.Desc)
		fmt.Printf("Serial:          %s\n", ee.Serial)

		h := ee.AsHeader()
		fmt.Printf("MaxPower:        %dmA\n", h.MaxPower)
		fmt.Printf("SelfPowered:     %x\n", h.SelfPowered)
		fmt.Printf("RemoteWakeup:    %x\n", h.RemoteWakeup)
		fmt.Printf("PullDownEnable:  %x\n", h.PullDownEnable)

		for _, p := range ft.Header() {
			fmt.Printf("%s: %s\n", p, p.Function())
		}

		fmt.Println()
		fmt.Printf("SPI:             %s at %s\n", orDefault(cfg.SPI.Port, ft.String()), cfg.SPI.Speed)
		fmt.Printf("Clock:           %s\n", cfg.ClockConfig().SysClk())
		pins := []struct{ role, name string }{
			{"LED", cfg.Pins.LED},
			{"CS", cfg.Pins.CS},
			{"FPGA reset", cfg.Pins.FPGAReset},
			{"SCK", cfg.Pins.SCK},
			{"Flash SO", cfg.Pins.FlashSO},
			{"Flash SI", cfg.Pins.FlashSI},
			{"FPGA SO", cfg.Pins.FPGASO},
			{"FPGA SI", cfg.Pins.FPGASI},
			{"Target power det", cfg.Pins.TPwrDet},
			{"Target power en", cfg.Pins.TPwrEn},
		}
		for _, p := range pins {
			fmt.Printf("%-17s%s\n", p.role+":", orDefault(p.name, "-"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
