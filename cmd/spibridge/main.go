// Command spibridge runs the emulation board and drives a bridge from the
// host: flash read, write and erase, target power, bus mode and bootloader
// entry.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/client"
	"github.com/gentam/spibridge/config"
)

var (
	rootOpts = struct {
		config   string
		logLevel string
		network  string
		address  string
	}{}

	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "spibridge",
		Short:         "USB to SPI bridge for an SPI flash and an FPGA",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(rootOpts.logLevel)
			if err != nil {
				return err
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.config, "config", "c", "", "board configuration file (default: built-in FT2232H board)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.logLevel, "log-level", "info", "log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&rootOpts.network, "network", "", "bridge socket network (default: from configuration)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.address, "addr", "", "bridge socket address (default: from configuration)")
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatalf("%v", err)
	}
}

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return spibridge.LevelTrace, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rootOpts.config)
	if err != nil {
		return cfg, err
	}
	if rootOpts.network != "" {
		cfg.Listen.Network = rootOpts.network
	}
	if rootOpts.address != "" {
		cfg.Listen.Address = rootOpts.address
	}
	return cfg, nil
}

// dial connects to the bridge named by the configuration.
func dial() (*client.Bridge, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.Dial(cfg.Listen.Network, cfg.Listen.Address)
}

// parseLevelArg reads an on/off style argument.
func parseLevelArg(s string) (spibridge.PinState, error) {
	switch strings.ToLower(s) {
	case "on", "high", "1":
		return spibridge.High, nil
	case "off", "low", "0":
		return spibridge.Low, nil
	}
	return spibridge.Low, fmt.Errorf("invalid level %q: want on or off", s)
}
