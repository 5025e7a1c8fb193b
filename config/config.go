// Package config loads the emulation board configuration: which FTDI pins
// play which bridge role, the SPI port and speed, the clock tree and where the
// host connects.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/gentam/spibridge"
)

//go:embed default.yaml
var rawDefault []byte

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Listen   Listen `yaml:"listen"`
	Retained string `yaml:"retained"`
	SPI      SPI    `yaml:"spi"`
	Clock    Clock  `yaml:"clock"`
	Pins     Pins   `yaml:"pins"`
}

type Listen struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

type SPI struct {
	Port  string    `yaml:"port"`
	Speed Frequency `yaml:"speed"`
}

type Clock struct {
	HSE Frequency `yaml:"hse"`
	Mul uint32    `yaml:"mul"`
	Div uint32    `yaml:"div"`
}

// Pins maps each bridge role to a gpioreg pin name. An empty name leaves the
// role unwired.
type Pins struct {
	LED       string `yaml:"led"`
	CS        string `yaml:"cs"`
	FPGAReset string `yaml:"fpga_reset"`
	SCK       string `yaml:"sck"`
	FlashSO   string `yaml:"flash_so"`
	FlashSI   string `yaml:"flash_si"`
	FPGASO    string `yaml:"fpga_so"`
	FPGASI    string `yaml:"fpga_si"`
	TPwrDet   string `yaml:"tpwr_det"`
	TPwrEn    string `yaml:"tpwr_en"`
}

// Frequency is a physic.Frequency written the way periph prints it, for
// example "30MHz".
type Frequency struct {
	physic.Frequency
}

func (f *Frequency) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: frequency must be a scalar", n.Line)
	}
	if err := f.Set(n.Value); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	return nil
}

func (f Frequency) MarshalYAML() (any, error) {
	return f.String(), nil
}

// Default returns the embedded configuration.
func Default() Config {
	var c Config
	if err := yaml.Unmarshal(rawDefault, &c); err != nil {
		panic(fmt.Sprintf("config: embedded default: %v", err))
	}
	return c
}

// Parse decodes b over the default configuration, so a file only needs the
// keys it changes.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path, or returns the default when path is empty.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Listen.Network == "" || c.Listen.Address == "" {
		return fmt.Errorf("%w: listen network and address are required", ErrInvalid)
	}
	if c.SPI.Speed.Frequency <= 0 {
		return fmt.Errorf("%w: spi speed must be positive", ErrInvalid)
	}
	if err := c.ClockConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ClockConfig returns the clock tree settings for the sequencer.
func (c Config) ClockConfig() spibridge.ClockConfig {
	return spibridge.ClockConfig{
		HSE: c.Clock.HSE.Frequency,
		Mul: c.Clock.Mul,
		Div: c.Clock.Div,
	}
}
