package spibridge_test

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/sim"
)

func TestPinsSetup(t *testing.T) {
	led := &gpiotest.Pin{N: "LED", L: gpio.High}
	en := &gpiotest.Pin{N: "TPWR_EN", L: gpio.High}
	det := &gpiotest.Pin{N: "TPWR_DET"}
	cs := &gpiotest.Pin{N: "CS", L: gpio.High}
	p := &spibridge.Pins{LED: led, TPwrEn: en, TPwrDet: det, CS: cs}

	if err := p.Setup(); err != nil {
		t.Fatal(err)
	}
	if led.Read() != gpio.Low || en.Read() != gpio.Low {
		t.Error("LED or target power left on")
	}
	if det.Pull() != gpio.PullDown {
		t.Errorf("detect pull = %s, want PullDown", det.Pull())
	}
	if cs.Pull() != gpio.Float {
		t.Errorf("CS pull = %s, want Float", cs.Pull())
	}
	if p.Mode() != spibridge.HighImpedance {
		t.Errorf("mode = %s", p.Mode())
	}
}

func TestPinsUnwired(t *testing.T) {
	var p spibridge.Pins
	for name, fn := range map[string]func() error{
		"Setup":         p.Setup,
		"FlashMode":     p.FlashMode,
		"FPGAMode":      p.FPGAMode,
		"HighImpedance": p.HighImpedance,
	} {
		if err := fn(); err != nil {
			t.Errorf("%s() = %v", name, err)
		}
	}
}

type failPin struct {
	gpiotest.Pin
}

var errPin = errors.New("pin fault")

func (p *failPin) Out(gpio.Level) error { return errPin }

func TestPinsAttachFailure(t *testing.T) {
	p := &spibridge.Pins{CS: &failPin{}}
	if err := p.FlashMode(); !errors.Is(err, errPin) {
		t.Fatalf("FlashMode() = %v, want %v", err, errPin)
	}
	if p.Mode() != spibridge.HighImpedance {
		t.Errorf("mode = %s after failed attach", p.Mode())
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		m    spibridge.Mode
		want string
	}{
		{spibridge.HighImpedance, "HighImpedance"},
		{spibridge.Flash, "Flash"},
		{spibridge.FPGA, "FPGA"},
		{spibridge.Mode(7), "Mode(7)"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.m, got, tt.want)
		}
	}
}

func TestCheckBootload(t *testing.T) {
	tests := []struct {
		name      string
		word      uint32
		wantJumps int
	}{
		{"cold boot", 0, 0},
		{"garbage", 0xDEADBEEF, 0},
		{"near miss", spibridge.BootloadMagic ^ 1, 0},
		{"requested", spibridge.BootloadMagic, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				w   sim.Word
				rom sim.Bootloader
				m   sim.Machine
			)
			w.Store(tt.word)
			err := m.Run(func() error {
				spibridge.CheckBootload(&w, &rom)
				return nil
			})
			if rom.Jumps() != tt.wantJumps {
				t.Errorf("%d jumps, want %d", rom.Jumps(), tt.wantJumps)
			}
			if tt.wantJumps > 0 {
				if !errors.Is(err, sim.ErrBootloader) {
					t.Errorf("Run() = %v", err)
				}
				if w.Load() != 0 {
					t.Errorf("flag = %#x, want cleared", w.Load())
				}
			} else if w.Load() != tt.word {
				t.Errorf("flag changed to %#x on normal boot", w.Load())
			}
		})
	}
}

func TestConnSPI(t *testing.T) {
	port := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x9F, 0, 0, 0}, R: []byte{0xFF, 0x20, 0xBA, 0x16}},
				{W: bytes.Repeat([]byte{0xA5}, 64), R: bytes.Repeat([]byte{0x5A}, 64)},
			},
			DontPanic: true,
		},
	}
	s := &spibridge.ConnSPI{Port: port, Clock: 30 * physic.MegaHertz}
	if err := s.Setup(); err != nil {
		t.Fatal(err)
	}

	rx, err := s.Exchange(nil, []byte{0x9F, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rx, []byte{0xFF, 0x20, 0xBA, 0x16}) {
		t.Errorf("rx = % x", rx)
	}
	rx, err = s.Exchange(nil, bytes.Repeat([]byte{0xA5}, 64))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rx, bytes.Repeat([]byte{0x5A}, 64)) {
		t.Errorf("rx = % x", rx)
	}

	// Empty transfers don't reach the bus.
	if rx, err := s.Exchange(nil, nil); err != nil || len(rx) != 0 {
		t.Errorf("Exchange(nil) = % x, %v", rx, err)
	}
	if _, err := s.Exchange(nil, make([]byte, 65)); err == nil {
		t.Error("65 byte exchange accepted")
	}
	if err := port.Close(); err != nil {
		t.Error(err)
	}
}

func TestConnSPINoPort(t *testing.T) {
	s := &spibridge.ConnSPI{}
	if err := s.Setup(); err == nil {
		t.Error("Setup() without port succeeded")
	}
}
