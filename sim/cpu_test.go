package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/physic"
)

func TestCPUDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cpu := NewCPU(48 * physic.MegaHertz)
	cpu.Clock = clock

	done := make(chan struct{})
	go func() {
		cpu.Delay(48_000) // 1ms
		close(done)
	}()
	clock.BlockUntil(1)
	clock.Advance(999 * time.Microsecond)
	select {
	case <-done:
		t.Fatal("Delay returned early")
	case <-time.After(10 * time.Millisecond):
	}
	clock.Advance(time.Microsecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Delay didn't return")
	}
	if cpu.Cycles() != 48_000 {
		t.Errorf("Cycles() = %d", cpu.Cycles())
	}
}

func TestCPUEvents(t *testing.T) {
	cpu := NewCPU(0)
	cpu.Signal()
	cpu.Signal() // latched once
	cpu.WaitForEvent()

	woke := make(chan struct{})
	go func() {
		cpu.WaitForEvent()
		close(woke)
	}()
	select {
	case <-woke:
		t.Fatal("second event latched")
	case <-time.After(10 * time.Millisecond):
	}
	cpu.Signal()
	<-woke

	done := make(chan struct{})
	close(done)
	cpu.Done = done
	cpu.WaitForEvent()
	cpu.WaitForEvent()
}

func TestMachine(t *testing.T) {
	errBoot := errors.New("boot failed")
	tests := []struct {
		name       string
		boot       func(n int, cpu *CPU, rom *Bootloader) error
		maxResets  int
		wantErr    error
		wantResets int
	}{
		{
			name:    "return",
			boot:    func(int, *CPU, *Bootloader) error { return errBoot },
			wantErr: errBoot,
		},
		{
			name: "reset then return",
			boot: func(n int, cpu *CPU, _ *Bootloader) error {
				if n < 3 {
					cpu.SystemReset()
				}
				return nil
			},
			wantResets: 3,
		},
		{
			name: "bootloader",
			boot: func(n int, cpu *CPU, rom *Bootloader) error {
				if n == 0 {
					cpu.SystemReset()
				}
				rom.Jump()
				return nil
			},
			wantErr:    ErrBootloader,
			wantResets: 1,
		},
		{
			name:       "reset loop",
			boot:       func(_ int, cpu *CPU, _ *Bootloader) error { cpu.SystemReset(); return nil },
			maxResets:  5,
			wantResets: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rom Bootloader
			m := Machine{MaxResets: tt.maxResets}
			cpu := NewCPU(0)
			n := 0
			err := m.Run(func() error {
				defer func() { n++ }()
				return tt.boot(n, cpu, &rom)
			})
			if tt.maxResets > 0 {
				if err == nil {
					t.Error("reset loop not stopped")
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() = %v, want %v", err, tt.wantErr)
			}
			if m.Resets() != tt.wantResets {
				t.Errorf("%d resets, want %d", m.Resets(), tt.wantResets)
			}
		})
	}
}

func TestMachinePropagatesPanics(t *testing.T) {
	defer func() {
		if v := recover(); v != "boom" {
			t.Errorf("recovered %v", v)
		}
	}()
	var m Machine
	m.Run(func() error { panic("boom") })
}
