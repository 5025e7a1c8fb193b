package spibridge_test

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/gentam/spibridge"
	"github.com/gentam/spibridge/sim"
)

func newSequencer(rcc *sim.RCC) (*spibridge.ClockSequencer, *sim.CPU) {
	cpu := sim.NewCPU(48 * physic.MegaHertz)
	return &spibridge.ClockSequencer{
		RCC:    rcc.Registers(),
		CPU:    cpu,
		Config: spibridge.DefaultClockConfig,
	}, cpu
}

func TestClockSequencerColdBoot(t *testing.T) {
	rcc := sim.NewRCC()
	rcc.Lag = 3
	seq, cpu := newSequencer(rcc)

	if err := seq.Setup(); err != nil {
		t.Fatal(err)
	}
	if v := rcc.Violations(); len(v) != 0 {
		t.Errorf("violations: %q", v)
	}
	checkFinalClocks(t, rcc)

	// 4000 × 1µs at 48 MHz
	if got, want := cpu.Cycles(), uint64(4000*48); got != want {
		t.Errorf("USB reset delay = %d cycles, want %d", got, want)
	}
}

func checkFinalClocks(t *testing.T, rcc *sim.RCC) {
	t.Helper()
	cfgr := rcc.Peek(sim.CFGR)
	fields := []struct {
		name      string
		got, want uint32
	}{
		{"SW", cfgr & spibridge.RCC_CFGR_SW_Msk >> spibridge.RCC_CFGR_SW_Pos, spibridge.RCC_CFGR_SW_PLL},
		{"SWS", cfgr & spibridge.RCC_CFGR_SWS_Msk >> spibridge.RCC_CFGR_SWS_Pos, spibridge.RCC_CFGR_SW_PLL},
		{"PLLSRC", cfgr & spibridge.RCC_CFGR_PLLSRC_Msk >> spibridge.RCC_CFGR_PLLSRC_Pos, spibridge.RCC_CFGR_PLLSRC_HSE_PREDIV},
		{"PLLMUL", cfgr & spibridge.RCC_CFGR_PLLMUL_Msk >> spibridge.RCC_CFGR_PLLMUL_Pos, 6 - 2},
		{"HPRE", cfgr & spibridge.RCC_CFGR_HPRE_Msk >> spibridge.RCC_CFGR_HPRE_Pos, spibridge.RCC_CFGR_HPRE_Div1},
		{"PPRE", cfgr & spibridge.RCC_CFGR_PPRE_Msk >> spibridge.RCC_CFGR_PPRE_Pos, spibridge.RCC_CFGR_PPRE_Div1},
		{"PREDIV", rcc.Peek(sim.CFGR2) & spibridge.RCC_CFGR2_PREDIV_Msk, 0},
	}
	for _, f := range fields {
		if f.got != f.want {
			t.Errorf("CFGR %s = %d, want %d", f.name, f.got, f.want)
		}
	}

	bits := []struct {
		reg  sim.Reg
		mask uint32
		set  bool
	}{
		{sim.CR, spibridge.RCC_CR_HSEON | spibridge.RCC_CR_HSION | spibridge.RCC_CR_CSSON | spibridge.RCC_CR_PLLON, true},
		{sim.CR, spibridge.RCC_CR_HSEBYP, false},
		{sim.AHBENR, spibridge.RCC_AHBENR_IOPAEN | spibridge.RCC_AHBENR_IOPBEN | spibridge.RCC_AHBENR_DMAEN, true},
		{sim.APB2ENR, spibridge.RCC_APB2ENR_SPI1EN, true},
		{sim.APB1ENR, spibridge.RCC_APB1ENR_USBEN, true},
		{sim.CFGR3, spibridge.RCC_CFGR3_USBSW, true},
		{sim.APB1RSTR, spibridge.RCC_APB1RSTR_USBRST, false},
		{sim.CIR, 0x7F << 8, false},
	}
	for _, b := range bits {
		v := rcc.Peek(b.reg)
		if b.set && v&b.mask != b.mask {
			t.Errorf("%s = %#08x, want %#08x set", b.reg, v, b.mask)
		}
		if !b.set && v&b.mask != 0 {
			t.Errorf("%s = %#08x, want %#08x clear", b.reg, v, b.mask)
		}
	}
}

// A warm start finds the PLL running and selected with other parameters, and
// interrupt enables left on.
func TestClockSequencerStalePLL(t *testing.T) {
	rcc := sim.NewRCC()
	rcc.Lag = 2
	rcc.Poke(sim.CR, spibridge.RCC_CR_HSION|spibridge.RCC_CR_HSIRDY|spibridge.RCC_CR_HSEON|spibridge.RCC_CR_HSERDY|
		spibridge.RCC_CR_HSEBYP|spibridge.RCC_CR_PLLON|spibridge.RCC_CR_PLLRDY)
	rcc.Poke(sim.CFGR, spibridge.RCC_CFGR_SW_PLL<<spibridge.RCC_CFGR_SW_Pos|
		spibridge.RCC_CFGR_SW_PLL<<spibridge.RCC_CFGR_SWS_Pos|
		10<<spibridge.RCC_CFGR_PLLMUL_Pos)
	rcc.Poke(sim.CFGR2, 1)
	rcc.Poke(sim.CIR, spibridge.RCC_CIR_PLLRDYIE|spibridge.RCC_CIR_HSERDYIE)
	seq, _ := newSequencer(rcc)

	if err := seq.Setup(); err != nil {
		t.Fatal(err)
	}
	if v := rcc.Violations(); len(v) != 0 {
		t.Errorf("violations: %q", v)
	}
	checkFinalClocks(t, rcc)

	// Index of the first write matching each step, in the required order.
	steps := []struct {
		name  string
		match func(sim.Access) bool
	}{
		{"switch to HSI", func(a sim.Access) bool {
			return a.Reg == sim.CFGR && a.Value&spibridge.RCC_CFGR_SW_Msk == spibridge.RCC_CFGR_SW_HSI
		}},
		{"PLL off", func(a sim.Access) bool {
			return a.Reg == sim.CR && a.Value&spibridge.RCC_CR_PLLON == 0
		}},
		{"PLLMUL", func(a sim.Access) bool {
			return a.Reg == sim.CFGR && a.Value&spibridge.RCC_CFGR_PLLMUL_Msk == 4<<spibridge.RCC_CFGR_PLLMUL_Pos
		}},
		{"PLL on", func(a sim.Access) bool {
			return a.Reg == sim.CR && a.Value&spibridge.RCC_CR_PLLON != 0
		}},
		{"switch to PLL", func(a sim.Access) bool {
			return a.Reg == sim.CFGR && a.Value&spibridge.RCC_CFGR_SW_Msk == spibridge.RCC_CFGR_SW_PLL
		}},
	}
	trace := rcc.Trace()
	last := -1
	for _, s := range steps {
		idx := -1
		for i := last + 1; i < len(trace); i++ {
			if trace[i].Op == sim.Write && s.match(trace[i]) {
				idx = i
				break
			}
		}
		if idx < 0 {
			t.Fatalf("no %q write after access #%d", s.name, last)
		}
		last = idx
	}
}

func TestClockSequencerStallsWithoutHSE(t *testing.T) {
	rcc := sim.NewRCC()
	rcc.SetStuck(spibridge.RCC_CR_HSERDY)
	seq, _ := newSequencer(rcc)

	done := make(chan error, 1)
	go func() { done <- seq.Setup() }()

	deadline := time.Now().Add(5 * time.Second)
	for rcc.Reads() < 1000 {
		if time.Now().After(deadline) {
			t.Fatal("sequencer isn't polling")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("Setup returned %v while HSE never became ready", err)
	default:
	}
	for _, a := range rcc.Trace() {
		if a.Op == sim.Write && a.Reg != sim.CR && a.Reg != sim.CIR {
			t.Fatalf("%v written before HSE was ready", a)
		}
	}

	rcc.SetStuck(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer didn't continue once HSE was ready")
	}
	checkFinalClocks(t, rcc)
}

func TestClockConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     spibridge.ClockConfig
		wantErr bool
	}{
		{"default", spibridge.DefaultClockConfig, false},
		{"max multiplier", spibridge.ClockConfig{HSE: 4 * physic.MegaHertz, Mul: 16, Div: 2}, false},
		{"multiplier too low", spibridge.ClockConfig{HSE: 8 * physic.MegaHertz, Mul: 1, Div: 1}, true},
		{"multiplier too high", spibridge.ClockConfig{HSE: 8 * physic.MegaHertz, Mul: 17, Div: 1}, true},
		{"zero divider", spibridge.ClockConfig{HSE: 8 * physic.MegaHertz, Mul: 6, Div: 0}, true},
		{"divider too high", spibridge.ClockConfig{HSE: 8 * physic.MegaHertz, Mul: 6, Div: 17}, true},
		{"no crystal", spibridge.ClockConfig{Mul: 6, Div: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if got := spibridge.DefaultClockConfig.SysClk(); got != 48*physic.MegaHertz {
		t.Errorf("SysClk() = %s, want 48MHz", got)
	}
}

func TestClockSequencerRejectsConfigBeforeWriting(t *testing.T) {
	rcc := sim.NewRCC()
	seq, _ := newSequencer(rcc)
	seq.Config.Mul = 20
	if err := seq.Setup(); err == nil {
		t.Fatal("expected error")
	}
	if tr := rcc.Trace(); len(tr) != 0 {
		t.Errorf("registers accessed: %v", tr)
	}
}

func TestWaitStates(t *testing.T) {
	var acr sim.FlashACR
	ws := spibridge.WaitStates{ACR: &acr}
	if err := ws.Setup(); err != nil {
		t.Fatal(err)
	}
	v := acr.Get()
	if v&spibridge.FLASH_ACR_LATENCY_Msk != 1 {
		t.Errorf("LATENCY = %d, want 1", v&spibridge.FLASH_ACR_LATENCY_Msk)
	}
	if v&spibridge.FLASH_ACR_PRFTBE == 0 {
		t.Error("prefetch buffer not enabled")
	}
}
