// Package sim provides simulated peripherals for running the bridge core off
// target: an RCC register file that enforces the PLL rules of the real part
// and records every access, a flash interface register, a CPU, retained
// memory and a reset loop.
package sim

import (
	"fmt"
	"sync"

	"github.com/gentam/spibridge"
)

// Reg identifies a register in the simulated RCC.
type Reg int

const (
	CR Reg = iota
	CFGR
	CIR
	APB1RSTR
	AHBENR
	APB2ENR
	APB1ENR
	CFGR2
	CFGR3
	numRegs
)

var regNames = [numRegs]string{"CR", "CFGR", "CIR", "APB1RSTR", "AHBENR", "APB2ENR", "APB1ENR", "CFGR2", "CFGR3"}

func (r Reg) String() string {
	if r < 0 || r >= numRegs {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// Op is a register access kind.
type Op byte

const (
	Read  Op = 'R'
	Write Op = 'W'
)

// Access is one entry of the register trace.
type Access struct {
	Op    Op
	Reg   Reg
	Value uint32
}

func (a Access) String() string {
	return fmt.Sprintf("%c %s %#08x", a.Op, a.Reg, a.Value)
}

const (
	crReady = spibridge.RCC_CR_HSIRDY | spibridge.RCC_CR_HSERDY | spibridge.RCC_CR_PLLRDY

	cfgrPLL = spibridge.RCC_CFGR_PLLSRC_Msk | spibridge.RCC_CFGR_PLLMUL_Msk
)

// RCC simulates the reset and clock control block.
//
// Ready flags and the active clock switch status follow their controls after
// Lag reads of CR or CFGR. Ready bits passed to SetStuck never come up, which
// stalls the sequencer the same way a dead crystal does.
//
// Writes the real part would reject or that break the PLL rules are recorded
// in Violations: changing PLL parameters while the PLL runs or clocks the
// core, selecting the PLL before it is ready, stopping the PLL while it
// clocks the core.
type RCC struct {
	Lag int

	mu         sync.Mutex
	stuck      uint32
	regs       [numRegs]uint32
	settle     int
	trace      []Access
	violations []string
	reads      int
}

// NewRCC returns an RCC in its reset state: HSI on and selected.
func NewRCC() *RCC {
	r := &RCC{}
	r.regs[CR] = spibridge.RCC_CR_HSION | spibridge.RCC_CR_HSIRDY
	return r
}

// Poke sets a register without tracing or rule checks, to build a start
// state such as one left behind by a previous run.
func (r *RCC) Poke(reg Reg, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg] = v
}

// SetStuck holds the given CR ready bits low. Clearing them lets a stalled
// sequence continue.
func (r *RCC) SetStuck(bits uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stuck = bits
}

// Peek returns a register without tracing it.
func (r *RCC) Peek(reg Reg) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[reg]
}

// Trace returns a copy of all accesses so far.
func (r *RCC) Trace() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.trace...)
}

// Violations returns the rule breaks seen so far.
func (r *RCC) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

// Reads returns the number of register reads, which keeps growing while the
// sequencer spins on a ready flag.
func (r *RCC) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

// Registers returns the bank for a ClockSequencer.
func (r *RCC) Registers() spibridge.RCC {
	return spibridge.RCC{
		CR:       &rccReg{r, CR},
		CFGR:     &rccReg{r, CFGR},
		CIR:      &rccReg{r, CIR},
		APB1RSTR: &rccReg{r, APB1RSTR},
		AHBENR:   &rccReg{r, AHBENR},
		APB2ENR:  &rccReg{r, APB2ENR},
		APB1ENR:  &rccReg{r, APB1ENR},
		CFGR2:    &rccReg{r, CFGR2},
		CFGR3:    &rccReg{r, CFGR3},
	}
}

type rccReg struct {
	r   *RCC
	reg Reg
}

func (g *rccReg) Get() uint32 { return g.r.get(g.reg) }

func (g *rccReg) Set(v uint32) { g.r.set(g.reg, v) }

func (r *RCC) get(reg Reg) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg == CR || reg == CFGR {
		if r.settle > 0 {
			r.settle--
		}
		if r.settle == 0 {
			r.update()
		}
	}
	v := r.regs[reg]
	r.reads++
	r.trace = append(r.trace, Access{Read, reg, v})
	return v
}

func (r *RCC) set(reg Reg, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, Access{Write, reg, v})
	old := r.regs[reg]

	switch reg {
	case CR:
		// Ready flags are read only.
		v = v&^crReady | old&crReady
		if old&spibridge.RCC_CR_PLLON != 0 && v&spibridge.RCC_CR_PLLON == 0 && r.sws() == spibridge.RCC_CFGR_SW_PLL {
			r.violate("PLL stopped while it clocks the core")
			v |= spibridge.RCC_CR_PLLON
		}
	case CFGR:
		// SWS is read only.
		v = v&^spibridge.RCC_CFGR_SWS_Msk | old&spibridge.RCC_CFGR_SWS_Msk
		if (old^v)&cfgrPLL != 0 {
			r.checkPLLConfig()
		}
		sw := v & spibridge.RCC_CFGR_SW_Msk >> spibridge.RCC_CFGR_SW_Pos
		if sw != old&spibridge.RCC_CFGR_SW_Msk>>spibridge.RCC_CFGR_SW_Pos && sw == spibridge.RCC_CFGR_SW_PLL &&
			r.regs[CR]&spibridge.RCC_CR_PLLRDY == 0 {
			r.violate("PLL selected before it is ready")
		}
	case CFGR2:
		if (old^v)&spibridge.RCC_CFGR2_PREDIV_Msk != 0 {
			r.checkPLLConfig()
		}
	}
	r.regs[reg] = v
	r.settle = r.Lag
	if r.settle == 0 {
		r.update()
	}
}

func (r *RCC) checkPLLConfig() {
	switch {
	case r.sws() == spibridge.RCC_CFGR_SW_PLL:
		r.violate("PLL reconfigured while it clocks the core")
	case r.regs[CR]&(spibridge.RCC_CR_PLLON|spibridge.RCC_CR_PLLRDY) != 0:
		r.violate("PLL reconfigured while running")
	}
}

func (r *RCC) sws() uint32 {
	return r.regs[CFGR] & spibridge.RCC_CFGR_SWS_Msk >> spibridge.RCC_CFGR_SWS_Pos
}

func (r *RCC) violate(msg string) {
	r.violations = append(r.violations, fmt.Sprintf("%s (access #%d)", msg, len(r.trace)-1))
}

// update lets ready flags and SWS catch up with their controls.
func (r *RCC) update() {
	cr := r.regs[CR]
	ready := uint32(0)
	if cr&spibridge.RCC_CR_HSION != 0 {
		ready |= spibridge.RCC_CR_HSIRDY
	}
	if cr&spibridge.RCC_CR_HSEON != 0 {
		ready |= spibridge.RCC_CR_HSERDY
	}
	if cr&spibridge.RCC_CR_PLLON != 0 {
		ready |= spibridge.RCC_CR_PLLRDY
	}
	ready &^= r.stuck
	r.regs[CR] = cr&^crReady | ready

	cfgr := r.regs[CFGR]
	sw := cfgr & spibridge.RCC_CFGR_SW_Msk >> spibridge.RCC_CFGR_SW_Pos
	if r.sourceReady(sw) {
		r.regs[CFGR] = cfgr&^spibridge.RCC_CFGR_SWS_Msk | sw<<spibridge.RCC_CFGR_SWS_Pos
	}
}

func (r *RCC) sourceReady(sw uint32) bool {
	cr := r.regs[CR]
	switch sw {
	case spibridge.RCC_CFGR_SW_HSI:
		return cr&spibridge.RCC_CR_HSIRDY != 0
	case spibridge.RCC_CFGR_SW_HSE:
		return cr&spibridge.RCC_CR_HSERDY != 0
	case spibridge.RCC_CFGR_SW_PLL:
		return cr&spibridge.RCC_CR_PLLRDY != 0
	default:
		return false
	}
}
