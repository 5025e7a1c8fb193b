package spibridge

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// RCC is the reset and clock control register bank [RM0091|6.4].
type RCC struct {
	CR       Register
	CFGR     Register
	CIR      Register
	APB1RSTR Register
	AHBENR   Register
	APB2ENR  Register
	APB1ENR  Register
	CFGR2    Register
	CFGR3    Register
}

// [RM0091|6.4.1 Clock control register (RCC_CR)]
const (
	RCC_CR_HSION  = 1 << 0
	RCC_CR_HSIRDY = 1 << 1
	RCC_CR_HSEON  = 1 << 16
	RCC_CR_HSERDY = 1 << 17
	RCC_CR_HSEBYP = 1 << 18
	RCC_CR_CSSON  = 1 << 19
	RCC_CR_PLLON  = 1 << 24
	RCC_CR_PLLRDY = 1 << 25
)

// [RM0091|6.4.2 Clock configuration register (RCC_CFGR)]
const (
	RCC_CFGR_SW_Pos     = 0
	RCC_CFGR_SW_Msk     = 0x3 << RCC_CFGR_SW_Pos
	RCC_CFGR_SWS_Pos    = 2
	RCC_CFGR_SWS_Msk    = 0x3 << RCC_CFGR_SWS_Pos
	RCC_CFGR_HPRE_Pos   = 4
	RCC_CFGR_HPRE_Msk   = 0xF << RCC_CFGR_HPRE_Pos
	RCC_CFGR_PPRE_Pos   = 8
	RCC_CFGR_PPRE_Msk   = 0x7 << RCC_CFGR_PPRE_Pos
	RCC_CFGR_PLLSRC_Pos = 15
	RCC_CFGR_PLLSRC_Msk = 0x3 << RCC_CFGR_PLLSRC_Pos
	RCC_CFGR_PLLMUL_Pos = 18
	RCC_CFGR_PLLMUL_Msk = 0xF << RCC_CFGR_PLLMUL_Pos

	RCC_CFGR_SW_HSI   = 0
	RCC_CFGR_SW_HSE   = 1
	RCC_CFGR_SW_PLL   = 2
	RCC_CFGR_SW_HSI48 = 3

	RCC_CFGR_PLLSRC_HSE_PREDIV = 2

	RCC_CFGR_HPRE_Div1 = 0
	RCC_CFGR_PPRE_Div1 = 0
)

// [RM0091|6.4.3 Clock interrupt register (RCC_CIR)]
const (
	RCC_CIR_LSIRDYIE   = 1 << 8
	RCC_CIR_LSERDYIE   = 1 << 9
	RCC_CIR_HSIRDYIE   = 1 << 10
	RCC_CIR_HSERDYIE   = 1 << 11
	RCC_CIR_PLLRDYIE   = 1 << 12
	RCC_CIR_HSI14RDYIE = 1 << 13
	RCC_CIR_HSI48RDYIE = 1 << 14

	rccCIRReadyIE = RCC_CIR_LSIRDYIE | RCC_CIR_LSERDYIE | RCC_CIR_HSIRDYIE |
		RCC_CIR_HSERDYIE | RCC_CIR_PLLRDYIE | RCC_CIR_HSI14RDYIE | RCC_CIR_HSI48RDYIE
)

// Peripheral clock enable and reset bits [RM0091|6.4.6-6.4.8, 6.4.13].
const (
	RCC_AHBENR_DMAEN    = 1 << 0
	RCC_AHBENR_IOPAEN   = 1 << 17
	RCC_AHBENR_IOPBEN   = 1 << 18
	RCC_APB2ENR_SPI1EN  = 1 << 12
	RCC_APB1ENR_USBEN   = 1 << 23
	RCC_APB1RSTR_USBRST = 1 << 23

	RCC_CFGR2_PREDIV_Pos = 0
	RCC_CFGR2_PREDIV_Msk = 0xF << RCC_CFGR2_PREDIV_Pos

	RCC_CFGR3_USBSW = 1 << 7 // 0: HSI48, 1: PLLCLK
)

// ClockConfig selects the PLL parameters. SYSCLK = HSE / Div * Mul.
//
//	+-------------+--------+
//	| HSE         | 8 MHz  |
//	| SYSCLK      | 48 MHz |
//	| HCLK        | 48 MHz |
//	| PCLK        | 48 MHz |
//	| USBCLK      | 48 MHz |
//	+-------------+--------+
type ClockConfig struct {
	HSE physic.Frequency
	Mul uint32 // PLLMUL, 2..16
	Div uint32 // PREDIV, 1..16
}

// DefaultClockConfig runs the PLL at 48 MHz from the 8 MHz crystal, which is
// the frequency the USB peripheral requires.
var DefaultClockConfig = ClockConfig{
	HSE: 8 * physic.MegaHertz,
	Mul: 6,
	Div: 1,
}

// Validate reports whether the multiplier and divider fit their fields.
func (c ClockConfig) Validate() error {
	if c.Mul < 2 || c.Mul > 16 {
		return fmt.Errorf("pll multiplier %d out of range [2, 16]", c.Mul)
	}
	if c.Div < 1 || c.Div > 16 {
		return fmt.Errorf("pll divider %d out of range [1, 16]", c.Div)
	}
	if c.HSE <= 0 {
		return fmt.Errorf("invalid HSE frequency %s", c.HSE)
	}
	return nil
}

// SysClk returns the system clock frequency once the PLL is selected.
func (c ClockConfig) SysClk() physic.Frequency {
	return c.HSE / physic.Frequency(c.Div) * physic.Frequency(c.Mul)
}

// usbResetHold is the number of microseconds the USB peripheral is held in
// reset after its clock is enabled. The datasheet t_STARTUP is 1µs.
const usbResetHold = 4000

// ClockSequencer brings the clock tree from any state left by a previous run
// or a debugger to SYSCLK = PLL with every peripheral clock the firmware uses
// enabled.
//
// Every ready bit is polled without a timeout. An oscillator or PLL that never
// reports ready stalls the boot forever; there is no safe partial boot.
type ClockSequencer struct {
	RCC    RCC
	CPU    CPU
	Config ClockConfig
}

// Setup runs the sequence. The only error is an invalid Config, detected
// before any register is written.
func (s *ClockSequencer) Setup() error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	r := &s.RCC

	clearBits(r.CR, RCC_CR_HSEBYP)
	clearBits(r.CIR, rccCIRReadyIE)

	setBits(r.CR, RCC_CR_HSEON)
	setBits(r.CR, RCC_CR_HSION)
	setBits(r.CR, RCC_CR_CSSON)
	for !hasBits(r.CR, RCC_CR_HSERDY) {
	}
	for !hasBits(r.CR, RCC_CR_HSIRDY) {
	}

	// The PLL can't be reconfigured while it drives SYSCLK or while it runs.
	if readField(r.CFGR, RCC_CFGR_SWS_Msk, RCC_CFGR_SWS_Pos) == RCC_CFGR_SW_PLL {
		modify(r.CFGR, RCC_CFGR_SW_Msk, RCC_CFGR_SW_Pos, RCC_CFGR_SW_HSI)
		for readField(r.CFGR, RCC_CFGR_SWS_Msk, RCC_CFGR_SWS_Pos) != RCC_CFGR_SW_HSI {
		}
	}
	clearBits(r.CR, RCC_CR_PLLON)
	for hasBits(r.CR, RCC_CR_PLLRDY) {
	}

	modify(r.CFGR, RCC_CFGR_PLLSRC_Msk, RCC_CFGR_PLLSRC_Pos, RCC_CFGR_PLLSRC_HSE_PREDIV)
	modify(r.CFGR, RCC_CFGR_PLLMUL_Msk, RCC_CFGR_PLLMUL_Pos, s.Config.Mul-2)
	modify(r.CFGR2, RCC_CFGR2_PREDIV_Msk, RCC_CFGR2_PREDIV_Pos, s.Config.Div-1)

	setBits(r.CR, RCC_CR_PLLON)
	for !hasBits(r.CR, RCC_CR_PLLRDY) {
	}

	modify(r.CFGR, RCC_CFGR_SW_Msk, RCC_CFGR_SW_Pos, RCC_CFGR_SW_PLL)
	for readField(r.CFGR, RCC_CFGR_SWS_Msk, RCC_CFGR_SWS_Pos) != RCC_CFGR_SW_PLL {
	}

	modify(r.CFGR, RCC_CFGR_PPRE_Msk, RCC_CFGR_PPRE_Pos, RCC_CFGR_PPRE_Div1)
	modify(r.CFGR, RCC_CFGR_HPRE_Msk, RCC_CFGR_HPRE_Pos, RCC_CFGR_HPRE_Div1)

	setBits(r.AHBENR, RCC_AHBENR_IOPAEN|RCC_AHBENR_IOPBEN|RCC_AHBENR_DMAEN)
	setBits(r.APB2ENR, RCC_APB2ENR_SPI1EN)

	setBits(r.CFGR3, RCC_CFGR3_USBSW)
	setBits(r.APB1ENR, RCC_APB1ENR_USBEN)

	// Timers are not running yet, so the reset pulse is timed in core cycles.
	setBits(r.APB1RSTR, RCC_APB1RSTR_USBRST)
	perMicro := uint32(s.Config.SysClk() / physic.MegaHertz)
	for i := 0; i < usbResetHold; i++ {
		s.CPU.Delay(perMicro)
	}
	clearBits(r.APB1RSTR, RCC_APB1RSTR_USBRST)
	return nil
}

// WaitStates configures the flash interface for a 48 MHz SYSCLK: one wait
// state with the prefetch buffer enabled [RM0091|3.5.1].
type WaitStates struct {
	ACR Register
}

const (
	FLASH_ACR_LATENCY_Pos = 0
	FLASH_ACR_LATENCY_Msk = 0x7 << FLASH_ACR_LATENCY_Pos
	FLASH_ACR_PRFTBE      = 1 << 4
	FLASH_ACR_PRFTBS      = 1 << 5
)

func (w *WaitStates) Setup() error {
	modify(w.ACR, FLASH_ACR_LATENCY_Msk, FLASH_ACR_LATENCY_Pos, 1)
	setBits(w.ACR, FLASH_ACR_PRFTBE)
	for !hasBits(w.ACR, FLASH_ACR_PRFTBS) {
	}
	return nil
}
