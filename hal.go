package spibridge

// Peripheral drivers consumed by App. Each Setup is called exactly once, in
// the order listed in App.Setup.

// FlashInterface configures the internal flash interface (wait states,
// prefetch) for the target system clock.
type FlashInterface interface {
	Setup() error
}

// Clocks brings the clock tree to its final configuration.
type Clocks interface {
	Setup() error
}

// NVIC reports and clears the USB interrupt. The core polls it instead of
// registering a handler, so request processing never runs in interrupt
// context.
type NVIC interface {
	Setup() error
	USBPending() bool
	UnpendUSB()
}

// DMA is the channel pair used by SPI exchanges.
type DMA interface {
	Setup() error
}

// SPI performs blocking full duplex exchanges.
type SPI interface {
	Setup() error
	// Exchange clocks out tx and returns the bytes received at the same
	// positions. The returned slice is only valid until the next call.
	Exchange(dma DMA, tx []byte) ([]byte, error)
}

// USB is the host transport. Interrupt decodes at most one Request from
// pending bus activity; ok is false for spurious or partial activity.
type USB interface {
	Setup() error
	Interrupt() (req Request, ok bool)
	ReplyData(p []byte) error
	ReplyTPwr(s PinState) error
	EnableDataRx()
	DisableDataRx()
}

// CPU exposes the core instructions the firmware needs.
type CPU interface {
	// WaitForEvent sleeps until the next event or interrupt.
	WaitForEvent()
	// Delay busy-waits for at least the given number of core cycles.
	Delay(cycles uint32)
	// SystemReset requests a full device reset. It does not return.
	SystemReset()
}

// RetainedWord is a single word of memory that survives a device reset and
// that is never touched by normal state initialisation. Platforms back it
// with a no-init RAM section or a backup register.
type RetainedWord interface {
	Load() uint32
	Store(v uint32)
}

// SystemBootloader jumps to the factory bootloader in system memory. Jump
// does not return.
type SystemBootloader interface {
	Jump()
}

// Register is a 32-bit memory mapped peripheral register.
type Register interface {
	Get() uint32
	Set(v uint32)
}
