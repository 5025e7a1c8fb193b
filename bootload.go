package spibridge

// BootloadMagic marks the retained word when the host asked for the system
// bootloader. Any other value, including whatever RAM holds after power up,
// means a normal boot.
const BootloadMagic uint32 = 0xB00710AD

// SystemMemoryBase is where the STM32F0 factory bootloader lives [AN2606].
const SystemMemoryBase uint32 = 0x1FFF_C800

// CheckBootload diverts into the system bootloader if the previous run asked
// for it. It must run before anything else in main: App construction and
// peripheral setup must not happen on the path to the bootloader.
//
// The flag is cleared before jumping, so the reset that leaves the bootloader
// boots the application again.
func CheckBootload(word RetainedWord, sys SystemBootloader) {
	if word.Load() != BootloadMagic {
		return
	}
	word.Store(0)
	sys.Jump()
}

// requestBootload sets the flag and resets the device. It does not return on
// real hardware.
func requestBootload(word RetainedWord, cpu CPU) {
	word.Store(BootloadMagic)
	cpu.SystemReset()
}
