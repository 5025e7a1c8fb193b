// Package spibridge is the firmware core of a USB attached SPI bridge that
// shares one SPI bus between an SPI flash chip and an FPGA configuration port.
//
// The host sends discrete requests (pin writes, mode changes, SPI exchanges
// of up to 64 bytes, bootloader entry). An [App] owns every peripheral, runs a
// single cooperative event loop driven by the USB interrupt, and applies each
// request to the pins or the SPI bus before taking the next one.
//
// # References:
//
// STM32F0
//   - [RM0091]: STM32F0x1/STM32F0x2/STM32F0x8 reference manual (https://www.st.com/resource/en/reference_manual/rm0091-stm32f0x1stm32f0x2stm32f0x8-advanced-armbased-32bit-mcus-stmicroelectronics.pdf)
//   - [AN2606]: STM32 microcontroller system memory boot mode (https://www.st.com/resource/en/application_note/an2606-stm32-microcontroller-system-memory-boot-mode-stmicroelectronics.pdf)
//
// FPGA
//   - [iCE40-TN1248]: iCE40 Programming and Configuration (https://www.latticesemi.com/view_document?document_id=46502)
//
// SPI Flash
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
package spibridge
