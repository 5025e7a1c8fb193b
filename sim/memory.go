package sim

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/gentam/spibridge"
)

// Word is retained memory that lives as long as the process.
type Word struct {
	mu sync.Mutex
	v  uint32
}

func (w *Word) Load() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.v
}

func (w *Word) Store(v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.v = v
}

// FileWord is retained memory backed by a 4 byte file, so it also survives
// a restart of the emulator process. A missing or short file reads as zero,
// which is what a cold boot sees.
type FileWord struct {
	Path string

	// Err holds the last I/O error; Load and Store can't report one.
	Err error
}

func (w *FileWord) Load() uint32 {
	b, err := os.ReadFile(w.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.Err = err
		}
		return 0
	}
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (w *FileWord) Store(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := os.WriteFile(w.Path, b[:], 0o644); err != nil {
		w.Err = err
	}
}

// Register is a plain 32-bit register with no side effects.
type Register struct {
	mu sync.Mutex
	v  uint32
}

func (r *Register) Get() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.v
}

func (r *Register) Set(v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.v = v
}

// FlashACR is the flash access control register. The prefetch status bit
// follows the prefetch enable bit.
type FlashACR struct {
	Register
}

func (r *FlashACR) Set(v uint32) {
	v &^= spibridge.FLASH_ACR_PRFTBS
	if v&spibridge.FLASH_ACR_PRFTBE != 0 {
		v |= spibridge.FLASH_ACR_PRFTBS
	}
	r.Register.Set(v)
}

var (
	_ spibridge.RetainedWord = (*Word)(nil)
	_ spibridge.RetainedWord = (*FileWord)(nil)
	_ spibridge.Register     = (*FlashACR)(nil)
	_ spibridge.CPU          = (*CPU)(nil)
)
