package spibridge

import "golang.org/x/exp/constraints"

func setBits(r Register, mask uint32) {
	r.Set(r.Get() | mask)
}

func clearBits(r Register, mask uint32) {
	r.Set(r.Get() &^ mask)
}

func hasBits(r Register, mask uint32) bool {
	return r.Get()&mask == mask
}

// modify replaces the field selected by mask (already shifted) with val.
func modify(r Register, mask, shift, val uint32) {
	r.Set(withField(r.Get(), mask, shift, val))
}

func readField(r Register, mask, shift uint32) uint32 {
	return field(r.Get(), mask, shift)
}

func field[T constraints.Unsigned](v, mask, shift T) T {
	return (v & mask) >> shift
}

func withField[T constraints.Unsigned](v, mask, shift, val T) T {
	return v&^mask | (val<<shift)&mask
}
