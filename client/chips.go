package client

import "time"

// timing names a datasheet delay.
type timing int

const (
	tRES1 timing = iota // release from deep power-down
	tDP                 // enter deep power-down
	tPP                 // page program
	tSSE                // 4KB subsector erase
	tSE                 // 64KB sector erase
	tBE                 // bulk (chip) erase

	numTimings
)

type chip struct {
	name string
	size int // bytes
	t    [numTimings]time.Duration
}

// chips lists the parts found on supported boards, keyed by JEDEC ID.
var chips = map[[3]byte]chip{
	// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
	// No power-down delays are listed.
	{0x20, 0xBA, 0x16}: {
		name: "Micron N25Q 32Mb",
		size: 4 << 20,
		t: [numTimings]time.Duration{
			tPP:  5 * time.Millisecond,
			tSSE: 800 * time.Millisecond,
			tSE:  3 * time.Second,
			tBE:  60 * time.Second,
		},
	},
	// [W25Q128|9.6 AC Electrical Characteristics]
	{0xEF, 0x70, 0x18}: {
		name: "Winbond W25Q 128Mb",
		size: 16 << 20,
		t: [numTimings]time.Duration{
			tRES1: 3 * time.Microsecond,
			tDP:   3 * time.Microsecond,
			tPP:   3 * time.Millisecond,
			tSSE:  400 * time.Millisecond,
			tSE:   2 * time.Second,
			tBE:   200 * time.Second,
		},
	},
}

// slowest holds, per timing, the longest delay of any known chip. It covers
// an unidentified part.
var slowest = func() (t [numTimings]time.Duration) {
	for _, c := range chips {
		for i, d := range c.t {
			t[i] = max(t[i], d)
		}
	}
	return t
}()

// delay returns the datasheet delay of the identified chip.
func (f *Flash) delay(t timing) time.Duration {
	if f.chip == nil {
		return slowest[t]
	}
	return f.chip.t[t]
}
