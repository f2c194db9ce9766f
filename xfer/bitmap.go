package xfer

import "github.com/bits-and-blooms/bitset"

// PresenceBitmap tracks, for a fixed number of blocks, which indices are
// present (PRB's presence bitmap) or present-but-unsent (the transmitter's
// notSentButPresent). It is a thin, synchronization-free wrapper: callers
// hold whatever lock protects the bitmap's owner.
type PresenceBitmap struct {
	bits  *bitset.BitSet
	total uint32
}

func NewPresenceBitmap(total uint32) *PresenceBitmap {
	return &PresenceBitmap{bits: bitset.New(uint(total)), total: total}
}

func (p *PresenceBitmap) Set(i uint32, v bool) {
	if v {
		p.bits.Set(uint(i))
	} else {
		p.bits.Clear(uint(i))
	}
}

func (p *PresenceBitmap) Test(i uint32) bool {
	return p.bits.Test(uint(i))
}

// FirstSet returns the lowest-index set bit, or -1 if none are set.
func (p *PresenceBitmap) FirstSet() int {
	i, ok := p.bits.NextSet(0)
	if !ok {
		return -1
	}
	return int(i)
}

func (p *PresenceBitmap) Count() uint32 {
	return uint32(p.bits.Count())
}

func (p *PresenceBitmap) All() bool {
	return p.Count() == p.total
}

func (p *PresenceBitmap) Clone() *PresenceBitmap {
	return &PresenceBitmap{bits: p.bits.Clone(), total: p.total}
}

func (p *PresenceBitmap) Total() uint32 {
	return p.total
}
