package aggregation

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/bits"
)

// Partition computes the binomial (hypercube) peer partition used by the
// aggregator's levels.
//
// Validator indices are padded to the next power of two P = 2^L. At level k
// (1-based), the local validator's peer set is the sibling block of size
// 2^(k-1): every index that shares its bits above bit k-1 and differs in bit
// k-1. The blocks are disjoint across levels and their union is every other
// validator exactly once, which is the only property the protocol's
// guarantees rely on. Indices >= the real registry size are simply absent.
//
// After folding levels 1..k the local aggregate spans the aligned 2^k block
// containing the local index, which is exactly what level k+1 peers expect
// to receive.
type Partition struct {
	size   int
	self   int
	levels int
}

// NewPartition builds the partition for a registry of `size` validators as
// seen from validator `self`.
func NewPartition(size int, self int32) *Partition {
	if size <= 0 {
		panic(fmt.Sprintf("partition over empty registry: size=%d", size))
	}
	if self < 0 || int(self) >= size {
		panic(fmt.Sprintf("partition self index %d out of range [0,%d)", self, size))
	}

	levels := 0
	for 1<<uint(levels) < size {
		levels++
	}
	return &Partition{size: size, self: int(self), levels: levels}
}

// Levels returns ceil(log2(size)), the number of aggregation levels.
func (p *Partition) Levels() int {
	return p.levels
}

// Size returns the registry size the partition was built for.
func (p *Partition) Size() int {
	return p.size
}

// PeerBits returns the bitset of peers at the given level (1..Levels):
// the sibling block of the local index at that level, clipped to the
// registry size.
func (p *Partition) PeerBits(level int) *bits.BitArray {
	p.mustLevel(level)

	blockSize := 1 << uint(level-1)
	// flip bit level-1 of self, zero the bits below: start of sibling block
	start := (p.self ^ blockSize) &^ (blockSize - 1)

	peers := bits.NewBitArray(p.size)
	for i := start; i < start+blockSize && i < p.size; i++ {
		peers.SetIndex(i, true)
	}
	return peers
}

// RangeBits returns the aligned 2^level block containing the local index:
// the signers a fully folded aggregate of levels 1..level spans (own index
// included), clipped to the registry size.
func (p *Partition) RangeBits(level int) *bits.BitArray {
	if level < 0 || level > p.levels {
		panic(fmt.Sprintf("level %d out of range [0,%d]", level, p.levels))
	}

	blockSize := 1 << uint(level)
	start := p.self &^ (blockSize - 1)

	rng := bits.NewBitArray(p.size)
	for i := start; i < start+blockSize && i < p.size; i++ {
		rng.SetIndex(i, true)
	}
	return rng
}

// LevelOf returns the level whose peer block contains the given index, or 0
// for the local index itself.
func (p *Partition) LevelOf(index int32) int {
	if int(index) == p.self {
		return 0
	}
	diff := p.self ^ int(index)
	level := 0
	for diff > 0 {
		diff >>= 1
		level++
	}
	return level
}

// FitLevel returns the smallest level whose sibling block covers every
// signer in the bitset, or Levels() when the signers span several blocks
// (e.g. a near-complete aggregate gossiped at the top).
func (p *Partition) FitLevel(signers *bits.BitArray) int {
	for level := 1; level <= p.levels; level++ {
		if signers.Sub(p.PeerBits(level)).IsEmpty() {
			return level
		}
	}
	return p.levels
}

func (p *Partition) mustLevel(level int) {
	if level < 1 || level > p.levels {
		panic(fmt.Sprintf("level %d out of range [1,%d]", level, p.levels))
	}
}
