// Package distribution implements the deterministic mapping from block ids
// to the ordered list of original ranks that store them.
//
// The id space [0, N) is partitioned into numRanges = min(P, N) contiguous
// ranges of near-equal length. Range i is stored on the replication-many
// ranks (i + j*shift) mod P, where shift starts at max(1, P/r) and is
// incremented until it is coprime to P. The coprimality guarantees that the
// r holders of a range are distinct and that nearby ranges do not share
// identical holder sets.
//
// The mapping is a pure function of (numBlocks, numRanks, replication); all
// peers computing it from the same inputs agree on it.
package distribution

import (
	"fmt"

	"github.com/gzeit/ReStore/pkg/comm"
)

// BlockRange is a half-open run [Start, Start+Length) of consecutive block
// ids that the distribution places as one unit.
type BlockRange struct {
	Index  int
	Start  uint64
	Length uint64
}

// Contains reports whether id falls inside the range.
func (r BlockRange) Contains(id uint64) bool {
	return id >= r.Start && id < r.Start+r.Length
}

// End returns the first id past the range.
func (r BlockRange) End() uint64 {
	return r.Start + r.Length
}

// Distribution is the placement function for one submission epoch.
type Distribution struct {
	numBlocks   uint64
	numRanks    int
	replication uint16
	numRanges   int
	baseLength  uint64
	remainder   uint64
	shift       int
}

// New computes the distribution of numBlocks blocks over numRanks original
// ranks at the given replication level.
func New(numBlocks uint64, numRanks int, replication uint16) (*Distribution, error) {
	if numBlocks == 0 {
		return nil, fmt.Errorf("distribution: invalid number of blocks: 0")
	}
	if numRanks <= 0 {
		return nil, fmt.Errorf("distribution: invalid number of ranks: %d", numRanks)
	}
	if replication == 0 {
		return nil, fmt.Errorf("distribution: invalid replication level: 0")
	}
	if int(replication) > numRanks {
		return nil, fmt.Errorf(
			"distribution: replication level %d exceeds number of ranks %d",
			replication, numRanks,
		)
	}

	numRanges := numRanks
	if numBlocks < uint64(numRanks) {
		numRanges = int(numBlocks)
	}

	shift := numRanks / int(replication)
	if shift < 1 {
		shift = 1
	}
	for gcd(shift, numRanks) != 1 {
		shift++
	}

	return &Distribution{
		numBlocks:   numBlocks,
		numRanks:    numRanks,
		replication: replication,
		numRanges:   numRanges,
		baseLength:  numBlocks / uint64(numRanges),
		remainder:   numBlocks % uint64(numRanges),
		shift:       shift,
	}, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// NumBlocks returns the total number of blocks.
func (d *Distribution) NumBlocks() uint64 { return d.numBlocks }

// NumRanks returns the number of original ranks.
func (d *Distribution) NumRanks() int { return d.numRanks }

// ReplicationLevel returns the number of holders per range.
func (d *Distribution) ReplicationLevel() uint16 { return d.replication }

// NumRanges returns the number of placement ranges.
func (d *Distribution) NumRanges() int { return d.numRanges }

// Range returns the index-th placement range. The first remainder ranges
// are one block longer than the rest.
func (d *Distribution) Range(index int) BlockRange {
	if index < 0 || index >= d.numRanges {
		panic(fmt.Sprintf("distribution: range index %d out of [0, %d)", index, d.numRanges))
	}
	i := uint64(index)
	if i < d.remainder {
		return BlockRange{Index: index, Start: i * (d.baseLength + 1), Length: d.baseLength + 1}
	}
	return BlockRange{
		Index:  index,
		Start:  d.remainder*(d.baseLength+1) + (i-d.remainder)*d.baseLength,
		Length: d.baseLength,
	}
}

// RangeOfBlock returns the placement range containing id.
func (d *Distribution) RangeOfBlock(id uint64) BlockRange {
	if id >= d.numBlocks {
		panic(fmt.Sprintf("distribution: block id %d out of [0, %d)", id, d.numBlocks))
	}
	longPart := d.remainder * (d.baseLength + 1)
	if id < longPart {
		return d.Range(int(id / (d.baseLength + 1)))
	}
	return d.Range(int(d.remainder + (id-longPart)/d.baseLength))
}

// RanksStoringRange returns the ordered holder list of a range, in original
// ranks. The list has exactly replication distinct entries.
func (d *Distribution) RanksStoringRange(r BlockRange) []comm.OriginalRank {
	ranks := make([]comm.OriginalRank, d.replication)
	for j := 0; j < int(d.replication); j++ {
		ranks[j] = comm.OriginalRank((r.Index + j*d.shift) % d.numRanks)
	}
	return ranks
}

// RanksStoringBlock returns the ordered holder list of the range containing
// id.
func (d *Distribution) RanksStoringBlock(id uint64) []comm.OriginalRank {
	return d.RanksStoringRange(d.RangeOfBlock(id))
}

// IsStoredOnRank reports whether the range containing id is placed on rank.
func (d *Distribution) IsStoredOnRank(id uint64, rank comm.OriginalRank) bool {
	for _, r := range d.RanksStoringBlock(id) {
		if r == rank {
			return true
		}
	}
	return false
}

// RangesStoredOnRank returns, in ascending order, every placement range the
// given original rank holds.
func (d *Distribution) RangesStoredOnRank(rank comm.OriginalRank) []BlockRange {
	var held []BlockRange
	for i := 0; i < d.numRanges; i++ {
		r := d.Range(i)
		for _, h := range d.RanksStoringRange(r) {
			if h == rank {
				held = append(held, r)
				break
			}
		}
	}
	return held
}
