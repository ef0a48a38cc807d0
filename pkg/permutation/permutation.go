// Package permutation provides invertible pseudo-random permutations over a
// bounded integer domain.
//
// The store permutes user-visible block ids into internal ids before
// distribution so that contiguous user ranges scatter across many placement
// ranges. A RangePreserving wrapper keeps runs of bucketSize consecutive ids
// intact, which preserves bulk-transfer locality while scrambling coarser
// structure.
package permutation

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Permutation is an invertible mapping over [0, maxValue]. For every x in
// the domain, Inverse(Apply(x)) == x.
type Permutation interface {
	Apply(x uint64) uint64
	Inverse(y uint64) uint64
}

// Identity is the trivial permutation.
type Identity struct{}

// Apply returns x unchanged.
func (Identity) Apply(x uint64) uint64 { return x }

// Inverse returns y unchanged.
func (Identity) Inverse(y uint64) uint64 { return y }

// Feistel is a balanced Feistel permutation over [0, maxValue] with a keyed
// xxhash round function. The domain is rounded up to an even number of bits
// and cycle-walking confines outputs to the domain; the inverse applies the
// round keys in reverse order.
type Feistel struct {
	maxValue  uint64
	keys      []uint64
	bitsHalf  uint
	rightMask uint64
}

// NewFeistel creates a Feistel permutation over [0, maxValue] with one round
// per key. Four rounds are sufficient for the scrambling the store needs.
func NewFeistel(maxValue uint64, keys []uint64) (*Feistel, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("permutation: at least one round key is required")
	}

	bits := significantBits(maxValue)
	// A balanced network needs halves of equal width. Rounding up costs an
	// expected factor of two in cycle walks on uneven domains.
	if bits%2 == 1 {
		bits++
	}
	if bits < 2 {
		bits = 2
	}

	half := bits / 2
	return &Feistel{
		maxValue:  maxValue,
		keys:      append([]uint64(nil), keys...),
		bitsHalf:  half,
		rightMask: (uint64(1) << half) - 1,
	}, nil
}

// NewFeistelFromSeed derives four round keys from a single seed using a
// splitmix64 sequence and returns the resulting permutation.
func NewFeistelFromSeed(maxValue uint64, seed uint64) *Feistel {
	keys := make([]uint64, 4)
	state := seed
	for i := range keys {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		keys[i] = z ^ (z >> 31)
	}
	p, err := NewFeistel(maxValue, keys)
	if err != nil {
		// Four keys are always a valid round count.
		panic(err)
	}
	return p
}

func significantBits(v uint64) uint {
	bits := uint(0)
	for v > 0 {
		bits++
		v >>= 1
	}
	return bits
}

// Apply permutes x, which must lie in [0, maxValue].
func (f *Feistel) Apply(x uint64) uint64 {
	return f.cycleWalk(x, false)
}

// Inverse un-permutes y, which must lie in [0, maxValue].
func (f *Feistel) Inverse(y uint64) uint64 {
	return f.cycleWalk(y, true)
}

func (f *Feistel) cycleWalk(n uint64, reverse bool) uint64 {
	if n > f.maxValue {
		panic(fmt.Sprintf("permutation: %d out of domain [0, %d]", n, f.maxValue))
	}
	for {
		n = f.rounds(n, reverse)
		if n <= f.maxValue {
			return n
		}
	}
}

func (f *Feistel) rounds(n uint64, reverse bool) uint64 {
	left := n >> f.bitsHalf
	right := n & f.rightMask

	if !reverse {
		for _, key := range f.keys {
			left, right = right, left^(f.roundHash(right, key)&f.rightMask)
		}
	} else {
		for i := len(f.keys) - 1; i >= 0; i-- {
			left, right = right^(f.roundHash(left, f.keys[i])&f.rightMask), left
		}
	}

	return left<<f.bitsHalf | right
}

func (f *Feistel) roundHash(half uint64, key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], half)
	var d xxhash.Digest
	d.ResetWithSeed(key)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}
