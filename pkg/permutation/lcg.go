package permutation

// LCG is a linear-congruential permutation over [0, maxValue]. The modulus
// is maxValue rounded up to a power of two, so the step reduces to a
// bitwise and; cycle walking confines outputs to the domain. The multiplier
// satisfies the Hull-Dobell conditions, which makes the map a bijection on
// the power-of-two domain.
//
// Cheaper than Feistel but with weaker scrambling; useful when the caller
// only needs to break up coarse contiguity.
type LCG struct {
	maxValue uint64
	modMask  uint64
	a        uint64
	aInv     uint64
	c        uint64
}

// NewLCG creates an LCG permutation over [0, maxValue].
func NewLCG(maxValue uint64) *LCG {
	if maxValue == 0 {
		return &LCG{maxValue: 0, modMask: 0, a: 5, aInv: 1, c: 1}
	}
	if maxValue >= 1<<62 {
		panic("permutation: LCG domain too large")
	}

	// Round maxValue+1 up to the next power of two; the and-mask then
	// implements the modulo reduction.
	mask := maxValue
	mask |= mask >> 1
	mask |= mask >> 2
	mask |= mask >> 4
	mask |= mask >> 8
	mask |= mask >> 16
	mask |= mask >> 32

	modulo := mask + 1
	// For a power-of-two modulus Hull-Dobell needs a = 1 mod 4 and c odd.
	const a = 5
	return &LCG{
		maxValue: maxValue,
		modMask:  modulo - 1,
		a:        a,
		aInv:     modularInverse(a, modulo),
		c:        1,
	}
}

// Apply permutes x, which must lie in [0, maxValue].
func (p *LCG) Apply(x uint64) uint64 {
	for {
		x = (x*p.a + p.c) & p.modMask
		if x <= p.maxValue {
			return x
		}
	}
}

// Inverse un-permutes y, which must lie in [0, maxValue].
func (p *LCG) Inverse(y uint64) uint64 {
	for {
		y = ((y - p.c) * p.aInv) & p.modMask
		if y <= p.maxValue {
			return y
		}
	}
}

func modularInverse(a, m uint64) uint64 {
	if m == 1 {
		return 1
	}
	m0 := int64(m)
	ai, mi := int64(a), int64(m)
	var x0, x1 int64 = 0, 1
	for ai > 1 {
		q := ai / mi
		mi, ai = ai%mi, mi
		x0, x1 = x1-q*x0, x0
	}
	if x1 < 0 {
		x1 += m0
	}
	return uint64(x1)
}
