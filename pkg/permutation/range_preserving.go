package permutation

import "fmt"

// RangePreserving permutes bucket indices with an inner permutation while
// keeping the offset within a bucket fixed: runs of up to bucketSize
// consecutive ids stay consecutive.
//
// When bucketSize does not divide the domain size, the trailing partial
// bucket is pinned in place and only the full buckets permute among each
// other. This keeps the permutation a bijection on [0, domainSize) without
// mapping any id outside the domain.
type RangePreserving struct {
	inner          Permutation
	bucketSize     uint64
	numFullBuckets uint64
}

// NewRangePreserving builds a range-preserving permutation over
// [0, domainSize) with the given bucket size. The inner permutation is
// constructed by newInner over the full-bucket index domain [0, maxBucket];
// NewRangePreserving passes maxBucket so callers can size a Feistel or LCG
// permutation to it. With fewer than two full buckets newInner is not
// called and the bucket order stays unchanged.
func NewRangePreserving(
	domainSize uint64,
	bucketSize uint64,
	newInner func(maxBucket uint64) Permutation,
) (*RangePreserving, error) {
	if domainSize == 0 {
		return nil, fmt.Errorf("permutation: empty domain")
	}
	if bucketSize == 0 {
		return nil, fmt.Errorf("permutation: invalid bucket size: 0")
	}

	numFull := domainSize / bucketSize
	var inner Permutation = Identity{}
	if numFull > 1 {
		inner = newInner(numFull - 1)
	}

	return &RangePreserving{
		inner:          inner,
		bucketSize:     bucketSize,
		numFullBuckets: numFull,
	}, nil
}

// BucketSize returns the length of the runs the permutation preserves.
func (p *RangePreserving) BucketSize() uint64 { return p.bucketSize }

// Apply permutes x. Ids in the trailing partial bucket map to themselves.
func (p *RangePreserving) Apply(x uint64) uint64 {
	bucket := x / p.bucketSize
	if bucket >= p.numFullBuckets {
		return x
	}
	return p.inner.Apply(bucket)*p.bucketSize + x%p.bucketSize
}

// Inverse un-permutes y.
func (p *RangePreserving) Inverse(y uint64) uint64 {
	bucket := y / p.bucketSize
	if bucket >= p.numFullBuckets {
		return y
	}
	return p.inner.Inverse(bucket)*p.bucketSize + y%p.bucketSize
}
