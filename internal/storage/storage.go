// Package storage holds the serialized bytes of the blocks the local peer
// stores, addressed by internal block id.
//
// One flat byte buffer is allocated per placement range the local original
// rank holds; in constant offset mode the i-th block of a range sits at
// offset i*constOffset. Buffer addresses are stable for the lifetime of the
// store, so retrieval can hand out sub-slices without copying.
package storage

import (
	"fmt"

	"github.com/gzeit/ReStore/pkg/comm"
	"github.com/gzeit/ReStore/pkg/distribution"
)

// Storage is the per-peer container for received block bytes.
type Storage struct {
	dist        *distribution.Distribution
	localRank   comm.OriginalRank
	constOffset uint64
	buffers     map[int][]byte
}

// New allocates storage for every range the given original rank holds under
// the distribution. Only constant offset mode is supported; constOffset is
// the serialized size of every block.
func New(
	dist *distribution.Distribution,
	localRank comm.OriginalRank,
	constOffset uint64,
) (*Storage, error) {
	if constOffset == 0 {
		return nil, fmt.Errorf("storage: constant offset must be greater than zero")
	}

	s := &Storage{
		dist:        dist,
		localRank:   localRank,
		constOffset: constOffset,
		buffers:     make(map[int][]byte),
	}
	for _, r := range dist.RangesStoredOnRank(localRank) {
		s.buffers[r.Index] = make([]byte, r.Length*constOffset)
	}
	return s, nil
}

// ConstOffset returns the serialized size of one block.
func (s *Storage) ConstOffset() uint64 { return s.constOffset }

// NumLocalRanges returns the number of ranges the local peer holds.
func (s *Storage) NumLocalRanges() int { return len(s.buffers) }

func (s *Storage) bufferFor(id uint64) (distribution.BlockRange, []byte, error) {
	r := s.dist.RangeOfBlock(id)
	buf, ok := s.buffers[r.Index]
	if !ok {
		return r, nil, fmt.Errorf(
			"storage: block %d belongs to range %d which rank %d does not hold",
			id, r.Index, s.localRank,
		)
	}
	return r, buf, nil
}

// WriteBlock copies one block's serialized bytes into its slot.
func (s *Storage) WriteBlock(id uint64, data []byte) error {
	r, buf, err := s.bufferFor(id)
	if err != nil {
		return err
	}
	if uint64(len(data)) < s.constOffset {
		return fmt.Errorf(
			"storage: short write for block %d: %d of %d bytes",
			id, len(data), s.constOffset,
		)
	}
	offset := (id - r.Start) * s.constOffset
	copy(buf[offset:offset+s.constOffset], data)
	return nil
}

// WriteConsecutiveBlocks bulk-copies the blocks [first, last] (inclusive)
// in one copy. All ids must lie in the same placement range.
func (s *Storage) WriteConsecutiveBlocks(first, last uint64, data []byte) error {
	if last < first {
		return fmt.Errorf("storage: inverted block run [%d, %d]", first, last)
	}
	r, buf, err := s.bufferFor(first)
	if err != nil {
		return err
	}
	if !r.Contains(last) {
		return fmt.Errorf(
			"storage: block run [%d, %d] crosses range %d ending at %d",
			first, last, r.Index, r.End(),
		)
	}
	n := (last - first + 1) * s.constOffset
	if uint64(len(data)) < n {
		return fmt.Errorf(
			"storage: short write for blocks [%d, %d]: %d of %d bytes",
			first, last, len(data), n,
		)
	}
	offset := (first - r.Start) * s.constOffset
	copy(buf[offset:offset+n], data)
	return nil
}

// ForAllBlocks invokes fn once per block of [first, first+length), in id
// order, with the block's stored bytes. The run must lie within one locally
// held range.
func (s *Storage) ForAllBlocks(first, length uint64, fn func(block []byte)) error {
	if length == 0 {
		return nil
	}
	r, buf, err := s.bufferFor(first)
	if err != nil {
		return err
	}
	last := first + length - 1
	if !r.Contains(last) {
		return fmt.Errorf(
			"storage: block run [%d, %d] crosses range %d ending at %d",
			first, last, r.Index, r.End(),
		)
	}
	offset := (first - r.Start) * s.constOffset
	for i := uint64(0); i < length; i++ {
		fn(buf[offset : offset+s.constOffset])
		offset += s.constOffset
	}
	return nil
}

// BlockBytes returns the stored bytes of one block. The slice aliases the
// storage buffer and stays valid for the lifetime of the Storage.
func (s *Storage) BlockBytes(id uint64) ([]byte, error) {
	r, buf, err := s.bufferFor(id)
	if err != nil {
		return nil, err
	}
	offset := (id - r.Start) * s.constOffset
	return buf[offset : offset+s.constOffset], nil
}
