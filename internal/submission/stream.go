// Package submission implements the block submission protocol: serializing
// user blocks into per-destination framed buffers, exchanging them with a
// sparse all-to-all, and re-parsing the received frames into local storage.
package submission

import (
	"encoding/binary"
	"sort"

	"github.com/gzeit/ReStore/pkg/comm"
)

// FrameHeaderSize is the per-frame overhead: two little-endian uint64s
// holding the first and last (inclusive) internal block id of the frame.
const FrameHeaderSize = 16

// SendStream accumulates serialized blocks into one growable buffer per
// destination original rank. Consecutive internal ids extend the open frame
// of a buffer; a gap, or the start of a new placement range, closes the
// frame and opens a new one.
type SendStream struct {
	constOffset uint64
	buffers     map[comm.OriginalRank]*destBuffer
}

type destBuffer struct {
	data      []byte
	open      bool
	headerOff int
	last      uint64
}

// NewSendStream creates an empty stream for blocks of constOffset bytes.
func NewSendStream(constOffset uint64) *SendStream {
	return &SendStream{
		constOffset: constOffset,
		buffers:     make(map[comm.OriginalRank]*destBuffer),
	}
}

// AppendBlock appends one serialized block, destined for every holder rank,
// to the respective buffers. rangeStart is the first id of the placement
// range containing internalID; frames never cross placement ranges so that
// the receiver can bulk-write each frame into a single range buffer.
func (s *SendStream) AppendBlock(
	internalID uint64,
	rangeStart uint64,
	payload []byte,
	holders []comm.OriginalRank,
) {
	for _, rank := range holders {
		b, ok := s.buffers[rank]
		if !ok {
			b = &destBuffer{}
			s.buffers[rank] = b
		}
		if b.open && internalID == b.last+1 && internalID != rangeStart {
			b.data = append(b.data, payload...)
			b.last = internalID
			binary.LittleEndian.PutUint64(b.data[b.headerOff+8:], b.last)
			continue
		}
		b.headerOff = len(b.data)
		b.data = binary.LittleEndian.AppendUint64(b.data, internalID)
		b.data = binary.LittleEndian.AppendUint64(b.data, internalID)
		b.data = append(b.data, payload...)
		b.open = true
		b.last = internalID
	}
}

// Destinations returns the original ranks with a non-empty buffer, in
// ascending order.
func (s *SendStream) Destinations() []comm.OriginalRank {
	ranks := make([]comm.OriginalRank, 0, len(s.buffers))
	for rank, b := range s.buffers {
		if len(b.data) > 0 {
			ranks = append(ranks, rank)
		}
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	return ranks
}

// Buffer returns the framed bytes destined for one original rank.
func (s *SendStream) Buffer(rank comm.OriginalRank) []byte {
	if b, ok := s.buffers[rank]; ok {
		return b.data
	}
	return nil
}

// Release drops all buffers, capping peak memory once the exchange copied
// them out.
func (s *SendStream) Release() {
	s.buffers = make(map[comm.OriginalRank]*destBuffer)
}
