package submission

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gzeit/ReStore/pkg/comm"
	"github.com/gzeit/ReStore/pkg/distribution"
	"github.com/gzeit/ReStore/pkg/model"
	"github.com/gzeit/ReStore/pkg/permutation"
)

// Tag is the sparse all-to-all tag of the submission data exchange.
const Tag = 42

// Slog attribute keys used throughout the submission package.
const (
	logKeyRank   = "rank"
	logKeyBlocks = "blocks"
	logKeyBytes  = "bytes"
)

// Protocol drives one submission epoch. It is constructed fresh for every
// SubmitBlocks call, after the distribution and permutation of the epoch
// are known.
type Protocol struct {
	group       comm.Group
	dist        *distribution.Distribution
	perm        permutation.Permutation
	constOffset uint64
	logger      *slog.Logger
}

// New creates a submission protocol instance.
func New(
	group comm.Group,
	dist *distribution.Distribution,
	perm permutation.Permutation,
	constOffset uint64,
	logger *slog.Logger,
) *Protocol {
	return &Protocol{
		group:       group,
		dist:        dist,
		perm:        perm,
		constOffset: constOffset,
		logger:      logger,
	}
}

// cappedWriter collects a serializer's output and rejects writes past the
// constant offset. Short output is padded by the caller.
type cappedWriter struct {
	buf []byte
	cap uint64
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if uint64(len(w.buf)+len(p)) > w.cap {
		return 0, fmt.Errorf(
			"submission: serializer wrote more than the constant offset of %d bytes", w.cap,
		)
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// SerializeBlocks pulls blocks from next until end-of-stream, serializes
// each exactly once, and appends the bytes to the send buffer of every
// holder of the block's placement range. User ids are permuted to internal
// ids before placement.
func (p *Protocol) SerializeBlocks(
	serialize model.SerializeFunc,
	next model.NextBlockFunc,
) (*SendStream, error) {
	stream := NewSendStream(p.constOffset)
	scratch := &cappedWriter{buf: make([]byte, 0, p.constOffset), cap: p.constOffset}
	numBlocks := uint64(0)

	for {
		id, value, ok := next()
		if !ok {
			break
		}
		if id >= p.dist.NumBlocks() {
			return nil, fmt.Errorf(
				"submission: block id %d out of [0, %d)", id, p.dist.NumBlocks(),
			)
		}

		internalID := p.perm.Apply(id)
		scratch.buf = scratch.buf[:0]
		if err := serialize(value, scratch); err != nil {
			return nil, fmt.Errorf("submission: serializing block %d: %w", id, err)
		}
		for uint64(len(scratch.buf)) < p.constOffset {
			scratch.buf = append(scratch.buf, 0)
		}

		blockRange := p.dist.RangeOfBlock(internalID)
		stream.AppendBlock(
			internalID, blockRange.Start, scratch.buf, p.dist.RanksStoringRange(blockRange),
		)
		numBlocks++
	}

	p.logger.Debug("serialized local blocks for submission", logKeyBlocks, numBlocks)
	return stream, nil
}

// ExchangeData maps the stream's buffers to the current ranks of their
// destinations, drops buffers whose destination died, and performs the
// sparse all-to-all. Loss of all holders of a range is not detected here;
// retrieval reports it.
func (p *Protocol) ExchangeData(stream *SendStream) ([]comm.RecvMessage, error) {
	var messages []comm.SendMessage
	for _, rank := range stream.Destinations() {
		current, alive := p.group.CurrentRankOf(rank)
		if !alive {
			p.logger.Debug("dropping send buffer for dead peer", logKeyRank, int(rank))
			continue
		}
		messages = append(messages, comm.SendMessage{
			Data: stream.Buffer(rank),
			Dest: current,
		})
	}
	return p.group.SparseAllToAll(messages, Tag)
}

// ParseMessages walks the frames of every received message and hands each
// (first, last, payload) run to store, typically a bulk write into the
// serialized block storage.
func (p *Protocol) ParseMessages(
	messages []comm.RecvMessage,
	store func(first, last uint64, payload []byte) error,
) error {
	for _, msg := range messages {
		offset := 0
		for offset < len(msg.Data) {
			if len(msg.Data)-offset < FrameHeaderSize {
				return fmt.Errorf(
					"submission: truncated frame header from rank %d", int(msg.Src),
				)
			}
			first := binary.LittleEndian.Uint64(msg.Data[offset:])
			last := binary.LittleEndian.Uint64(msg.Data[offset+8:])
			if last < first {
				return fmt.Errorf(
					"submission: inverted frame [%d, %d] from rank %d", first, last, int(msg.Src),
				)
			}
			offset += FrameHeaderSize

			payloadLen := (last - first + 1) * p.constOffset
			if uint64(len(msg.Data)-offset) < payloadLen {
				return fmt.Errorf(
					"submission: truncated frame payload [%d, %d] from rank %d",
					first, last, int(msg.Src),
				)
			}
			if err := store(first, last, msg.Data[offset:offset+int(payloadLen)]); err != nil {
				return err
			}
			offset += int(payloadLen)
		}
	}
	return nil
}
