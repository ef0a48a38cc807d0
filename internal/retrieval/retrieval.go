// Package retrieval plans and executes the transfers that serve block
// requests after failures: splitting requested ranges along the
// distribution, electing a surviving serving rank per sub-range, and
// pairing the bytes of the sparse exchange back to block ids on the
// receiving side.
package retrieval

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gzeit/ReStore/internal/storage"
	"github.com/gzeit/ReStore/pkg/comm"
	"github.com/gzeit/ReStore/pkg/distribution"
	"github.com/gzeit/ReStore/pkg/model"
	"github.com/gzeit/ReStore/pkg/permutation"
)

const (
	// DataTag is the sparse all-to-all tag of the block data exchange.
	DataTag = 43
	// RequestTag is the tag of the pull request round. Distinct from
	// DataTag so the data exchange never drains stale request bytes.
	RequestTag = 44
)

// ErrUnrecoverableDataLoss reports that a requested range has no surviving
// holder: every peer storing it died since the last submission.
var ErrUnrecoverableDataLoss = errors.New("unrecoverable data loss")

// Slog attribute keys used throughout the retrieval package.
const (
	logKeyTransfers = "transfers"
	logKeyPeer      = "peer"
)

// Request names a range of internal block ids and the current rank that
// wants it. The push entry point receives these from the façade after id
// projection.
type Request struct {
	First  uint64
	Length uint64
	Dest   comm.CurrentRank
}

// transfer is one planned (range, peer) pair. In the send set the peer is
// the destination current rank; in the receive set it is the serving
// peer's current rank.
type transfer struct {
	first  uint64
	length uint64
	peer   comm.CurrentRank
}

func sortTransfers(ts []transfer) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].peer != ts[j].peer {
			return ts[i].peer < ts[j].peer
		}
		return ts[i].first < ts[j].first
	})
}

// Protocol executes retrievals against one submission epoch.
type Protocol struct {
	group       comm.Group
	dist        *distribution.Distribution
	perm        permutation.Permutation
	store       *storage.Storage
	constOffset uint64
	// bucketRun is the run length the permutation preserves; 0 means the
	// permutation keeps all consecutive runs intact (identity).
	bucketRun uint64
	logger    *slog.Logger
}

// New creates a retrieval protocol instance over the given epoch state.
func New(
	group comm.Group,
	dist *distribution.Distribution,
	perm permutation.Permutation,
	store *storage.Storage,
	constOffset uint64,
	bucketRun uint64,
	logger *slog.Logger,
) *Protocol {
	return &Protocol{
		group:       group,
		dist:        dist,
		perm:        perm,
		store:       store,
		constOffset: constOffset,
		bucketRun:   bucketRun,
		logger:      logger,
	}
}

// ProjectRange translates a range of user block ids into ranges of internal
// ids. The permutation preserves consecutive runs only within a bucket, so
// one user range becomes one internal range per bucket it touches: up to
// ceil(length/bucketRun)+1 when the range does not start on a bucket
// boundary.
func (p *Protocol) ProjectRange(userRange model.Range) []model.Range {
	if userRange.Length == 0 {
		return nil
	}
	if p.bucketRun == 0 {
		return []model.Range{{First: p.perm.Apply(userRange.First), Length: userRange.Length}}
	}

	var internal []model.Range
	user := userRange.First
	remaining := userRange.Length
	for remaining > 0 {
		run := p.bucketRun - user%p.bucketRun
		if run > remaining {
			run = remaining
		}
		internal = append(internal, model.Range{First: p.perm.Apply(user), Length: run})
		user += run
		remaining -= run
	}
	return internal
}

// forEachSubRange splits [first, first+length) along the distribution's
// placement ranges and elects the serving rank of each piece: the first
// holder that is still alive. A piece with no surviving holder is
// unrecoverable.
func (p *Protocol) forEachSubRange(
	first, length uint64,
	visit func(subFirst, subLength uint64, serving comm.OriginalRank) error,
) error {
	id := first
	end := first + length
	for id < end {
		blockRange := p.dist.RangeOfBlock(id)
		subEnd := blockRange.End()
		if subEnd > end {
			subEnd = end
		}
		alive := p.group.OnlyAlive(p.dist.RanksStoringRange(blockRange))
		if len(alive) == 0 {
			return fmt.Errorf(
				"retrieval: no surviving holder of blocks [%d, %d): %w",
				blockRange.Start, blockRange.End(), ErrUnrecoverableDataLoss,
			)
		}
		if err := visit(id, subEnd-id, alive[0]); err != nil {
			return err
		}
		id = subEnd
	}
	return nil
}

// plan computes the local send and receive sets serving the given requests.
// All peers must pass the same request list; the plan is symmetric, so the
// peers a receiver expects data from have planned the matching sends.
func (p *Protocol) plan(requests []Request) (send, recv []transfer, err error) {
	myOriginal := p.group.MyOriginalRank()
	myCurrent := p.group.MyCurrentRank()

	for _, req := range requests {
		err = p.forEachSubRange(req.First, req.Length,
			func(subFirst, subLength uint64, serving comm.OriginalRank) error {
				if serving == myOriginal {
					send = append(send, transfer{subFirst, subLength, req.Dest})
				}
				if req.Dest == myCurrent {
					servingCurrent, alive := p.group.CurrentRankOf(serving)
					if !alive {
						// OnlyAlive elected it, so it must translate.
						return fmt.Errorf("retrieval: serving rank %d has no current rank", serving)
					}
					recv = append(recv, transfer{subFirst, subLength, servingCurrent})
				}
				return nil
			})
		if err != nil {
			return nil, nil, err
		}
	}

	sortTransfers(send)
	sortTransfers(recv)
	return send, recv, nil
}

// Push serves a globally agreed request list: every peer passes the same
// (range, destination) pairs, plans its share of the transfers, and joins
// the data exchange.
func (p *Protocol) Push(requests []Request, deserialize model.DeserializeFunc) error {
	send, recv, err := p.plan(requests)
	if err != nil {
		return err
	}
	return p.exchange(send, recv, deserialize)
}

// pullRecordSize is the wire size of one pull request record: first and
// length as little-endian uint64, requester current rank as uint32.
const pullRecordSize = 20

// Pull serves a local desire list: the caller names only the internal
// ranges it wants. An extra request round tells each serving peer who
// wants what, followed by a barrier so the data exchange cannot drain
// stale request bytes, then the common transfer step.
func (p *Protocol) Pull(ranges []model.Range, deserialize model.DeserializeFunc) error {
	myCurrent := p.group.MyCurrentRank()

	// Plan the receive side only; the senders learn their part from the
	// request round.
	var recv []transfer
	for _, r := range ranges {
		err := p.forEachSubRange(r.First, r.Length,
			func(subFirst, subLength uint64, serving comm.OriginalRank) error {
				servingCurrent, alive := p.group.CurrentRankOf(serving)
				if !alive {
					return fmt.Errorf("retrieval: serving rank %d has no current rank", serving)
				}
				recv = append(recv, transfer{subFirst, subLength, servingCurrent})
				return nil
			})
		if err != nil {
			return err
		}
	}
	sortTransfers(recv)

	// Group the desires by serving peer and ship them.
	var requestMessages []comm.SendMessage
	for i := 0; i < len(recv); {
		peer := recv[i].peer
		var data []byte
		for ; i < len(recv) && recv[i].peer == peer; i++ {
			data = binary.LittleEndian.AppendUint64(data, recv[i].first)
			data = binary.LittleEndian.AppendUint64(data, recv[i].length)
			data = binary.LittleEndian.AppendUint32(data, uint32(myCurrent))
		}
		requestMessages = append(requestMessages, comm.SendMessage{Data: data, Dest: peer})
	}

	received, err := p.group.SparseAllToAll(requestMessages, RequestTag)
	if err != nil {
		return err
	}

	var send []transfer
	for _, msg := range received {
		if len(msg.Data)%pullRecordSize != 0 {
			return fmt.Errorf(
				"retrieval: malformed pull request of %d bytes from rank %d",
				len(msg.Data), int(msg.Src),
			)
		}
		for offset := 0; offset < len(msg.Data); offset += pullRecordSize {
			send = append(send, transfer{
				first:  binary.LittleEndian.Uint64(msg.Data[offset:]),
				length: binary.LittleEndian.Uint64(msg.Data[offset+8:]),
				peer:   comm.CurrentRank(binary.LittleEndian.Uint32(msg.Data[offset+16:])),
			})
		}
	}
	sortTransfers(send)

	if err := p.group.Barrier(); err != nil {
		return err
	}

	return p.exchange(send, recv, deserialize)
}

// exchange ships the planned sends, receives the planned bytes, and walks
// the receive set to pair every received byte run with its block ids. The
// deserializer is invoked once per block with the user-visible id.
func (p *Protocol) exchange(send, recv []transfer, deserialize model.DeserializeFunc) error {
	var messages []comm.SendMessage
	for i := 0; i < len(send); {
		dest := send[i].peer
		var data []byte
		for ; i < len(send) && send[i].peer == dest; i++ {
			err := p.store.ForAllBlocks(send[i].first, send[i].length, func(block []byte) {
				data = append(data, block...)
			})
			if err != nil {
				return err
			}
		}
		messages = append(messages, comm.SendMessage{Data: data, Dest: dest})
	}
	p.logger.Debug("retrieval data exchange", logKeyTransfers, len(send))

	received, err := p.group.SparseAllToAll(messages, DataTag)
	if err != nil {
		return err
	}
	sort.Slice(received, func(i, j int) bool { return received[i].Src < received[j].Src })

	recvIndex := 0
	for _, msg := range received {
		if recvIndex >= len(recv) || recv[recvIndex].peer != msg.Src {
			return fmt.Errorf("retrieval: unexpected data message from rank %d", int(msg.Src))
		}
		offset := uint64(0)
		for ; recvIndex < len(recv) && recv[recvIndex].peer == msg.Src; recvIndex++ {
			entry := recv[recvIndex]
			for id := entry.first; id < entry.first+entry.length; id++ {
				if offset+p.constOffset > uint64(len(msg.Data)) {
					return fmt.Errorf(
						"retrieval: short data message from rank %d", int(msg.Src),
					)
				}
				block := msg.Data[offset : offset+p.constOffset]
				if err := deserialize(block, p.perm.Inverse(id)); err != nil {
					return fmt.Errorf("retrieval: deserializing block %d: %w", id, err)
				}
				offset += p.constOffset
			}
		}
		if offset != uint64(len(msg.Data)) {
			return fmt.Errorf(
				"retrieval: %d unconsumed bytes from rank %d",
				uint64(len(msg.Data))-offset, int(msg.Src),
			)
		}
	}
	if recvIndex != len(recv) {
		return fmt.Errorf(
			"retrieval: %d planned receives were never served", len(recv)-recvIndex,
		)
	}
	return nil
}
