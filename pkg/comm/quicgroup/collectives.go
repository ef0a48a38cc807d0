package quicgroup

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gzeit/ReStore/pkg/comm"
)

// OriginalSize implements comm.Group.
func (p *Peer) OriginalSize() int { return p.tracker.OriginalSize() }

// CurrentSize implements comm.Group.
func (p *Peer) CurrentSize() int { return p.tracker.CurrentSize() }

// MyOriginalRank implements comm.Group.
func (p *Peer) MyOriginalRank() comm.OriginalRank { return p.tracker.MyOriginalRank() }

// MyCurrentRank implements comm.Group.
func (p *Peer) MyCurrentRank() comm.CurrentRank { return p.tracker.MyCurrentRank() }

// CurrentRankOf implements comm.Group.
func (p *Peer) CurrentRankOf(rank comm.OriginalRank) (comm.CurrentRank, bool) {
	return p.tracker.CurrentRankOf(rank)
}

// OriginalRankOf implements comm.Group.
func (p *Peer) OriginalRankOf(rank comm.CurrentRank) comm.OriginalRank {
	return p.tracker.OriginalRankOf(rank)
}

// OnlyAlive implements comm.Group.
func (p *Peer) OnlyAlive(ranks []comm.OriginalRank) []comm.OriginalRank {
	return p.tracker.OnlyAlive(ranks)
}

// AliveCurrentRanks implements comm.Group.
func (p *Peer) AliveCurrentRanks(ranks []comm.OriginalRank) []comm.CurrentRank {
	return p.tracker.AliveCurrentRanks(ranks)
}

// RanksDiedSinceLastCall implements comm.Group.
func (p *Peer) RanksDiedSinceLastCall() []comm.OriginalRank {
	return p.tracker.RanksDiedSinceLastCall()
}

// NumFailuresSinceReset implements comm.Group.
func (p *Peer) NumFailuresSinceReset() int { return p.tracker.NumFailuresSinceReset() }

// ResetOriginalToCurrent implements comm.Group.
func (p *Peer) ResetOriginalToCurrent() { p.tracker.ResetOriginalToCurrent() }

// Shrink rebuilds the current membership without the peers this process
// has observed to fail, and clears a pending revocation and fault state.
func (p *Peer) Shrink() error {
	p.mu.Lock()
	var live []int
	for _, abs := range p.tracker.CurrentMembers() {
		if !p.dead[abs] {
			live = append(live, abs)
		}
	}
	p.revoked = false
	p.mu.Unlock()

	p.tracker.SetCurrent(live)
	p.inbox.clearFault()
	return nil
}

// Revoke implements comm.Group. The revocation is local; peers notice each
// other's revocations through the connection teardown of UpdateComm-style
// restarts rather than through a substrate-wide broadcast.
func (p *Peer) Revoke() {
	p.mu.Lock()
	p.revoked = true
	p.mu.Unlock()
}

// currentAbs translates a current rank to an absolute rank.
func (p *Peer) currentAbs(rank comm.CurrentRank) (int, error) {
	members := p.tracker.CurrentMembers()
	if int(rank) < 0 || int(rank) >= len(members) {
		return 0, fmt.Errorf("quicgroup: unknown current rank %d", int(rank))
	}
	return members[rank], nil
}

// SparseAllToAll implements comm.Group. Senders transmit their frames,
// await per-frame delivery acknowledgements (the Go stand-in for
// synchronous sends), and enter the barrier; when the barrier completes,
// every in-flight message of every peer sits in its destination inbox.
func (p *Peer) SparseAllToAll(
	messages []comm.SendMessage, tag int,
) ([]comm.RecvMessage, error) {
	if err := p.faultState(); err != nil {
		return nil, err
	}
	if tag >= tagReservedBase {
		return nil, fmt.Errorf("quicgroup: tag %d collides with the control plane", tag)
	}

	sentPerPeer := make(map[int]int)
	for _, msg := range messages {
		abs, err := p.currentAbs(msg.Dest)
		if err != nil {
			return nil, err
		}
		if err := p.send(abs, tag, msg.Data); err != nil {
			return nil, err
		}
		if abs != p.cfg.Rank {
			sentPerPeer[abs]++
		}
	}

	// Sends are complete once every destination acknowledged delivery.
	for abs, n := range sentPerPeer {
		p.mu.Lock()
		pc := p.conns[abs]
		p.mu.Unlock()
		if pc == nil {
			return nil, fmt.Errorf("quicgroup: lost peer %d: %w", abs, comm.ErrFault)
		}
		err := pc.awaitAcks(n, func() error {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.dead[abs] {
				return fmt.Errorf("quicgroup: peer %d failed: %w", abs, comm.ErrFault)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := p.Barrier(); err != nil {
		return nil, err
	}

	currentOf := make(map[int]comm.CurrentRank)
	for i, abs := range p.tracker.CurrentMembers() {
		currentOf[abs] = comm.CurrentRank(i)
	}
	var received []comm.RecvMessage
	for _, msg := range p.inbox.drain(tag) {
		src, ok := currentOf[msg.srcAbs]
		if !ok {
			continue
		}
		received = append(received, comm.RecvMessage{Data: msg.data, Src: src})
	}
	sort.SliceStable(received, func(i, j int) bool { return received[i].Src < received[j].Src })
	return received, nil
}

// Barrier implements comm.Group: a flat rendezvous at the lowest-ranked
// survivor. The per-pair stream ordering plus the acknowledged sends of
// SparseAllToAll make it a drain point for in-flight data.
func (p *Peer) Barrier() error {
	if err := p.faultState(); err != nil {
		return err
	}
	members := p.tracker.CurrentMembers()
	rootAbs := members[0]

	if p.cfg.Rank == rootAbs {
		for i := 0; i < len(members)-1; i++ {
			if _, err := p.inbox.pop(tagBarrierEnter); err != nil {
				return err
			}
		}
		for _, abs := range members {
			if abs == rootAbs {
				continue
			}
			if err := p.send(abs, tagBarrierRelease, nil); err != nil {
				return err
			}
		}
		return nil
	}

	if err := p.send(rootAbs, tagBarrierEnter, nil); err != nil {
		return err
	}
	_, err := p.inbox.pop(tagBarrierRelease)
	return err
}

// Broadcast implements comm.Group.
func (p *Peer) Broadcast(data []byte, root comm.CurrentRank) ([]byte, error) {
	if err := p.faultState(); err != nil {
		return nil, err
	}
	rootAbs, err := p.currentAbs(root)
	if err != nil {
		return nil, err
	}

	if p.cfg.Rank == rootAbs {
		for _, abs := range p.tracker.CurrentMembers() {
			if abs == rootAbs {
				continue
			}
			if err := p.send(abs, tagBroadcast, data); err != nil {
				return nil, err
			}
		}
		return append([]byte(nil), data...), nil
	}

	msg, err := p.inbox.pop(tagBroadcast)
	if err != nil {
		return nil, err
	}
	return msg.data, nil
}

// gatherAtRoot collects every member's buffer at the root, ordered by
// current rank. Non-root members return nil.
func (p *Peer) gatherAtRoot(data []byte, rootAbs int) ([][]byte, error) {
	members := p.tracker.CurrentMembers()

	if err := p.send(rootAbs, tagGather, data); err != nil {
		return nil, err
	}
	if p.cfg.Rank != rootAbs {
		return nil, nil
	}

	bySrc := make(map[int][]byte, len(members))
	for i := 0; i < len(members); i++ {
		msg, err := p.inbox.pop(tagGather)
		if err != nil {
			return nil, err
		}
		bySrc[msg.srcAbs] = msg.data
	}
	gathered := make([][]byte, len(members))
	for i, abs := range members {
		gathered[i] = bySrc[abs]
	}
	return gathered, nil
}

// GathervBytes implements comm.Group.
func (p *Peer) GathervBytes(data []byte, root comm.CurrentRank) ([][]byte, error) {
	if err := p.faultState(); err != nil {
		return nil, err
	}
	rootAbs, err := p.currentAbs(root)
	if err != nil {
		return nil, err
	}
	return p.gatherAtRoot(data, rootAbs)
}

// allgatherUint64 gathers every member's value at the lowest survivor and
// broadcasts the packed array back.
func (p *Peer) allgatherUint64(value uint64) ([]uint64, error) {
	members := p.tracker.CurrentMembers()
	rootAbs := members[0]

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	gathered, err := p.gatherAtRoot(buf[:], rootAbs)
	if err != nil {
		return nil, err
	}

	var packed []byte
	if p.cfg.Rank == rootAbs {
		packed = make([]byte, 0, 8*len(members))
		for _, b := range gathered {
			packed = append(packed, b...)
		}
	}
	packed, err = p.Broadcast(packed, 0)
	if err != nil {
		return nil, err
	}
	if len(packed) != 8*len(members) {
		return nil, fmt.Errorf("quicgroup: allgather payload of %d bytes", len(packed))
	}

	values := make([]uint64, len(members))
	for i := range values {
		values[i] = binary.BigEndian.Uint64(packed[8*i:])
	}
	return values, nil
}

// AllgatherUint64 implements comm.Group.
func (p *Peer) AllgatherUint64(value uint64) ([]uint64, error) {
	if err := p.faultState(); err != nil {
		return nil, err
	}
	return p.allgatherUint64(value)
}

// AllreduceSumUint64 implements comm.Group.
func (p *Peer) AllreduceSumUint64(value uint64) (uint64, error) {
	values, err := p.AllgatherUint64(value)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, v := range values {
		sum += v
	}
	return sum, nil
}

// AllreduceMaxUint64 implements comm.Group.
func (p *Peer) AllreduceMaxUint64(value uint64) (uint64, error) {
	values, err := p.AllgatherUint64(value)
	if err != nil {
		return 0, err
	}
	best := values[0]
	for _, v := range values[1:] {
		if v > best {
			best = v
		}
	}
	return best, nil
}

// ExclusiveScanSumUint64 implements comm.Group.
func (p *Peer) ExclusiveScanSumUint64(value uint64) (uint64, error) {
	values, err := p.AllgatherUint64(value)
	if err != nil {
		return 0, err
	}
	var prefix uint64
	for i := 0; i < int(p.tracker.MyCurrentRank()); i++ {
		prefix += values[i]
	}
	return prefix, nil
}

// AlltoallUint64 implements comm.Group.
func (p *Peer) AlltoallUint64(send []uint64) ([]uint64, error) {
	if err := p.faultState(); err != nil {
		return nil, err
	}
	buffers := make([][]byte, len(send))
	for i, v := range send {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v)
		buffers[i] = buf[:]
	}
	rows, err := p.AlltoallvBytes(buffers)
	if err != nil {
		return nil, err
	}
	values := make([]uint64, len(rows))
	for i, row := range rows {
		if len(row) != 8 {
			return nil, fmt.Errorf("quicgroup: alltoall payload of %d bytes", len(row))
		}
		values[i] = binary.BigEndian.Uint64(row)
	}
	return values, nil
}

// AlltoallvBytes implements comm.Group.
func (p *Peer) AlltoallvBytes(send [][]byte) ([][]byte, error) {
	if err := p.faultState(); err != nil {
		return nil, err
	}
	members := p.tracker.CurrentMembers()
	if len(send) != len(members) {
		return nil, fmt.Errorf(
			"quicgroup: alltoallv wants %d buffers, got %d", len(members), len(send),
		)
	}

	for i, abs := range members {
		if err := p.send(abs, tagAlltoall, send[i]); err != nil {
			return nil, err
		}
	}

	bySrc := make(map[int][]byte, len(members))
	for i := 0; i < len(members); i++ {
		msg, err := p.inbox.pop(tagAlltoall)
		if err != nil {
			return nil, err
		}
		bySrc[msg.srcAbs] = msg.data
	}
	rows := make([][]byte, len(members))
	for i, abs := range members {
		rows[i] = bySrc[abs]
	}
	return rows, nil
}
