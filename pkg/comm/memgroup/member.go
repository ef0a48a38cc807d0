package memgroup

import (
	"fmt"
	"sync/atomic"

	"github.com/gzeit/ReStore/pkg/comm"
)

// Member is one peer's handle to the in-process group.
type Member struct {
	hub      *Hub
	tracker  *comm.RankTracker
	failNext atomic.Bool
}

var _ comm.Group = (*Member)(nil)

// FailNextCall arms a one-shot fault: the member's next group operation
// returns comm.ErrFault without touching the hub. Mirrors the failure
// injection hook of the substrate's simulation mode; tests arm it on every
// member so the group observes the fault collectively.
func (m *Member) FailNextCall() {
	m.failNext.Store(true)
}

func (m *Member) checkInjectedFault() error {
	if m.failNext.CompareAndSwap(true, false) {
		return fmt.Errorf("memgroup: injected failure: %w", comm.ErrFault)
	}
	return nil
}

// OriginalSize implements comm.Group.
func (m *Member) OriginalSize() int { return m.tracker.OriginalSize() }

// CurrentSize implements comm.Group.
func (m *Member) CurrentSize() int { return m.tracker.CurrentSize() }

// MyOriginalRank implements comm.Group.
func (m *Member) MyOriginalRank() comm.OriginalRank { return m.tracker.MyOriginalRank() }

// MyCurrentRank implements comm.Group.
func (m *Member) MyCurrentRank() comm.CurrentRank { return m.tracker.MyCurrentRank() }

// CurrentRankOf implements comm.Group.
func (m *Member) CurrentRankOf(rank comm.OriginalRank) (comm.CurrentRank, bool) {
	return m.tracker.CurrentRankOf(rank)
}

// OriginalRankOf implements comm.Group.
func (m *Member) OriginalRankOf(rank comm.CurrentRank) comm.OriginalRank {
	return m.tracker.OriginalRankOf(rank)
}

// OnlyAlive implements comm.Group.
func (m *Member) OnlyAlive(ranks []comm.OriginalRank) []comm.OriginalRank {
	return m.tracker.OnlyAlive(ranks)
}

// AliveCurrentRanks implements comm.Group.
func (m *Member) AliveCurrentRanks(ranks []comm.OriginalRank) []comm.CurrentRank {
	return m.tracker.AliveCurrentRanks(ranks)
}

// RanksDiedSinceLastCall implements comm.Group.
func (m *Member) RanksDiedSinceLastCall() []comm.OriginalRank {
	return m.tracker.RanksDiedSinceLastCall()
}

// NumFailuresSinceReset implements comm.Group.
func (m *Member) NumFailuresSinceReset() int { return m.tracker.NumFailuresSinceReset() }

// ResetOriginalToCurrent implements comm.Group.
func (m *Member) ResetOriginalToCurrent() { m.tracker.ResetOriginalToCurrent() }

// Shrink rebuilds the member's current membership without the dead peers
// and clears a pending revocation.
func (m *Member) Shrink() error {
	m.hub.shrink()
	m.tracker.SetCurrent(m.hub.AliveMembers())
	return nil
}

// Revoke invalidates the hub for all members.
func (m *Member) Revoke() { m.hub.Revoke() }

// routedMessage is a sparse all-to-all message in absolute-id addressing.
type routedMessage struct {
	destAbs int
	data    []byte
}

type deliveredMessage struct {
	srcAbs int
	data   []byte
}

// SparseAllToAll implements comm.Group. The hub plays the substrate: the
// rendezvous completes only when every live member has posted, which gives
// the drain guarantee of the nonblocking-sends / probe / barrier protocol.
func (m *Member) SparseAllToAll(
	messages []comm.SendMessage, tag int,
) ([]comm.RecvMessage, error) {
	if err := m.checkInjectedFault(); err != nil {
		return nil, err
	}

	members := m.tracker.CurrentMembers()
	routed := make([]routedMessage, 0, len(messages))
	for _, msg := range messages {
		if int(msg.Dest) < 0 || int(msg.Dest) >= len(members) {
			return nil, fmt.Errorf("memgroup: send to unknown current rank %d", int(msg.Dest))
		}
		routed = append(routed, routedMessage{
			destAbs: members[msg.Dest],
			data:    append([]byte(nil), msg.Data...),
		})
	}

	out, err := m.hub.rendezvous(m.tracker.Self(), "sparseAllToAll", tag, routed,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			delivered := make(map[int][]deliveredMessage)
			for _, src := range order {
				for _, msg := range inputs[src].([]routedMessage) {
					delivered[msg.destAbs] = append(delivered[msg.destAbs], deliveredMessage{
						srcAbs: src,
						data:   msg.data,
					})
				}
			}
			outputs := make(map[int]interface{}, len(order))
			for _, id := range order {
				outputs[id] = delivered[id]
			}
			return outputs
		})
	if err != nil {
		return nil, err
	}

	currentOf := make(map[int]comm.CurrentRank, len(members))
	for i, id := range members {
		currentOf[id] = comm.CurrentRank(i)
	}
	var received []comm.RecvMessage
	if out != nil {
		for _, msg := range out.([]deliveredMessage) {
			received = append(received, comm.RecvMessage{
				Data: msg.data,
				Src:  currentOf[msg.srcAbs],
			})
		}
	}
	return received, nil
}

// Barrier implements comm.Group.
func (m *Member) Barrier() error {
	if err := m.checkInjectedFault(); err != nil {
		return err
	}
	_, err := m.hub.rendezvous(m.tracker.Self(), "barrier", 0, nil,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			return nil
		})
	return err
}

// Broadcast implements comm.Group.
func (m *Member) Broadcast(data []byte, root comm.CurrentRank) ([]byte, error) {
	if err := m.checkInjectedFault(); err != nil {
		return nil, err
	}
	members := m.tracker.CurrentMembers()
	if int(root) < 0 || int(root) >= len(members) {
		return nil, fmt.Errorf("memgroup: broadcast from unknown current rank %d", int(root))
	}
	rootAbs := members[root]

	var input interface{}
	if m.tracker.Self() == rootAbs {
		input = append([]byte(nil), data...)
	}
	out, err := m.hub.rendezvous(m.tracker.Self(), "broadcast", 0, input,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			payload, _ := inputs[rootAbs].([]byte)
			outputs := make(map[int]interface{}, len(order))
			for _, id := range order {
				outputs[id] = append([]byte(nil), payload...)
			}
			return outputs
		})
	if err != nil {
		return nil, err
	}
	payload, _ := out.([]byte)
	return payload, nil
}

// AllreduceSumUint64 implements comm.Group.
func (m *Member) AllreduceSumUint64(value uint64) (uint64, error) {
	return m.allreduce("allreduceSum", value, func(total, v uint64) uint64 { return total + v })
}

// AllreduceMaxUint64 implements comm.Group.
func (m *Member) AllreduceMaxUint64(value uint64) (uint64, error) {
	return m.allreduce("allreduceMax", value, func(best, v uint64) uint64 {
		if v > best {
			return v
		}
		return best
	})
}

func (m *Member) allreduce(
	kind string, value uint64, combine func(acc, v uint64) uint64,
) (uint64, error) {
	if err := m.checkInjectedFault(); err != nil {
		return 0, err
	}
	out, err := m.hub.rendezvous(m.tracker.Self(), kind, 0, value,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			acc := inputs[order[0]].(uint64)
			for _, id := range order[1:] {
				acc = combine(acc, inputs[id].(uint64))
			}
			outputs := make(map[int]interface{}, len(order))
			for _, id := range order {
				outputs[id] = acc
			}
			return outputs
		})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}

// AllgatherUint64 implements comm.Group.
func (m *Member) AllgatherUint64(value uint64) ([]uint64, error) {
	if err := m.checkInjectedFault(); err != nil {
		return nil, err
	}
	out, err := m.hub.rendezvous(m.tracker.Self(), "allgather", 0, value,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			gathered := make([]uint64, len(order))
			for i, id := range order {
				gathered[i] = inputs[id].(uint64)
			}
			outputs := make(map[int]interface{}, len(order))
			for _, id := range order {
				outputs[id] = append([]uint64(nil), gathered...)
			}
			return outputs
		})
	if err != nil {
		return nil, err
	}
	return out.([]uint64), nil
}

// GathervBytes implements comm.Group.
func (m *Member) GathervBytes(data []byte, root comm.CurrentRank) ([][]byte, error) {
	if err := m.checkInjectedFault(); err != nil {
		return nil, err
	}
	members := m.tracker.CurrentMembers()
	if int(root) < 0 || int(root) >= len(members) {
		return nil, fmt.Errorf("memgroup: gatherv to unknown current rank %d", int(root))
	}
	rootAbs := members[root]

	out, err := m.hub.rendezvous(m.tracker.Self(), "gatherv", 0, append([]byte(nil), data...),
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			gathered := make([][]byte, len(order))
			for i, id := range order {
				gathered[i] = inputs[id].([]byte)
			}
			return map[int]interface{}{rootAbs: gathered}
		})
	if err != nil {
		return nil, err
	}
	gathered, _ := out.([][]byte)
	return gathered, nil
}

// ExclusiveScanSumUint64 implements comm.Group.
func (m *Member) ExclusiveScanSumUint64(value uint64) (uint64, error) {
	if err := m.checkInjectedFault(); err != nil {
		return 0, err
	}
	out, err := m.hub.rendezvous(m.tracker.Self(), "exscan", 0, value,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			outputs := make(map[int]interface{}, len(order))
			prefix := uint64(0)
			for _, id := range order {
				outputs[id] = prefix
				prefix += inputs[id].(uint64)
			}
			return outputs
		})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}

// AlltoallUint64 implements comm.Group.
func (m *Member) AlltoallUint64(send []uint64) ([]uint64, error) {
	if err := m.checkInjectedFault(); err != nil {
		return nil, err
	}
	if len(send) != m.tracker.CurrentSize() {
		return nil, fmt.Errorf(
			"memgroup: alltoall wants %d entries, got %d", m.tracker.CurrentSize(), len(send),
		)
	}
	out, err := m.hub.rendezvous(m.tracker.Self(), "alltoall", 0, append([]uint64(nil), send...),
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			outputs := make(map[int]interface{}, len(order))
			for i, id := range order {
				row := make([]uint64, len(order))
				for j, src := range order {
					row[j] = inputs[src].([]uint64)[i]
				}
				outputs[id] = row
			}
			return outputs
		})
	if err != nil {
		return nil, err
	}
	return out.([]uint64), nil
}

// AlltoallvBytes implements comm.Group.
func (m *Member) AlltoallvBytes(send [][]byte) ([][]byte, error) {
	if err := m.checkInjectedFault(); err != nil {
		return nil, err
	}
	if len(send) != m.tracker.CurrentSize() {
		return nil, fmt.Errorf(
			"memgroup: alltoallv wants %d buffers, got %d", m.tracker.CurrentSize(), len(send),
		)
	}
	copied := make([][]byte, len(send))
	for i, buf := range send {
		copied[i] = append([]byte(nil), buf...)
	}
	out, err := m.hub.rendezvous(m.tracker.Self(), "alltoallv", 0, copied,
		func(inputs map[int]interface{}, order []int) map[int]interface{} {
			outputs := make(map[int]interface{}, len(order))
			for i, id := range order {
				row := make([][]byte, len(order))
				for j, src := range order {
					row[j] = inputs[src].([][]byte)[i]
				}
				outputs[id] = row
			}
			return outputs
		})
	if err != nil {
		return nil, err
	}
	return out.([][]byte), nil
}
