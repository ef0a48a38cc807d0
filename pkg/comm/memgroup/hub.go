// Package memgroup provides an in-process implementation of the comm.Group
// contract: every peer is a goroutine, and a shared Hub plays the part of
// the messaging substrate.
//
// Collectives rendezvous on the hub; a call completes once every live
// member has joined it with the same operation kind and tag. Peer death is
// simulated with Hub.Kill, either between collectives (the victim simply
// stops participating) or during one (all participants observe
// comm.ErrFault). Member.FailNextCall arms a one-shot fault for targeted
// failure injection.
//
// memgroup is the substrate used by the test suite and the demo binary; a
// production deployment uses quicgroup or an adapter to its own messaging
// layer.
package memgroup

import (
	"fmt"
	"sync"

	"github.com/gzeit/ReStore/pkg/comm"
)

// Hub connects the members of one in-process group.
type Hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	alive   []bool
	revoked bool
	members []*Member

	op *operation
}

// operation is one in-flight collective rendezvous.
type operation struct {
	kind     string
	tag      int
	inputs   map[int]interface{}
	outputs  map[int]interface{}
	consumed map[int]bool
	done     bool
	err      error
}

// NewHub creates a hub with n members, absolute ids 0..n-1.
func NewHub(n int) *Hub {
	h := &Hub{alive: make([]bool, n)}
	h.cond = sync.NewCond(&h.mu)
	world := make([]int, n)
	for i := range world {
		h.alive[i] = true
		world[i] = i
	}
	h.members = make([]*Member, n)
	for i := range h.members {
		h.members[i] = &Member{hub: h, tracker: comm.NewRankTracker(i, world)}
	}
	return h
}

// Member returns the group handle of the member with the given absolute id.
func (h *Hub) Member(id int) *Member { return h.members[id] }

// Kill marks a member dead. A collective in flight observes the death as a
// fault; afterwards the victim no longer counts towards rendezvous
// completion.
func (h *Hub) Kill(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive[id] {
		return
	}
	h.alive[id] = false
	if h.op != nil && !h.op.done {
		h.op.done = true
		h.op.err = fmt.Errorf("memgroup: peer %d died during %s: %w", id, h.op.kind, comm.ErrFault)
	}
	h.cond.Broadcast()
}

// Revoke invalidates the hub for all members until the next shrink.
func (h *Hub) Revoke() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revoked = true
	if h.op != nil && !h.op.done {
		h.op.done = true
		h.op.err = fmt.Errorf("memgroup: handle revoked during %s: %w", h.op.kind, comm.ErrRevoked)
	}
	h.cond.Broadcast()
}

func (h *Hub) aliveListLocked() []int {
	var live []int
	for id, a := range h.alive {
		if a {
			live = append(live, id)
		}
	}
	return live
}

// AliveMembers returns the absolute ids of the live members in ascending
// order, the order a substrate shrink assigns current ranks in.
func (h *Hub) AliveMembers() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aliveListLocked()
}

func (h *Hub) shrink() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revoked = false
}

// rendezvous joins the current collective, creating it if absent, and
// blocks until every live member has joined. reduce computes every
// member's output from all inputs once the last member arrives.
func (h *Hub) rendezvous(
	self int,
	kind string,
	tag int,
	input interface{},
	reduce func(inputs map[int]interface{}, order []int) map[int]interface{},
) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.revoked {
		return nil, fmt.Errorf("memgroup: %s on revoked handle: %w", kind, comm.ErrRevoked)
	}
	if !h.alive[self] {
		return nil, fmt.Errorf("memgroup: dead peer %d calling %s: %w", self, kind, comm.ErrFault)
	}

	// A finished operation may still be draining; wait until it is cleared
	// before opening the next one.
	for h.op != nil && h.op.done && h.op.consumed[self] {
		h.cond.Wait()
	}

	if h.op == nil {
		h.op = &operation{
			kind:     kind,
			tag:      tag,
			inputs:   make(map[int]interface{}),
			consumed: make(map[int]bool),
		}
	}
	op := h.op
	if op.kind != kind || op.tag != tag {
		panic(fmt.Sprintf(
			"memgroup: mismatched collectives: peer %d called %s(tag %d) while %s(tag %d) is in flight",
			self, kind, tag, op.kind, op.tag,
		))
	}
	op.inputs[self] = input

	if !op.done && len(op.inputs) >= len(h.aliveListLocked()) {
		op.outputs = reduce(op.inputs, h.aliveListLocked())
		op.done = true
		h.cond.Broadcast()
	}
	for !op.done {
		h.cond.Wait()
	}

	op.consumed[self] = true
	h.maybeClearLocked(op)

	if op.err != nil {
		return nil, op.err
	}
	if op.outputs == nil {
		return nil, nil
	}
	return op.outputs[self], nil
}

// maybeClearLocked retires a finished operation once every live member has
// consumed its result.
func (h *Hub) maybeClearLocked(op *operation) {
	if h.op != op || !op.done {
		return
	}
	for _, id := range h.aliveListLocked() {
		if !op.consumed[id] {
			return
		}
	}
	h.op = nil
	h.cond.Broadcast()
}
