package restore_test

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	restore "github.com/gzeit/ReStore"
	"github.com/gzeit/ReStore/pkg/comm"
	"github.com/gzeit/ReStore/pkg/comm/memgroup"
	"github.com/gzeit/ReStore/pkg/model"
)

const (
	numPeers      = 8
	blocksPerPeer = 1000 // blocks per peer in the end-to-end scenarios
)

func uint32Config() restore.Config {
	return restore.Config{
		ReplicationLevel: 3,
		OffsetMode:       model.OffsetModeConstant,
		ConstOffset:      4,
	}
}

func serializeUint32(value interface{}, w io.Writer) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value.(uint32))
	_, err := w.Write(buf[:])
	return err
}

// rankProducer emits the ids [rank*perPeer, (rank+1)*perPeer) with the id
// itself as payload, the data layout of the end-to-end scenarios.
func rankProducer(rank, perPeer int) model.NextBlockFunc {
	next := uint64(rank * perPeer)
	end := uint64((rank + 1) * perPeer)
	return func() (uint64, interface{}, bool) {
		if next >= end {
			return 0, nil, false
		}
		id := next
		next++
		return id, uint32(id), true
	}
}

// runPeers drives one body per peer concurrently and fails the test on any
// returned error.
func runPeers(t *testing.T, n int, body func(rank int) error) {
	t.Helper()
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = body(rank)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "peer %d", rank)
	}
}

func fullRangeRequests(total uint64, destinations int) []model.RangeRequest {
	requests := make([]model.RangeRequest, destinations)
	for i := range requests {
		requests[i] = model.RangeRequest{
			Range: model.Range{First: 0, Length: total},
			Dest:  comm.CurrentRank(i),
		}
	}
	return requests
}

// collectBlocks builds a deserializer that records every received block.
func collectBlocks(received map[uint64]uint32) model.DeserializeFunc {
	return func(data []byte, id uint64) error {
		if len(data) != 4 {
			return fmt.Errorf("block %d has %d bytes", id, len(data))
		}
		if _, dup := received[id]; dup {
			return fmt.Errorf("block %d delivered twice", id)
		}
		received[id] = binary.LittleEndian.Uint32(data)
		return nil
	}
}

func verifyAllBlocks(t *testing.T, rank int, received map[uint64]uint32, total uint64) {
	t.Helper()
	assert.Len(t, received, int(total), "peer %d", rank)
	for id, value := range received {
		if uint32(id) != value {
			t.Errorf("peer %d: block %d holds %d", rank, id, value)
			return
		}
	}
}

// Every peer submits a slab of u32 blocks and pushes the full id space to
// every peer; everyone receives every block, in ascending id order.
func TestEndToEndPushHappyPath(t *testing.T) {
	total := uint64(numPeers * blocksPerPeer)
	hub := memgroup.NewHub(numPeers)

	runPeers(t, numPeers, func(rank int) error {
		store, err := restore.New(hub.Member(rank), uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, blocksPerPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		nextExpected := uint64(0)
		err = store.PushBlocks(
			fullRangeRequests(total, numPeers),
			func(data []byte, id uint64) error {
				if id != nextExpected {
					return fmt.Errorf("expected block %d, got %d", nextExpected, id)
				}
				nextExpected++
				if binary.LittleEndian.Uint32(data) != uint32(id) {
					return fmt.Errorf("block %d corrupted", id)
				}
				return nil
			})
		if err != nil {
			return err
		}
		if nextExpected != total {
			return fmt.Errorf("received %d of %d blocks", nextExpected, total)
		}
		return nil
	})
}

// Two failures at r=3: every block still has a live replica, so a push of
// the full id space succeeds on the shrunken group.
func TestEndToEndPushAfterTwoFailures(t *testing.T) {
	total := uint64(numPeers * blocksPerPeer)
	hub := memgroup.NewHub(numPeers)
	failing := map[int]bool{1: true, 3: true}

	var failuresDone sync.WaitGroup
	failuresDone.Add(len(failing))

	runPeers(t, numPeers, func(rank int) error {
		group := hub.Member(rank)
		store, err := restore.New(group, uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, blocksPerPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		if failing[rank] {
			hub.Kill(rank)
			failuresDone.Done()
			return nil
		}
		failuresDone.Wait()

		if err := group.Shrink(); err != nil {
			return err
		}
		if err := store.UpdateComm(group); err != nil {
			return err
		}
		died := store.RanksDiedSinceLastCall()
		assert.ElementsMatch(t, []comm.OriginalRank{1, 3}, died)

		received := make(map[uint64]uint32)
		err = store.PushBlocks(
			fullRangeRequests(total, numPeers-len(failing)), collectBlocks(received))
		if err != nil {
			return err
		}
		verifyAllBlocks(t, rank, received, total)
		return nil
	})
}

// Three failures at r=2 wipe out both replicas of at least one range; the
// push reports unrecoverable loss and never invokes the deserializer.
func TestEndToEndIrrecoverableDataLoss(t *testing.T) {
	total := uint64(numPeers * blocksPerPeer)
	hub := memgroup.NewHub(numPeers)
	// With 8 peers at r=2 the shift is 5: range 1 lives on {1, 6} and
	// range 6 on {6, 3}, so these failures lose both ranges.
	failing := map[int]bool{1: true, 3: true, 6: true}

	cfg := uint32Config()
	cfg.ReplicationLevel = 2

	var failuresDone sync.WaitGroup
	failuresDone.Add(len(failing))

	runPeers(t, numPeers, func(rank int) error {
		group := hub.Member(rank)
		store, err := restore.New(group, cfg, nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, blocksPerPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		if failing[rank] {
			hub.Kill(rank)
			failuresDone.Done()
			return nil
		}
		failuresDone.Wait()

		if err := group.Shrink(); err != nil {
			return err
		}
		if err := store.UpdateComm(group); err != nil {
			return err
		}

		err = store.PushBlocks(
			fullRangeRequests(total, numPeers-len(failing)),
			func(data []byte, id uint64) error {
				return fmt.Errorf("deserializer invoked for block %d despite data loss", id)
			})
		assert.ErrorIs(t, err, restore.ErrUnrecoverableDataLoss, "peer %d", rank)
		return nil
	})
}

// Pull symmetry: the same data as the happy path, retrieved with pull
// requests instead of globally agreed push requests.
func TestEndToEndPullSymmetry(t *testing.T) {
	total := uint64(numPeers * blocksPerPeer)
	hub := memgroup.NewHub(numPeers)

	runPeers(t, numPeers, func(rank int) error {
		store, err := restore.New(hub.Member(rank), uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, blocksPerPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		received := make(map[uint64]uint32)
		err = store.PullBlocks(
			[]model.Range{{First: 0, Length: total}}, collectBlocks(received))
		if err != nil {
			return err
		}
		verifyAllBlocks(t, rank, received, total)
		return nil
	})
}

// Pull after failures: the request round reaches the surviving holders.
func TestEndToEndPullAfterFailures(t *testing.T) {
	total := uint64(numPeers * blocksPerPeer)
	hub := memgroup.NewHub(numPeers)
	failing := map[int]bool{2: true, 6: true}

	var failuresDone sync.WaitGroup
	failuresDone.Add(len(failing))

	runPeers(t, numPeers, func(rank int) error {
		group := hub.Member(rank)
		store, err := restore.New(group, uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, blocksPerPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		if failing[rank] {
			hub.Kill(rank)
			failuresDone.Done()
			return nil
		}
		failuresDone.Wait()

		if err := group.Shrink(); err != nil {
			return err
		}
		if err := store.UpdateComm(group); err != nil {
			return err
		}

		// Each survivor pulls only its own original slab plus a slice of a
		// dead peer's slab.
		received := make(map[uint64]uint32)
		want := []model.Range{
			{First: uint64(rank * blocksPerPeer), Length: blocksPerPeer},
			{First: uint64(2 * blocksPerPeer), Length: 100},
		}
		if err := store.PullBlocks(want, collectBlocks(received)); err != nil {
			return err
		}

		assert.Len(t, received, blocksPerPeer+100, "peer %d", rank)
		for id, value := range received {
			if uint32(id) != value {
				return fmt.Errorf("peer %d: block %d holds %d", rank, id, value)
			}
		}
		return nil
	})
}

// A second submission replaces the first epoch entirely.
func TestEndToEndResubmitReplacesData(t *testing.T) {
	const peers, perPeer = 4, 100
	total := uint64(peers * perPeer)
	hub := memgroup.NewHub(peers)

	runPeers(t, peers, func(rank int) error {
		store, err := restore.New(hub.Member(rank), uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, perPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		// Resubmit with shifted values.
		next := uint64(rank * perPeer)
		err = store.SubmitBlocks(
			serializeUint32,
			func() (uint64, interface{}, bool) {
				if next >= uint64((rank+1)*perPeer) {
					return 0, nil, false
				}
				id := next
				next++
				return id, uint32(id + 7), true
			},
			total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		received := make(map[uint64]uint32)
		err = store.PushBlocks(fullRangeRequests(total, peers), collectBlocks(received))
		if err != nil {
			return err
		}
		if len(received) != int(total) {
			return fmt.Errorf("received %d of %d blocks", len(received), total)
		}
		for id, value := range received {
			if value != uint32(id+7) {
				return fmt.Errorf("block %d holds stale value %d", id, value)
			}
		}
		return nil
	})
}

// Resubmission on the shrunken group after failures: the survivors form
// the new original group and retrieval serves the new data.
func TestEndToEndResubmitAfterFailures(t *testing.T) {
	total := uint64(numPeers * blocksPerPeer)
	hub := memgroup.NewHub(numPeers)
	failing := map[int]bool{1: true, 3: true}
	survivors := numPeers - len(failing)

	var failuresDone sync.WaitGroup
	failuresDone.Add(len(failing))

	runPeers(t, numPeers, func(rank int) error {
		group := hub.Member(rank)
		store, err := restore.New(group, uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, blocksPerPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		if failing[rank] {
			hub.Kill(rank)
			failuresDone.Done()
			return nil
		}
		failuresDone.Wait()

		if err := group.Shrink(); err != nil {
			return err
		}
		if err := store.UpdateComm(group); err != nil {
			return err
		}

		// The shrunken group submits a fresh, smaller data set, keyed by
		// current rank.
		current := int(group.MyCurrentRank())
		const perSurvivor = 500
		newTotal := uint64(survivors * perSurvivor)
		next := uint64(current * perSurvivor)
		err = store.SubmitBlocks(
			serializeUint32,
			func() (uint64, interface{}, bool) {
				if next >= uint64((current+1)*perSurvivor) {
					return 0, nil, false
				}
				id := next
				next++
				return id, uint32(id * 2), true
			},
			newTotal, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		received := make(map[uint64]uint32)
		err = store.PushBlocks(fullRangeRequests(newTotal, survivors), collectBlocks(received))
		if err != nil {
			return err
		}
		if len(received) != int(newTotal) {
			return fmt.Errorf("received %d of %d blocks", len(received), newTotal)
		}
		for id, value := range received {
			if value != uint32(id*2) {
				return fmt.Errorf("block %d holds %d", id, value)
			}
		}
		return nil
	})
}

// The Feistel permutation is transparent end to end: blocks come back
// under their user ids with their original bytes.
func TestEndToEndWithFeistelPermutation(t *testing.T) {
	const peers, perPeer = 8, 1024
	total := uint64(peers * perPeer)
	hub := memgroup.NewHub(peers)

	cfg := uint32Config()
	cfg.Permutation = restore.PermutationFeistel
	cfg.BucketSize = 16
	cfg.Seed = 42

	runPeers(t, peers, func(rank int) error {
		store, err := restore.New(hub.Member(rank), cfg, nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, perPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		received := make(map[uint64]uint32)
		err = store.PushBlocks(fullRangeRequests(total, peers), collectBlocks(received))
		if err != nil {
			return err
		}
		verifyAllBlocks(t, rank, received, total)
		return nil
	})
}

// Asynchronous submission: SubmitBlocks returns after serialization and
// the exchange completes on the worker; retrieval waits on the storage
// lock until the worker releases it.
func TestEndToEndAsyncSubmit(t *testing.T) {
	const peers, perPeer = 4, 200
	total := uint64(peers * perPeer)
	hub := memgroup.NewHub(peers)

	runPeers(t, peers, func(rank int) error {
		store, err := restore.New(hub.Member(rank), uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, perPeer), total,
			restore.SubmitOptions{Async: true})
		if err != nil {
			return err
		}
		if err := store.WaitSubmitFinished(); err != nil {
			return err
		}
		done, err := store.PollSubmitFinished()
		if err != nil || !done {
			return fmt.Errorf("poll after wait: done=%v err=%v", done, err)
		}

		received := make(map[uint64]uint32)
		err = store.PushBlocks(fullRangeRequests(total, peers), collectBlocks(received))
		if err != nil {
			return err
		}
		verifyAllBlocks(t, rank, received, total)
		return nil
	})
}

// An injected fault during retrieval discards the epoch: the next
// retrieval reports data loss until the group resubmits.
func TestEndToEndFaultResetsEpoch(t *testing.T) {
	const peers, perPeer = 4, 100
	total := uint64(peers * perPeer)
	hub := memgroup.NewHub(peers)

	runPeers(t, peers, func(rank int) error {
		group := hub.Member(rank)
		store, err := restore.New(group, uint32Config(), nil)
		if err != nil {
			return err
		}
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, perPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}

		// Every peer observes the fault on its next exchange.
		group.FailNextCall()
		err = store.PushBlocks(
			fullRangeRequests(total, peers),
			func([]byte, uint64) error { return nil })
		assert.ErrorIs(t, err, restore.ErrFault, "peer %d", rank)

		err = store.PushBlocks(
			fullRangeRequests(total, peers),
			func([]byte, uint64) error { return nil })
		assert.ErrorIs(t, err, restore.ErrUnrecoverableDataLoss, "peer %d", rank)

		// The group is intact (the fault was injected), so a resubmission
		// restores service.
		err = store.SubmitBlocks(
			serializeUint32, rankProducer(rank, perPeer), total, restore.SubmitOptions{})
		if err != nil {
			return err
		}
		received := make(map[uint64]uint32)
		err = store.PushBlocks(fullRangeRequests(total, peers), collectBlocks(received))
		if err != nil {
			return err
		}
		verifyAllBlocks(t, rank, received, total)
		return nil
	})
}
