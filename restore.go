// Package restore provides a distributed, in-memory, replicated block store
// for fixed-size groups of peer processes on a fault-tolerant messaging
// substrate.
//
// Applications submit opaque binary blocks identified by 64-bit ids. Every
// block is replicated across ReplicationLevel peers according to a
// deterministic distribution, so that after up to ReplicationLevel-1
// simultaneous process failures any block remains retrievable by the
// survivors. After failures, surviving peers request the blocks they need
// with PushBlocks (requester and supplier both known) or PullBlocks (only
// the requester's desires known) and receive the serialized bytes back.
package restore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gzeit/ReStore/internal/retrieval"
	"github.com/gzeit/ReStore/internal/storage"
	"github.com/gzeit/ReStore/internal/submission"
	"github.com/gzeit/ReStore/pkg/comm"
	"github.com/gzeit/ReStore/pkg/distribution"
	"github.com/gzeit/ReStore/pkg/model"
	"github.com/gzeit/ReStore/pkg/permutation"
)

// Store is the replicated block store façade. All operations that touch the
// submitted data are serialized by one storage lock; only one submission or
// retrieval is in progress per Store at a time.
//
// Every data operation is a collective: all peers of the group must call it
// together with agreeing arguments.
type Store struct {
	cfg    Config
	logger *slog.Logger

	// mu is the storage lock guarding group, dist, blocks, perm and the
	// background submission state. An async submission's worker holds it
	// for the whole background phase.
	mu        sync.Mutex
	group     comm.Group
	dist      *distribution.Distribution
	blocks    *storage.Storage
	perm      permutation.Permutation
	bucketRun uint64

	submitResult chan error
	submitErr    error
}

// New creates a store on the given group. The logger may be nil.
func New(group comm.Group, cfg Config, logger *slog.Logger) (*Store, error) {
	if group == nil {
		return nil, fmt.Errorf("%w: group handle must not be nil", ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger, group: group}, nil
}

// ReplicationLevel returns how many copies of each block are scattered over
// the peers.
func (s *Store) ReplicationLevel() uint16 { return s.cfg.ReplicationLevel }

// OffsetMode returns the offset mode and the constant offset.
func (s *Store) OffsetMode() (model.OffsetMode, uint64) {
	return s.cfg.OffsetMode, s.cfg.ConstOffset
}

// UpdateComm installs a new group handle, typically after the old one was
// shrunk or revoked in response to peer failures.
func (s *Store) UpdateComm(group comm.Group) error {
	if group == nil {
		return fmt.Errorf("%w: group handle must not be nil", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = group
	return nil
}

// RanksDiedSinceLastCall reports, as original ranks, the peers that died
// since the previous invocation.
func (s *Store) RanksDiedSinceLastCall() []comm.OriginalRank {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group.RanksDiedSinceLastCall()
}

// SubmitOptions controls one SubmitBlocks call.
type SubmitOptions struct {
	// Async returns early and runs the exchange and store phases on a
	// background worker that holds the storage lock until completion. Use
	// PollSubmitFinished or WaitSubmitFinished to collect the result.
	Async bool
	// Parallel declares that the serializer may be invoked on different
	// blocks concurrently. Accepted for forward compatibility;
	// serialization currently runs sequentially.
	Parallel bool
}

func (s *Store) resetEpochLocked() {
	s.dist = nil
	s.blocks = nil
	s.perm = nil
	s.bucketRun = 0
}

func (s *Store) buildPermutation(totalBlocks uint64) (permutation.Permutation, uint64, error) {
	switch s.cfg.Permutation {
	case PermutationIdentity:
		return permutation.Identity{}, 0, nil
	case PermutationFeistel:
		p, err := permutation.NewRangePreserving(
			totalBlocks, s.cfg.BucketSize,
			func(maxBucket uint64) permutation.Permutation {
				return permutation.NewFeistelFromSeed(maxBucket, s.cfg.Seed)
			})
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return p, s.cfg.BucketSize, nil
	case PermutationLCG:
		p, err := permutation.NewRangePreserving(
			totalBlocks, s.cfg.BucketSize,
			func(maxBucket uint64) permutation.Permutation {
				return permutation.NewLCG(maxBucket)
			})
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return p, s.cfg.BucketSize, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown permutation %q", ErrInvalidArgument, s.cfg.Permutation)
	}
}

// SubmitBlocks replicates the caller's blocks among the peers. Every peer
// must call it collectively; it blocks until the exchange completes (or,
// with opts.Async, until the local serialization completes).
//
// serialize is invoked exactly once per block, even when the block has
// several receivers. next produces the caller's blocks one at a time;
// totalBlocks is the total count across all peers. Resubmitting replaces
// the previous epoch's distribution, storage and permutation.
//
// A peer failure during the exchange discards the epoch and is returned as
// an error wrapping ErrFault; the caller is expected to shrink the group,
// update the handle, and re-submit.
func (s *Store) SubmitBlocks(
	serialize model.SerializeFunc,
	next model.NextBlockFunc,
	totalBlocks uint64,
	opts SubmitOptions,
) error {
	if totalBlocks < 2 {
		return fmt.Errorf(
			"%w: at least 2 blocks are required, got %d", ErrInvalidArgument, totalBlocks,
		)
	}

	s.mu.Lock()
	s.submitResult = nil
	s.submitErr = nil

	// Original ranks are defined as the ranks during this call.
	s.group.ResetOriginalToCurrent()

	dist, err := distribution.New(totalBlocks, s.group.OriginalSize(), s.cfg.ReplicationLevel)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	perm, bucketRun, err := s.buildPermutation(totalBlocks)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	blocks, err := storage.New(dist, s.group.MyOriginalRank(), s.cfg.ConstOffset)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.dist, s.blocks, s.perm, s.bucketRun = dist, blocks, perm, bucketRun

	proto := submission.New(s.group, dist, perm, s.cfg.ConstOffset, s.logger)
	stream, err := proto.SerializeBlocks(serialize, next)
	if err != nil {
		s.resetEpochLocked()
		s.mu.Unlock()
		return err
	}

	finish := func() error {
		received, exchangeErr := proto.ExchangeData(stream)
		stream.Release()
		if exchangeErr != nil {
			if errors.Is(exchangeErr, comm.ErrFault) {
				s.resetEpochLocked()
			}
			return exchangeErr
		}
		return proto.ParseMessages(received, blocks.WriteConsecutiveBlocks)
	}

	if opts.Async {
		result := make(chan error, 1)
		s.submitResult = result
		go func() {
			result <- finish()
			s.mu.Unlock()
		}()
		return nil
	}

	defer s.mu.Unlock()
	return finish()
}

// PollSubmitFinished reports whether an asynchronous submission has
// completed, without blocking, and returns its result once it has.
func (s *Store) PollSubmitFinished() (bool, error) {
	if s.submitResult == nil {
		return true, s.submitErr
	}
	select {
	case err := <-s.submitResult:
		s.submitErr = err
		s.submitResult = nil
		return true, err
	default:
		return false, nil
	}
}

// WaitSubmitFinished blocks until an asynchronous submission has completed
// and returns its result.
func (s *Store) WaitSubmitFinished() error {
	if s.submitResult == nil {
		return s.submitErr
	}
	err := <-s.submitResult
	s.submitErr = err
	s.submitResult = nil
	return err
}

func (s *Store) validateRangeLocked(r model.Range) error {
	if r.Length > 0 && (r.First >= s.dist.NumBlocks() || r.Length > s.dist.NumBlocks()-r.First) {
		return fmt.Errorf(
			"%w: requested blocks [%d, %d) outside [0, %d)",
			ErrInvalidArgument, r.First, r.First+r.Length, s.dist.NumBlocks(),
		)
	}
	return nil
}

func (s *Store) retrievalLocked() (*retrieval.Protocol, error) {
	if s.dist == nil {
		return nil, fmt.Errorf(
			"restore: no replicated data in the store: %w", ErrUnrecoverableDataLoss,
		)
	}
	return retrieval.New(
		s.group, s.dist, s.perm, s.blocks, s.cfg.ConstOffset, s.bucketRun, s.logger,
	), nil
}

// PushBlocks ships requested block ranges to their named destinations.
// Every peer must pass the same request list; each peer then knows both
// which blocks to supply and which to expect. deserialize is invoked once
// per received block, in ascending internal id order per supplier, with a
// pointer into the receive buffer that is only valid for the duration of
// the call.
func (s *Store) PushBlocks(
	requests []model.RangeRequest,
	deserialize model.DeserializeFunc,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proto, err := s.retrievalLocked()
	if err != nil {
		return err
	}

	var internal []retrieval.Request
	for _, req := range requests {
		if err := s.validateRangeLocked(req.Range); err != nil {
			return err
		}
		for _, r := range proto.ProjectRange(req.Range) {
			internal = append(internal, retrieval.Request{
				First: r.First, Length: r.Length, Dest: req.Dest,
			})
		}
	}

	if err := proto.Push(internal, deserialize); err != nil {
		if errors.Is(err, comm.ErrFault) {
			s.resetEpochLocked()
		}
		return err
	}
	return nil
}

// PullBlocks fetches the block ranges the caller wants without naming the
// suppliers. An extra request round tells each supplier who wants what;
// the peers therefore need not agree on the request lists, but all must
// call PullBlocks collectively.
func (s *Store) PullBlocks(
	ranges []model.Range,
	deserialize model.DeserializeFunc,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proto, err := s.retrievalLocked()
	if err != nil {
		return err
	}

	var internal []model.Range
	for _, r := range ranges {
		if err := s.validateRangeLocked(r); err != nil {
			return err
		}
		internal = append(internal, proto.ProjectRange(r)...)
	}

	if err := proto.Pull(internal, deserialize); err != nil {
		if errors.Is(err, comm.ErrFault) {
			s.resetEpochLocked()
		}
		return err
	}
	return nil
}
