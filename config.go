package restore

import (
	"fmt"

	"github.com/gzeit/ReStore/pkg/model"
)

// PermutationKind selects how user block ids map to internal ids.
type PermutationKind string

const (
	// PermutationIdentity stores blocks under their user ids unchanged.
	PermutationIdentity PermutationKind = "identity"
	// PermutationFeistel scrambles bucket indices with a keyed four-round
	// Feistel permutation, preserving runs of BucketSize consecutive ids.
	PermutationFeistel PermutationKind = "feistel"
	// PermutationLCG scrambles bucket indices with a linear-congruential
	// permutation. Cheaper than Feistel, weaker scrambling.
	PermutationLCG PermutationKind = "lcg"
)

// Config holds the immutable parameters of a Store.
type Config struct {
	// ReplicationLevel is the number of distinct peers that hold a copy of
	// every block.
	ReplicationLevel uint16 `yaml:"replicationLevel"`
	// OffsetMode selects how serialized blocks are addressed in memory.
	OffsetMode model.OffsetMode `yaml:"offsetMode"`
	// ConstOffset is the serialized size of every block in bytes. Must be
	// greater than zero iff OffsetMode is constant.
	ConstOffset uint64 `yaml:"constOffset"`
	// Permutation selects the id permutation; empty means identity.
	Permutation PermutationKind `yaml:"permutation"`
	// BucketSize is the run length the permutation preserves. Ignored by
	// the identity permutation.
	BucketSize uint64 `yaml:"bucketSize"`
	// Seed keys the permutation. Ignored by the identity permutation.
	Seed uint64 `yaml:"seed"`
}

// withDefaults fills the optional fields.
func (c Config) withDefaults() Config {
	if c.Permutation == "" {
		c.Permutation = PermutationIdentity
	}
	if c.BucketSize == 0 && c.Permutation == PermutationIdentity {
		c.BucketSize = 1
	}
	return c
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.ReplicationLevel == 0 {
		return fmt.Errorf("%w: replication level must be at least 1", ErrInvalidArgument)
	}
	switch c.OffsetMode {
	case model.OffsetModeConstant:
		if c.ConstOffset == 0 {
			return fmt.Errorf(
				"%w: constant offset mode requires a constOffset > 0", ErrInvalidArgument,
			)
		}
	case model.OffsetModeLookupTable:
		if c.ConstOffset != 0 {
			return fmt.Errorf(
				"%w: lookup-table offset mode requires constOffset == 0", ErrInvalidArgument,
			)
		}
		return fmt.Errorf("%w: lookup-table offset mode", ErrNotImplemented)
	default:
		return fmt.Errorf("%w: unknown offset mode %v", ErrInvalidArgument, c.OffsetMode)
	}
	switch c.Permutation {
	case PermutationIdentity, PermutationFeistel, PermutationLCG:
	default:
		return fmt.Errorf("%w: unknown permutation %q", ErrInvalidArgument, c.Permutation)
	}
	if c.BucketSize == 0 {
		return fmt.Errorf("%w: bucket size must be at least 1", ErrInvalidArgument)
	}
	return nil
}
