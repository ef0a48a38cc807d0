// Package model holds the shared types of the block store's public surface:
// offset modes, request ranges and the serialization callbacks the
// application provides.
package model

import (
	"fmt"
	"io"

	"github.com/gzeit/ReStore/pkg/comm"
)

// OffsetMode selects how serialized blocks are addressed in memory.
type OffsetMode uint8

const (
	// OffsetModeConstant stores every block in exactly ConstOffset bytes;
	// the i-th block of a range sits at offset i*ConstOffset.
	OffsetModeConstant OffsetMode = iota
	// OffsetModeLookupTable keeps a per-block offset table, allowing
	// variable-length blocks. Reserved; not implemented yet.
	OffsetModeLookupTable
)

// String returns the yaml/config name of the mode.
func (m OffsetMode) String() string {
	switch m {
	case OffsetModeConstant:
		return "constant"
	case OffsetModeLookupTable:
		return "lookupTable"
	default:
		return fmt.Sprintf("OffsetMode(%d)", uint8(m))
	}
}

// MarshalYAML encodes the mode as its config name.
func (m OffsetMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML decodes the mode from its config name.
func (m *OffsetMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	switch name {
	case "constant":
		*m = OffsetModeConstant
	case "lookupTable":
		*m = OffsetModeLookupTable
	default:
		return fmt.Errorf("model: unknown offset mode %q", name)
	}
	return nil
}

// Range is a half-open run [First, First+Length) of user block ids.
type Range struct {
	First  uint64
	Length uint64
}

// RangeRequest names a range of user block ids and the current rank that
// wants it delivered. Used by the push retrieval path.
type RangeRequest struct {
	Range Range
	Dest  comm.CurrentRank
}

// NextBlockFunc produces the next block to submit. It returns ok == false
// when the stream is exhausted; id and value are undefined in that case.
// Called sequentially by the submission protocol.
type NextBlockFunc func() (id uint64, value interface{}, ok bool)

// SerializeFunc writes the flat representation of one block value to w. In
// constant offset mode it must write at most ConstOffset bytes; shorter
// writes are zero-padded.
type SerializeFunc func(value interface{}, w io.Writer) error

// DeserializeFunc consumes one received block. data is borrowed from the
// receive buffer and is only valid for the duration of the call.
type DeserializeFunc func(data []byte, id uint64) error
