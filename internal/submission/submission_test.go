package submission

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzeit/ReStore/pkg/comm"
	"github.com/gzeit/ReStore/pkg/distribution"
	"github.com/gzeit/ReStore/pkg/permutation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendStreamFramesConsecutiveRuns(t *testing.T) {
	s := NewSendStream(2)

	holders := []comm.OriginalRank{0, 3}
	s.AppendBlock(4, 0, []byte{0xaa, 0xbb}, holders)
	s.AppendBlock(5, 0, []byte{0xcc, 0xdd}, holders)
	// A gap closes the frame.
	s.AppendBlock(8, 0, []byte{0xee, 0xff}, holders)

	want := []byte{
		4, 0, 0, 0, 0, 0, 0, 0, // first id 4 ...
		5, 0, 0, 0, 0, 0, 0, 0, // to id 5
		0xaa, 0xbb,
		0xcc, 0xdd,
		8, 0, 0, 0, 0, 0, 0, 0, // first id 8 ...
		8, 0, 0, 0, 0, 0, 0, 0, // to id 8
		0xee, 0xff,
	}
	assert.Equal(t, []comm.OriginalRank{0, 3}, s.Destinations())
	assert.Equal(t, want, s.Buffer(0))
	assert.Equal(t, want, s.Buffer(3))
	assert.Nil(t, s.Buffer(7))
}

// Consecutive ids that straddle a placement range boundary must not share
// a frame: the receiver bulk-writes each frame into a single range buffer.
func TestSendStreamClosesFrameAtRangeBoundary(t *testing.T) {
	s := NewSendStream(1)
	holders := []comm.OriginalRank{2}

	s.AppendBlock(9, 0, []byte{0x01}, holders)
	s.AppendBlock(10, 10, []byte{0x02}, holders) // 10 starts the next range

	want := []byte{
		9, 0, 0, 0, 0, 0, 0, 0,
		9, 0, 0, 0, 0, 0, 0, 0,
		0x01,
		10, 0, 0, 0, 0, 0, 0, 0,
		10, 0, 0, 0, 0, 0, 0, 0,
		0x02,
	}
	assert.Equal(t, want, s.Buffer(2))
}

// Three blocks of range 0 of (100 blocks, 10 ranks, r=3) end up in one
// frame each on the buffers of ranks 0, 3 and 6.
func TestSerializeBlocksForTransmission(t *testing.T) {
	dist, err := distribution.New(100, 10, 3)
	require.NoError(t, err)
	proto := New(nil, dist, permutation.Identity{}, 2, testLogger())

	type world struct {
		unicornCount uint8
		useMagic     bool
	}
	worlds := []world{{0, false}, {10, true}, {0, true}}

	next := 0
	stream, err := proto.SerializeBlocks(
		func(value interface{}, w io.Writer) error {
			v := value.(world)
			magic := byte(0)
			if v.useMagic {
				magic = 1
			}
			_, err := w.Write([]byte{v.unicornCount, magic})
			return err
		},
		func() (uint64, interface{}, bool) {
			if next >= len(worlds) {
				return 0, nil, false
			}
			id := uint64(next)
			next++
			return id, worlds[id], true
		})
	require.NoError(t, err)

	want := []byte{
		0, 0, 0, 0, 0, 0, 0, 0, // from block id 0
		2, 0, 0, 0, 0, 0, 0, 0, // to block id 2
		0, 0, // earth
		10, 1, // narnia
		0, 1, // middle earth
	}
	assert.Equal(t, []comm.OriginalRank{0, 3, 6}, stream.Destinations())
	for _, rank := range []comm.OriginalRank{0, 3, 6} {
		assert.Len(t, stream.Buffer(rank), 22)
		assert.Equal(t, want, stream.Buffer(rank))
	}
}

func TestSerializeBlocksPadsShortWrites(t *testing.T) {
	dist, err := distribution.New(100, 10, 3)
	require.NoError(t, err)
	proto := New(nil, dist, permutation.Identity{}, 4, testLogger())

	emitted := false
	stream, err := proto.SerializeBlocks(
		func(value interface{}, w io.Writer) error {
			_, err := w.Write([]byte{0x7f}) // one of four bytes
			return err
		},
		func() (uint64, interface{}, bool) {
			if emitted {
				return 0, nil, false
			}
			emitted = true
			return 0, nil, true
		})
	require.NoError(t, err)
	assert.Equal(t,
		[]byte{0x7f, 0, 0, 0},
		stream.Buffer(0)[FrameHeaderSize:])
}

func TestSerializeBlocksRejectsOverflowAndBadIds(t *testing.T) {
	dist, err := distribution.New(100, 10, 3)
	require.NoError(t, err)
	proto := New(nil, dist, permutation.Identity{}, 2, testLogger())

	_, err = proto.SerializeBlocks(
		func(value interface{}, w io.Writer) error {
			_, err := w.Write([]byte{1, 2, 3}) // three of two bytes
			return err
		},
		oneBlock(5))
	assert.Error(t, err, "oversized serialization")

	_, err = proto.SerializeBlocks(discardSerializer, oneBlock(100))
	assert.Error(t, err, "block id out of range")
}

func oneBlock(id uint64) func() (uint64, interface{}, bool) {
	emitted := false
	return func() (uint64, interface{}, bool) {
		if emitted {
			return 0, nil, false
		}
		emitted = true
		return id, nil, true
	}
}

func discardSerializer(value interface{}, w io.Writer) error {
	var buf [2]byte
	_, err := w.Write(buf[:])
	return err
}

// Port of the classic parse fixtures: frames of two-byte blocks, headers
// little endian, ids inclusive.
func TestParseMessages(t *testing.T) {
	dist, err := distribution.New(100, 10, 3)
	require.NoError(t, err)
	proto := New(nil, dist, permutation.Identity{}, 2, testLogger())

	message1 := comm.RecvMessage{
		Src: 0,
		Data: []byte{
			1, 0, 0, 0, 0, 0, 0, 0, // id 1 ...
			1, 0, 0, 0, 0, 0, 0, 0, // to 1
			0x02, 0x02,
			3, 0, 0, 0, 0, 0, 0, 0, // id 3 ...
			3, 0, 0, 0, 0, 0, 0, 0, // to 3
			0x12, 0x23,
		},
	}
	message2 := comm.RecvMessage{
		Src: 2,
		Data: []byte{
			0, 0, 0, 0, 0, 0, 0, 0, // id 0 ...
			4, 0, 0, 0, 0, 0, 0, 0, // to 4
			0x02, 0x00,
			0x03, 0x00,
			0x04, 0x00,
			0x05, 0x00,
			0x06, 0x00,
		},
	}

	type frame struct {
		first, last uint64
		payload     []byte
	}
	var frames []frame
	err = proto.ParseMessages(
		[]comm.RecvMessage{message1, message2},
		func(first, last uint64, payload []byte) error {
			frames = append(frames, frame{first, last, append([]byte(nil), payload...)})
			return nil
		})
	require.NoError(t, err)

	require.Len(t, frames, 3)
	assert.Equal(t, frame{1, 1, []byte{0x02, 0x02}}, frames[0])
	assert.Equal(t, frame{3, 3, []byte{0x12, 0x23}}, frames[1])
	assert.Equal(t, frame{0, 4, []byte{2, 0, 3, 0, 4, 0, 5, 0, 6, 0}}, frames[2])
}

func TestParseMessagesRejectsMalformedFrames(t *testing.T) {
	dist, err := distribution.New(100, 10, 3)
	require.NoError(t, err)
	proto := New(nil, dist, permutation.Identity{}, 2, testLogger())

	noop := func(first, last uint64, payload []byte) error { return nil }

	err = proto.ParseMessages(
		[]comm.RecvMessage{{Src: 0, Data: []byte{1, 2, 3}}}, noop)
	assert.Error(t, err, "truncated header")

	inverted := make([]byte, 16)
	binary.LittleEndian.PutUint64(inverted, 5)
	binary.LittleEndian.PutUint64(inverted[8:], 3)
	err = proto.ParseMessages([]comm.RecvMessage{{Src: 0, Data: inverted}}, noop)
	assert.Error(t, err, "inverted frame")

	truncated := make([]byte, 17)
	binary.LittleEndian.PutUint64(truncated, 3)
	binary.LittleEndian.PutUint64(truncated[8:], 5)
	err = proto.ParseMessages([]comm.RecvMessage{{Src: 0, Data: truncated}}, noop)
	assert.Error(t, err, "truncated payload")

	err = proto.ParseMessages(nil, func(uint64, uint64, []byte) error {
		return fmt.Errorf("must not be called")
	})
	assert.NoError(t, err)
}
