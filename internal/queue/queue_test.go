package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlipsync/internal/frames"
)

func descs(chunk int, seqs ...int) []frames.FrameDescriptor {
	out := make([]frames.FrameDescriptor, len(seqs))
	for i, s := range seqs {
		out[i] = frames.FrameDescriptor{
			Key:       frames.KeyFor("talk", s, "s0"),
			Sequence:  s,
			Animation: "talk",
			Chunk:     chunk,
		}
	}
	return out
}

func sequences(fs []frames.FrameDescriptor) []int {
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = f.Sequence
	}
	return out
}

func TestQueue_OutOfOrderFramesAreSorted(t *testing.T) {
	var q Queue
	q, n := q.AddFrames(0, descs(0, 3, 1, 2))
	assert.Equal(t, 3, n)
	q, n = q.AddFrames(0, descs(0, 0, 2))
	assert.Equal(t, 1, n, "duplicate sequence ignored")

	c, ok := q.Get(0)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2, 3}, sequences(c.Frames))
	assert.Equal(t, "talk", c.Animation)
	assert.Equal(t, 4, q.Buffered(0))
}

func TestQueue_IsPersistent(t *testing.T) {
	var q Queue
	q1, _ := q.AddFrames(0, descs(0, 0, 1))
	q2, _ := q1.AddFrames(0, descs(0, 2))
	q3, _, _ := q2.Take(0)

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, q1.Buffered(0))
	assert.Equal(t, 3, q2.Buffered(0))
	assert.Equal(t, 0, q3.Len())
}

func TestQueue_OpenKeepsEarlyFrames(t *testing.T) {
	var q Queue
	q, _ = q.AddFrames(2, descs(2, 1, 0))

	q = q.Open(frames.Chunk{
		Index:     2,
		Animation: "talk_b",
		Sections:  []frames.Section{{Index: 0, FrameCount: 2}, {Index: 1, FrameCount: 1}},
	})

	c, _ := q.Get(2)
	assert.Equal(t, "talk_b", c.Animation)
	assert.Equal(t, 3, c.Expected)
	assert.False(t, c.Ready)
	assert.Equal(t, []int{0, 1}, sequences(c.Frames))

	q, _ = q.AddFrames(2, descs(2, 2))
	assert.True(t, q.Ready(2), "ready once expected count reached")
}

func TestQueue_MarkReady(t *testing.T) {
	var q Queue
	q = q.MarkReady(5)
	assert.True(t, q.Ready(5))
	assert.False(t, q.Admissible(5, 10), "empty chunk never plays")

	q, _ = q.AddFrames(5, descs(5, 0))
	assert.True(t, q.Admissible(5, 10))

	q = q.Open(frames.Chunk{Index: 5, Animation: "x"})
	assert.True(t, q.Ready(5), "metadata does not clear ready")
}

func TestQueue_Admissible(t *testing.T) {
	tests := []struct {
		name  string
		seqs  []int
		ready bool
		want  bool
	}{
		{"below threshold", []int{0, 1, 2, 3, 4}, false, false},
		{"at threshold", []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, false, true},
		{"short but complete", []int{0, 1}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Queue
			q, _ = q.AddFrames(0, descs(0, tt.seqs...))
			if tt.ready {
				q = q.MarkReady(0)
			}
			assert.Equal(t, tt.want, q.Admissible(0, 10))
		})
	}
}

func TestQueue_NextDropClear(t *testing.T) {
	var q Queue
	for _, idx := range []int{4, 1, 3} {
		q, _ = q.AddFrames(idx, descs(idx, 0))
	}

	next, ok := q.Next(0)
	require.True(t, ok)
	assert.Equal(t, 1, next)
	next, _ = q.Next(2)
	assert.Equal(t, 3, next)
	_, ok = q.Next(5)
	assert.False(t, ok)

	q = q.Drop(4)
	assert.Equal(t, []int{4}, q.Indices())
	assert.Equal(t, 1, q.Frames())

	q = q.Clear()
	assert.Equal(t, 0, q.Len())
	q = q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestMerge_DoesNotModifyInput(t *testing.T) {
	list := descs(0, 0, 2)
	out, n := Merge(list, descs(0, 1))

	assert.Equal(t, 1, n)
	assert.Equal(t, []int{0, 1, 2}, sequences(out))
	assert.Equal(t, []int{0, 2}, sequences(list))

	same, n := Merge(list, descs(0, 2))
	assert.Equal(t, 0, n)
	assert.Equal(t, []int{0, 2}, sequences(same))
}
