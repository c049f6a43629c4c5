// Package queue assembles pending chunks from metadata and frames that
// arrive in any order.
//
// Queue is a persistent value: every method that changes it returns a new
// Queue and leaves the receiver untouched, so it can live inside an
// atomically published snapshot and be read without locking.
package queue

import (
	"sort"

	"github.com/normanking/cortexlipsync/internal/frames"
)

// Queue holds chunks awaiting playback keyed by chunk index.
// The zero value is an empty queue.
type Queue struct {
	chunks map[int]frames.Chunk
}

func (q Queue) clone(extra int) Queue {
	m := make(map[int]frames.Chunk, len(q.chunks)+extra)
	for k, v := range q.chunks {
		m[k] = v
	}
	return Queue{chunks: m}
}

// Open records chunk metadata. Frames that arrived before the metadata are
// kept; fields from meta override the placeholder's.
func (q Queue) Open(meta frames.Chunk) Queue {
	out := q.clone(1)
	c, ok := out.chunks[meta.Index]
	meta.Frames, _ = Merge(c.Frames, meta.Frames)
	if ok {
		meta.Ready = meta.Ready || c.Ready
		if meta.Animation == "" {
			meta.Animation = c.Animation
		}
	}
	if meta.Expected == 0 {
		meta.Expected = frames.ExpectedFrames(meta.Sections)
	}
	out.chunks[meta.Index] = complete(meta)
	return out
}

// AddFrames merges frames into chunk index, creating a placeholder chunk if
// metadata has not arrived. Duplicate sequences are ignored. It returns the
// number of frames actually added.
func (q Queue) AddFrames(index int, fs []frames.FrameDescriptor) (Queue, int) {
	out := q.clone(1)
	c, ok := out.chunks[index]
	if !ok {
		c = frames.Chunk{Index: index, Mode: frames.ModeTalking}
	}
	merged, added := Merge(c.Frames, fs)
	if added == 0 && ok {
		return q, 0
	}
	c.Frames = merged
	if c.Animation == "" && len(merged) > 0 {
		c.Animation = merged[0].Animation
	}
	out.chunks[index] = complete(c)
	return out, added
}

// MarkReady flags chunk index as complete
func (q Queue) MarkReady(index int) Queue {
	out := q.clone(1)
	c, ok := out.chunks[index]
	if !ok {
		c = frames.Chunk{Index: index, Mode: frames.ModeTalking}
	}
	c.Ready = true
	out.chunks[index] = c
	return out
}

// Get returns chunk index
func (q Queue) Get(index int) (frames.Chunk, bool) {
	c, ok := q.chunks[index]
	return c, ok
}

// Buffered returns the number of frames held for chunk index
func (q Queue) Buffered(index int) int {
	return len(q.chunks[index].Frames)
}

// Ready reports whether chunk index is complete
func (q Queue) Ready(index int) bool {
	return q.chunks[index].Ready
}

// Admissible reports whether chunk index may start playing: it is complete
// and non-empty, or it has buffered at least threshold frames.
func (q Queue) Admissible(index, threshold int) bool {
	c, ok := q.chunks[index]
	if !ok || len(c.Frames) == 0 {
		return false
	}
	return c.Ready || len(c.Frames) >= threshold
}

// Take removes chunk index and returns it
func (q Queue) Take(index int) (Queue, frames.Chunk, bool) {
	c, ok := q.chunks[index]
	if !ok {
		return q, frames.Chunk{}, false
	}
	out := q.clone(0)
	delete(out.chunks, index)
	return out, c, true
}

// Next returns the lowest pending chunk index >= from
func (q Queue) Next(from int) (int, bool) {
	best, found := 0, false
	for idx := range q.chunks {
		if idx >= from && (!found || idx < best) {
			best, found = idx, true
		}
	}
	return best, found
}

// Drop removes every chunk with index below below
func (q Queue) Drop(below int) Queue {
	dirty := false
	for idx := range q.chunks {
		if idx < below {
			dirty = true
			break
		}
	}
	if !dirty {
		return q
	}
	out := q.clone(0)
	for idx := range out.chunks {
		if idx < below {
			delete(out.chunks, idx)
		}
	}
	return out
}

// Clear returns an empty queue
func (q Queue) Clear() Queue {
	return Queue{}
}

// Len returns the number of pending chunks
func (q Queue) Len() int {
	return len(q.chunks)
}

// Indices returns pending chunk indices in ascending order
func (q Queue) Indices() []int {
	out := make([]int, 0, len(q.chunks))
	for idx := range q.chunks {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Frames returns the total number of buffered frames across all chunks
func (q Queue) Frames() int {
	n := 0
	for _, c := range q.chunks {
		n += len(c.Frames)
	}
	return n
}

func complete(c frames.Chunk) frames.Chunk {
	if c.Expected > 0 && len(c.Frames) >= c.Expected {
		c.Ready = true
	}
	return c
}

// Merge inserts add into list keeping it sorted by Sequence. Frames whose
// sequence is already present are ignored. list is never modified; the
// result is a new slice whenever anything was added.
func Merge(list, add []frames.FrameDescriptor) ([]frames.FrameDescriptor, int) {
	if len(add) == 0 {
		return list, 0
	}

	seen := make(map[int]struct{}, len(list)+len(add))
	for _, f := range list {
		seen[f.Sequence] = struct{}{}
	}

	out := make([]frames.FrameDescriptor, len(list), len(list)+len(add))
	copy(out, list)
	added := 0
	for _, f := range add {
		if _, dup := seen[f.Sequence]; dup {
			continue
		}
		seen[f.Sequence] = struct{}{}
		out = append(out, f)
		added++
	}
	if added == 0 {
		return list, 0
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, added
}
