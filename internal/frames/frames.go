// Package frames defines the data model shared by the playback engine:
// modes, decoded images, frame descriptors, chunks and composed frames.
package frames

import (
	"fmt"
	"image"
	"time"
)

// Mode is the engine's playback mode
type Mode int

const (
	ModeIdle Mode = iota
	ModeTalking
	ModeTransition
)

// Default frame intervals per mode
const (
	IdleInterval    = 100 * time.Millisecond
	TalkingInterval = 33 * time.Millisecond
)

// Interval returns the default target frame interval for the mode.
// Transition is timed like Talking.
func (m Mode) Interval() time.Duration {
	if m == ModeIdle {
		return IdleInterval
	}
	return TalkingInterval
}

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeTalking:
		return "talking"
	case ModeTransition:
		return "transition"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a metadata mode hint to a Mode. Unknown hints map to Talking.
func ParseMode(s string) Mode {
	switch s {
	case "idle":
		return ModeIdle
	case "transition":
		return ModeTransition
	default:
		return ModeTalking
	}
}

// Image is a decoded image handle
type Image struct {
	Pixels image.Image
	Bytes  int64 // decoded size used for cache budgeting
}

// NewImage wraps decoded pixels and computes their in-memory size.
func NewImage(px image.Image) *Image {
	if px == nil {
		return nil
	}
	b := px.Bounds()
	return &Image{Pixels: px, Bytes: int64(b.Dx()) * int64(b.Dy()) * 4}
}

// ContentKey addresses a decoded overlay image in the decode cache
type ContentKey string

// KeyFor derives a content key from animation identity, the matched base
// frame number and the sprite sheet the overlay was cut from.
func KeyFor(animation string, matchedBase int, sheetID string) ContentKey {
	return ContentKey(fmt.Sprintf("%s/%d/%s", animation, matchedBase, sheetID))
}

// ServerKey wraps a server-assigned content id.
func ServerKey(id string) ContentKey {
	return ContentKey("srv:" + id)
}

// FrameDescriptor describes one overlay frame awaiting playback.
// Pixels are resolved from the decode cache by Key at tick time.
type FrameDescriptor struct {
	Key              ContentKey
	Sequence         int
	Animation        string
	MatchedBaseFrame int
	Dest             image.Rectangle
	Chunk            int
	Section          int
}

// Section is one animation section announced in chunk metadata
type Section struct {
	Index      int
	Animation  string
	FrameCount int
}

// Chunk is a batch of overlay frames for one unit of synthesized speech
type Chunk struct {
	Index             int
	Frames            []FrameDescriptor
	OverlayPos        image.Point
	Animation         string
	Sections          []Section
	Expected          int // total frames announced by metadata, 0 if unknown
	MasterFramePlayAt int
	Mode              Mode
	Ready             bool
}

// ExpectedFrames sums the frame counts of the chunk's sections.
func ExpectedFrames(sections []Section) int {
	total := 0
	for _, s := range sections {
		total += s.FrameCount
	}
	return total
}

// Overlay is one image composited over the base at Dest
type Overlay struct {
	Image *Image
	Dest  image.Rectangle
	Alpha float64
}

// SyncStatus reports how the base image of a composed frame was resolved
type SyncStatus string

const (
	SyncMatched  SyncStatus = "matched"  // base frame matched the overlay's base number
	SyncLoop     SyncStatus = "loop"     // current idle-loop frame
	SyncStatic   SyncStatus = "static"   // last static base image
	SyncPrevious SyncStatus = "previous" // previous emitted base
	SyncNone     SyncStatus = "none"     // no base animation loaded yet
)

// ComposedFrame is what the render driver hands to the surface each tick
type ComposedFrame struct {
	Base       *Image
	Overlays   []Overlay
	Mode       Mode
	Chunk      int
	Sequence   int
	Animation  string
	Held       bool
	SyncStatus SyncStatus
}
