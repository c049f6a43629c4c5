package session

import (
	"image"

	"github.com/normanking/cortexlipsync/internal/frames"
)

// SectionMeta announces one animation section of a chunk
type SectionMeta struct {
	Index      int    `json:"section_index"`
	Animation  string `json:"animation"`
	FrameCount int    `json:"frame_count"`
}

// FrameRef names an overlay frame whose pixels the client may already hold
type FrameRef struct {
	Sequence         int    `json:"sequence"`
	ContentID        string `json:"content_id"`
	MatchedBaseFrame int    `json:"matched_base_frame"`
	Section          int    `json:"section_index"`
	Rect             Rect   `json:"rect"`
}

// Rect is an on-screen rectangle in surface pixels
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) rectangle() image.Rectangle {
	if r.W <= 0 || r.H <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// ChunkMetadata describes a chunk before its frames arrive
type ChunkMetadata struct {
	Index             int           `json:"chunk_index"`
	Animation         string        `json:"animation"`
	OverlayX          int           `json:"overlay_x"`
	OverlayY          int           `json:"overlay_y"`
	Sections          []SectionMeta `json:"sections"`
	TotalFrames       int           `json:"total_frames"`
	MasterFramePlayAt int           `json:"master_frame_play_at"`
	Mode              string        `json:"mode"`
	Frames            []FrameRef    `json:"frames,omitempty"`
	Ready             bool          `json:"ready"`
}

func (m ChunkMetadata) chunk() frames.Chunk {
	c := frames.Chunk{
		Index:             m.Index,
		Animation:         m.Animation,
		OverlayPos:        image.Pt(m.OverlayX, m.OverlayY),
		Expected:          m.TotalFrames,
		MasterFramePlayAt: m.MasterFramePlayAt,
		Mode:              frames.ParseMode(m.Mode),
		Ready:             m.Ready,
	}
	for _, s := range m.Sections {
		c.Sections = append(c.Sections, frames.Section{
			Index:      s.Index,
			Animation:  s.Animation,
			FrameCount: s.FrameCount,
		})
	}
	if c.Expected == 0 {
		c.Expected = frames.ExpectedFrames(c.Sections)
	}
	return c
}

// FrameImage is one encoded overlay frame
type FrameImage struct {
	Chunk            int    `json:"chunk_index"`
	Sequence         int    `json:"sequence"`
	Animation        string `json:"animation"`
	MatchedBaseFrame int    `json:"matched_base_frame"`
	Section          int    `json:"section_index"`
	SheetID          string `json:"sheet_id,omitempty"`
	ContentID        string `json:"content_id,omitempty"`
	Rect             Rect   `json:"rect"`
	Data             []byte `json:"image"`
}

// BaseAnimation is a complete or partial idle loop
type BaseAnimation struct {
	Name     string   `json:"name"`
	Expected int      `json:"expected_frames"`
	Frames   [][]byte `json:"frames"`
}

// AudioChunk is one compressed audio chunk for a chunk index
type AudioChunk struct {
	Index  int    `json:"chunk_index"`
	Format string `json:"format"`
	Data   []byte `json:"audio"`
}
