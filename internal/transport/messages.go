package transport

import (
	"encoding/json"

	"github.com/normanking/cortexlipsync/internal/session"
)

// Message types sent by the backend
const (
	TypeChunkMetadata = "chunk_metadata"
	TypeFrameImage    = "frame_image"
	TypeAudioChunk    = "audio_chunk"
	TypeBaseAnimation = "base_animation"
	TypeBaseFrame     = "base_frame"
	TypeEndOfSpeech   = "end_of_speech"
	TypeClear         = "clear"
	TypeError         = "error"
)

// Envelope wraps every message on the stream
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// BaseFrame is one frame of a base animation streamed on its own
type BaseFrame struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Data  []byte `json:"image"`
}

// ErrorMessage reports a backend error
type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode wraps v in an envelope of type t
func Encode(t string, v any) ([]byte, error) {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Payload types carried by the envelope; byte fields travel as base64
type (
	ChunkMetadata = session.ChunkMetadata
	FrameImage    = session.FrameImage
	BaseAnimation = session.BaseAnimation
	AudioChunk    = session.AudioChunk
)
