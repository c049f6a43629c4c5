package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hajimehoshi/ebiten/v2/audio/mp3"
	"github.com/hajimehoshi/ebiten/v2/audio/wav"
	"gopkg.in/hraban/opus.v2"
)

// Payload formats
const (
	FormatPCM16 = "pcm16"
	FormatWAV   = "wav"
	FormatMP3   = "mp3"
	FormatOpus  = "opus"
)

var (
	ErrUnknownFormat = errors.New("unknown audio format")
	ErrTruncated     = errors.New("truncated audio payload")
)

// bytesPerFrame is the size of one output sample frame: 16-bit little
// endian stereo, the layout the output device consumes.
const bytesPerFrame = 4

// Decoder converts one compressed payload to 16-bit little endian stereo
// PCM at the pipeline sample rate.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc func(payload []byte) ([]byte, error)

func (f DecoderFunc) Decode(payload []byte) ([]byte, error) { return f(payload) }

// NewDecoder returns the decoder for format. channels is the channel count
// of raw pcm16 and opus payloads; wav and mp3 carry their own.
func NewDecoder(format string, sampleRate, channels int) (Decoder, error) {
	switch strings.ToLower(format) {
	case FormatPCM16, "pcm", "":
		return pcm16Decoder{channels: channels}, nil
	case FormatWAV:
		return DecoderFunc(func(p []byte) ([]byte, error) {
			s, err := wav.DecodeWithSampleRate(sampleRate, bytes.NewReader(p))
			if err != nil {
				return nil, fmt.Errorf("wav: %w", err)
			}
			return io.ReadAll(s)
		}), nil
	case FormatMP3:
		return DecoderFunc(func(p []byte) ([]byte, error) {
			s, err := mp3.DecodeWithSampleRate(sampleRate, bytes.NewReader(p))
			if err != nil {
				return nil, fmt.Errorf("mp3: %w", err)
			}
			return io.ReadAll(s)
		}), nil
	case FormatOpus:
		return &opusDecoder{sampleRate: sampleRate, channels: channels}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type pcm16Decoder struct {
	channels int
}

func (d pcm16Decoder) Decode(p []byte) ([]byte, error) {
	if len(p)%2 != 0 {
		return nil, ErrTruncated
	}
	if d.channels == 2 {
		if len(p)%bytesPerFrame != 0 {
			return nil, ErrTruncated
		}
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	}
	samples := make([]int16, len(p)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(p[2*i:]))
	}
	return monoToStereo(samples), nil
}

// opusDecoder reads a sequence of packets, each prefixed with its length as
// a 2-byte big endian integer.
type opusDecoder struct {
	sampleRate int
	channels   int
}

// maxOpusFrame is 120ms at 48kHz, the longest frame opus allows
const maxOpusFrame = 5760

func (d *opusDecoder) Decode(p []byte) ([]byte, error) {
	dec, err := opus.NewDecoder(d.sampleRate, d.channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}

	buf := make([]int16, maxOpusFrame*d.channels)
	var pcm []int16
	for len(p) > 0 {
		if len(p) < 2 {
			return nil, ErrTruncated
		}
		n := int(binary.BigEndian.Uint16(p))
		p = p[2:]
		if n > len(p) {
			return nil, ErrTruncated
		}
		samples, err := dec.Decode(p[:n], buf)
		if err != nil {
			return nil, fmt.Errorf("opus packet: %w", err)
		}
		pcm = append(pcm, buf[:samples*d.channels]...)
		p = p[n:]
	}

	if d.channels == 2 {
		out := make([]byte, len(pcm)*2)
		for i, s := range pcm {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
		}
		return out, nil
	}
	return monoToStereo(pcm), nil
}

func monoToStereo(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerFrame)
	for i, s := range samples {
		off := bytesPerFrame * i
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		binary.LittleEndian.PutUint16(out[off+2:], uint16(s))
	}
	return out
}
