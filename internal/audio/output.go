package audio

import (
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"
)

// Output is the audio device collaborator. Schedule appends PCM to the
// playback stream and returns without waiting for it to play.
type Output interface {
	Schedule(pcm []byte) error
	// Buffered returns how much scheduled audio has not played yet
	Buffered() time.Duration
	// Reset discards scheduled audio
	Reset()
	Close() error
}

// pcmDuration is the play time of 16-bit stereo PCM at sampleRate
func pcmDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	frames := n / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// NullOutput discards audio but keeps a playhead that advances in real
// time, so lifecycle events fire as they would on a device.
type NullOutput struct {
	sampleRate int
	now        func() time.Time

	mu  sync.Mutex
	end time.Time
}

// NewNullOutput creates a silent output. now may be nil.
func NewNullOutput(sampleRate int, now func() time.Time) *NullOutput {
	if now == nil {
		now = time.Now
	}
	return &NullOutput{sampleRate: sampleRate, now: now}
}

func (o *NullOutput) Schedule(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if o.end.Before(now) {
		o.end = now
	}
	o.end = o.end.Add(pcmDuration(len(pcm), o.sampleRate))
	return nil
}

func (o *NullOutput) Buffered() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	if d := o.end.Sub(o.now()); d > 0 {
		return d
	}
	return 0
}

func (o *NullOutput) Reset() {
	o.mu.Lock()
	o.end = time.Time{}
	o.mu.Unlock()
}

func (o *NullOutput) Close() error { return nil }

// stream is an endless reader over scheduled PCM. It plays silence while
// nothing is scheduled so the device player never stops.
type stream struct {
	mu  sync.Mutex
	buf []byte
}

func (s *stream) Read(p []byte) (int, error) {
	// Whole sample frames only
	m := len(p) - len(p)%bytesPerFrame

	s.mu.Lock()
	n := copy(p[:m], s.buf)
	s.buf = s.buf[n:]
	s.mu.Unlock()

	for i := n; i < m; i++ {
		p[i] = 0
	}
	return m, nil
}

func (s *stream) append(pcm []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
}

func (s *stream) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *stream) reset() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

// EbitenOutput plays PCM through an ebiten audio context
type EbitenOutput struct {
	ctx    *audio.Context
	player *audio.Player
	src    *stream
}

// NewEbitenOutput starts a streaming player on ctx. ebiten allows one
// context per process; pass the context the surface uses.
func NewEbitenOutput(ctx *audio.Context, volume float64) (*EbitenOutput, error) {
	src := &stream{}
	p, err := ctx.NewPlayer(src)
	if err != nil {
		return nil, err
	}
	p.SetBufferSize(50 * time.Millisecond)
	p.SetVolume(volume)
	p.Play()
	return &EbitenOutput{ctx: ctx, player: p, src: src}, nil
}

func (o *EbitenOutput) Schedule(pcm []byte) error {
	o.src.append(pcm)
	return nil
}

func (o *EbitenOutput) Buffered() time.Duration {
	return pcmDuration(o.src.pending(), o.ctx.SampleRate())
}

func (o *EbitenOutput) Reset() {
	o.src.reset()
}

// SetVolume changes the playback volume
func (o *EbitenOutput) SetVolume(v float64) {
	o.player.SetVolume(v)
}

func (o *EbitenOutput) Close() error {
	return o.player.Close()
}
