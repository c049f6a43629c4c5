// Package session is the portable surface of the playback core. A Session
// owns one engine with its cache, base loop, audio pipeline and sync
// coordinator; transports and surfaces talk only to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/avsync"
	"github.com/normanking/cortexlipsync/internal/baseloop"
	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/cache"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/diagnostics"
	"github.com/normanking/cortexlipsync/internal/engine"
	"github.com/normanking/cortexlipsync/internal/frames"
	"github.com/normanking/cortexlipsync/internal/imagedec"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrNoBaseLoop = errors.New("no base animation frame decoded")
)

// Option configures a Session
type Option func(*options)

type options struct {
	output audio.Output
	sink   *diagnostics.Sink
	now    func() time.Time
	audio  []audio.Option
}

// WithOutput sets the audio device. Without it audio plays to a silent
// clock-driven output.
func WithOutput(out audio.Output) Option {
	return func(o *options) { o.output = out }
}

// WithDiagnostics records bus events and drift samples in sink
func WithDiagnostics(sink *diagnostics.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithClock replaces time.Now in the engine
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAudioOptions passes options to the audio pipeline
func WithAudioOptions(opts ...audio.Option) Option {
	return func(o *options) { o.audio = append(o.audio, opts...) }
}

// Stats aggregates the state of every session component
type Stats struct {
	ID            string
	Engine        engine.Stats
	Audio         audio.Stats
	Cache         cache.Stats
	ImagesDecoded int64
	ImagesFailed  int64
	Dropped       int64
	BusDropped    int64
}

// Session is one playback session
type Session struct {
	id     string
	cfg    *config.Config
	logger zerolog.Logger

	bus    *bus.Bus
	cache  *cache.Cache
	base   *baseloop.Loop
	engine *engine.Engine
	audio  *audio.Pipeline
	sync   *avsync.Coordinator
	images *imagedec.Pool
	sink   *diagnostics.Sink
	subs   []bus.Subscription

	maxChunk atomic.Int64
	dropped  atomic.Int64

	mu        sync.Mutex
	decoding  int
	speechEnd int // chunk to mark ready once decoding drains, -1 when none

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

// New assembles a session from cfg. Call Start to run its workers.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	id := uuid.NewString()
	logger = logger.With().Str("session", id).Logger()

	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    logger.With().Str("component", "session").Logger(),
		bus:       bus.New(0),
		sink:      o.sink,
		speechEnd: -1,
	}
	s.maxChunk.Store(-1)

	s.cache = cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
	}, logger)
	s.base = baseloop.New(logger)
	s.engine = engine.New(engine.Config{
		BufferThreshold: cfg.Engine.BufferThreshold,
		OverlapFrames:   cfg.Engine.OverlapFrames,
		IdleInterval:    cfg.Engine.IdleInterval,
		TalkingInterval: cfg.Engine.TalkingInterval,
		CrossfadeFrames: cfg.Engine.CrossfadeFrames,
		MaxMissHolds:    cfg.Engine.MaxMissHolds,
		UnreadyTimeout:  cfg.Engine.UnreadyTimeout,
		DrainTimeout:    cfg.Engine.DrainTimeout,
	}, s.cache, s.base, logger, engine.WithClock(o.now), engine.WithEvents(s.bus))

	out := o.output
	if out == nil {
		out = audio.NewNullOutput(cfg.Audio.SampleRate, nil)
	}
	audioOpts := append([]audio.Option{audio.WithEvents(s.bus)}, o.audio...)
	s.audio = audio.New(audio.Config{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Workers:    cfg.Audio.DecodeWorkers,
		GapTimeout: cfg.Audio.GapTimeout,
		Format:     cfg.Audio.Format,
	}, out, logger, audioOpts...)

	var rec avsync.Recorder
	if s.sink != nil {
		rec = s.sink
		s.subs = append(s.subs, s.sink.Attach(s.bus))
	}
	s.sync = avsync.New(s.engine, cfg.Engine.StopGrace, cfg.Engine.TalkingInterval, rec, logger)
	s.subs = append(s.subs, s.sync.Attach(s.bus))

	s.images = imagedec.New(cfg.Render.ImageWorkers, image.Pt(cfg.Render.Width, cfg.Render.Height), logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Bus returns the session's event bus
func (s *Session) Bus() *bus.Bus { return s.bus }

// Start runs the audio pipeline until Close
func (s *Session) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.audio.Run(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("Audio pipeline failed")
		}
	}()
	s.logger.Info().Msg("Session started")
}

// LoadBaseAnimation decodes a base animation and makes it available to
// the idle loop. Frames that fail to decode leave gaps the loop skips.
func (s *Session) LoadBaseAnimation(ctx context.Context, name string, data [][]byte, expected int) error {
	if s.closed.Load() {
		return ErrClosed
	}

	imgs := make([]*frames.Image, len(data))
	var wg sync.WaitGroup
	var mu sync.Mutex
	decoded := 0
	for i, d := range data {
		wg.Add(1)
		err := s.images.Submit(ctx, imagedec.Job{Key: baseKey(name, i), Chunk: -1, Seq: i, Data: d}, func(r imagedec.Result) {
			defer wg.Done()
			if r.Err != nil {
				s.bus.Publish(bus.EventImageDecodeFailed, map[string]any{"base": name, "index": i, "error": r.Err.Error()})
				return
			}
			mu.Lock()
			imgs[i] = r.Image
			decoded++
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("load base %q: %w", name, err)
		}
	}
	wg.Wait()

	if decoded == 0 && len(data) > 0 {
		return fmt.Errorf("load base %q: %w", name, ErrNoBaseLoop)
	}
	s.base.LoadSet(name, imgs, expected)
	if name == s.cfg.Engine.DefaultAnimation {
		s.base.Activate(name)
	}
	s.logger.Info().Str("name", name).Int("frames", decoded).Int("expected", expected).Msg("Base animation loaded")
	return nil
}

// AddBaseFrame decodes one base animation frame in the background
func (s *Session) AddBaseFrame(ctx context.Context, name string, index int, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.images.Submit(ctx, imagedec.Job{Key: baseKey(name, index), Chunk: -1, Seq: index, Data: data}, func(r imagedec.Result) {
		if r.Err != nil {
			s.bus.Publish(bus.EventImageDecodeFailed, map[string]any{"base": name, "index": index, "error": r.Err.Error()})
			return
		}
		s.base.AddFrame(name, index, r.Image)
	})
}

// EnqueueChunk registers chunk metadata. Frames the metadata names by
// content id that are already decoded are reused without decoding again.
func (s *Session) EnqueueChunk(meta ChunkMetadata) {
	if s.closed.Load() {
		return
	}
	if !s.engine.Accepts(meta.Index) {
		s.drop(meta.Index, -1, "late_chunk")
		return
	}
	s.noteChunk(meta.Index)

	c := meta.chunk()
	for _, ref := range meta.Frames {
		if ref.ContentID == "" {
			continue
		}
		key := frames.ServerKey(ref.ContentID)
		if !s.cache.Adopt(key, meta.Index) {
			continue
		}
		c.Frames = append(c.Frames, frames.FrameDescriptor{
			Key:              key,
			Sequence:         ref.Sequence,
			Animation:        meta.Animation,
			MatchedBaseFrame: ref.MatchedBaseFrame,
			Dest:             ref.Rect.rectangle(),
			Chunk:            meta.Index,
			Section:          ref.Section,
		})
	}
	s.engine.EnqueueChunk(c)
}

// EnqueueFrameImage decodes an overlay frame off the render path and
// queues it for playback. Results for chunks cleared or already played by
// the time decoding finishes are dropped.
func (s *Session) EnqueueFrameImage(ctx context.Context, fi FrameImage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.engine.Accepts(fi.Chunk) {
		s.drop(fi.Chunk, fi.Sequence, "late_frame")
		return nil
	}
	s.noteChunk(fi.Chunk)

	desc := frames.FrameDescriptor{
		Key:              frameKey(fi),
		Sequence:         fi.Sequence,
		Animation:        fi.Animation,
		MatchedBaseFrame: fi.MatchedBaseFrame,
		Dest:             fi.Rect.rectangle(),
		Chunk:            fi.Chunk,
		Section:          fi.Section,
	}
	if s.cache.Adopt(desc.Key, fi.Chunk) {
		s.engine.EnqueueFrames([]frames.FrameDescriptor{desc}, fi.Chunk)
		return nil
	}

	epoch := s.engine.Epoch()
	s.mu.Lock()
	s.decoding++
	s.mu.Unlock()

	job := imagedec.Job{Key: desc.Key, Chunk: fi.Chunk, Seq: fi.Sequence, Data: fi.Data, Dest: desc.Dest}
	err := s.images.Submit(ctx, job, func(r imagedec.Result) {
		defer s.decoded()
		if r.Err != nil {
			s.bus.Publish(bus.EventImageDecodeFailed, map[string]any{"chunk": fi.Chunk, "seq": fi.Sequence, "error": r.Err.Error()})
			return
		}
		if epoch != s.engine.Epoch() || !s.engine.Accepts(fi.Chunk) {
			s.drop(fi.Chunk, fi.Sequence, "stale_decode")
			return
		}
		s.cache.Put(desc.Key, r.Image, fi.Chunk)
		if s.engine.EnqueueFramesAt(epoch, []frames.FrameDescriptor{desc}, fi.Chunk) == 0 {
			s.drop(fi.Chunk, fi.Sequence, "rejected")
		}
	})
	if err != nil {
		s.decoded()
		return fmt.Errorf("decode frame %d/%d: %w", fi.Chunk, fi.Sequence, err)
	}
	return nil
}

// EnqueueAudioChunk queues compressed audio for chunk index
func (s *Session) EnqueueAudioChunk(index int, payload []byte, format string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.engine.Accepts(index) {
		s.drop(index, -1, "late_audio")
		return nil
	}
	err := s.audio.Submit(audio.Chunk{Index: index, Payload: payload, Format: format})
	if errors.Is(err, audio.ErrStale) {
		s.logger.Debug().Int("chunk", index).Msg("Audio chunk already played")
		return nil
	}
	return err
}

// GetNextFrame returns the frame to display now
func (s *Session) GetNextFrame() frames.ComposedFrame {
	return s.engine.GetNextFrame()
}

// Interval returns the frame interval of the current mode
func (s *Session) Interval() time.Duration {
	return s.engine.Interval()
}

// Mode returns the engine's playback mode
func (s *Session) Mode() frames.Mode {
	return s.engine.Mode()
}

// SetDebugMode toggles per-frame debug logging
func (s *Session) SetDebugMode(on bool) {
	s.engine.SetDebug(on)
}

// Clear cancels the speech in progress. Queued frames and audio are
// discarded and decodes still running are dropped when they finish.
func (s *Session) Clear() {
	s.mu.Lock()
	s.speechEnd = -1
	s.mu.Unlock()
	s.maxChunk.Store(-1)

	s.engine.ClearQueue()
	s.audio.Reset(-1)
	s.logger.Info().Uint64("epoch", s.engine.Epoch()).Msg("Session cleared")
}

// EndOfSpeech marks every chunk announced so far as complete once their
// frames have decoded, so playback does not wait for frames that will not come.
func (s *Session) EndOfSpeech() {
	last := int(s.maxChunk.Load())
	s.bus.Publish(bus.EventSpeechEnd, map[string]any{"last": last})
	if last < 0 {
		return
	}

	s.mu.Lock()
	s.speechEnd = last
	idle := s.decoding == 0
	s.mu.Unlock()
	if idle {
		s.finishSpeech()
	}
}

// Stats returns a snapshot of the session
func (s *Session) Stats() Stats {
	decoded, failed := s.images.Counts()
	return Stats{
		ID:            s.id,
		Engine:        s.engine.Stats(),
		Audio:         s.audio.Stats(),
		Cache:         s.cache.Stats(),
		ImagesDecoded: decoded,
		ImagesFailed:  failed,
		Dropped:       s.dropped.Load(),
		BusDropped:    s.bus.Dropped(),
	}
}

// Close stops the workers and releases the audio output
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.images.Close()
		err = s.audio.Close()
		s.wg.Wait()
		s.sync.Close()
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		s.bus.Close()
		s.logger.Info().Str("cache", s.cache.Stats().String()).Msg("Session closed")
	})
	return err
}

func (s *Session) noteChunk(index int) {
	for {
		cur := s.maxChunk.Load()
		if int64(index) <= cur || s.maxChunk.CompareAndSwap(cur, int64(index)) {
			return
		}
	}
}

func (s *Session) decoded() {
	s.mu.Lock()
	s.decoding--
	fire := s.decoding == 0 && s.speechEnd >= 0
	s.mu.Unlock()
	if fire {
		s.finishSpeech()
	}
}

func (s *Session) finishSpeech() {
	s.mu.Lock()
	last := s.speechEnd
	s.speechEnd = -1
	s.mu.Unlock()
	if last >= 0 {
		s.engine.MarkReadyThrough(last)
	}
}

func (s *Session) drop(chunk, seq int, reason string) {
	s.dropped.Add(1)
	s.bus.Publish(bus.EventImageDropped, map[string]any{"chunk": chunk, "seq": seq, "reason": reason})
}

// frameKey derives the cache key of an overlay frame: the server's
// content id, else its animation identity, else a digest of its bytes.
func frameKey(fi FrameImage) frames.ContentKey {
	switch {
	case fi.ContentID != "":
		return frames.ServerKey(fi.ContentID)
	case fi.SheetID != "":
		return frames.KeyFor(fi.Animation, fi.MatchedBaseFrame, fi.SheetID)
	default:
		return frames.ContentKey("sha1:" + uuid.NewSHA1(uuid.NameSpaceOID, fi.Data).String())
	}
}

func baseKey(name string, index int) frames.ContentKey {
	return frames.ContentKey(fmt.Sprintf("base:%s/%d", name, index))
}
