// Package baseloop provides the cyclic idle base animation, independent of
// speech content.
package baseloop

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/frames"
)

type set struct {
	frames   []*frames.Image
	expected int
}

func (s *set) length() int {
	if s.expected > len(s.frames) {
		return s.expected
	}
	return len(s.frames)
}

func (s *set) at(i int) *frames.Image {
	if i < 0 || i >= len(s.frames) {
		return nil
	}
	return s.frames[i]
}

// Loop holds named base frame sets. Callers keep their own cursor and read
// frames of the active set with At. Sets may be loaded whole or filled in
// frame by frame; frames not yet loaded read as nil and callers fall back
// to Static.
type Loop struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	sets   map[string]*set
	active string
	static *frames.Image
}

// New creates an empty loop
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		logger: logger.With().Str("component", "baseloop").Logger(),
		sets:   make(map[string]*set),
	}
}

// LoadSet replaces the named set. expected is the announced frame count and
// may exceed len(imgs) while the rest streams in. The first set loaded
// becomes active.
func (l *Loop) LoadSet(name string, imgs []*frames.Image, expected int) {
	s := &set{frames: make([]*frames.Image, len(imgs)), expected: expected}
	copy(s.frames, imgs)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sets[name] = s
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i] != nil {
			l.static = s.frames[i]
			break
		}
	}
	if l.active == "" {
		l.active = name
	}
	l.logger.Debug().Str("set", name).Int("frames", len(imgs)).Int("expected", expected).Msg("Base set loaded")
}

// AddFrame stores one frame of the named set, creating the set if needed.
func (l *Loop) AddFrame(name string, index int, img *frames.Image) {
	if index < 0 || img == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sets[name]
	if !ok {
		s = &set{}
		l.sets[name] = s
		if l.active == "" {
			l.active = name
		}
	}
	if index >= len(s.frames) {
		grown := make([]*frames.Image, index+1)
		copy(grown, s.frames)
		s.frames = grown
	}
	s.frames[index] = img
	l.static = img
}

// Activate switches the loop to the named set.
// It reports false if the set is unknown.
func (l *Loop) Activate(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sets[name]; !ok {
		return false
	}
	l.active = name
	return true
}

// Active returns the name of the active set
func (l *Loop) Active() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// At returns frame n of the active set, wrapping n into range.
func (l *Loop) At(n int) *frames.Image {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.sets[l.active]
	if s == nil || s.length() == 0 || n < 0 {
		return nil
	}
	return s.at(n % s.length())
}

// Static returns the most recently loaded base frame of any set
func (l *Loop) Static() *frames.Image {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.static
}

// Loaded reports whether any base frame has been loaded
func (l *Loop) Loaded() bool {
	return l.Static() != nil
}

// Len returns the length of the active set
func (l *Loop) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s := l.sets[l.active]; s != nil {
		return s.length()
	}
	return 0
}
