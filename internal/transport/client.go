// Package transport connects to the avatar backend over a websocket and
// feeds the messages it receives into a playback session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/session"
)

var ErrUnknownType = errors.New("unknown message type")

// Sink receives decoded backend messages. *session.Session satisfies it.
type Sink interface {
	LoadBaseAnimation(ctx context.Context, name string, data [][]byte, expected int) error
	AddBaseFrame(ctx context.Context, name string, index int, data []byte) error
	EnqueueChunk(meta session.ChunkMetadata)
	EnqueueFrameImage(ctx context.Context, fi session.FrameImage) error
	EnqueueAudioChunk(index int, payload []byte, format string) error
	EndOfSpeech()
	Clear()
}

// Publisher receives connection events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(t bus.EventType, data map[string]any)
}

// Config configures the client
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	MaxBackoff     time.Duration
	ReadLimit      int64
}

// Client maintains the backend websocket with reconnection
type Client struct {
	cfg    Config
	sink   Sink
	events Publisher
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	received  int64
}

// NewClient creates a client. events may be nil.
func NewClient(cfg Config, sink Sink, events Publisher, logger zerolog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxBackoff < cfg.ReconnectDelay {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		sink:   sink,
		events: events,
		logger: logger.With().Str("component", "transport").Logger(),
		dialer: websocket.DefaultDialer,
	}
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	if _, err := wsURL(c.cfg.URL); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.connectLoop(ctx)
	}()
	return nil
}

// Disconnect closes the connection and stops reconnecting
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Received returns how many messages were handled
func (c *Client) Received() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received
}

// connectLoop maintains the websocket connection with reconnection
func (c *Client) connectLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectDelay
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectWS(ctx)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		if wasConnected {
			c.publish(bus.EventDisconnected, map[string]any{"error": errString(err)})
		}

		if wasConnected {
			backoff = c.cfg.ReconnectDelay
			consecutiveFailures = 0
		}
		consecutiveFailures++

		if consecutiveFailures >= 3 {
			if consecutiveFailures == 3 {
				c.logger.Warn().
					Err(err).
					Int("failures", consecutiveFailures).
					Msg("Backend stream not available, will retry less frequently")
			} else {
				c.logger.Debug().
					Int("failures", consecutiveFailures).
					Msg("Backend stream still unavailable")
			}
		} else {
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("WebSocket connection lost, reconnecting...")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// connectWS dials and reads until the connection fails
func (c *Client) connectWS(ctx context.Context) error {
	u, err := wsURL(c.cfg.URL)
	if err != nil {
		return err
	}

	c.logger.Info().Str("url", u).Msg("Connecting to backend stream")
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.publish(bus.EventConnected, map[string]any{"url": u})
	c.logger.Info().Msg("Connected to backend stream")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := c.Handle(ctx, raw); err != nil {
			c.logger.Debug().Err(err).Msg("Message not handled")
		}
	}
}

// Handle decodes one envelope and forwards it to the sink
func (c *Client) Handle(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}

	c.mu.Lock()
	c.received++
	c.mu.Unlock()

	switch env.Type {
	case TypeChunkMetadata:
		var m ChunkMetadata
		if err := decode(env, &m); err != nil {
			return err
		}
		c.sink.EnqueueChunk(m)

	case TypeFrameImage:
		var fi FrameImage
		if err := decode(env, &fi); err != nil {
			return err
		}
		return c.sink.EnqueueFrameImage(ctx, fi)

	case TypeAudioChunk:
		var a AudioChunk
		if err := decode(env, &a); err != nil {
			return err
		}
		return c.sink.EnqueueAudioChunk(a.Index, a.Data, a.Format)

	case TypeBaseAnimation:
		var b BaseAnimation
		if err := decode(env, &b); err != nil {
			return err
		}
		return c.sink.LoadBaseAnimation(ctx, b.Name, b.Frames, b.Expected)

	case TypeBaseFrame:
		var b BaseFrame
		if err := decode(env, &b); err != nil {
			return err
		}
		return c.sink.AddBaseFrame(ctx, b.Name, b.Index, b.Data)

	case TypeEndOfSpeech:
		c.sink.EndOfSpeech()

	case TypeClear:
		c.sink.Clear()

	case TypeError:
		var m ErrorMessage
		if err := decode(env, &m); err != nil {
			return err
		}
		c.logger.Warn().Str("message", m.Message).Msg("Server error")

	default:
		c.logger.Debug().Str("type", env.Type).Msg("Unknown message type")
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return nil
}

func decode(env Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("parse %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) publish(t bus.EventType, data map[string]any) {
	if c.events != nil {
		c.events.Publish(t, data)
	}
}

// wsURL converts an http(s) URL to its websocket form
func wsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("parse url: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
