package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"prediction-exchange/pkg/types"
)

const (
	streamPingInterval = 50 * time.Second
	streamReadTimeout  = 90 * time.Second
	maxReconnectWait   = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	envelopeBuffer     = 256
)

// Envelope is one sequenced message from the server. Sequence increases by
// exactly 1 per topic; Payload decoding is up to the consumer.
type Envelope struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     uint64          `json:"sequence"`
	LastSequence uint64          `json:"last_sequence"`
	Payload      json.RawMessage `json:"payload"`
}

// Snapshot anchors a topic subscription: the book state and the topic
// sequence it reflects.
type Snapshot struct {
	Topic    string              `json:"topic"`
	Sequence uint64              `json:"sequence"`
	Book     *types.BookSnapshot `json:"snapshot"`
}

// Gap reports a detected sequence discontinuity on one topic. The consumer
// should refetch a snapshot (or rely on the one the stream re-requests on
// reconnect).
type Gap struct {
	Topic string
	Seen  uint64 // last sequence observed before the gap
	Got   uint64 // sequence of the message that revealed the gap
}

// Stream maintains the WebSocket subscription set across reconnects and
// verifies per-topic sequence continuity.
type Stream struct {
	url    string
	userID string
	logger *slog.Logger

	mu      sync.Mutex
	topics  map[string]bool
	lastSeq map[string]uint64
	conn    *websocket.Conn

	envelopes chan Envelope
	snapshots chan Snapshot
	gaps      chan Gap
}

// NewStream creates a stream client for ws://host:port/ws. userID is sent
// as X-User-ID at connect time and unlocks the caller's private topic.
func NewStream(wsURL, userID string, logger *slog.Logger) *Stream {
	return &Stream{
		url:       wsURL,
		userID:    userID,
		logger:    logger.With("component", "stream"),
		topics:    make(map[string]bool),
		lastSeq:   make(map[string]uint64),
		envelopes: make(chan Envelope, envelopeBuffer),
		snapshots: make(chan Snapshot, 16),
		gaps:      make(chan Gap, 16),
	}
}

// Envelopes returns the sequenced message channel.
func (s *Stream) Envelopes() <-chan Envelope { return s.envelopes }

// Snapshots returns the channel of book snapshots sent on (re)subscribe.
func (s *Stream) Snapshots() <-chan Snapshot { return s.snapshots }

// Gaps returns the channel of detected sequence discontinuities.
func (s *Stream) Gaps() <-chan Gap { return s.gaps }

// Subscribe adds topics to the tracked set and, when connected, sends the
// subscription immediately. Tracked topics are re-subscribed on reconnect.
func (s *Stream) Subscribe(topics ...string) error {
	s.mu.Lock()
	for _, t := range topics {
		s.topics[t] = true
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.send(conn, map[string]any{"action": "subscribe", "topics": topics})
}

// Unsubscribe removes topics from the tracked set.
func (s *Stream) Unsubscribe(topics ...string) error {
	s.mu.Lock()
	for _, t := range topics {
		delete(s.topics, t)
		delete(s.lastSeq, t)
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.send(conn, map[string]any{"action": "unsubscribe", "topics": topics})
}

func (s *Stream) send(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Run connects and maintains the stream with exponential-backoff
// reconnection. Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if s.userID != "" {
		header.Set("X-User-ID", s.userID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	// Sequences restart for the reader after a reconnect: the snapshot that
	// answers the re-subscribe is the new anchor.
	s.lastSeq = make(map[string]uint64)
	tracked := make([]string, 0, len(s.topics))
	for t := range s.topics {
		tracked = append(tracked, t)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if len(tracked) > 0 {
		if err := s.send(conn, map[string]any{"action": "subscribe", "topics": tracked}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		s.route(data)
	}
}

// route classifies one frame: control messages carry a "type" field at the
// top level without a sequence; envelopes always carry topic + sequence.
func (s *Stream) route(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("undecodable frame", "error", err)
		return
	}
	if env.Sequence == 0 || env.Topic == "" {
		var ctl struct {
			Type     string              `json:"type"`
			Topic    string              `json:"topic"`
			Sequence uint64              `json:"sequence"`
			Snapshot *types.BookSnapshot `json:"snapshot"`
		}
		if err := json.Unmarshal(data, &ctl); err != nil || ctl.Type != "snapshot" {
			return
		}
		s.mu.Lock()
		s.lastSeq[ctl.Topic] = ctl.Sequence
		s.mu.Unlock()
		select {
		case s.snapshots <- Snapshot{Topic: ctl.Topic, Sequence: ctl.Sequence, Book: ctl.Snapshot}:
		default:
		}
		return
	}

	s.mu.Lock()
	seen, known := s.lastSeq[env.Topic]
	s.lastSeq[env.Topic] = env.Sequence
	s.mu.Unlock()
	if known && env.LastSequence != seen {
		select {
		case s.gaps <- Gap{Topic: env.Topic, Seen: seen, Got: env.Sequence}:
		default:
		}
	}

	select {
	case s.envelopes <- env:
	default:
		// Consumer is behind; it will notice via the sequence gap.
	}
}
