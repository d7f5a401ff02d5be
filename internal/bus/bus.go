// Package bus implements the sequenced, topic-addressed event fan-out.
//
// Every published message gets a per-topic sequence number assigned under
// the same lock as the publish, so subscribers can detect gaps
// (envelope.LastSequence != previously seen Sequence) and refetch a
// snapshot. Delivery inside the process is at-least-once: a subscriber
// that cannot keep up has messages dropped and recovers via the gap
// protocol, mirroring how the dashboard hub sheds slow clients.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"prediction-exchange/internal/clock"
	"prediction-exchange/pkg/types"
)

// Event types carried in Envelope.Type.
const (
	EventOrderbookUpdate = "orderbook_update"
	EventTradeExecuted   = "trade_executed"
	EventOrderPlaced     = "order_placed"
	EventOrderCancelled  = "order_cancelled"
	EventMarketUpdated   = "market_updated"
	EventBalanceUpdated  = "balance_updated"
	EventPositionUpdated = "position_updated"
	EventHeartbeat       = "heartbeat"
)

// Topic constructors.

// TopicMarket addresses orderbook deltas and snapshots for one market.
func TopicMarket(marketID string) string { return "market:" + marketID }

// TopicMarketTrades addresses executed trades for one market.
func TopicMarketTrades(marketID string) string { return "market:" + marketID + ":trades" }

// TopicMarketOutcome addresses per-outcome book deltas.
func TopicMarketOutcome(marketID string, outcome types.Outcome) string {
	return fmt.Sprintf("market:%s:%s", marketID, outcome)
}

// TopicUser addresses a user's private balance, position, and order events.
func TopicUser(userID string) string { return "user:" + userID }

// Envelope wraps every message on the bus. Sequence increases by exactly 1
// per message within a topic; LastSequence is the previous message's
// sequence (0 for the first).
type Envelope struct {
	Topic        string    `json:"topic"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     uint64    `json:"sequence"`
	LastSequence uint64    `json:"last_sequence"`
	Payload      any       `json:"payload"`
}

// topicState carries the per-topic sequence counter. Guarded by Bus.mu.
type topicState struct {
	seq uint64
}

// Subscription is one consumer's view of the bus. Messages arrive on C;
// when the subscriber falls behind, messages are dropped (never blocked on)
// and the sequence gap tells the consumer to resynchronize.
type Subscription struct {
	bus    *Bus
	ch     chan Envelope
	mu     sync.Mutex
	topics map[string]bool
	closed bool
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Topics returns the currently subscribed topic set.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Add subscribes to additional topics.
func (s *Subscription) Add(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, t := range topics {
		s.topics[t] = true
	}
}

// Remove unsubscribes from topics.
func (s *Subscription) Remove(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.topics[topic]
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the in-process event bus. Publication is serialized per bus (one
// mutex covers sequence assignment and delivery), which satisfies the
// per-topic ordering contract.
type Bus struct {
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	subs   map[*Subscription]bool
}

// New creates an event bus.
func New(clk clock.Clock, logger *slog.Logger) *Bus {
	return &Bus{
		clk:    clk,
		logger: logger.With("component", "bus"),
		topics: make(map[string]*topicState),
		subs:   make(map[*Subscription]bool),
	}
}

// Subscribe registers a consumer for the given topics. buffer bounds the
// number of undelivered messages before drops begin.
func (b *Bus) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscription{
		bus:    b,
		ch:     make(chan Envelope, buffer),
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subs[sub] {
		return
	}
	delete(b.subs, sub)
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.ch)
}

// Publish assigns the next sequence for the topic and delivers the
// envelope to every matching subscriber. Slow subscribers lose the message
// rather than stalling the exchange.
func (b *Bus) Publish(topic, eventType string, payload any) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.topics[topic]
	if st == nil {
		st = &topicState{}
		b.topics[topic] = st
	}
	last := st.seq
	st.seq++

	env := Envelope{
		Topic:        topic,
		Type:         eventType,
		Timestamp:    b.clk.Now(),
		Sequence:     st.seq,
		LastSequence: last,
		Payload:      payload,
	}

	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Subscriber is behind; it detects the gap via LastSequence
			// and refetches a snapshot.
			b.logger.Warn("dropping event for slow subscriber",
				"topic", topic, "type", eventType, "sequence", env.Sequence)
		}
	}
	return env
}

// Sequence returns the last assigned sequence for a topic (0 if none).
func (b *Bus) Sequence(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.topics[topic]; st != nil {
		return st.seq
	}
	return 0
}

// RunHeartbeat emits heartbeat envelopes on every topic any subscriber is
// watching, at the given interval, until ctx is cancelled.
func (b *Bus) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, topic := range b.activeTopics() {
				b.Publish(topic, EventHeartbeat, struct{}{})
			}
		}
	}
}

func (b *Bus) activeTopics() []string {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, sub := range subs {
		for _, t := range sub.Topics() {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
