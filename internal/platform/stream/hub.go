// Package stream is the live fan-out of custody activity. Producers publish
// EventSummary values; subscribers read them from buffered channels. A slow
// subscriber loses messages, the publisher never waits.
package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/platform/metrics"
)

type Kind string

const (
	KindCustodyEvent   Kind = "custody-event"
	KindComplianceFlag Kind = "compliance-flag"
	KindPartialWrite   Kind = "partial-write"
)

// EventSummary is the message delivered to subscribers.
type EventSummary struct {
	Sequence   uint64    `json:"sequence"`
	Kind       Kind      `json:"kind"`
	SpecimenID string    `json:"specimenId"`
	EventID    string    `json:"eventId,omitempty"`
	EventKind  string    `json:"eventKind,omitempty"`
	Location   string    `json:"location,omitempty"`
	Status     string    `json:"status,omitempty"`
	Performer  string    `json:"performer,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Previous   string    `json:"previousVerdict,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Origin     string    `json:"origin,omitempty"`
}

// Subscription receives summaries on C until Close is called.
type Subscription struct {
	C <-chan EventSummary

	ch      chan EventSummary
	hub     *Hub
	once    sync.Once
	dropped uint64
}

// Close detaches the subscription and closes C. It is safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Dropped reports how many summaries this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

type Hub struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[*Subscription]struct{}
	buffer  int
	dropped uint64

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewHub(buffer int, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan EventSummary, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetStreamClients(n)
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetStreamClients(n)
}

// Publish stamps the summary with the next sequence number and offers it to
// every subscriber. Sequence assignment and delivery happen under one lock, so
// each subscriber sees summaries in sequence order.
func (h *Hub) Publish(s EventSummary) {
	h.mu.Lock()
	h.seq++
	s.Sequence = h.seq
	if s.Timestamp.IsZero() {
		s.Timestamp = h.now().UTC()
	}

	drops := 0
	for sub := range h.subs {
		select {
		case sub.ch <- s:
		default:
			sub.dropped++
			drops++
		}
	}
	h.dropped += uint64(drops)
	h.mu.Unlock()

	h.metrics.IncStreamPublished()
	for i := 0; i < drops; i++ {
		h.metrics.IncStreamDropped()
	}
	if drops > 0 {
		h.logger.Debug().Uint64("sequence", s.Sequence).Int("subscribers", drops).Msg("stream: dropped summary for slow subscribers")
	}
}

// Sequence returns the last assigned sequence number.
func (h *Hub) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Dropped returns the total drops across all subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
