package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/fanpulse/fanpulse/internal/observe"
	"github.com/fanpulse/fanpulse/internal/pipeline"
	"github.com/fanpulse/fanpulse/pkg/event"
)

// subscriberBuffer is the per-subscriber message backlog. A dashboard that
// falls this far behind is dropped rather than allowed to slow the node.
const subscriberBuffer = 32

// connectedMsg greets a new /ws subscriber.
type connectedMsg struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	MatchID  int    `json:"matchId"`
}

// readingMsg carries one derived reading to dashboards.
type readingMsg struct {
	Type       string  `json:"type"`
	TsMs       int64   `json:"tsMs"`
	Db         float64 `json:"dB"`
	BaselineDb float64 `json:"baselineDb"`
	State      string  `json:"state"`
	Tier       string  `json:"tier"`
	Chant      bool    `json:"chant"`
	Ratio      float64 `json:"ratio"`
}

// eventMsg carries one classified event to dashboards.
type eventMsg struct {
	Type  string                `json:"type"`
	Event event.ClassifiedEvent `json:"event"`
}

// subscriber is one /ws connection. The handler goroutine drains ch and
// writes to conn; the hub only ever closes ch.
type subscriber struct {
	conn *websocket.Conn
	ch   chan []byte
	once sync.Once
}

func (s *subscriber) closeCh() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans broadcast messages out to /ws subscribers. Sends never block:
// a subscriber whose backlog is full is disconnected.
type Hub struct {
	log *slog.Logger
	met *observe.Metrics

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub(log *slog.Logger, met *observe.Metrics) *Hub {
	return &Hub{
		log:  log,
		met:  met,
		subs: make(map[*subscriber]struct{}),
	}
}

// add registers a new subscriber with hello queued as its first message.
func (h *Hub) add(conn *websocket.Conn, hello []byte) *subscriber {
	sub := &subscriber{
		conn: conn,
		ch:   make(chan []byte, subscriberBuffer),
	}
	sub.ch <- hello

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.met.WSClients.Add(context.Background(), 1)
	h.log.Debug("ws subscriber joined", "subscribers", n)
	return sub
}

// remove unregisters sub and closes its channel. Idempotent.
func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if ok {
		h.met.WSClients.Add(context.Background(), -1)
		sub.closeCh()
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// BroadcastReading sends one derived reading to all subscribers. It is
// called from the pipeline's processing goroutine and must not block.
func (h *Hub) BroadcastReading(rd pipeline.Reading) {
	data, err := json.Marshal(readingMsg{
		Type:       "reading",
		TsMs:       rd.At.UnixMilli(),
		Db:         rd.Db,
		BaselineDb: rd.BaselineDb,
		State:      rd.State.String(),
		Tier:       string(rd.Tier),
		Chant:      rd.ChantDetected,
		Ratio:      rd.ChantRatio,
	})
	if err != nil {
		return
	}
	h.broadcast(data)
}

// BroadcastEvent sends one classified event to all subscribers.
func (h *Hub) BroadcastEvent(ev event.ClassifiedEvent) {
	data, err := json.Marshal(eventMsg{Type: "event", Event: ev})
	if err != nil {
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	var slow []*subscriber

	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range slow {
		h.remove(sub)
		h.log.Warn("dropping slow ws subscriber",
			"backlog", subscriberBuffer)
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		h.met.WSClients.Add(context.Background(), -1)
		sub.closeCh()
	}
}
