// Package streaming fans bankroll and recommendation events out to
// WebSocket clients and Redis streams.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of streaming event.
type EventType string

const (
	EventTypeScore      EventType = "score"
	EventTypeDecision   EventType = "decision"
	EventTypeBetPlaced  EventType = "bet_placed"
	EventTypeBetSettled EventType = "bet_settled"
	EventTypeBankroll   EventType = "bankroll"
	EventTypeBacktest   EventType = "backtest"
	EventTypeStatus     EventType = "status"
	EventTypeError      EventType = "error"
	EventTypeHeartbeat  EventType = "heartbeat"
)

// Event is a streaming event sent to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// HubConfig holds hub timing and buffer settings.
type HubConfig struct {
	Heartbeat  time.Duration // hub heartbeat event interval
	PingPeriod time.Duration // websocket ping interval, must be below PongWait
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int // queued frames per subscriber before it is dropped
	QueueSize  int // pending broadcasts before new ones are dropped
}

// DefaultHubConfig returns the default hub settings.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Heartbeat:  30 * time.Second,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 256,
		QueueSize:  256,
	}
}

// Hub tracks WebSocket subscribers and broadcasts events to them. New
// subscribers first receive the latest bankroll event, if any.
type Hub struct {
	config     *HubConfig
	upgrader   websocket.Upgrader
	broadcast  chan Event
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}

	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	snapshot []byte // last encoded bankroll event
}

// subscriber is one WebSocket connection and its event filter.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	filterMu sync.RWMutex
	filter   map[EventType]bool // empty means everything
}

// NewHub creates a hub. A nil config uses DefaultHubConfig.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	return &Hub{
		config:     config,
		broadcast:  make(chan Event, config.QueueSize),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		subs:       make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run owns subscriber registration and delivery until ctx is done, then
// closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(h.config.Heartbeat)
	defer heartbeat.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			if h.snapshot != nil && s.wants(EventTypeBankroll) {
				s.send <- h.snapshot
			}
			n := len(h.subs)
			h.mu.Unlock()
			log.Debug().Int("subscribers", n).Msg("ws subscriber joined")

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			n := len(h.subs)
			h.mu.Unlock()
			log.Debug().Int("subscribers", n).Msg("ws subscriber left")

		case ev := <-h.broadcast:
			h.deliver(ev)

		case <-heartbeat.C:
			h.deliver(Event{
				Type:      EventTypeHeartbeat,
				Timestamp: time.Now().UTC(),
				Data:      map[string]any{"clients": h.ClientCount()},
			})
		}
	}
}

// drop removes s. The caller holds h.mu.
func (h *Hub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
}

func (h *Hub) deliver(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Type == EventTypeBankroll {
		h.snapshot = frame
	}
	for s := range h.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.send <- frame:
		default:
			log.Warn().Msg("ws subscriber too slow, disconnecting")
			h.drop(s)
		}
	}
}

// Broadcast queues an event for all subscribers. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("broadcast queue full, dropping event")
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.Broadcast(ev)
	return nil
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS upgrades the request and registers a subscriber. The repeatable
// "events" query parameter restricts the subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	s := newSubscriber(h, conn, r.URL.Query()["events"])
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}
	go s.writeLoop()
	go s.readLoop()
}

func newSubscriber(h *Hub, conn *websocket.Conn, events []string) *subscriber {
	s := &subscriber{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
		filter: make(map[EventType]bool, len(events)),
	}
	for _, e := range events {
		s.filter[EventType(e)] = true
	}
	return s
}

// wants reports whether the subscriber receives events of type t.
// Heartbeats always pass.
func (s *subscriber) wants(t EventType) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return len(s.filter) == 0 || t == EventTypeHeartbeat || s.filter[t]
}

// control applies a {"type":"subscribe"|"unsubscribe","events":[...]} message.
func (s *subscriber) control(raw []byte) {
	var msg struct {
		Type   string      `json:"type"`
		Events []EventType `json:"events"`
	}
	if json.Unmarshal(raw, &msg) != nil {
		return
	}

	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	for _, e := range msg.Events {
		switch msg.Type {
		case "subscribe":
			s.filter[e] = true
		case "unsubscribe":
			delete(s.filter, e)
		}
	}
}

func (s *subscriber) readLoop() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	wait := s.hub.config.PongWait
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		s.control(raw)
	}
}

// writeLoop sends one event per text frame and pings on PingPeriod.
func (s *subscriber) writeLoop() {
	cfg := s.hub.config
	ping := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
