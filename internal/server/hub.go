package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
	"github.com/0xc0d3d00d/candleflow/internal/metrics"
)

const (
	sessionBuffer    = 64
	staleAfter       = 5 * time.Minute
	cleanupInterval  = time.Minute
	welcomeHistory   = 50
	maxHistoryLimit  = 1000
	defaultHistLimit = 100
)

// wireMessage is the envelope of every message to and from a viewer.
type wireMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type candlePayload struct {
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

type session struct {
	id          string
	connectedAt time.Time
	out         chan wireMessage
	cancel      context.CancelFunc

	mu        sync.Mutex
	lastPing  time.Time
	streaming bool
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
}

func (s *session) setStreaming(on bool) {
	s.mu.Lock()
	s.streaming = on
	s.mu.Unlock()
}

func (s *session) isStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPing.IsZero() {
		return s.connectedAt
	}
	return s.lastPing
}

// Hub fans engine events out to websocket viewers. Delivery is
// best-effort through a bounded per-session buffer that drops the oldest
// message first, so a slow viewer can never stall ingestion.
type Hub struct {
	maxConns   int
	maxHistory int
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	history  []domain.PricePoint
}

func NewHub(maxConns, maxHistory int, m *metrics.Metrics) *Hub {
	return &Hub{
		maxConns:   maxConns,
		maxHistory: maxHistory,
		metrics:    m,
		sessions:   make(map[string]*session),
	}
}

// Publish pushes one engine event to every session. Never blocks.
func (h *Hub) Publish(event domain.Event) {
	msg := wireMessage{
		Type:      event.Kind.String(),
		Timestamp: event.Time,
	}
	switch event.Kind {
	case domain.EventCandleUpdated, domain.EventCandleClosed:
		msg.Data = candlePayload{
			Timeframe: event.Candle.Resolution.String(),
			Timestamp: event.Candle.Timestamp,
			Open:      event.Candle.Open,
			High:      event.Candle.High,
			Low:       event.Candle.Low,
			Close:     event.Candle.Close,
			Volume:    event.Candle.Volume,
		}
	case domain.EventConnectionState:
		msg.Data = map[string]string{"state": event.State}
	}

	h.broadcast(msg, event.Kind != domain.EventConnectionState)
}

// PublishPrice records the quote in the rolling history and pushes it to
// streaming sessions.
func (h *Hub) PublishPrice(point domain.PricePoint) {
	h.mu.Lock()
	h.history = append(h.history, point)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}
	h.mu.Unlock()

	h.broadcast(wireMessage{
		Type:      "price_update",
		Data:      point,
		Timestamp: point.Time,
	}, true)
}

// broadcast delivers to every session, or only to sessions that asked to
// stream when streamingOnly is set. On a full buffer the oldest queued
// message is dropped.
func (h *Hub) broadcast(msg wireMessage, streamingOnly bool) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if streamingOnly && !s.isStreaming() {
			continue
		}
		h.send(s, msg)
	}
}

func (h *Hub) send(s *session, msg wireMessage) {
	for {
		select {
		case s.out <- msg:
			return
		default:
			select {
			case <-s.out:
				h.metrics.SubscriberDrops.Inc()
			default:
			}
		}
	}
}

// HandleWS upgrades one viewer connection and serves it until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := h.register(cancel)
	if s == nil {
		ws.Close(websocket.StatusPolicyViolation, "maximum connections exceeded")
		return
	}
	defer h.unregister(s.id)

	slog.Info("viewer connected", "connection_id", s.id, "total", h.sessionCount())

	go h.writePump(ctx, ws, s)

	h.send(s, wireMessage{
		Type:      "connection_established",
		Data:      map[string]string{"connection_id": s.id},
		Timestamp: time.Now().UTC(),
	})
	h.sendHistory(s, welcomeHistory)

	h.readPump(ctx, ws, s)
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("viewer disconnected", "connection_id", s.id)
}

func (h *Hub) register(cancel context.CancelFunc) *session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) >= h.maxConns {
		slog.Warn("rejecting viewer, connection limit reached", "limit", h.maxConns)
		return nil
	}

	s := &session{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		out:         make(chan wireMessage, sessionBuffer),
		cancel:      cancel,
	}
	h.sessions[s.id] = s
	return s
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if ok {
		s.cancel()
	}
}

func (h *Hub) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) writePump(ctx context.Context, ws *websocket.Conn, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.out:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Error("failed to marshal viewer message", "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, s *session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		h.handleClientMessage(s, data)
	}
}

// handleClientMessage dispatches one control message. Unrecognized types
// are logged and ignored, never fatal.
func (h *Hub) handleClientMessage(s *session, data []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid viewer message", "connection_id", s.id, "error", err)
		return
	}

	switch msg.Type {
	case "ping":
		s.touch()
		h.send(s, wireMessage{Type: "pong", Timestamp: time.Now().UTC()})

	case "get_current_price":
		h.sendCurrentPrice(s)

	case "get_price_history":
		limit := defaultHistLimit
		var params struct {
			Limit int `json:"limit"`
		}
		if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &params) == nil && params.Limit > 0 {
			limit = params.Limit
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		h.sendHistory(s, limit)

	case "start_streaming":
		s.setStreaming(true)
		h.send(s, wireMessage{
			Type:      "streaming_started",
			Data:      map[string]string{"status": "streaming_started"},
			Timestamp: time.Now().UTC(),
		})

	case "stop_streaming":
		s.setStreaming(false)
		h.send(s, wireMessage{
			Type:      "streaming_stopped",
			Data:      map[string]string{"status": "streaming_stopped"},
			Timestamp: time.Now().UTC(),
		})

	default:
		slog.Warn("unknown viewer message type", "connection_id", s.id, "type", msg.Type)
	}
}

func (h *Hub) sendCurrentPrice(s *session) {
	h.mu.Lock()
	var latest *domain.PricePoint
	if len(h.history) > 0 {
		p := h.history[len(h.history)-1]
		latest = &p
	}
	h.mu.Unlock()

	msg := wireMessage{Type: "current_price", Timestamp: time.Now().UTC()}
	if latest != nil {
		msg.Data = *latest
	} else {
		msg.Data = map[string]string{"error": "no price data available"}
	}
	h.send(s, msg)
}

func (h *Hub) sendHistory(s *session, limit int) {
	h.mu.Lock()
	start := len(h.history) - limit
	if start < 0 {
		start = 0
	}
	history := make([]domain.PricePoint, len(h.history)-start)
	copy(history, h.history[start:])
	h.mu.Unlock()

	h.send(s, wireMessage{
		Type: "price_history",
		Data: map[string]any{
			"history": history,
			"count":   len(history),
		},
		Timestamp: time.Now().UTC(),
	})
}

// RunCleanup reaps sessions with no ping in staleAfter, matching the
// viewer contract that clients keep the connection alive.
func (h *Hub) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.reapStale(time.Now().Add(-staleAfter))
	}
}

func (h *Hub) reapStale(cutoff time.Time) {
	h.mu.Lock()
	var stale []*session
	for _, s := range h.sessions {
		if s.lastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		slog.Info("reaping stale viewer", "connection_id", s.id)
		h.unregister(s.id)
	}
}
