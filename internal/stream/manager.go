package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

// BackoffConfig bounds the reconnect policy: delay doubles per attempt
// from BaseDelay, capped at MaxDelay, abandoned after MaxAttempts.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the backoff before the given attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

type Config struct {
	Epic         string
	PingInterval time.Duration
	Backoff      BackoffConfig
	// OnInvalidQuote is called for each inbound quote that carries no
	// usable price. Optional.
	OnInvalidQuote func()
}

// Resume signals that the connection recovered after a gap. The receiver
// is expected to backfill (LastGoodTickTime, now] and rebuild.
type Resume struct {
	LastGoodTickTime time.Time
}

// Manager wraps the feed transport in the reconnect state machine. It
// exposes the restartable inbound tick sequence as channels; reconnection
// never resets downstream aggregation state, it only emits a Resume.
//
// All state transitions go through transition(), guarded by one mutex, so
// concurrent close and data notifications cannot race a double reconnect.
type Manager struct {
	cfg       Config
	transport Transport
	tokens    TokenSource

	mu       sync.Mutex
	state    State
	attempts int
	timer    *time.Timer
	stopped  bool
	hadGap   bool
	lastTick time.Time
	cancel   context.CancelFunc

	ticks   chan domain.Tick
	prices  chan domain.PricePoint
	resumes chan Resume
	states  chan State
	done    chan struct{}
}

func NewManager(cfg Config, transport Transport, tokens TokenSource) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		tokens:    tokens,
		state:     StateDisconnected,
		ticks:     make(chan domain.Tick, 1024),
		prices:    make(chan domain.PricePoint, 256),
		resumes:   make(chan Resume, 4),
		states:    make(chan State, 16),
		done:      make(chan struct{}),
	}
}

// Ticks is the ordered inbound tick sequence. Single consumer.
func (m *Manager) Ticks() <-chan domain.Tick { return m.ticks }

// Prices carries the raw quote view for viewers; lossy under a slow
// consumer.
func (m *Manager) Prices() <-chan domain.PricePoint { return m.prices }

// Resumes signals recovered gaps, one per reconnect.
func (m *Manager) Resumes() <-chan Resume { return m.resumes }

// States carries every state transition; lossy under a slow consumer.
func (m *Manager) States() <-chan State { return m.states }

// Done is closed when the current run loop exits. Connect starts a new
// run with a fresh channel, so callers polling across a Reset/Connect
// cycle must call Done again.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. No-op unless currently
// disconnected; a FAILED manager must be Reset first.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = false
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, done)
}

// Stop transitions straight to DISCONNECTED from any state and suppresses
// any scheduled reconnect. Terminal for the session; no auto-retry.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	cancel := m.cancel
	m.transition(StateDisconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Reset clears a terminal FAILED state so Connect can be called again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return
	}
	m.attempts = 0
	m.transition(StateDisconnected)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.transition(StateConnecting)
		m.mu.Unlock()

		conn, err := m.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.enterDisconnected()
				return
			}
			slog.Warn("feed dial failed", "error", err)
			if !m.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		m.enterConnected()

		err = m.session(ctx, conn)
		conn.Close()
		if ctx.Err() != nil || m.isStopped() {
			m.enterDisconnected()
			return
		}

		// Unexpected close: anything not explicitly requested by Stop.
		slog.Warn("feed connection lost", "error", err)
		m.mu.Lock()
		m.transition(StateReconnecting)
		m.mu.Unlock()

		if !m.scheduleReconnect(ctx) {
			return
		}
	}
}

// enterConnected resets the attempt counter and, on re-entry after a
// prior session, emits the Resume carrying the last-known-good tick time.
func (m *Manager) enterConnected() {
	m.mu.Lock()
	m.attempts = 0
	m.transition(StateConnected)
	resume := m.hadGap
	lastTick := m.lastTick
	m.hadGap = true
	m.mu.Unlock()

	if resume {
		select {
		case m.resumes <- Resume{LastGoodTickTime: lastTick}:
		default:
			slog.Warn("resume signal dropped, consumer not keeping up")
		}
	}
}

func (m *Manager) enterDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateDisconnected)
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// scheduleReconnect waits out the backoff for the next attempt. Returns
// false when the manager moved to a terminal state (FAILED or stopped).
// The wait is cancellable, and a timer firing after a concurrent Stop
// no-ops because the state is rechecked before proceeding.
func (m *Manager) scheduleReconnect(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.transition(StateReconnecting)
	}
	m.attempts++
	if m.attempts > m.cfg.Backoff.MaxAttempts {
		m.transition(StateFailed)
		m.mu.Unlock()
		slog.Error("reconnect attempts exhausted", "attempts", m.attempts-1)
		return false
	}
	delay := m.cfg.Backoff.Delay(m.attempts)
	timer := time.NewTimer(delay)
	m.timer = timer
	m.mu.Unlock()

	slog.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)

	select {
	case <-ctx.Done():
		timer.Stop()
		m.enterDisconnected()
		return false
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = nil
	// A Stop that raced the timer wins: stay down.
	return m.state == StateReconnecting
}

// transition mutates the state and publishes the change. Callers hold mu.
func (m *Manager) transition(next State) {
	if m.state == next {
		return
	}
	slog.Debug("connection state change", "from", m.state, "to", next)
	m.state = next
	select {
	case m.states <- next:
	default:
	}
}

// session subscribes and pumps inbound messages until the connection
// breaks or the context ends.
func (m *Manager) session(ctx context.Context, conn Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.Write(sessionCtx, data)
	}

	if err := m.subscribe(sessionCtx, write); err != nil {
		return err
	}

	go m.pingLoop(sessionCtx, write)

	for {
		data, err := conn.Read(sessionCtx)
		if err != nil {
			return err
		}
		m.handleMessage(sessionCtx, data)
	}
}

func (m *Manager) subscribe(ctx context.Context, write func([]byte) error) error {
	cst, securityToken, err := m.tokens.Tokens(ctx)
	if err != nil {
		return err
	}

	req := subscribeRequest{
		Destination:   destSubscribe,
		CorrelationId: uuid.NewString(),
		CST:           cst,
		SecurityToken: securityToken,
		Payload:       subscribePayload{Epics: []string{m.cfg.Epic}},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	slog.Info("subscribing to feed", "epic", m.cfg.Epic)
	return write(data)
}

func (m *Manager) pingLoop(ctx context.Context, write func([]byte) error) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cst, securityToken, err := m.tokens.Tokens(ctx)
		if err != nil {
			continue
		}
		data, err := json.Marshal(pingRequest{
			Destination:   destPing,
			CorrelationId: uuid.NewString(),
			CST:           cst,
			SecurityToken: securityToken,
		})
		if err != nil {
			continue
		}
		if err := write(data); err != nil {
			return
		}
	}
}

// handleMessage dispatches one inbound message over the closed
// destination set.
func (m *Manager) handleMessage(ctx context.Context, data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid feed message", "error", err)
		return
	}

	switch msg.Destination {
	case destQuote:
		m.handleQuote(ctx, msg.Payload)
	case destSubscribe:
		m.handleSubscribeResponse(msg)
	case destPing:
		if msg.Status != "OK" {
			slog.Warn("feed ping failed", "status", msg.Status)
		}
	default:
		slog.Debug("ignoring unknown feed message", "destination", msg.Destination)
	}
}

func (m *Manager) handleQuote(ctx context.Context, payload json.RawMessage) {
	var quote quotePayload
	if err := json.Unmarshal(payload, &quote); err != nil {
		slog.Warn("invalid quote payload", "error", err)
		return
	}

	tick, err := domain.Normalize(quote.rawQuote(), time.Now())
	if err != nil {
		if m.cfg.OnInvalidQuote != nil {
			m.cfg.OnInvalidQuote()
		}
		slog.Debug("dropping unusable quote", "epic", quote.Epic, "error", err)
		return
	}

	m.mu.Lock()
	if tick.Time.After(m.lastTick) {
		m.lastTick = tick.Time
	}
	m.mu.Unlock()

	select {
	case m.ticks <- tick:
	case <-ctx.Done():
		return
	}

	select {
	case m.prices <- domain.NewPricePoint(quote.rawQuote(), tick):
	default:
	}
}

func (m *Manager) handleSubscribeResponse(msg serverMessage) {
	if msg.Status != "OK" {
		slog.Error("feed subscription rejected", "status", msg.Status)
		return
	}
	var resp subscribeResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		slog.Warn("invalid subscribe response", "error", err)
		return
	}
	for epic, status := range resp.Subscriptions {
		slog.Info("feed subscription confirmed", "epic", epic, "status", status)
	}
}
