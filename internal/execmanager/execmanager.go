// Package execmanager owns subscription lifecycle and buffered event
// delivery: create-or-resume by client id, buffer events for a
// disconnected client, replay-then-stream-live on connect, and sweep
// subscriptions that have expired or gone quiet.
package execmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/orchestra/internal/cron"
	"github.com/basket/orchestra/internal/events"
	"github.com/google/uuid"
)

const (
	defaultTTL         = 5 * time.Minute
	maxBufferedEvents  = 500
	maxInactivity      = 30 * time.Minute
	liveChannelBuffer  = 64
	sweepCronSchedule  = "*/30 * * * *"
)

// Subscription is one client's event stream: a bounded ring buffer that
// always accumulates, plus an optional live channel that exists only
// while a WebSocket is connected.
type Subscription struct {
	ID        string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	buffer       []events.StatusEvent
	connected    bool
	live         chan events.StatusEvent
}

func newSubscription(clientID string, ttl time.Duration) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:           "sub_" + uuid.NewString(),
		ClientID:     clientID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		lastActivity: now,
	}
}

// addEvent always appends to the ring buffer (trimming the oldest entry
// past the cap) and additionally forwards to the live channel, if
// connected, with a non-blocking send matching the bus's drop-on-full
// semantics — a stalled WebSocket writer must never block ingestion.
func (s *Subscription) addEvent(event events.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now().UTC()
	s.buffer = append(s.buffer, event)
	if len(s.buffer) > maxBufferedEvents {
		s.buffer = s.buffer[len(s.buffer)-maxBufferedEvents:]
	}

	if s.connected && s.live != nil {
		select {
		case s.live <- event:
		default:
		}
	}
}

// connect marks the subscription connected, returns a snapshot of
// buffered events for replay, and a fresh live channel for events from
// this point forward. A prior live channel, if any, is closed first so
// only one reader is ever active.
func (s *Subscription) connect() ([]events.StatusEvent, <-chan events.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != nil {
		close(s.live)
	}
	s.connected = true
	s.lastActivity = time.Now().UTC()
	s.live = make(chan events.StatusEvent, liveChannelBuffer)

	replay := make([]events.StatusEvent, len(s.buffer))
	copy(replay, s.buffer)
	return replay, s.live
}

// disconnect marks the WebSocket gone without discarding the
// subscription or its buffer — a later connect can still resume it.
func (s *Subscription) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	s.lastActivity = time.Now().UTC()
	if s.live != nil {
		close(s.live)
		s.live = nil
	}
}

func (s *Subscription) isExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *Subscription) isInactive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > maxInactivity
}

// Status is the read-only snapshot returned by GET /subscriptions/{id}.
type Status struct {
	SubscriptionID string
	State          string // "waiting" | "active" | "connected" | "expired"
	CreatedAt      time.Time
	ExpiresAt      time.Time
	BufferedEvents int
	Connected      bool
	ClientID       string
}

func (s *Subscription) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := "waiting"
	switch {
	case time.Now().UTC().After(s.ExpiresAt):
		state = "expired"
	case s.connected:
		state = "connected"
	case len(s.buffer) > 0:
		state = "active"
	}

	return Status{
		SubscriptionID: s.ID,
		State:          state,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		BufferedEvents: len(s.buffer),
		Connected:      s.connected,
		ClientID:       s.ClientID,
	}
}

// Manager owns the subscription table and runs the periodic sweep that
// evicts expired or long-idle subscriptions.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	ttl            time.Duration
	logger         *slog.Logger
	sweepScheduler *cron.Scheduler
}

// Config configures a Manager. TTL defaults to 5 minutes and Logger to
// slog.Default() when left zero.
type Config struct {
	TTL    time.Duration
	Logger *slog.Logger
}

func New(cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		subs:   make(map[string]*Subscription),
		ttl:    ttl,
		logger: logger,
	}
}

// StartSweep begins the background inactivity/expiry sweep. Callers
// should Stop the returned scheduler-backed manager via StopSweep on
// shutdown.
func (m *Manager) StartSweep(ctx context.Context) error {
	sched, err := cron.NewScheduler(cron.Config{
		CronExpr: sweepCronSchedule,
		Job:      func(ctx context.Context, now time.Time) { m.sweep(now) },
		Logger:   m.logger,
	})
	if err != nil {
		return fmt.Errorf("execmanager: build sweep scheduler: %w", err)
	}
	m.sweepScheduler = sched
	sched.Start(ctx)
	return nil
}

func (m *Manager) StopSweep() {
	if m.sweepScheduler != nil {
		m.sweepScheduler.Stop()
	}
}

// CreateOrResume returns the caller's existing live subscription if
// clientID matches one that hasn't expired, otherwise allocates a new
// one. clientID may be empty, in which case a new subscription is always
// created (there is nothing to resume by).
func (m *Manager) CreateOrResume(clientID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if clientID != "" {
		for _, sub := range m.subs {
			if sub.ClientID == clientID && !sub.isExpired(time.Now().UTC()) {
				m.logger.Info("execmanager: resuming subscription", "subscription_id", sub.ID, "client_id", clientID)
				return sub
			}
		}
	}

	sub := newSubscription(clientID, m.ttl)
	m.subs[sub.ID] = sub
	m.logger.Info("execmanager: created subscription", "subscription_id", sub.ID, "client_id", clientID)
	return sub
}

// Get returns the subscription by id, or false if unknown.
func (m *Manager) Get(subscriptionID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subscriptionID]
	return sub, ok
}

// Connect looks up a subscription and begins streaming to it, returning
// the buffered replay and a channel for subsequent live events. Returns
// false if the subscription is unknown or expired.
func (m *Manager) Connect(subscriptionID string) ([]events.StatusEvent, <-chan events.StatusEvent, bool) {
	sub, ok := m.Get(subscriptionID)
	if !ok || sub.isExpired(time.Now().UTC()) {
		return nil, nil, false
	}
	replay, live := sub.connect()
	return replay, live, true
}

// Disconnect marks a subscription's WebSocket gone without dropping it.
func (m *Manager) Disconnect(subscriptionID string) {
	if sub, ok := m.Get(subscriptionID); ok {
		sub.disconnect()
	}
}

// Status returns the point-in-time status of a subscription, or false if
// unknown.
func (m *Manager) Status(subscriptionID string) (Status, bool) {
	sub, ok := m.Get(subscriptionID)
	if !ok {
		return Status{}, false
	}
	return sub.status(), true
}

// EventSender returns a events.Sink that routes every Send through this
// subscription's buffer, stamping each event with conversationID as its
// envelope id.
func (m *Manager) EventSender(subscriptionID, conversationID string) events.Sink {
	return &bufferedEventSender{manager: m, subscriptionID: subscriptionID, conversationID: conversationID}
}

// sweep evicts subscriptions that are expired or have been idle beyond
// the inactivity window, logging how many were removed.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sub := range m.subs {
		if sub.isExpired(now) || sub.isInactive(now) {
			delete(m.subs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("execmanager: swept subscriptions", "removed", removed, "remaining", len(m.subs))
	}
}

// bufferedEventSender is the Sink implementation handed to the
// orchestrator/executor: every event it receives is routed through the
// owning subscription's buffer (update last_activity, push with
// eviction, forward live if connected) rather than written anywhere
// directly.
type bufferedEventSender struct {
	manager        *Manager
	subscriptionID string
	conversationID string
}

func (b *bufferedEventSender) Send(source events.Source, event events.Event) {
	sub, ok := b.manager.Get(b.subscriptionID)
	if !ok {
		b.manager.logger.Warn("execmanager: event for unknown subscription", "subscription_id", b.subscriptionID)
		return
	}
	sub.addEvent(events.New(b.conversationID, source, event))
}
