package convo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FlushFunc receives one coalesced conversation turn. combinedText is the
// text fragments joined by single spaces in arrival order, images is the
// image URLs in arrival order, and messageCount is the number of AddMessage
// calls that supplied text.
type FlushFunc func(customer, tenant, combinedText string, images []string, messageCount int)

// AddRequest describes one inbound platform message for a sender.
type AddRequest struct {
	// Tenant and Customer identify the conversation and pass through to the
	// flush callback unchanged.
	Tenant   string
	Customer string
	// Delay is the debounce window. Zero uses the configured default; values
	// below MinDelay are coerced up with a warning.
	Delay time.Duration
	// Text is appended to the turn when non-empty.
	Text string
	// ImageURL is appended to the turn when non-empty.
	ImageURL string
	// OnFlush is invoked once when the debounce window elapses. Required.
	// Subsequent calls for the same sender replace it.
	OnFlush FlushFunc
}

// entry is the per-sender accumulation state. The generation counter guards
// the timer callback: every re-arm bumps it, so a stale callback that lost
// the race observes a mismatch and does nothing.
type entry struct {
	tenant       string
	customer     string
	texts        []string
	images       []string
	messageCount int
	lastActivity time.Time
	generation   uint64
	timer        *time.Timer
	onFlush      FlushFunc
}

// Manager debounces and coalesces bursts of messages per sender: rapid-fire
// messages from one sender collapse into a single logical turn delivered via
// the flush callback after a quiet period. Different senders are independent;
// operations on one sender's entry are serialized.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	runMu     sync.Mutex
	sweepStop context.CancelFunc
	sweepDone chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for delay coercion and sweep diagnostics.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerClock injects the wall-clock source used for activity tracking.
// Defaults to time.Now. Timer scheduling always uses the runtime clock.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a conversation buffer manager.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AddMessage appends a message to the sender's pending turn and re-arms the
// debounce timer: the flush fires only after Delay of silence. The first
// call for a sender creates the entry.
func (m *Manager) AddMessage(senderKey string, req AddRequest) error {
	if senderKey == "" {
		return ErrSenderKeyRequired
	}
	if req.OnFlush == nil {
		return ErrFlushFuncRequired
	}

	delay := req.Delay
	if delay == 0 {
		delay = m.cfg.DefaultDelay
	}
	if delay < MinDelay {
		m.logger.Warn("debounce delay below minimum, coercing",
			slog.String("sender", senderKey),
			slog.Duration("requested", delay),
			slog.Duration("minimum", MinDelay))
		delay = MinDelay
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	e, ok := m.entries[senderKey]
	if !ok {
		e = &entry{}
		m.entries[senderKey] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}

	e.tenant = req.Tenant
	e.customer = req.Customer
	e.onFlush = req.OnFlush
	e.lastActivity = m.clock()
	if req.Text != "" {
		e.texts = append(e.texts, req.Text)
		e.messageCount++
	}
	if req.ImageURL != "" {
		e.images = append(e.images, req.ImageURL)
	}

	e.generation++
	gen := e.generation
	e.timer = time.AfterFunc(delay, func() {
		m.flush(senderKey, gen)
	})

	return nil
}

// flush runs on the timer goroutine. It claims the entry under the lock,
// destroying it before the callback runs, so a concurrent Cancel or a stale
// timer that lost a re-arm race is a clean no-op.
func (m *Manager) flush(senderKey string, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[senderKey]
	if !ok || e.generation != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, senderKey)
	m.mu.Unlock()

	combined := strings.Join(e.texts, " ")
	e.onFlush(e.customer, e.tenant, combined, e.images, e.messageCount)
}

// Cancel clears the sender's timer and destroys the entry without flushing.
// It reports whether an entry existed; cancelling a missing or currently
// flushing sender is a no-op.
func (m *Manager) Cancel(senderKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[senderKey]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, senderKey)
	return true
}

// Len returns the number of senders currently accumulating.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear tears the manager down: every timer is stopped and every entry
// destroyed without flushing. The manager rejects further AddMessage calls.
func (m *Manager) Clear() {
	m.mu.Lock()
	for key, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, key)
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
}

// Start launches the stale-entry sweep. Entries whose last activity is older
// than the configured threshold are destroyed without flushing, bounding
// memory growth from senders that went quiet mid-accumulation.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.sweepStop != nil {
		m.logger.Warn("stale sweep already started")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.sweepStop = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)

		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.sweepStale(); removed > 0 {
					m.logger.Warn("destroyed stale conversation entries", slog.Int("count", removed))
				}
			}
		}
	}()

	return nil
}

// Stop halts the stale-entry sweep. Accumulated entries stay armed.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.sweepStop == nil {
		return
	}
	m.sweepStop()
	<-m.sweepDone
	m.sweepStop = nil
	m.sweepDone = nil
}

// Run provides errgroup compatibility: it starts the sweep, waits for
// context cancellation, and tears the manager down.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		if err := m.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-ctx.Done()
		m.Clear()
		return nil
	}
}

func (m *Manager) sweepStale() int {
	cutoff := m.clock().Add(-m.cfg.StaleThreshold)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if e.lastActivity.Before(cutoff) {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}
