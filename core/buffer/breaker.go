package buffer

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSet manages one circuit breaker per (tenant, handler type) pair.
// Tenants are strictly isolated: opening one tenant's breaker never affects
// another tenant using the same handler. Breakers are created lazily on
// first use.
//
// Each breaker follows the classic CLOSED/OPEN/HALF_OPEN machine: it opens
// after `threshold` consecutive failures, denies requests for `timeout`,
// then permits a single half-open probe whose outcome closes or reopens it.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.TwoStepCircuitBreaker
	threshold uint32
	timeout   time.Duration
	logger    *slog.Logger
}

// BreakerSetOption configures a BreakerSet.
type BreakerSetOption func(*BreakerSet)

// WithBreakerLogger sets the logger used to report state transitions.
func WithBreakerLogger(logger *slog.Logger) BreakerSetOption {
	return func(s *BreakerSet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewBreakerSet creates a breaker set. threshold is the consecutive-failure
// count that opens a breaker; timeout is the open-to-half-open delay.
func NewBreakerSet(threshold int, timeout time.Duration, opts ...BreakerSetOption) *BreakerSet {
	if threshold < 1 {
		threshold = 1
	}
	s := &BreakerSet{
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker),
		threshold: uint32(threshold),
		timeout:   timeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func breakerKey(tenantID, handlerType string) string {
	return tenantID + "/" + handlerType
}

// Allow asks the tenant's breaker for the handler type whether a request may
// proceed. On success it returns a done callback that must be called exactly
// once with the request outcome. When the breaker is open it returns
// ErrCircuitOpen. A missing tenant id is a programmer error.
func (s *BreakerSet) Allow(tenantID, handlerType string) (done func(success bool), err error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	cb := s.breakerFor(tenantID, handlerType)

	done, err = cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return done, nil
}

// State reports the breaker state for the pair, creating nothing:
// unknown pairs report CLOSED.
func (s *BreakerSet) State(tenantID, handlerType string) gobreaker.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[breakerKey(tenantID, handlerType)]
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Reset forces every tenant's breaker for the handler type back to CLOSED
// with a zero failure count by discarding the instances; the next use
// recreates them lazily.
func (s *BreakerSet) Reset(handlerType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	suffix := "/" + handlerType
	for key := range s.breakers {
		if strings.HasSuffix(key, suffix) {
			delete(s.breakers, key)
		}
	}

	s.logger.Info("circuit breakers reset", slog.String("handler_type", handlerType))
}

func (s *BreakerSet) breakerFor(tenantID, handlerType string) *gobreaker.TwoStepCircuitBreaker {
	key := breakerKey(tenantID, handlerType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     s.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	s.breakers[key] = cb
	return cb
}
