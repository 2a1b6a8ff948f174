package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the state of the circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func (s State) gauge() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config tunes a CircuitBreaker
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// CoolDown is how long the circuit stays open before a trial request is allowed
	CoolDown time.Duration
	// MaxAttempts bounds the tries of a single Execute call
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds a whole Execute call including backoff
	Timeout time.Duration
}

// DefaultConfig returns the settings used for outbound provider calls
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		CoolDown:         10 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       time.Second,
		Timeout:          5 * time.Second,
	}
}

// CircuitBreaker wraps calls to a flaky dependency with retry, timeout and a breaker
type CircuitBreaker struct {
	name    string
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialing            bool
}

// New creates a closed breaker. Zero fields of cfg take DefaultConfig values. m may be nil.
func New(name string, cfg Config, m *metrics.Metrics) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	m.SetCircuitBreakerState(name, StateClosed.gauge())
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		state:   StateClosed,
	}
}

// Execute runs fn, retrying failures with linear backoff until it succeeds,
// the attempts run out, the context ends or the circuit opens.
func (b *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if err := b.allow(); err != nil {
			b.metrics.RecordCircuitBreakerRequest(b.name, operation, "rejected")
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", operation, err, lastErr)
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		if attempt > 1 {
			logger.Warn("Retrying operation",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		err := fn(ctx)
		b.record(err)
		if err == nil {
			b.metrics.RecordCircuitBreakerRequest(b.name, operation, "success")
			return nil
		}
		lastErr = err
		b.metrics.RecordCircuitBreakerRequest(b.name, operation, "failure")

		if ctx.Err() != nil || attempt == b.cfg.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.cfg.InitialBackoff
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s timed out: %w", operation, lastErr)
		case <-time.After(backoff):
		}
	}

	logger.Warn("Operation failed",
		zap.String("breaker", b.name),
		zap.String("operation", operation),
		zap.String("error_type", classifyError(lastErr)),
		zap.Error(lastErr))
	return fmt.Errorf("%s failed: %w", operation, lastErr)
}

// State returns the current state, moving an expired open circuit to half-open
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolDownLocked()
	return b.state
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolDownLocked()

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		// One trial request at a time until the dependency answers
		if b.trialing {
			return ErrCircuitOpen
		}
		b.trialing = true
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialing = false

	if err == nil {
		if b.state != StateClosed {
			logger.Info("Circuit breaker closed", zap.String("breaker", b.name))
		}
		b.consecutiveFailures = 0
		b.setStateLocked(StateClosed)
		return
	}

	b.consecutiveFailures++
	if b.state == StateHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			logger.Error("Circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.openedAt = b.now()
		b.setStateLocked(StateOpen)
	}
}

func (b *CircuitBreaker) coolDownLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *CircuitBreaker) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.metrics.SetCircuitBreakerState(b.name, s.gauge())
}

// classifyError buckets errors for log fields
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "unauthorized") || strings.Contains(errMsg, "forbidden"):
		return "auth"
	default:
		return "unknown"
	}
}
