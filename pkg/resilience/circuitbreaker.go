package resilience

import (
	"context"
	"net/http"
	"sync"
	"time"

	apperrors "chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
)

// State represents the current state of a circuit breaker
type State string

const (
	// StateClosed means requests flow through
	StateClosed State = "closed"
	// StateOpen means requests are short-circuited until the retry timeout passes
	StateOpen State = "open"
	// StateHalfOpen means a limited number of trial requests are allowed
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Execute while the circuit is open.
var ErrOpen = apperrors.NewError(http.StatusServiceUnavailable, apperrors.CodeCircuitOpen, "circuit open")

// Config holds configuration for a circuit breaker
type Config struct {
	Name             string
	FailureThreshold uint
	SuccessThreshold uint
	RetryTimeout     time.Duration
	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every non-nil error.
	IsFailure func(error) bool
	// OnStateChange runs after the breaker lock is released.
	OnStateChange func(from, to State)
	Now           func() time.Time
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RetryTimeout:     30 * time.Second,
	}
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name              string
	State             State
	TotalRequests     uint64
	TotalFailures     uint64
	TotalSuccesses    uint64
	ConsecutiveErrors uint64
	OpenCircuitCount  uint64
	LastFailureTime   time.Time
}

// CircuitBreaker implements the Circuit Breaker pattern
type CircuitBreaker struct {
	cfg             Config
	mutex           sync.Mutex
	state           State
	failureCount    uint
	successCount    uint
	inFlightTrials  uint
	nextAttemptTime time.Time
	stats           Stats
	log             *logger.Logger
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg Config, log *logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		stats: Stats{Name: cfg.Name},
		log:   log.WithComponent("breaker." + cfg.Name),
	}
}

// Execute runs fn through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allowRequest() {
		cb.log.Debug("Circuit breaker preventing request", "state", string(cb.GetState()))
		return ErrOpen
	}

	startTime := cb.cfg.Now()
	err := fn(ctx)

	if err != nil && cb.countsAsFailure(err) {
		cb.recordFailure()
		cb.log.Warn("Circuit breaker recorded failure",
			"error", err.Error(),
			"duration", cb.cfg.Now().Sub(startTime).String(),
		)
		return err
	}

	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.cfg.IsFailure == nil {
		return true
	}
	return cb.cfg.IsFailure(err)
}

// allowRequest checks if a request should be allowed to proceed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	var from, to State
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.cfg.Now().After(cb.nextAttemptTime) {
			from, to = cb.state, StateHalfOpen
			cb.toHalfOpen()
			cb.inFlightTrials++
			allowed = true
		}
	case StateHalfOpen:
		if cb.inFlightTrials < cb.cfg.SuccessThreshold {
			cb.inFlightTrials++
			allowed = true
		}
	}
	if allowed {
		cb.stats.TotalRequests++
	}
	cb.mutex.Unlock()

	cb.notify(from, to)
	return allowed
}

// recordSuccess records a successful request
func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	var from, to State

	cb.stats.TotalSuccesses++
	cb.stats.ConsecutiveErrors = 0

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			from, to = cb.state, StateClosed
			cb.toClosed()
		}
	}
	cb.mutex.Unlock()

	cb.notify(from, to)
}

// recordFailure records a failed request
func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	var from, to State

	cb.stats.TotalFailures++
	cb.stats.ConsecutiveErrors++
	cb.stats.LastFailureTime = cb.cfg.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			from, to = cb.state, StateOpen
			cb.toOpen()
		}
	case StateHalfOpen:
		from, to = cb.state, StateOpen
		cb.toOpen()
	}
	cb.mutex.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) toOpen() {
	cb.state = StateOpen
	cb.stats.OpenCircuitCount++
	cb.inFlightTrials = 0
	cb.nextAttemptTime = cb.cfg.Now().Add(cb.cfg.RetryTimeout)

	cb.log.Info("Circuit breaker opened",
		"failures", cb.failureCount,
		"nextAttempt", cb.nextAttemptTime.Format(time.RFC3339),
	)
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.successCount = 0
	cb.inFlightTrials = 0

	cb.log.Info("Circuit breaker half-open")
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.inFlightTrials = 0

	cb.log.Info("Circuit breaker closed")
}

func (cb *CircuitBreaker) notify(from, to State) {
	if to == "" || cb.cfg.OnStateChange == nil {
		return
	}
	cb.cfg.OnStateChange(from, to)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	s := cb.stats
	s.State = cb.state
	return s
}
