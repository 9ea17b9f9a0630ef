package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
//
//	Closed -> Open:     consecutive failures reach MaxFailures
//	Open -> HalfOpen:   RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed: a probe succeeds
//	HalfOpen -> Open:   a probe fails
type State int

const (
	StateClosed   State = iota // deliveries flow to the provider
	StateOpen                  // deliveries fail fast with ErrCircuitOpen
	StateHalfOpen              // a limited number of probe deliveries test the provider
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls to a provider.
// ProtectedTransport returns it wrapped and the dispatcher records a failed
// channel, so the sweeper retries the record after its backoff.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the provider, e.g. "ses", "sns", "push".
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	// Any success in between resets the count, so a provider that drops the
	// occasional request never trips it.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open before a probe.
	// It is measured from the last failure, not from when the circuit opened:
	// a failed probe restarts the wait.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is how many probes may run while half-open.
	// Deliveries beyond it are rejected until a probe reports back.
	HalfOpenMaxRequests int

	// OnStateChange, if set, is called on every transition with the lock held.
	// It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the breaker settings used for channel providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops calls to a failing provider so a dead SES or SNS
// endpoint fails fast instead of holding every dispatch until its timeout.
//
// While closed every delivery goes through and consecutive failures are
// counted. Reaching MaxFailures opens the circuit, and from then on Allow
// rejects deliveries without touching the provider. Once RecoveryTimeout has
// passed since the last failure the next Allow moves the circuit to half-open
// and lets a probe through. The probe's outcome decides: a success closes the
// circuit, a failure opens it again for another RecoveryTimeout.
//
// One breaker guards one provider and is shared by every dispatch goroutine.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failures         int       // consecutive; reset by any success
	halfOpenRequests int       // probes handed out since entering half-open
	lastFailure      time.Time // start of the recovery wait
	lastStateChange  time.Time

	// Lifetime counters for the ops API. They survive Reset.
	successes int64
	failed    int64
	rejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	return newWithClock(cfg, logger, time.Now)
}

func newWithClock(cfg Config, logger *zap.Logger, now func() time.Time) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Allow reports whether a call may proceed. An open circuit lets a probe
// through once RecoveryTimeout has passed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.config.RecoveryTimeout {
			cb.rejected++
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests = 1
		cb.logger.Info("circuit breaker allowing probe delivery",
			zap.String("provider", cb.config.Name),
		)
		return true

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		cb.rejected++
		return false
	}
	return false
}

// RecordSuccess records a successful delivery and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("provider", cb.config.Name),
		)
	}
}

// RecordFailure records a failed delivery. A failed probe re-opens the circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("provider", cb.config.Name),
				zap.Int("failures", cb.failures),
				zap.Duration("recovery_timeout", cb.config.RecoveryTimeout),
			)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("provider", cb.config.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of one provider's breaker, as served by the ops API.
type Stats struct {
	Provider        string     `json:"provider"`
	State           string     `json:"state"`
	Failures        int        `json:"consecutive_failures"`
	Successes       int64      `json:"successes"`
	Failed          int64      `json:"failed"`
	Rejected        int64      `json:"rejected"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
}

// Stats returns current counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Provider:        cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		Failed:          cb.failed,
		Rejected:        cb.rejected,
		LastStateChange: cb.lastStateChange,
	}
	if !cb.lastFailure.IsZero() {
		at := cb.lastFailure
		s.LastFailure = &at
	}
	return s
}

// Reset closes the circuit, e.g. after an operator confirmed the provider is back.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("provider", cb.config.Name),
	)
}

// transitionTo changes state and reports the transition. Callers hold mu.
// The probe budget is cleared on every transition; Allow re-arms it when it
// moves an open circuit to half-open.
func (cb *CircuitBreaker) transitionTo(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// Name returns the provider name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}
