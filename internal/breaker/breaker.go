/*
Logic: per-identity CLOSED/OPEN/HALF_OPEN circuit breaker with exponential
backoff and jitter (§4.3). Hand-rolled rather than pulled from
sony/gobreaker (present only in the retrieved pack's jordigilh-kubernaut
go.mod and never exercised there outside tests) because the spec's
transition table needs sliding-window failure decay and a half-open
success counter gobreaker doesn't expose — the same reasoning the donor
gateway applies when it hand-rolls routing.SLABalancer instead of reaching
for a load-balancing library. The failure-decay and penalty-decay shape is
adapted from routing/sla_balancer.go's exponential penalty decay
(math.Exp over elapsed minutes).
*/
package breaker

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// State is one of the three breaker states (§4.3).
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config tunes a single identity's breaker.
type Config struct {
	FailureThreshold int           // failures to trip CLOSED → OPEN
	SuccessThreshold int           // successes to close HALF_OPEN → CLOSED
	RecoveryTimeout  time.Duration // base OPEN duration before HALF_OPEN probe allowed
	BackoffMultiplier float64      // growth factor per repeated OPEN trip
	MaxBackoff       time.Duration
	Window           time.Duration // sliding window for failure decay
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		RecoveryTimeout:   30 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
		Window:            2 * time.Minute,
	}
}

type identityState struct {
	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastFailure    time.Time
	lastSuccess    time.Time
	nextRetry      time.Time
	consecutiveOpens int // counts repeated OPEN trips, for backoff growth
	lastActivity   time.Time
}

// Breaker tracks per-identity circuit state.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	identities map[string]*identityState
}

// New creates a breaker with the given per-identity config.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, identities: make(map[string]*identityState)}
}

func (b *Breaker) get(identity string) *identityState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.identities[identity]
	if !ok {
		s = &identityState{state: Closed, lastActivity: time.Now()}
		b.identities[identity] = s
	}
	return s
}

// CanExecute reports whether a request against identity may proceed right
// now, performing the OPEN → HALF_OPEN transition if the retry deadline has
// passed (§4.3).
func (b *Breaker) CanExecute(identity string) bool {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	b.decayLocked(s)

	switch s.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if !time.Now().Before(s.nextRetry) {
			s.state = HalfOpen
			s.successCount = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess transitions the breaker on a successful call.
func (b *Breaker) RecordSuccess(identity string) {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.lastSuccess = time.Now()

	switch s.state {
	case Closed:
		s.failureCount = 0
	case HalfOpen:
		s.successCount++
		if s.successCount >= b.cfg.SuccessThreshold {
			s.state = Closed
			s.failureCount = 0
			s.successCount = 0
			s.consecutiveOpens = 0
		}
	case Open:
		// stray success while open (e.g. racing probe); ignore.
	}
}

// RecordFailure transitions the breaker on a failed call.
func (b *Breaker) RecordFailure(identity string) {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.lastFailure = time.Now()

	switch s.state {
	case Closed:
		s.failureCount++
		if s.failureCount >= b.cfg.FailureThreshold {
			b.tripLocked(s)
		}
	case HalfOpen:
		b.tripLocked(s)
	case Open:
		// already open; extend nothing until a probe is actually attempted.
	}
}

func (b *Breaker) tripLocked(s *identityState) {
	s.state = Open
	s.consecutiveOpens++
	backoff := float64(b.cfg.RecoveryTimeout) * math.Pow(b.cfg.BackoffMultiplier, float64(s.consecutiveOpens-1))
	if backoff > float64(b.cfg.MaxBackoff) {
		backoff = float64(b.cfg.MaxBackoff)
	}
	jitterFrac := (rand.Float64()*2 - 1) * 0.2 // ±20%
	backoff = backoff * (1 + jitterFrac)
	if backoff < 0 {
		backoff = 0
	}
	s.nextRetry = time.Now().Add(time.Duration(backoff))
	s.failureCount = 0
	s.successCount = 0
}

// decayLocked zeroes the failure count once the sliding window has elapsed
// since the last recorded failure (§4.3: "Failures older than the sliding
// time window are decayed to zero"). Caller holds s.mu.
func (b *Breaker) decayLocked(s *identityState) {
	if s.state == Closed && s.failureCount > 0 && !s.lastFailure.IsZero() {
		if time.Since(s.lastFailure) > b.cfg.Window {
			s.failureCount = 0
		}
	}
}

// Snapshot describes the current breaker state for an identity.
type Snapshot struct {
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
	LastSuccess  time.Time
	NextRetry    time.Time
}

// Status returns a snapshot of the named identity's breaker state.
func (b *Breaker) Status(identity string) Snapshot {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:        s.state,
		FailureCount: s.failureCount,
		SuccessCount: s.successCount,
		LastFailure:  s.lastFailure,
		LastSuccess:  s.lastSuccess,
		NextRetry:    s.nextRetry,
	}
}

// All returns a snapshot of every tracked identity, keyed by name.
func (b *Breaker) All() map[string]Snapshot {
	b.mu.Lock()
	names := make([]string, 0, len(b.identities))
	for name := range b.identities {
		names = append(names, name)
	}
	b.mu.Unlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = b.Status(name)
	}
	return out
}

// Cleanup evicts metrics for identities quiescent for 2x the sliding
// window (§4.3: "A cleanup pass runs periodically ... to evict metrics for
// identities quiescent for 2x window"). Call this from a periodic ticker;
// it is not run automatically so callers control cadence.
func (b *Breaker) Cleanup() int {
	cutoff := 2 * b.cfg.Window
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for name, s := range b.identities {
		s.mu.Lock()
		quiescent := time.Since(s.lastActivity) > cutoff
		s.mu.Unlock()
		if quiescent {
			delete(b.identities, name)
			evicted++
		}
	}
	return evicted
}
