package upstream

import (
	"sync"
	"time"

	"github.com/musistudio/claude-code-router/pkg/apierror"
)

// Circuit breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Breaker thresholds.
const (
	failureThreshold = 5
	successThreshold = 3
	openTimeout      = 60 * time.Second
	halfOpenProbeCap = 3
)

// Breaker is the per-provider circuit breaker state machine.
type Breaker struct {
	mu           sync.Mutex
	state        string
	failures     int
	successes    int
	probes       int
	lastChange   time.Time
	onTransition func(from, to string)
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{state: StateClosed, lastChange: time.Now()}
}

// Allow reports whether a call may proceed. In half-open it consumes one
// probe slot; callers must follow with Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastChange) >= openTimeout {
			b.transition(StateHalfOpen)
			b.probes = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.probes >= halfOpenProbeCap {
			return false
		}
		b.probes++
		return true
	}
	return true
}

// Open reports whether the breaker currently rejects calls, moving an
// expired open window to half-open first.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastChange) >= openTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state == StateOpen
}

// Record feeds a call outcome into the state machine.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= successThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// State returns the current state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastChange = time.Now()
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// BreakerSet keys breakers by provider name.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	onChange func(provider, from, to string)
}

// NewBreakerSet creates an empty set. onChange, when non-nil, observes state
// transitions (used for metrics and logs).
func NewBreakerSet(onChange func(provider, from, to string)) *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker), onChange: onChange}
}

// Get returns the breaker for a provider, creating it on first use.
func (s *BreakerSet) Get(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		b = NewBreaker()
		if s.onChange != nil {
			name := provider
			b.onTransition = func(from, to string) { s.onChange(name, from, to) }
		}
		s.breakers[provider] = b
	}
	return b
}

// Check returns a CircuitBreakerError when the provider's breaker is open.
func (s *BreakerSet) Check(provider string) error {
	if s.Get(provider).Open() {
		return apierror.Newf(apierror.KindCircuitOpen, "provider %s is unavailable", provider).
			WithProvider(provider, "")
	}
	return nil
}
