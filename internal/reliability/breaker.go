package reliability

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("reliability: circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	ReadyToTrip func(counts gobreaker.Counts) bool
}

// DefaultBreakerConfig trips after at least 3 calls fail at a 50% ratio and
// probes again 60 seconds later.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.5
		},
	}
}

// Breaker wraps transport calls in a circuit breaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker from cfg, filling unset fields from
// DefaultBreakerConfig.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = def.ReadyToTrip
	}
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: cfg.ReadyToTrip,
		}),
	}
}

// Execute runs fn under the breaker. Calls rejected while the circuit is open
// return ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}
