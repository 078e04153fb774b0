package executor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakers is the per-name circuit-breaker registry §9 describes
// ("a circuit-breaker map used by step bodies that call external
// services"): step bodies that make outbound calls look up a breaker by
// a name of their choosing (typically the downstream service) and wrap
// the call through it, so a failing dependency trips independently of
// the workflow engine's own retry/backoff path.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings func(name string) gobreaker.Settings
}

// NewCircuitBreakers builds a registry. settingsFn customizes the
// gobreaker.Settings per breaker name; pass nil for sane defaults
// (5 consecutive failures trips the breaker, 30s open-state cooldown).
func NewCircuitBreakers(settingsFn func(name string) gobreaker.Settings) *CircuitBreakers {
	if settingsFn == nil {
		settingsFn = defaultBreakerSettings
	}
	return &CircuitBreakers{breakers: make(map[string]*gobreaker.CircuitBreaker), settings: settingsFn}
}

func defaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// Get returns the named breaker, creating it on first use.
func (c *CircuitBreakers) Get(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(c.settings(name))
	c.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker, tripping it on repeated
// failures per ReadyToTrip.
func (c *CircuitBreakers) Execute(name string, fn func() (any, error)) (any, error) {
	return c.Get(name).Execute(fn)
}
