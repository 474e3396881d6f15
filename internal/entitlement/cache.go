package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/nudge/internal/circuitbreaker"
)

// breakerKey names the billing backend in the circuit breaker and metrics.
const breakerKey = "entitlements"

// DefaultCacheSize bounds the number of cached users.
const DefaultCacheSize = 10_000

var lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Subsystem: "entitlement",
	Name:      "lookups_total",
	Help:      "Premium lookups by result: hit, miss, error or rejected.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(lookupsTotal)
}

// CachedProvider fronts a slow Provider with an expiring LRU and a circuit
// breaker. Errors are never cached.
type CachedProvider struct {
	next    Provider
	cache   *expirable.LRU[string, bool]
	breaker *circuitbreaker.Breaker
}

// NewCachedProvider wraps next. Entries live for ttl.
func NewCachedProvider(next Provider, size int, ttl time.Duration) *CachedProvider {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &CachedProvider{
		next:    next,
		cache:   expirable.NewLRU[string, bool](size, nil, ttl),
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithBreaker replaces the circuit breaker.
func (c *CachedProvider) WithBreaker(b *circuitbreaker.Breaker) *CachedProvider {
	c.breaker = b
	return c
}

// IsPremium implements Provider.
func (c *CachedProvider) IsPremium(ctx context.Context, userID string) (bool, error) {
	if premium, ok := c.cache.Get(userID); ok {
		lookupsTotal.WithLabelValues("hit").Inc()
		return premium, nil
	}

	var premium bool
	err := c.breaker.Execute(breakerKey, func() error {
		var err error
		premium, err = c.next.IsPremium(ctx, userID)
		return err
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		lookupsTotal.WithLabelValues("rejected").Inc()
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	case err != nil:
		lookupsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	lookupsTotal.WithLabelValues("miss").Inc()
	c.cache.Add(userID, premium)
	return premium, nil
}

// Invalidate drops a cached answer, e.g. after a billing webhook.
func (c *CachedProvider) Invalidate(userID string) {
	c.cache.Remove(userID)
}
