// Package entitlement answers whether a user already pays for premium, so
// the friction engine never pitches an upgrade to a subscriber.
package entitlement

import (
	"context"
	"errors"
	"slices"
)

// ErrUnavailable is returned when the billing backend cannot be reached or
// its circuit is open.
var ErrUnavailable = errors.New("entitlement: provider unavailable")

// Provider reports premium status for a user.
type Provider interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// StaticProvider serves a fixed premium list. It backs development setups
// that have no billing account.
type StaticProvider struct {
	premium map[string]struct{}
}

// NewStaticProvider creates a provider that treats userIDs as premium.
func NewStaticProvider(userIDs []string) *StaticProvider {
	m := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		m[id] = struct{}{}
	}
	return &StaticProvider{premium: m}
}

// IsPremium implements Provider.
func (s *StaticProvider) IsPremium(_ context.Context, userID string) (bool, error) {
	_, ok := s.premium[userID]
	return ok, nil
}

// activeStatuses are the subscription states that grant premium.
var activeStatuses = []string{"active", "trialing", "past_due"}

func grantsPremium(status string) bool {
	return slices.Contains(activeStatuses, status)
}
