package entitlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/nudge/internal/retry"
)

// userIDMetadataKey is the customer metadata field holding our user id.
const userIDMetadataKey = "user_id"

// StripeProvider looks premium status up from Stripe subscriptions. A user
// maps to the Stripe customer whose metadata carries their user id.
type StripeProvider struct {
	api    *client.API
	policy retry.Policy
}

// NewStripeProvider creates a provider using the default Stripe backends.
func NewStripeProvider(secretKey string) *StripeProvider {
	return NewStripeProviderWithBackends(secretKey, nil)
}

// NewStripeProviderWithBackends creates a provider on explicit backends.
// Tests point these at a local server.
func NewStripeProviderWithBackends(secretKey string, backends *stripe.Backends) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeProvider{api: api, policy: retry.DefaultPolicy()}
}

// WithRetryPolicy overrides the retry policy for transient Stripe errors.
func (s *StripeProvider) WithRetryPolicy(p retry.Policy) *StripeProvider {
	s.policy = p
	return s
}

// IsPremium implements Provider. Users with no Stripe customer are not
// premium.
func (s *StripeProvider) IsPremium(ctx context.Context, userID string) (bool, error) {
	var premium bool
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		premium, err = s.lookup(ctx, userID)
		return classify(err)
	})
	if err != nil {
		return false, fmt.Errorf("stripe lookup for %s: %w", userID, err)
	}
	return premium, nil
}

func (s *StripeProvider) lookup(ctx context.Context, userID string) (bool, error) {
	search := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("metadata['%s']:'%s'", userIDMetadataKey, escapeQuery(userID)),
		},
	}
	search.Context = ctx
	customers := s.api.Customers.Search(search)

	for customers.Next() {
		cust := customers.Customer()
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(cust.ID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		subs := s.api.Subscriptions.List(params)
		for subs.Next() {
			if grantsPremium(string(subs.Subscription().Status)) {
				return true, nil
			}
		}
		if err := subs.Err(); err != nil {
			return false, err
		}
	}
	return false, customers.Err()
}

// classify marks client errors permanent so only network failures, rate
// limits and 5xx responses are retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		code := serr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}
	return err
}

// escapeQuery escapes a value for Stripe's search query language.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
