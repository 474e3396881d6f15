// Package webhooks delivers engine events to external services.
//
// Notification backends register a URL and the event types they want:
// - Delivered interventions
// - Wins and relapses
// - State changes and upgrade prompts
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/metrics"
	"github.com/mbd888/nudge/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventDecision      EventType = "decision"
	EventIntervention  EventType = "intervention"
	EventStateChange   EventType = "state_change"
	EventWin           EventType = "win"
	EventRelapse       EventType = "relapse"
	EventUpgradePrompt EventType = "upgrade_prompt"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventDecision, EventIntervention, EventStateChange, EventWin, EventRelapse, EventUpgradePrompt:
		return true
	}
	return false
}

// MaxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// deliveryTimeout bounds one delivery including retries.
const deliveryTimeout = time.Minute

// Signature and metadata headers sent with every delivery.
const (
	HeaderEvent     = "X-Nudge-Event"
	HeaderTimestamp = "X-Nudge-Timestamp"
	HeaderSignature = "X-Nudge-Signature"
)

var ErrNotFound = errors.New("webhooks: subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	policy       retry.Policy
	urlValidator func(string) error
	wg           sync.WaitGroup
	mu           sync.Mutex // serializes subscription bookkeeping updates
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy:       retry.DefaultPolicy(),
		urlValidator: ValidateURL,
	}
}

// WithRetryPolicy overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// ValidateURL rejects subscription URLs that are not http(s) or that point
// at loopback, private or link-local addresses.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if host == "localhost" {
		return fmt.Errorf("url must not target localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("url must not target a private address")
		}
	}
	return nil
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}

		// Send async to avoid blocking the engine. Deliveries outlive the
		// caller's context.
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
			defer cancel()
			d.send(sendCtx, sub, event)
		}(sub)
	}

	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		logging.L(ctx).Warn("webhook delivery failed",
			"webhook_id", sub.ID, "event", event.Type, "user_id", event.UserID, "error", err)
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if d.urlValidator != nil {
		if err := d.urlValidator(sub.URL); err != nil {
			return retry.Permanent(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	cur, ok := d.current(ctx, sub)
	if !ok {
		return
	}
	now := time.Now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	d.save(ctx, cur)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.current(ctx, sub)
	if !ok {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return
	}
	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	result := "failed"
	if cur.ConsecutiveFailures >= MaxConsecutiveFailures && cur.Active {
		cur.Active = false
		result = "disabled"
		logging.L(ctx).Warn("webhook disabled after repeated failures", "webhook_id", cur.ID)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	d.save(ctx, cur)
}

// current re-reads the subscription so concurrent deliveries count against
// the stored state rather than their own snapshot. Callers hold d.mu.
func (d *Dispatcher) current(ctx context.Context, sub *Subscription) (*Subscription, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	cur, err := d.store.Get(ctx, sub.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, false // deleted while in flight
	}
	if err != nil {
		logging.L(ctx).Warn("failed to reload webhook", "webhook_id", sub.ID, "error", err)
		return sub, true
	}
	return cur, true
}

func (d *Dispatcher) save(ctx context.Context, sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Error("failed to update webhook", "webhook_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing and single-node use
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && sub.wants(eventType) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
