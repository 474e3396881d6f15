package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/nudge/internal/retry"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost
// test servers and retries without real backoff.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store).WithRetryPolicy(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	})
	d.urlValidator = noopValidator
	return d
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventIntervention},
		Active:    true,
		CreatedAt: time.Now(),
	}

	// Create
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Get
	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Returned values are copies
	got.URL = "https://mutated.example.com"
	again, _ := store.Get(ctx, "wh_test1")
	if again.URL != "https://example.com/hook" {
		t.Error("Store should not share subscription pointers")
	}

	// Update
	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	// Delete
	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
	if err := store.Update(ctx, sub); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing sub, got %v", err)
	}
}

func TestMemoryStore_ListByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventWin, EventRelapse}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventWin}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventWin}, Active: false})
	store.Create(ctx, &Subscription{ID: "wh4", Events: []EventType{EventIntervention}, Active: true})

	subs, _ := store.ListByEvent(ctx, EventWin)
	if len(subs) != 2 {
		t.Errorf("Expected 2 active subs for win, got %d", len(subs))
	}

	subs, _ = store.ListByEvent(ctx, EventStateChange)
	if len(subs) != 0 {
		t.Errorf("Expected 0 subs for state_change, got %d", len(subs))
	}

	all, _ := store.List(ctx)
	if len(all) != 4 {
		t.Errorf("Expected 4 subs in List, got %d", len(all))
	}
}

func TestEventType_Valid(t *testing.T) {
	for _, et := range []EventType{EventDecision, EventIntervention, EventStateChange, EventWin, EventRelapse, EventUpgradePrompt} {
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	for _, et := range []EventType{"", "payment.received", "WIN"} {
		if et.Valid() {
			t.Errorf("%q should be invalid", et)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.com/nudge", false},
		{"http://93.184.216.34/hook", false},
		{"ftp://example.com/hook", true},
		{"https://", true},
		{"http://localhost:8080/hook", true},
		{"http://127.0.0.1/hook", true},
		{"http://10.0.0.5/hook", true},
		{"http://192.168.1.1/hook", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/hook", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"intervention","data":{}}`)
	secret := "test_secret_key"

	sig := Sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
	if Sign(payload, "secret1") == Sign(payload, "secret2") {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventIntervention}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", URL: server.URL, Events: []EventType{EventWin}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh3", URL: server.URL, Events: []EventType{EventIntervention}, Active: false})

	d := newTestDispatcher(store)
	err := d.Dispatch(ctx, &Event{
		Type:      EventIntervention,
		UserID:    "u1",
		Timestamp: time.Now(),
		Data:      map[string]any{"message": "Skip one coffee"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	d.Wait()

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatch_SignatureAndHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotHeaders http.Header
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventWin},
		Active: true,
		Secret: secret,
	})

	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		ID:        "evt_1",
		Type:      EventWin,
		UserID:    "u1",
		Timestamp: ts,
		Data:      map[string]any{"streak": 3},
	})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()

	if gotHeaders.Get(HeaderEvent) != "win" {
		t.Errorf("Expected %s header win, got %q", HeaderEvent, gotHeaders.Get(HeaderEvent))
	}
	if gotHeaders.Get(HeaderTimestamp) != strconv.FormatInt(ts.Unix(), 10) {
		t.Errorf("Unexpected timestamp header %q", gotHeaders.Get(HeaderTimestamp))
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Unexpected content type %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get(HeaderSignature) != Sign(gotBody, secret) {
		t.Errorf("Signature mismatch for body %s", gotBody)
	}

	var payload struct {
		ID     string         `json:"id"`
		Type   string         `json:"type"`
		UserID string         `json:"userId"`
		Data   map[string]any `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("Invalid payload: %v", err)
	}
	if payload.ID != "evt_1" || payload.Type != "win" || payload.UserID != "u1" {
		t.Errorf("Unexpected payload %+v", payload)
	}
	if payload.Data["streak"] != float64(3) {
		t.Errorf("Expected streak 3 in data, got %v", payload.Data["streak"])
	}
}

func TestDispatch_NoSignatureWithoutSecret(t *testing.T) {
	store := NewMemoryStore()

	var gotSig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get(HeaderSignature))
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventWin}, Active: true})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventWin, Timestamp: time.Now()})
	d.Wait()

	if sig, _ := gotSig.Load().(string); sig != "" {
		t.Errorf("Expected no signature, got %q", sig)
	}
}

func TestDispatch_RetryBehavior(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantAttempts int32
		wantError    bool
	}{
		{"server error retried", http.StatusInternalServerError, 3, true},
		{"rate limited retried", http.StatusTooManyRequests, 3, true},
		{"client error not retried", http.StatusBadRequest, 1, true},
		{"success", http.StatusNoContent, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			ctx := context.Background()
			store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventRelapse}, Active: true})

			d := newTestDispatcher(store)
			d.Dispatch(ctx, &Event{Type: EventRelapse, Timestamp: time.Now()})
			d.Wait()

			if attempts.Load() != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, attempts.Load())
			}
			sub, _ := store.Get(ctx, "wh1")
			if (sub.LastError != "") != tt.wantError {
				t.Errorf("lastError = %q, wantError %v", sub.LastError, tt.wantError)
			}
			if tt.wantError && sub.ConsecutiveFailures != 1 {
				t.Errorf("Expected 1 consecutive failure, got %d", sub.ConsecutiveFailures)
			}
			if !tt.wantError && sub.LastSuccess == nil {
				t.Error("Expected lastSuccess to be set after successful delivery")
			}
		})
	}
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:                  "wh1",
		URL:                 server.URL,
		Events:              []EventType{EventWin},
		Active:              true,
		ConsecutiveFailures: MaxConsecutiveFailures - 1,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventWin, Timestamp: time.Now()})
	d.Wait()

	sub, _ := store.Get(ctx, "wh1")
	if sub.Active {
		t.Error("Expected subscription to be disabled")
	}
	if sub.ConsecutiveFailures != MaxConsecutiveFailures {
		t.Errorf("Expected %d failures, got %d", MaxConsecutiveFailures, sub.ConsecutiveFailures)
	}
}

func TestDispatch_CountsConcurrentFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventWin},
		Active: true,
	})

	d := newTestDispatcher(store)
	for i := 0; i < 3; i++ {
		d.Dispatch(ctx, &Event{Type: EventWin, Timestamp: time.Now()})
	}
	d.Wait()

	sub, _ := store.Get(ctx, "wh1")
	if sub.ConsecutiveFailures != 3 {
		t.Errorf("Expected 3 failures, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_SuccessResetsFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:                  "wh1",
		URL:                 server.URL,
		Events:              []EventType{EventWin},
		Active:              true,
		LastError:           "status 500",
		ConsecutiveFailures: 4,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventWin, Timestamp: time.Now()})
	d.Wait()

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set")
	}
	if sub.LastError != "" || sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure state cleared, got %q / %d", sub.LastError, sub.ConsecutiveFailures)
	}
}

func TestDispatch_RejectsPrivateTargets(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventWin}, Active: true})

	// Default validator: the loopback test server must never be called.
	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventWin, Timestamp: time.Now()})
	d.Wait()

	if received.Load() != 0 {
		t.Errorf("Expected no delivery to loopback, got %d", received.Load())
	}
	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError for rejected URL")
	}
}

func TestDispatch_OutlivesCallerContext(t *testing.T) {
	store := NewMemoryStore()

	release := make(chan struct{})
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{ID: "wh1", URL: server.URL, Events: []EventType{EventWin}, Active: true})

	ctx, cancel := context.WithCancel(context.Background())
	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventWin, Timestamp: time.Now()})
	cancel()
	close(release)
	d.Wait()

	if received.Load() != 1 {
		t.Errorf("Expected delivery after caller cancel, got %d", received.Load())
	}
}

// ---------------------------------------------------------------------------
// Emitter tests
// ---------------------------------------------------------------------------

func TestEmitter_Publish(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var events []Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventIntervention, EventStateChange},
		Active: true,
	})

	d := newTestDispatcher(store)
	e := NewEmitter(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Publish("intervention", "u1", map[string]any{"id": "int_1"})
	e.Publish("win", "u1", nil)          // no subscriber
	e.Publish("not_an_event", "u1", nil) // unknown type ignored
	e.Publish("state_change", "u2", "COOLDOWN")
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(events))
	}
	for _, ev := range events {
		if len(ev.ID) != len("evt_")+32 || ev.ID[:4] != "evt_" {
			t.Errorf("Unexpected event id %q", ev.ID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected event timestamp")
		}
	}

	var nilEmitter *Emitter
	nilEmitter.Publish("intervention", "u1", nil) // must not panic
}
