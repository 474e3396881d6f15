package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "Mobile app", ScopeClient, 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Name != "Mobile app" || key.Scope != ScopeClient {
		t.Errorf("Unexpected key metadata %+v", key)
	}
	if key.ExpiresAt != nil {
		t.Error("Zero ttl should never expire")
	}
	if key.Hash == "" || strings.Contains(key.Hash, rawKey) {
		t.Error("Expected only the hash to be stored")
	}

	_, withTTL, err := mgr.GenerateKey(ctx, "temp", ScopeAdmin, time.Hour)
	if err != nil {
		t.Fatalf("GenerateKey with ttl failed: %v", err)
	}
	if withTTL.ExpiresAt == nil || !withTTL.ExpiresAt.Equal(withTTL.CreatedAt.Add(time.Hour)) {
		t.Errorf("Expected expiry one hour after creation, got %v", withTTL.ExpiresAt)
	}

	if _, _, err := mgr.GenerateKey(ctx, "bad", Scope("root"), 0); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Expected ErrInvalidScope, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "Primary", ScopeClient, 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.Name != "Primary" {
		t.Errorf("Expected key Primary, got %s", key.Name)
	}

	// Validate with Bearer prefix
	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrNoAPIKey},
		{"bearer only", "Bearer ", ErrNoAPIKey},
		{"wrong prefix", "pk_" + strings.Repeat("0", 64), ErrInvalidAPIKey},
		{"unknown key", "sk_" + strings.Repeat("0", 64), ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		if _, err := mgr.ValidateKey(ctx, tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestValidateKey_Expired(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	rawKey, _, err := mgr.GenerateKey(ctx, "short-lived", ScopeClient, time.Hour)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Fatalf("Expected key to be valid before expiry: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected expired key to be rejected, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "ToRevoke", ScopeClient, 0)

	// Validate first so a last-use write is in flight during revocation
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Fatalf("Key should be valid before revocation: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID); err != nil {
		t.Errorf("Revoking twice should be a no-op, got %v", err)
	}

	// Give the last-use goroutine a chance to land after the revocation
	time.Sleep(20 * time.Millisecond)

	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Revoked key should fail validation, got %v", err)
	}

	if err := mgr.RevokeKey(ctx, "ak_missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestBootstrap(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, nil)
	ctx := context.Background()
	raw := "sk_" + strings.Repeat("ab", 32)

	first, err := mgr.Bootstrap(ctx, raw)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if first.Scope != ScopeAdmin {
		t.Errorf("Expected admin scope, got %s", first.Scope)
	}

	again, err := mgr.Bootstrap(ctx, raw)
	if err != nil {
		t.Fatalf("Second bootstrap failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("Bootstrap should be idempotent, got %s then %s", first.ID, again.ID)
	}

	keys, _ := mgr.ListKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("Expected 1 key, got %d", len(keys))
	}

	key, err := mgr.ValidateKey(ctx, raw)
	if err != nil || key.Scope != ScopeAdmin {
		t.Errorf("Bootstrap key should validate as admin: %v", err)
	}

	if _, err := mgr.Bootstrap(ctx, "not-a-key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestScope_Allows(t *testing.T) {
	if !ScopeAdmin.Allows(ScopeClient) || !ScopeAdmin.Allows(ScopeAdmin) {
		t.Error("Admin should allow everything")
	}
	if !ScopeClient.Allows(ScopeClient) {
		t.Error("Client should allow client endpoints")
	}
	if ScopeClient.Allows(ScopeAdmin) {
		t.Error("Client must not allow admin endpoints")
	}
}
