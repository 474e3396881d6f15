// Package auth provides API key authentication for the engine's HTTP API.
//
// Authentication model:
// - Health, metrics and the realtime socket: No auth required
// - /v1 engine endpoints: Any valid key (client or admin scope)
// - Key and webhook management: Admin scope only
// - The first admin key is bootstrapped from ADMIN_API_KEY
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/nudge/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrForbidden     = errors.New("API key scope does not allow this operation")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidScope  = errors.New("unknown API key scope")
)

// KeyPrefix starts every raw key.
const KeyPrefix = "sk_"

// Scope limits what a key may call.
type Scope string

const (
	ScopeClient Scope = "client" // engine endpoints
	ScopeAdmin  Scope = "admin"  // engine endpoints plus key and webhook management
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeClient || s == ScopeAdmin
}

// Allows reports whether a key with scope s may use an endpoint requiring need.
func (s Scope) Allows(need Scope) bool {
	return s == ScopeAdmin || s == need
}

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	Name      string     `json:"name"`
	Scope     Scope      `json:"scope"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	List(ctx context.Context) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// GenerateKey creates a new API key. A zero ttl never expires.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, name string, scope Scope, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	if !scope.Valid() {
		return "", nil, ErrInvalidScope
	}

	// Generate 32 random bytes
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = KeyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		Name:      name,
		Scope:     scope,
		CreatedAt: m.now().UTC(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// Bootstrap registers rawKey as an admin key unless it is already stored.
// Operators rotate it by changing ADMIN_API_KEY and revoking the old id.
func (m *Manager) Bootstrap(ctx context.Context, rawKey string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	hash := hashKey(rawKey)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hash,
		Name:      "bootstrap",
		Scope:     ScopeAdmin,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	m.logger.Info("bootstrap admin key registered", "key_id", key.ID)
	return key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	// Clean the key
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	now := m.now()
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	touched := *key
	touched.LastUsed = &now
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.Update(ctx, &touched); err != nil {
			m.logger.Warn("failed to record key use", "key_id", touched.ID, "error", err)
		}
	}()

	return key, nil
}

// ListKeys returns all keys, newest first
func (m *Manager) ListKeys(ctx context.Context) ([]*APIKey, error) {
	keys, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID string) error {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if key.Revoked {
		return nil
	}
	key.Revoked = true
	return m.store.Update(ctx, key)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		result = append(result, &cp)
	}
	return result, nil
}

// Update stores last-use and revocation. A revoked key stays revoked even if
// a concurrent last-use write carries the older flag.
func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	cp := *key
	cp.Revoked = cp.Revoked || cur.Revoked
	s.keys[key.ID] = &cp
	return nil
}
