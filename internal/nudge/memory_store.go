package nudge

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/pagination"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
type MemoryStore struct {
	profiles      map[string]*behavior.Profile
	transactions  map[string][]behavior.Transaction // userID → txs, oldest first
	txIDs         map[string]struct{}
	interventions map[string][]*behavior.Intervention // userID → delivery order
	wins          map[string][]behavior.BehavioralWin
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      make(map[string]*behavior.Profile),
		transactions:  make(map[string][]behavior.Transaction),
		txIDs:         make(map[string]struct{}),
		interventions: make(map[string][]*behavior.Intervention),
		wins:          make(map[string][]behavior.BehavioralWin),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateProfile(_ context.Context, p *behavior.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.UserID]; ok {
		return ErrProfileExists
	}
	p.Version = 1
	m.profiles[p.UserID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*behavior.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, p *behavior.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.profiles[p.UserID]
	if !ok {
		return ErrProfileNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	m.profiles[p.UserID] = p.Clone()
	return nil
}

func (m *MemoryStore) ListProfiles(_ context.Context, afterUserID string, limit int) ([]*behavior.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*behavior.Profile, len(ids))
	for i, id := range ids {
		out[i] = m.profiles[id].Clone()
	}
	return out, nil
}

func (m *MemoryStore) AddTransactions(_ context.Context, txs []behavior.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]bool)
	for _, tx := range txs {
		if _, dup := m.txIDs[tx.ID]; dup {
			continue
		}
		m.txIDs[tx.ID] = struct{}{}
		m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
		touched[tx.UserID] = true
	}
	for userID := range touched {
		sortTransactions(m.transactions[userID])
	}
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, since, until time.Time) ([]behavior.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []behavior.Transaction
	for _, tx := range m.transactions[userID] {
		if tx.OccurredAt.After(since) && !tx.OccurredAt.After(until) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateIntervention(_ context.Context, iv *behavior.Intervention) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneIntervention(*iv)
	m.interventions[iv.UserID] = append(m.interventions[iv.UserID], &cp)
	return nil
}

func (m *MemoryStore) GetIntervention(_ context.Context, userID, id string) (*behavior.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, iv := range m.interventions[userID] {
		if iv.ID == id {
			cp := cloneIntervention(*iv)
			return &cp, nil
		}
	}
	return nil, ErrInterventionNotFound
}

func (m *MemoryStore) RecordResponse(_ context.Context, userID, id string, r behavior.UserResponse, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, iv := range m.interventions[userID] {
		if iv.ID != id {
			continue
		}
		if iv.Response != behavior.ResponseNone {
			return ErrAlreadyResponded
		}
		iv.Response = r
		iv.RespondedAt = behavior.TimePtr(at)
		return nil
	}
	return ErrInterventionNotFound
}

func (m *MemoryStore) ListRecentInterventions(_ context.Context, userID string, since time.Time) ([]behavior.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []behavior.Intervention
	for _, iv := range m.interventions[userID] {
		if iv.DeliveredAt.After(since) {
			out = append(out, cloneIntervention(*iv))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListInterventions(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]behavior.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []behavior.Intervention
	for _, iv := range m.interventions[userID] {
		if cursor.After(iv.DeliveredAt, iv.ID) {
			out = append(out, cloneIntervention(*iv))
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateWin(_ context.Context, w *behavior.BehavioralWin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wins[w.UserID] = append(m.wins[w.UserID], *w)
	return nil
}

func (m *MemoryStore) ListWins(_ context.Context, userID string, limit int) ([]behavior.BehavioralWin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Clone(m.wins[userID])
	slices.Reverse(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneIntervention(iv behavior.Intervention) behavior.Intervention {
	if iv.RespondedAt != nil {
		iv.RespondedAt = behavior.TimePtr(*iv.RespondedAt)
	}
	return iv
}

func sortTransactions(txs []behavior.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].OccurredAt.Before(txs[j].OccurredAt)
	})
}

func sortOldestFirst(ivs []behavior.Intervention) {
	sort.SliceStable(ivs, func(i, j int) bool {
		return ivs[i].DeliveredAt.Before(ivs[j].DeliveredAt)
	})
}

// sortNewestFirst orders by (DeliveredAt desc, ID desc), the pagination key.
func sortNewestFirst(ivs []behavior.Intervention) {
	sort.Slice(ivs, func(i, j int) bool {
		if !ivs[i].DeliveredAt.Equal(ivs[j].DeliveredAt) {
			return ivs[i].DeliveredAt.After(ivs[j].DeliveredAt)
		}
		return strings.Compare(ivs[i].ID, ivs[j].ID) > 0
	})
}
