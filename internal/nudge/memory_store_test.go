package nudge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/pagination"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestMemoryStore_ProfileVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := behavior.NewProfile("u1", t0)
	require.NoError(t, s.CreateProfile(ctx, p))
	assert.Equal(t, int64(1), p.Version)
	assert.ErrorIs(t, s.CreateProfile(ctx, behavior.NewProfile("u1", t0)), ErrProfileExists)

	a, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	b, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)

	a.IgnoredInterventions = 1
	require.NoError(t, s.UpdateProfile(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.DismissedCount = 1
	assert.ErrorIs(t, s.UpdateProfile(ctx, b), ErrVersionConflict)

	got, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.IgnoredInterventions)
	assert.Equal(t, 0, got.DismissedCount)

	_, err = s.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, s.UpdateProfile(ctx, behavior.NewProfile("nobody", t0)), ErrProfileNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateProfile(ctx, behavior.NewProfile("u1", t0)))

	p, _ := s.GetProfile(ctx, "u1")
	p.State = behavior.StateWithdrawn

	again, _ := s.GetProfile(ctx, "u1")
	assert.Equal(t, behavior.StateObserving, again.State)
}

func TestMemoryStore_ListProfiles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b", "d"} {
		require.NoError(t, s.CreateProfile(ctx, behavior.NewProfile(id, t0)))
	}

	page, err := s.ListProfiles(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].UserID)
	assert.Equal(t, "b", page[1].UserID)

	page, err = s.ListProfiles(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].UserID)
	assert.Equal(t, "d", page[1].UserID)
}

func TestMemoryStore_Transactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	txs := []behavior.Transaction{
		{ID: "t2", UserID: "u1", Amount: -5, OccurredAt: t0.Add(-1 * time.Hour)},
		{ID: "t1", UserID: "u1", Amount: -5, OccurredAt: t0.Add(-2 * time.Hour)},
		{ID: "t3", UserID: "u1", Amount: -5, OccurredAt: t0},
		{ID: "x1", UserID: "u2", Amount: -5, OccurredAt: t0},
	}
	require.NoError(t, s.AddTransactions(ctx, txs))
	require.NoError(t, s.AddTransactions(ctx, txs[:1]))

	got, err := s.ListTransactions(ctx, "u1", t0.Add(-2*time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, got, 2, "since is exclusive, until inclusive, duplicates ignored")
	assert.Equal(t, "t2", got[0].ID)
	assert.Equal(t, "t3", got[1].ID)
}

func delivered(id string, at time.Time) *behavior.Intervention {
	return &behavior.Intervention{
		ID:          id,
		UserID:      "u1",
		Behavior:    behavior.SmallRecurring,
		Type:        behavior.ImmediateMirror,
		MessageKey:  "k",
		Message:     "m",
		Confidence:  0.8,
		DeliveredAt: at,
	}
}

func TestMemoryStore_RecordResponseOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateIntervention(ctx, delivered("iv1", t0)))

	require.NoError(t, s.RecordResponse(ctx, "u1", "iv1", behavior.ResponseDismissed, t0.Add(time.Minute)))
	assert.ErrorIs(t, s.RecordResponse(ctx, "u1", "iv1", behavior.ResponseEngaged, t0), ErrAlreadyResponded)
	assert.ErrorIs(t, s.RecordResponse(ctx, "u1", "nope", behavior.ResponseEngaged, t0), ErrInterventionNotFound)
	assert.ErrorIs(t, s.RecordResponse(ctx, "u2", "iv1", behavior.ResponseEngaged, t0), ErrInterventionNotFound)

	iv, err := s.GetIntervention(ctx, "u1", "iv1")
	require.NoError(t, err)
	assert.Equal(t, behavior.ResponseDismissed, iv.Response)
	require.NotNil(t, iv.RespondedAt)
	assert.True(t, iv.RespondedAt.Equal(t0.Add(time.Minute)))
}

func TestMemoryStore_InterventionOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateIntervention(ctx, delivered("b", t0)))
	require.NoError(t, s.CreateIntervention(ctx, delivered("a", t0)))
	require.NoError(t, s.CreateIntervention(ctx, delivered("c", t0.Add(-48*time.Hour))))
	require.NoError(t, s.CreateIntervention(ctx, delivered("d", t0.Add(-10*24*time.Hour))))

	recent, err := s.ListRecentInterventions(ctx, "u1", t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].ID, "oldest first")

	page, err := s.ListInterventions(ctx, "u1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID, "ties order by id descending")
	assert.Equal(t, "a", page[1].ID)

	cur := &pagination.Cursor{At: page[1].DeliveredAt, ID: page[1].ID}
	page, err = s.ListInterventions(ctx, "u1", cur, 5)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	assert.Equal(t, "d", page[1].ID)
}

func TestMemoryStore_Wins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, id := range []string{"w1", "w2", "w3"} {
		require.NoError(t, s.CreateWin(ctx, &behavior.BehavioralWin{
			ID: id, UserID: "u1", At: t0.Add(time.Duration(i) * time.Hour),
		}))
	}
	ws, err := s.ListWins(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "w3", ws[0].ID)
	assert.Equal(t, "w2", ws[1].ID)
}
