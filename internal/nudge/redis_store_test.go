package nudge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/pagination"
)

func newRedisStore(t *testing.T) (*RedisInterventionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisInterventionStore(client), mr
}

func TestRedisStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.CreateIntervention(ctx, delivered("iv1", t0)))
	assert.True(t, mr.Exists("nudge:{u1}:iv:iv1"))

	iv, err := s.GetIntervention(ctx, "u1", "iv1")
	require.NoError(t, err)
	assert.Equal(t, behavior.SmallRecurring, iv.Behavior)
	assert.True(t, iv.DeliveredAt.Equal(t0))
	assert.Equal(t, behavior.ResponseNone, iv.Response)

	_, err = s.GetIntervention(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrInterventionNotFound)
	_, err = s.GetIntervention(ctx, "u2", "iv1")
	assert.ErrorIs(t, err, ErrInterventionNotFound)
}

func TestRedisStore_RecordResponseOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	require.NoError(t, s.CreateIntervention(ctx, delivered("iv1", t0)))

	require.NoError(t, s.RecordResponse(ctx, "u1", "iv1", behavior.ResponseIgnored, t0.Add(time.Hour)))
	assert.ErrorIs(t, s.RecordResponse(ctx, "u1", "iv1", behavior.ResponseEngaged, t0), ErrAlreadyResponded)
	assert.ErrorIs(t, s.RecordResponse(ctx, "u1", "nope", behavior.ResponseEngaged, t0), ErrInterventionNotFound)

	iv, err := s.GetIntervention(ctx, "u1", "iv1")
	require.NoError(t, err)
	assert.Equal(t, behavior.ResponseIgnored, iv.Response)
	require.NotNil(t, iv.RespondedAt)
	assert.True(t, iv.RespondedAt.Equal(t0.Add(time.Hour)))
}

func TestRedisStore_ListRecent(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	require.NoError(t, s.CreateIntervention(ctx, delivered("late", t0)))
	require.NoError(t, s.CreateIntervention(ctx, delivered("early", t0.Add(-48*time.Hour))))
	require.NoError(t, s.CreateIntervention(ctx, delivered("old", t0.Add(-10*24*time.Hour))))

	recent, err := s.ListRecentInterventions(ctx, "u1", t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "early", recent[0].ID)
	assert.Equal(t, "late", recent[1].ID)

	// since is exclusive
	recent, err = s.ListRecentInterventions(ctx, "u1", t0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestRedisStore_ListInterventionsBreaksTiesByID(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	// Same millisecond, distinct nanoseconds, plus one exact tie.
	at := t0.Add(500 * time.Microsecond)
	require.NoError(t, s.CreateIntervention(ctx, delivered("a", at)))
	require.NoError(t, s.CreateIntervention(ctx, delivered("c", at)))
	require.NoError(t, s.CreateIntervention(ctx, delivered("b", at.Add(100*time.Microsecond))))
	require.NoError(t, s.CreateIntervention(ctx, delivered("d", t0.Add(-time.Hour))))
	require.NoError(t, s.CreateIntervention(ctx, delivered("e", t0.Add(-2*time.Hour))))

	var got []string
	var cur *pagination.Cursor
	for range 5 {
		page, err := s.ListInterventions(ctx, "u1", cur, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, iv := range page {
			got = append(got, iv.ID)
		}
		last := page[len(page)-1]
		cur = &pagination.Cursor{At: last.DeliveredAt, ID: last.ID}
	}
	assert.Equal(t, []string{"b", "c", "a", "d", "e"}, got)
}

func TestRedisStore_RetentionTrimsIndex(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	s.WithRetention(24 * time.Hour)

	require.NoError(t, s.CreateIntervention(ctx, delivered("old", t0.Add(-48*time.Hour))))
	require.NoError(t, s.CreateIntervention(ctx, delivered("new", t0)))

	members, err := mr.ZMembers("nudge:{u1}:iv")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)

	mr.FastForward(25 * time.Hour)
	_, err = s.GetIntervention(ctx, "u1", "new")
	assert.ErrorIs(t, err, ErrInterventionNotFound)
}

func TestWithInterventionStore_RoutesInterventions(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	rs, _ := newRedisStore(t)
	store := WithInterventionStore(base, rs)

	require.NoError(t, store.CreateProfile(ctx, behavior.NewProfile("u1", t0)))
	require.NoError(t, store.CreateIntervention(ctx, delivered("iv1", t0)))

	_, err := base.GetIntervention(ctx, "u1", "iv1")
	assert.ErrorIs(t, err, ErrInterventionNotFound, "interventions bypass the base store")

	iv, err := store.GetIntervention(ctx, "u1", "iv1")
	require.NoError(t, err)
	assert.Equal(t, "iv1", iv.ID)

	p, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
}

func TestService_WithRedisInterventions(t *testing.T) {
	ctx := context.Background()
	rs, _ := newRedisStore(t)
	base := NewMemoryStore()
	svc := NewService(WithInterventionStore(base, rs), behavior.DefaultConfig()).
		WithClock(func() time.Time { return t0 })

	p := behavior.NewProfile("u1", t0)
	focusedOn(0.8)(p)
	require.NoError(t, base.CreateProfile(ctx, p))

	ev, err := svc.ProcessTrigger(ctx, TriggerRequest{UserID: "u1", Trigger: behavior.TriggerAppOpen, Moment: teachable})
	require.NoError(t, err)
	require.NotNil(t, ev.Intervention)

	out, err := svc.RecordResponse(ctx, "u1", ev.Intervention.ID, behavior.ResponseDismissed)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Profile.DismissedCount)

	page, err := svc.ListInterventions(ctx, "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Interventions, 1)
	assert.Equal(t, behavior.ResponseDismissed, page.Interventions[0].Response)
}
