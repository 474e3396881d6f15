package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/pagination"
)

// DefaultInterventionRetention bounds how long Redis keeps delivered
// interventions. The decision gates only look back a week.
const DefaultInterventionRetention = 90 * 24 * time.Hour

var _ InterventionStore = (*RedisInterventionStore)(nil)

// RedisInterventionStore keeps delivered interventions in Redis so the
// frequency gates read from memory when profiles live in Postgres.
//
// Layout per user (hash-tagged so every key lands in one cluster slot):
//
//	nudge:{user}:iv          ZSET  id scored by delivery time (ms)
//	nudge:{user}:iv:<id>     JSON  the intervention as delivered
//	nudge:{user}:ivr:<id>    JSON  the response, written once with SETNX
type RedisInterventionStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisInterventionStore creates a Redis-backed intervention store.
func NewRedisInterventionStore(client redis.UniversalClient) *RedisInterventionStore {
	return &RedisInterventionStore{client: client, retention: DefaultInterventionRetention}
}

// WithRetention overrides how long interventions are kept.
func (r *RedisInterventionStore) WithRetention(d time.Duration) *RedisInterventionStore {
	r.retention = d
	return r
}

type storedResponse struct {
	Response behavior.UserResponse `json:"response"`
	At       time.Time             `json:"at"`
}

func indexKey(userID string) string { return "nudge:{" + userID + "}:iv" }

func payloadKey(userID, id string) string { return "nudge:{" + userID + "}:iv:" + id }

func responseKey(userID, id string) string { return "nudge:{" + userID + "}:ivr:" + id }

func (r *RedisInterventionStore) CreateIntervention(ctx context.Context, iv *behavior.Intervention) error {
	data, err := json.Marshal(iv)
	if err != nil {
		return fmt.Errorf("encode intervention: %w", err)
	}
	key := indexKey(iv.UserID)
	cutoff := iv.DeliveredAt.Add(-r.retention).UnixMilli()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, payloadKey(iv.UserID, iv.ID), data, r.retention)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(iv.DeliveredAt.UnixMilli()), Member: iv.ID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, r.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store intervention: %w", err)
	}
	return nil
}

func (r *RedisInterventionStore) GetIntervention(ctx context.Context, userID, id string) (*behavior.Intervention, error) {
	ivs, err := r.load(ctx, userID, []string{id})
	if err != nil {
		return nil, err
	}
	if len(ivs) == 0 {
		return nil, ErrInterventionNotFound
	}
	return &ivs[0], nil
}

func (r *RedisInterventionStore) RecordResponse(ctx context.Context, userID, id string, resp behavior.UserResponse, at time.Time) error {
	exists, err := r.client.Exists(ctx, payloadKey(userID, id)).Result()
	if err != nil {
		return fmt.Errorf("check intervention: %w", err)
	}
	if exists == 0 {
		return ErrInterventionNotFound
	}
	data, err := json.Marshal(storedResponse{Response: resp, At: at})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	ok, err := r.client.SetNX(ctx, responseKey(userID, id), data, r.retention).Result()
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	if !ok {
		return ErrAlreadyResponded
	}
	return nil
}

func (r *RedisInterventionStore) ListRecentInterventions(ctx context.Context, userID string, since time.Time) ([]behavior.Intervention, error) {
	ids, err := r.client.ZRangeByScore(ctx, indexKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent interventions: %w", err)
	}
	ivs, err := r.load(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	out := ivs[:0]
	for _, iv := range ivs {
		if iv.DeliveredAt.After(since) {
			out = append(out, iv)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

// ListInterventions walks the index newest first. Scores have millisecond
// resolution, so it keeps reading until every entry sharing the score of
// the last kept item has been seen, then applies the exact ordering.
func (r *RedisInterventionStore) ListInterventions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]behavior.Intervention, error) {
	upper := "+inf"
	if cursor != nil {
		upper = strconv.FormatInt(cursor.At.UnixMilli(), 10)
	}
	batch := int64(limit + 1)

	var (
		out    []behavior.Intervention
		offset int64
	)
	for {
		zs, err := r.client.ZRevRangeByScoreWithScores(ctx, indexKey(userID), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list interventions: %w", err)
		}
		if len(zs) == 0 {
			break
		}
		offset += int64(len(zs))

		ids := make([]string, len(zs))
		for i, z := range zs {
			ids[i], _ = z.Member.(string)
		}
		ivs, err := r.load(ctx, userID, ids)
		if err != nil {
			return nil, err
		}
		for _, iv := range ivs {
			if cursor.After(iv.DeliveredAt, iv.ID) {
				out = append(out, iv)
			}
		}
		if int64(len(zs)) < batch {
			break
		}
		if len(out) >= limit && zs[len(zs)-1].Score < float64(out[limit-1].DeliveredAt.UnixMilli()) {
			break
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// load fetches payloads and responses for ids in one round trip. Entries
// whose payload has expired are skipped.
func (r *RedisInterventionStore) load(ctx context.Context, userID string, ids []string) ([]behavior.Intervention, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	payloads := make([]*redis.StringCmd, len(ids))
	responses := make([]*redis.StringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			payloads[i] = pipe.Get(ctx, payloadKey(userID, id))
			responses[i] = pipe.Get(ctx, responseKey(userID, id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load interventions: %w", err)
	}

	out := make([]behavior.Intervention, 0, len(ids))
	for i := range ids {
		data, err := payloads[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load intervention: %w", err)
		}
		var iv behavior.Intervention
		if err := json.Unmarshal(data, &iv); err != nil {
			return nil, fmt.Errorf("decode intervention: %w", err)
		}

		raw, err := responses[i].Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, fmt.Errorf("load response: %w", err)
		default:
			var sr storedResponse
			if err := json.Unmarshal(raw, &sr); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			iv.Response = sr.Response
			iv.RespondedAt = behavior.TimePtr(sr.At)
		}
		out = append(out, iv)
	}
	return out, nil
}

// splitStore routes intervention calls to a dedicated store and everything
// else to the base store.
type splitStore struct {
	Store
	interventions InterventionStore
}

// WithInterventionStore returns a Store that keeps interventions in ivs.
func WithInterventionStore(base Store, ivs InterventionStore) Store {
	return &splitStore{Store: base, interventions: ivs}
}

func (s *splitStore) CreateIntervention(ctx context.Context, iv *behavior.Intervention) error {
	return s.interventions.CreateIntervention(ctx, iv)
}

func (s *splitStore) GetIntervention(ctx context.Context, userID, id string) (*behavior.Intervention, error) {
	return s.interventions.GetIntervention(ctx, userID, id)
}

func (s *splitStore) RecordResponse(ctx context.Context, userID, id string, r behavior.UserResponse, at time.Time) error {
	return s.interventions.RecordResponse(ctx, userID, id, r, at)
}

func (s *splitStore) ListRecentInterventions(ctx context.Context, userID string, since time.Time) ([]behavior.Intervention, error) {
	return s.interventions.ListRecentInterventions(ctx, userID, since)
}

func (s *splitStore) ListInterventions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]behavior.Intervention, error) {
	return s.interventions.ListInterventions(ctx, userID, cursor, limit)
}
