package nudge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The schema lives in
// the migrations package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `user_id, state, active_behavior,
	confidence_small_recurring, confidence_stress_spending, confidence_end_of_month,
	cooldown_ends_at, withdrawal_ends_at,
	ignored_interventions, dismissed_count, current_streak, longest_streak, last_win_at,
	intervention_enabled, seasonal_factors, seasonal_calibrated_at,
	confidence_history, upgrade_prompts_at, version, created_at, updated_at`

func (p *PostgresStore) CreateProfile(ctx context.Context, prof *behavior.Profile) error {
	seasonal, history, prompts, err := marshalProfileJSON(prof)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO behavior_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, 1, $19, $20)
	`,
		prof.UserID, string(prof.State), nullString(string(prof.ActiveBehavior)),
		prof.Confidences.SmallRecurring, prof.Confidences.StressSpending, prof.Confidences.EndOfMonth,
		nullTime(prof.CooldownEndsAt), nullTime(prof.WithdrawalEndsAt),
		prof.IgnoredInterventions, prof.DismissedCount, prof.CurrentStreak, prof.LongestStreak,
		nullTime(prof.LastWinAt), prof.InterventionEnabled,
		seasonal, nullTime(prof.SeasonalCalibratedAt), history, prompts,
		prof.CreatedAt, prof.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrProfileExists
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	prof.Version = 1
	return nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*behavior.Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM behavior_profiles WHERE user_id = $1
	`, userID)

	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return prof, nil
}

func (p *PostgresStore) UpdateProfile(ctx context.Context, prof *behavior.Profile) error {
	seasonal, history, prompts, err := marshalProfileJSON(prof)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE behavior_profiles SET
			state                      = $3,
			active_behavior            = $4,
			confidence_small_recurring = $5,
			confidence_stress_spending = $6,
			confidence_end_of_month    = $7,
			cooldown_ends_at           = $8,
			withdrawal_ends_at         = $9,
			ignored_interventions      = $10,
			dismissed_count            = $11,
			current_streak             = $12,
			longest_streak             = $13,
			last_win_at                = $14,
			intervention_enabled       = $15,
			seasonal_factors           = $16,
			seasonal_calibrated_at     = $17,
			confidence_history         = $18,
			upgrade_prompts_at         = $19,
			updated_at                 = $20,
			version                    = version + 1
		WHERE user_id = $1 AND version = $2
	`,
		prof.UserID, prof.Version,
		string(prof.State), nullString(string(prof.ActiveBehavior)),
		prof.Confidences.SmallRecurring, prof.Confidences.StressSpending, prof.Confidences.EndOfMonth,
		nullTime(prof.CooldownEndsAt), nullTime(prof.WithdrawalEndsAt),
		prof.IgnoredInterventions, prof.DismissedCount, prof.CurrentStreak, prof.LongestStreak,
		nullTime(prof.LastWinAt), prof.InterventionEnabled,
		seasonal, nullTime(prof.SeasonalCalibratedAt), history, prompts,
		prof.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing row from a stale version.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM behavior_profiles WHERE user_id = $1)`, prof.UserID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check profile: %w", err)
		}
		if !exists {
			return ErrProfileNotFound
		}
		return ErrVersionConflict
	}
	prof.Version++
	return nil
}

func (p *PostgresStore) ListProfiles(ctx context.Context, afterUserID string, limit int) ([]*behavior.Profile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM behavior_profiles
		WHERE user_id > $1
		ORDER BY user_id LIMIT $2
	`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*behavior.Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, prof)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddTransactions(ctx context.Context, txs []behavior.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO behavior_transactions (id, user_id, amount, category_id, merchant, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range txs {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.UserID, t.Amount, t.CategoryID, nullString(t.Merchant), t.OccurredAt,
		); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]behavior.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, amount, category_id, merchant, occurred_at
		FROM behavior_transactions
		WHERE user_id = $1 AND occurred_at > $2 AND occurred_at <= $3
		ORDER BY occurred_at, id
	`, userID, since, until)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []behavior.Transaction
	for rows.Next() {
		var (
			t        behavior.Transaction
			merchant sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.CategoryID, &merchant, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Merchant = merchant.String
		out = append(out, t)
	}
	return out, rows.Err()
}

const interventionColumns = `id, user_id, behavior, intervention_type, message_key, message,
	confidence, delivered_at, user_response, responded_at`

func (p *PostgresStore) CreateIntervention(ctx context.Context, iv *behavior.Intervention) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO interventions (`+interventionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		iv.ID, iv.UserID, string(iv.Behavior), string(iv.Type), iv.MessageKey, iv.Message,
		iv.Confidence, iv.DeliveredAt, nullString(string(iv.Response)), nullTime(iv.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetIntervention(ctx context.Context, userID, id string) (*behavior.Intervention, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+interventionColumns+` FROM interventions WHERE id = $1 AND user_id = $2
	`, id, userID)

	iv, err := scanIntervention(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInterventionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	return iv, nil
}

func (p *PostgresStore) RecordResponse(ctx context.Context, userID, id string, r behavior.UserResponse, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE interventions SET user_response = $3, responded_at = $4
		WHERE id = $1 AND user_id = $2 AND user_response IS NULL
	`, id, userID, string(r), at)
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := p.GetIntervention(ctx, userID, id); err != nil {
			return err
		}
		return ErrAlreadyResponded
	}
	return nil
}

func (p *PostgresStore) ListRecentInterventions(ctx context.Context, userID string, since time.Time) ([]behavior.Intervention, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+interventionColumns+` FROM interventions
		WHERE user_id = $1 AND delivered_at > $2
		ORDER BY delivered_at, id
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent interventions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanInterventions(rows)
}

func (p *PostgresStore) ListInterventions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]behavior.Intervention, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+interventionColumns+` FROM interventions
			WHERE user_id = $1
			ORDER BY delivered_at DESC, id DESC LIMIT $2
		`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+interventionColumns+` FROM interventions
			WHERE user_id = $1 AND (delivered_at, id) < ($2, $3)
			ORDER BY delivered_at DESC, id DESC LIMIT $4
		`, userID, cursor.At, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanInterventions(rows)
}

func (p *PostgresStore) CreateWin(ctx context.Context, w *behavior.BehavioralWin) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO behavioral_wins (id, user_id, behavior, win_type, streak, reduction, message, won_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.UserID, string(w.Behavior), string(w.Type), w.Streak, w.Reduction, w.Message, w.At)
	if err != nil {
		return fmt.Errorf("insert win: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListWins(ctx context.Context, userID string, limit int) ([]behavior.BehavioralWin, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, behavior, win_type, streak, reduction, message, won_at
		FROM behavioral_wins WHERE user_id = $1
		ORDER BY won_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list wins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []behavior.BehavioralWin
	for rows.Next() {
		var w behavior.BehavioralWin
		var b, typ string
		if err := rows.Scan(&w.ID, &w.UserID, &b, &typ, &w.Streak, &w.Reduction, &w.Message, &w.At); err != nil {
			return nil, fmt.Errorf("scan win: %w", err)
		}
		w.Behavior = behavior.BehaviorType(b)
		w.Type = behavior.WinType(typ)
		out = append(out, w)
	}
	return out, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row scannable) (*behavior.Profile, error) {
	var (
		prof                                    behavior.Profile
		state                                   string
		activeBehavior                          sql.NullString
		cooldownEnds, withdrawalEnds, lastWinAt sql.NullTime
		calibratedAt                            sql.NullTime
		seasonal, history, prompts              []byte
	)
	err := row.Scan(
		&prof.UserID, &state, &activeBehavior,
		&prof.Confidences.SmallRecurring, &prof.Confidences.StressSpending, &prof.Confidences.EndOfMonth,
		&cooldownEnds, &withdrawalEnds,
		&prof.IgnoredInterventions, &prof.DismissedCount, &prof.CurrentStreak, &prof.LongestStreak, &lastWinAt,
		&prof.InterventionEnabled, &seasonal, &calibratedAt,
		&history, &prompts, &prof.Version, &prof.CreatedAt, &prof.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	prof.State = behavior.UserState(state)
	prof.ActiveBehavior = behavior.BehaviorType(activeBehavior.String)
	prof.CooldownEndsAt = timePtr(cooldownEnds)
	prof.WithdrawalEndsAt = timePtr(withdrawalEnds)
	prof.LastWinAt = timePtr(lastWinAt)
	prof.SeasonalCalibratedAt = timePtr(calibratedAt)

	if err := json.Unmarshal(seasonal, &prof.SeasonalFactors); err != nil {
		return nil, fmt.Errorf("decode seasonal factors: %w", err)
	}
	if err := json.Unmarshal(history, &prof.ConfidenceHistory); err != nil {
		return nil, fmt.Errorf("decode confidence history: %w", err)
	}
	if err := json.Unmarshal(prompts, &prof.UpgradePromptsAt); err != nil {
		return nil, fmt.Errorf("decode upgrade prompts: %w", err)
	}
	return &prof, nil
}

func scanIntervention(row scannable) (*behavior.Intervention, error) {
	var (
		iv          behavior.Intervention
		b, typ      string
		response    sql.NullString
		respondedAt sql.NullTime
	)
	if err := row.Scan(
		&iv.ID, &iv.UserID, &b, &typ, &iv.MessageKey, &iv.Message,
		&iv.Confidence, &iv.DeliveredAt, &response, &respondedAt,
	); err != nil {
		return nil, err
	}
	iv.Behavior = behavior.BehaviorType(b)
	iv.Type = behavior.InterventionType(typ)
	iv.Response = behavior.UserResponse(response.String)
	iv.RespondedAt = timePtr(respondedAt)
	return &iv, nil
}

func scanInterventions(rows *sql.Rows) ([]behavior.Intervention, error) {
	var out []behavior.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, *iv)
	}
	return out, rows.Err()
}

func marshalProfileJSON(prof *behavior.Profile) (seasonal, history, prompts []byte, err error) {
	if seasonal, err = json.Marshal(prof.SeasonalFactors); err != nil {
		return nil, nil, nil, fmt.Errorf("encode seasonal factors: %w", err)
	}
	h := prof.ConfidenceHistory
	if h == nil {
		h = behavior.ConfidenceHistory{}
	}
	if history, err = json.Marshal(h); err != nil {
		return nil, nil, nil, fmt.Errorf("encode confidence history: %w", err)
	}
	pr := prof.UpgradePromptsAt
	if pr == nil {
		pr = []time.Time{}
	}
	if prompts, err = json.Marshal(pr); err != nil {
		return nil, nil, nil, fmt.Errorf("encode upgrade prompts: %w", err)
	}
	return seasonal, history, prompts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
