// Package nudge is the I/O boundary of the behavioral intervention engine.
// It loads a user's profile, transactions and recent interventions, runs the
// pure engine packages over that snapshot, and persists what changed.
//
// Every evaluation for one user runs under that user's lock and is written
// back with an optimistic version check, so concurrent triggers never lose
// counter updates.
package nudge

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/catalog"
	"github.com/mbd888/nudge/internal/decision"
	"github.com/mbd888/nudge/internal/detector"
	"github.com/mbd888/nudge/internal/failure"
	"github.com/mbd888/nudge/internal/friction"
	"github.com/mbd888/nudge/internal/pagination"
	"github.com/mbd888/nudge/internal/statemachine"
	"github.com/mbd888/nudge/internal/wins"
)

var (
	ErrProfileNotFound      = errors.New("nudge: profile not found")
	ErrProfileExists        = errors.New("nudge: profile already exists")
	ErrInterventionNotFound = errors.New("nudge: intervention not found")
	ErrAlreadyResponded     = errors.New("nudge: intervention already has a response")
	ErrVersionConflict      = errors.New("nudge: profile modified concurrently")
	ErrInvalidResponse      = errors.New("nudge: invalid user response")
	ErrInvalidTrigger       = errors.New("nudge: invalid trigger")
	ErrInvalidTransaction   = errors.New("nudge: invalid transaction")
)

// ProfileStore persists behavioral profiles.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *behavior.Profile) error
	GetProfile(ctx context.Context, userID string) (*behavior.Profile, error)
	// UpdateProfile writes p if the stored version equals p.Version, then
	// bumps p.Version. A stale write returns ErrVersionConflict.
	UpdateProfile(ctx context.Context, p *behavior.Profile) error
	// ListProfiles pages through profiles ordered by user id, starting
	// after afterUserID.
	ListProfiles(ctx context.Context, afterUserID string, limit int) ([]*behavior.Profile, error)
}

// TransactionStore persists the ledger entries the detectors read.
type TransactionStore interface {
	// AddTransactions inserts transactions, ignoring ids already stored.
	AddTransactions(ctx context.Context, txs []behavior.Transaction) error
	// ListTransactions returns a user's transactions in (since, until],
	// oldest first.
	ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]behavior.Transaction, error)
}

// InterventionStore persists delivered interventions.
type InterventionStore interface {
	CreateIntervention(ctx context.Context, iv *behavior.Intervention) error
	GetIntervention(ctx context.Context, userID, id string) (*behavior.Intervention, error)
	// RecordResponse attaches the user's response. A second response
	// returns ErrAlreadyResponded.
	RecordResponse(ctx context.Context, userID, id string, r behavior.UserResponse, at time.Time) error
	// ListRecentInterventions returns interventions delivered after since,
	// oldest first.
	ListRecentInterventions(ctx context.Context, userID string, since time.Time) ([]behavior.Intervention, error)
	// ListInterventions returns up to limit interventions strictly after
	// cursor in (DeliveredAt desc, ID desc) order.
	ListInterventions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]behavior.Intervention, error)
}

// WinStore persists detected wins.
type WinStore interface {
	CreateWin(ctx context.Context, w *behavior.BehavioralWin) error
	ListWins(ctx context.Context, userID string, limit int) ([]behavior.BehavioralWin, error)
}

// Store is the full persistence surface.
type Store interface {
	ProfileStore
	TransactionStore
	InterventionStore
	WinStore
}

// EntitlementChecker reports whether a user already has premium access.
type EntitlementChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// EventPublisher pushes user-scoped events to connected clients.
type EventPublisher interface {
	Publish(eventType string, userID string, data any)
}

// Event names passed to EventPublisher.
const (
	EventDecision      = "decision"
	EventIntervention  = "intervention"
	EventStateChange   = "state_change"
	EventWin           = "win"
	EventRelapse       = "relapse"
	EventUpgradePrompt = "upgrade_prompt"
)

// TriggerRequest asks for one evaluation.
type TriggerRequest struct {
	UserID  string                    `json:"userId"`
	Trigger behavior.TriggerEvent     `json:"trigger"`
	Moment  behavior.BehavioralMoment `json:"moment"`
}

// Evaluation is everything one trigger produced.
type Evaluation struct {
	UserID       string                  `json:"userId"`
	Trigger      behavior.TriggerEvent   `json:"trigger"`
	Detections   detector.Results        `json:"detections,omitempty"`
	Transition   statemachine.Transition `json:"transition"`
	Decision     decision.Decision       `json:"decision"`
	Intervention *behavior.Intervention  `json:"intervention,omitempty"`
	Win          *wins.WinResult         `json:"win,omitempty"`
	Relapse      *wins.RelapseResult     `json:"relapse,omitempty"`
	Profile      *behavior.Profile       `json:"profile"`
}

// ResponseOutcome is the result of recording a user response.
type ResponseOutcome struct {
	Intervention *behavior.Intervention `json:"intervention"`
	Annoyance    *failure.Annoyance     `json:"annoyance,omitempty"`
	Failure      *failure.Response      `json:"failure,omitempty"`
	Profile      *behavior.Profile      `json:"profile"`
}

// FrictionOutcome is the result of evaluating session friction.
type FrictionOutcome struct {
	Decision friction.UpgradeDecision `json:"decision"`
	Prompt   *catalog.Message         `json:"prompt,omitempty"`
}

// InterventionPage is one page of a user's intervention history.
type InterventionPage struct {
	Interventions []behavior.Intervention `json:"interventions"`
	NextCursor    string                  `json:"nextCursor,omitempty"`
	HasMore       bool                    `json:"hasMore"`
}
