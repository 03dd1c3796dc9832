// Package action defines the pending action model queued while a device is offline.
package action

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/offqueue/errs"
)

// Type identifies the kind of client mutation carried by an action.
type Type string

const (
	// TypeJourneyAttempt records a completed journey with its result.
	TypeJourneyAttempt Type = "journey_attempt"
	// TypeCreditUpdate records a credit award (positive amount) or deduction (negative amount).
	TypeCreditUpdate Type = "credit_update"
	// TypeProgressUpdate records learner progress through a journey.
	TypeProgressUpdate Type = "progress_update"
)

// Types lists every supported action type.
func Types() []Type {
	return []Type{TypeJourneyAttempt, TypeCreditUpdate, TypeProgressUpdate}
}

// Valid reports whether t is a supported action type.
func (t Type) Valid() bool {
	switch t {
	case TypeJourneyAttempt, TypeCreditUpdate, TypeProgressUpdate:
		return true
	default:
		return false
	}
}

// ParseType normalises and validates a textual action type.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", errs.New("action", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported action type %q", raw)))
	}
	return t, nil
}

// SyncState tracks whether the backend has confirmed an action.
type SyncState string

const (
	// StatePending marks an action still awaiting confirmation.
	StatePending SyncState = "pending"
	// StateSynced marks an action confirmed by its dispatch handler.
	StateSynced SyncState = "synced"
)

// PendingAction is a client-originated mutation recorded locally until a sync run confirms it.
type PendingAction struct {
	ID                string          `json:"id"`
	Type              Type            `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Timestamp         time.Time       `json:"timestamp"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
	State             SyncState       `json:"syncState"`
	SyncedAt          *time.Time      `json:"syncedAt,omitempty"`
}

// New builds a pending action stamped at now with an encoded payload.
func New(typ Type, payload any, deviceFingerprint string, now time.Time) (PendingAction, error) {
	if !typ.Valid() {
		return PendingAction{}, errs.New("action", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported action type %q", typ)))
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return PendingAction{}, err
	}
	return PendingAction{
		ID:                NewID(typ, now),
		Type:              typ,
		Payload:           raw,
		Timestamp:         now,
		DeviceFingerprint: deviceFingerprint,
		State:             StatePending,
	}, nil
}

// NewID returns a store-unique identifier of the form <type>_<unixMillis>_<random>.
func NewID(typ Type, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", typ, now.UnixMilli(), random)
}

// Synced reports whether the action has been confirmed.
func (a PendingAction) Synced() bool {
	return a.State == StateSynced
}

// Age returns how long ago the action was created relative to now.
func (a PendingAction) Age(now time.Time) time.Duration {
	return now.Sub(a.Timestamp)
}

// JourneyResult summarises a completed journey as reported by the client.
type JourneyResult struct {
	Score          float64 `json:"score"`
	TotalQuestions int     `json:"totalQuestions"`
	CorrectAnswers int     `json:"correctAnswers"`
	// Duration is the reported completion time in seconds.
	Duration      int  `json:"duration"`
	Passed        bool `json:"passed"`
	CreditsEarned int  `json:"creditsEarned"`
}

// DurationValue returns the reported duration as a time.Duration.
func (r JourneyResult) DurationValue() time.Duration {
	return time.Duration(r.Duration) * time.Second
}

// JourneyAttempt is the payload of a journey_attempt action.
type JourneyAttempt struct {
	JourneyID string        `json:"journeyId"`
	Result    JourneyResult `json:"result"`
}

// CreditUpdate is the payload of a credit_update action.
type CreditUpdate struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// IsAward reports whether the update adds credits.
func (c CreditUpdate) IsAward() bool {
	return c.Amount.IsPositive()
}

// ProgressUpdate is the payload of a progress_update action.
type ProgressUpdate struct {
	JourneyID string  `json:"journeyId"`
	Stage     string  `json:"stage"`
	Progress  float64 `json:"progress"`
}
