// Package validator screens queued actions for staleness and implausible results
// before they are dispatched.
package validator

import (
	"time"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/domain/action"
)

const component = "validator"

// Default thresholds.
const (
	DefaultFreshnessWindow           = 7 * 24 * time.Hour
	DefaultMinSecondsPerQuestion     = 5
	DefaultPerfectSecondsPerQuestion = 10
	PerfectScore                     = 100
)

// Config tunes the integrity checks. Zero values select the defaults.
type Config struct {
	// FreshnessWindow bounds how old an action may be when it is synced.
	FreshnessWindow time.Duration
	// MinSecondsPerQuestion is the fastest plausible pace for any journey attempt.
	MinSecondsPerQuestion int
	// PerfectSecondsPerQuestion is the fastest plausible pace for a perfect score.
	PerfectSecondsPerQuestion int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:           DefaultFreshnessWindow,
		MinSecondsPerQuestion:     DefaultMinSecondsPerQuestion,
		PerfectSecondsPerQuestion: DefaultPerfectSecondsPerQuestion,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = def.FreshnessWindow
	}
	if c.MinSecondsPerQuestion <= 0 {
		c.MinSecondsPerQuestion = def.MinSecondsPerQuestion
	}
	if c.PerfectSecondsPerQuestion <= 0 {
		c.PerfectSecondsPerQuestion = def.PerfectSecondsPerQuestion
	}
	return c
}

// Validator applies freshness and plausibility rules. It performs no I/O and is
// safe for concurrent use.
type Validator struct {
	cfg Config
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate reports whether a may be dispatched at now.
func (v *Validator) Validate(a action.PendingAction, now time.Time) bool {
	return v.Check(a, now) == nil
}

// Check returns nil when a may be dispatched, otherwise a validation_rejected error
// describing the first failed rule.
func (v *Validator) Check(a action.PendingAction, now time.Time) error {
	if age := a.Age(now); age > v.cfg.FreshnessWindow {
		return reject(a, "action too old", errs.WithField("age", age.String()))
	}

	switch a.Type {
	case action.TypeJourneyAttempt:
		return v.checkJourneyAttempt(a, now)
	case action.TypeCreditUpdate, action.TypeProgressUpdate:
		return nil
	default:
		return reject(a, "unsupported action type")
	}
}

func (v *Validator) checkJourneyAttempt(a action.PendingAction, now time.Time) error {
	attempt, err := a.DecodeJourneyAttempt()
	if err != nil {
		return reject(a, "undecodable journey attempt", errs.WithCause(err))
	}
	result := attempt.Result
	duration := result.DurationValue()

	minDuration := time.Duration(result.TotalQuestions*v.cfg.MinSecondsPerQuestion) * time.Second
	if duration < minDuration {
		return reject(a, "journey completed too quickly",
			errs.WithField("duration", duration.String()),
			errs.WithField("min_duration", minDuration.String()))
	}

	perfectMin := time.Duration(result.TotalQuestions*v.cfg.PerfectSecondsPerQuestion) * time.Second
	if result.Score == PerfectScore && duration < perfectMin {
		return reject(a, "perfect score in suspiciously short time",
			errs.WithField("duration", duration.String()),
			errs.WithField("min_duration", perfectMin.String()))
	}

	// Second guard on the absolute offset so clock-skewed future timestamps are caught too.
	diff := now.Sub(a.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.cfg.FreshnessWindow {
		return reject(a, "timestamp outside allowed range", errs.WithField("offset", diff.String()))
	}
	return nil
}

func reject(a action.PendingAction, message string, opts ...errs.Option) error {
	base := []errs.Option{
		errs.WithMessage(message),
		errs.WithField("id", a.ID),
		errs.WithField("type", string(a.Type)),
	}
	return errs.New(component, errs.CodeValidationRejected, append(base, opts...)...)
}
