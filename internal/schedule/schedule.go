// Package schedule holds the domain types for user schedules and their
// derived reminders, plus the pure rules that govern them: input validation
// and fire-time derivation.
//
// Every instant in this package is normalized to UTC. Local time only
// appears at the edges (ParseLocal on input, Format on output).
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Validation errors. They are user-facing and never persisted.
var (
	ErrEndBeforeStart = errors.New("end before start")
	ErrNegativeLead   = errors.New("negative lead time")
	ErrLeadTooLong    = errors.New("lead time too long")
	ErrDuplicateName  = errors.New("duplicate name")
	ErrEmptyName      = errors.New("name is required")
	ErrEmptyTitle     = errors.New("title is required")
	ErrMissingTime    = errors.New("start and end are required")
)

// MaxLead bounds how far ahead of the start a reminder may fire.
const MaxLead = 5 * 366 * 24 * time.Hour

const maxLeadMinutes = int(MaxLead / time.Minute)

// Schedule is a user-owned named event.
type Schedule struct {
	ID          int64
	UserID      int64
	Name        string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Lead        time.Duration
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reminder is the persisted notification job derived from a Schedule.
// Sent moves false→true exactly once.
type Reminder struct {
	ID         int64
	ScheduleID int64
	FireAt     time.Time
	Sent       bool
	SentAt     *time.Time
}

// Input is what the intake layer hands to the store to create or update a
// schedule. Schedules are addressed by (UserID, Name).
type Input struct {
	UserID      int64
	Name        string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Lead        time.Duration
}

// Normalize trims text fields, moves instants to UTC and truncates the lead
// to whole minutes.
func (in Input) Normalize() Input {
	in.Name = strings.TrimSpace(in.Name)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Start = in.Start.UTC()
	in.End = in.End.UTC()
	in.Lead = NormalizeLead(in.Lead)
	return in
}

// Validate reports the first rule violated by in.
func (in Input) Validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return ErrEmptyName
	case strings.TrimSpace(in.Title) == "":
		return ErrEmptyTitle
	case in.Start.IsZero() || in.End.IsZero():
		return ErrMissingTime
	case in.End.Before(in.Start):
		return fmt.Errorf("%w: %s < %s", ErrEndBeforeStart, in.End.UTC().Format(time.RFC3339), in.Start.UTC().Format(time.RFC3339))
	case in.Lead < 0:
		return fmt.Errorf("%w: %s", ErrNegativeLead, in.Lead)
	case in.Lead > MaxLead:
		return fmt.Errorf("%w: max %d minutes", ErrLeadTooLong, maxLeadMinutes)
	}
	return nil
}

// Schedule materializes in as a Schedule (without ID or timestamps).
func (in Input) Schedule() Schedule {
	return Schedule{
		UserID:      in.UserID,
		Name:        in.Name,
		Title:       in.Title,
		Description: in.Description,
		Start:       in.Start.UTC(),
		End:         in.End.UTC(),
		Lead:        NormalizeLead(in.Lead),
	}
}

// IsValidation reports whether err should be shown to the user as a
// rejection message.
func IsValidation(err error) bool {
	for _, target := range []error{ErrEndBeforeStart, ErrNegativeLead, ErrLeadTooLong, ErrDuplicateName, ErrEmptyName, ErrEmptyTitle, ErrMissingTime} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Derive returns the reminder fire instant for s: start minus lead, computed
// on the absolute instant. A result in the past is still valid.
func Derive(s Schedule) time.Time {
	return s.Start.UTC().Add(-NormalizeLead(s.Lead))
}

// NormalizeLead truncates d to whole minutes. Negative values are kept so
// validation can reject them.
func NormalizeLead(d time.Duration) time.Duration {
	return d.Truncate(time.Minute)
}

// LeadFromMinutes converts a minute count to a lead duration. Counts beyond
// MaxLead saturate so Validate rejects them instead of wrapping.
func LeadFromMinutes(n int) time.Duration {
	switch {
	case n > maxLeadMinutes:
		return math.MaxInt64
	case n < -maxLeadMinutes:
		return math.MinInt64
	}
	return time.Duration(n) * time.Minute
}

// TimingChanged reports whether b moves the start or the lead of a. Either
// one replaces the reminder, even when the fire instant comes out the same.
func TimingChanged(a, b Schedule) bool {
	return !a.Start.Equal(b.Start) || NormalizeLead(a.Lead) != NormalizeLead(b.Lead)
}
