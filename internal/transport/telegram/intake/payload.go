package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notebot/internal/schedule"
)

const (
	ActionSave   = "save"
	ActionDelete = "delete"
)

var (
	ErrBadPayload = errors.New("invalid data received from editor")
	ErrBadLine    = errors.New("invalid format: use name | title | start | end | reminder_min | description")
	ErrBadTime    = errors.New("invalid datetime")
)

// Payload is what the schedule editor Web App posts back.
type Payload struct {
	Action          string  `json:"action"`
	Name            string  `json:"name"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	StartDatetime   string  `json:"start_datetime"`
	EndDatetime     string  `json:"end_datetime"`
	ReminderMinutes Minutes `json:"reminder_minutes"`
}

// Minutes accepts a JSON number, a numeric string or an empty string.
type Minutes int

func (m *Minutes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*m = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("reminder_minutes: %q is not a whole number", s)
	}
	*m = Minutes(n)
	return nil
}

// DecodePayload parses a Web App payload. A missing action means save.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	if p.Action == "" {
		p.Action = ActionSave
	}
	if p.Action != ActionSave && p.Action != ActionDelete {
		return Payload{}, fmt.Errorf("%w: unknown action %q", ErrBadPayload, p.Action)
	}
	return p, nil
}

// ParseLine reads the quick-entry text form
// "name | title | start | end | reminder_min | description".
func ParseLine(text string) (Payload, error) {
	parts := strings.Split(text, "|")
	if len(parts) < 5 {
		return Payload{}, ErrBadLine
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	p := Payload{
		Action:        ActionSave,
		Name:          parts[0],
		Title:         parts[1],
		StartDatetime: parts[2],
		EndDatetime:   parts[3],
	}
	if parts[4] != "" {
		n, err := strconv.Atoi(parts[4])
		if err != nil {
			return Payload{}, fmt.Errorf("%w: reminder_min %q", ErrBadLine, parts[4])
		}
		p.ReminderMinutes = Minutes(n)
	}
	if len(parts) > 5 {
		// the description may itself contain pipes
		p.Description = strings.Join(parts[5:], " | ")
	}
	return p, nil
}

// Input converts p to a store input for userID. Naive datetimes are read in
// loc.
func (p Payload) Input(userID int64, loc *time.Location) (schedule.Input, error) {
	in := schedule.Input{
		UserID:      userID,
		Name:        p.Name,
		Title:       p.Title,
		Description: p.Description,
		Lead:        schedule.LeadFromMinutes(int(p.ReminderMinutes)),
	}
	var err error
	if strings.TrimSpace(p.StartDatetime) != "" {
		if in.Start, err = schedule.ParseLocal(p.StartDatetime, loc); err != nil {
			return schedule.Input{}, fmt.Errorf("%w for start: %q, expected YYYY-MM-DD HH:MM", ErrBadTime, p.StartDatetime)
		}
	}
	if strings.TrimSpace(p.EndDatetime) != "" {
		if in.End, err = schedule.ParseLocal(p.EndDatetime, loc); err != nil {
			return schedule.Input{}, fmt.Errorf("%w for end: %q, expected YYYY-MM-DD HH:MM", ErrBadTime, p.EndDatetime)
		}
	}
	return in, nil
}
