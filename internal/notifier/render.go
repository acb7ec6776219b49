package notifier

import (
	"strings"
	"time"

	"notebot/internal/reminder"
	"notebot/internal/schedule"
)

const lateMarker = "⏳ (delivered late)"

// RenderReminder formats a fired reminder for chat. Times are shown in loc.
func RenderReminder(n reminder.Notice, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("🔔 Reminder: ")
	b.WriteString(n.Title)
	b.WriteString("\n\n")
	b.WriteString("Starts at: ")
	b.WriteString(schedule.Format(n.Start, loc))
	b.WriteString("\nEnds at: ")
	b.WriteString(schedule.Format(n.End, loc))
	if d := strings.TrimSpace(n.Description); d != "" {
		b.WriteString("\n\n")
		b.WriteString(d)
	}
	if n.Late {
		b.WriteString("\n\n")
		b.WriteString(lateMarker)
	}
	return b.String()
}
