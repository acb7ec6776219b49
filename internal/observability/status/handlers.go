package status

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"notebot/internal/schedule"
	"notebot/internal/storage"
	"notebot/internal/task/scheduler"
)

// Sources are the read-only views the endpoints expose. Nil members turn
// their endpoint into a 503.
type Sources struct {
	Ready    func() bool
	Pending  func(ctx context.Context, limit int) ([]storage.Pending, error)
	Tasks    func() scheduler.Snapshot
	Now      func() time.Time
	Location func() *time.Location
}

// PendingReminder is one row of /api/reminders/pending.
type PendingReminder struct {
	ReminderID  int64     `json:"reminder_id"`
	ScheduleID  int64     `json:"schedule_id"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	FireAt      time.Time `json:"fire_at"`
	FireAtLocal string    `json:"fire_at_local"`
	DueIn       string    `json:"due_in"`
	PastDue     bool      `json:"past_due"`
}

type PendingReport struct {
	Now       time.Time         `json:"now"`
	Count     int               `json:"count"`
	PastDue   int               `json:"past_due"`
	Reminders []PendingReminder `json:"reminders"`
}

// NewRouter builds the status routes. Token, when set, guards everything
// except /healthz.
func NewRouter(src Sources, token string, withPprof bool) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)

	guarded := r.NewRoute().Subrouter()
	guarded.Use(authMiddleware(token))
	guarded.HandleFunc("/readyz", handleReady(src)).Methods(http.MethodGet)

	api := guarded.PathPrefix("/api").Subrouter()
	api.HandleFunc("/reminders/pending", handlePending(src)).Methods(http.MethodGet)
	api.HandleFunc("/tasks", handleTasks(src)).Methods(http.MethodGet)

	if withPprof {
		dbg := guarded.PathPrefix("/debug/pprof").Subrouter()
		dbg.HandleFunc("/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/profile", hpprof.Profile)
		dbg.HandleFunc("/symbol", hpprof.Symbol)
		dbg.HandleFunc("/trace", hpprof.Trace)
		dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func handleReady(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src.Ready == nil || !src.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

func handlePending(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src.Pending == nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		rows, err := src.Pending(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		now := time.Now()
		if src.Now != nil {
			now = src.Now()
		}
		loc := time.UTC
		if src.Location != nil && src.Location() != nil {
			loc = src.Location()
		}

		rep := PendingReport{Now: now.UTC(), Count: len(rows), Reminders: make([]PendingReminder, 0, len(rows))}
		for _, p := range rows {
			due := p.Reminder.FireAt.Sub(now)
			item := PendingReminder{
				ReminderID:  p.Reminder.ID,
				ScheduleID:  p.Schedule.ID,
				UserID:      p.Schedule.UserID,
				Name:        p.Schedule.Name,
				Title:       p.Schedule.Title,
				Start:       p.Schedule.Start,
				FireAt:      p.Reminder.FireAt,
				FireAtLocal: schedule.Format(p.Reminder.FireAt, loc),
				DueIn:       due.Truncate(time.Second).String(),
				PastDue:     due < 0,
			}
			if item.PastDue {
				rep.PastDue++
			}
			rep.Reminders = append(rep.Reminders, item)
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleTasks(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src.Tasks == nil {
			writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
			return
		}
		writeJSON(w, http.StatusOK, src.Tasks())
	}
}

func authMiddleware(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Authorization: Bearer <token>, or ?token=<token>
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
