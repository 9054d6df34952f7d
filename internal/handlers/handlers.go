package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"reminder-engine/internal/auth"
	"reminder-engine/internal/clock"
	"reminder-engine/internal/reminder"
	"reminder-engine/internal/storage"
)

var (
	Store storage.Store
	Clock clock.Clock = clock.Real()
	Log   zerolog.Logger
)

// createRequest is the POST /reminder body. The interval is whole hours
// between occurrences; zero is fine for a single reminder.
type createRequest struct {
	RecipientEmail string    `json:"recipient_email"`
	Message        string    `json:"message"`
	FirstReminder  time.Time `json:"first_reminder_datetime"`
	NumReminders   int       `json:"num_reminders"`
	IntervalHours  int       `json:"interval"`
}

type reminderResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	RecipientEmail string     `json:"recipient_email"`
	Message        string     `json:"message"`
	NextReminder   *time.Time `json:"next_reminder"`
	IntervalHours  int        `json:"interval"`
	RemindersLeft  int        `json:"reminders_left"`
	Status         string     `json:"status"`
}

func toResponse(r *reminder.Reminder) reminderResponse {
	return reminderResponse{
		ID:             r.ID,
		UserID:         r.OwnerID,
		RecipientEmail: r.Recipient,
		Message:        r.Message,
		NextReminder:   r.NextDueAt,
		IntervalHours:  int(r.Interval / time.Hour),
		RemindersLeft:  r.OccurrencesRemaining,
		Status:         string(r.Status),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func CreateReminderHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		Log.Info().Str("owner", ownerID).Int("status", http.StatusBadRequest).Err(err).Msg("POST /reminder")
		return
	}

	rem := reminder.New(
		uuid.NewString(),
		ownerID,
		req.RecipientEmail,
		req.Message,
		req.FirstReminder,
		time.Duration(req.IntervalHours)*time.Hour,
		req.NumReminders,
		Clock.Now(),
	)
	if err := Store.CreateReminder(rem); err != nil {
		var verr *reminder.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			Log.Info().Str("owner", ownerID).Int("status", http.StatusBadRequest).Str("reason", verr.Reason).Msg("POST /reminder")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to store reminder")
		Log.Error().Str("owner", ownerID).Err(err).Msg("POST /reminder failed")
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(rem))
	Log.Info().Str("owner", ownerID).Str("reminder_id", rem.ID).Int("status", http.StatusCreated).Msg("POST /reminder")
}

func ListRemindersHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r)

	list, err := Store.ListForOwner(ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reminders")
		Log.Error().Str("owner", ownerID).Err(err).Msg("GET /reminders failed")
		return
	}

	resp := make([]reminderResponse, 0, len(list))
	for _, rem := range list {
		resp = append(resp, toResponse(rem))
	}
	writeJSON(w, http.StatusOK, resp)
	Log.Info().Str("owner", ownerID).Int("count", len(resp)).Int("status", http.StatusOK).Msg("GET /reminders")
}

// CancelReminderHandler retires a reminder so it never fires again. The
// record itself stays listable in its retired state.
func CancelReminderHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r)
	id := mux.Vars(r)["id"]

	if err := Store.Cancel(id, ownerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reminder not found")
			Log.Info().Str("owner", ownerID).Str("reminder_id", id).Int("status", http.StatusNotFound).Msg("DELETE /reminder")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel reminder")
		Log.Error().Str("owner", ownerID).Str("reminder_id", id).Err(err).Msg("DELETE /reminder failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
	Log.Info().Str("owner", ownerID).Str("reminder_id", id).Int("status", http.StatusNoContent).Msg("DELETE /reminder")
}

// Router wires the API routes behind the bearer-token middleware.
func Router(secret []byte) *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(auth.Middleware(secret, Log)))
	r.HandleFunc("/reminder", CreateReminderHandler).Methods("POST")
	r.HandleFunc("/reminders", ListRemindersHandler).Methods("GET")
	r.HandleFunc("/reminder/{id}", CancelReminderHandler).Methods("DELETE")
	return r
}
