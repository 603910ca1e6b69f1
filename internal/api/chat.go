package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/conversa/internal/dispatch"
)

type chatRequest struct {
	Message   string  `json:"message"`
	SessionID *string `json:"session_id"`
}

func handleChatMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		dr := dispatch.Request{Message: req.Message}
		if req.SessionID != nil {
			dr.SessionID = *req.SessionID
		}

		reply, err := deps.Dispatcher.Dispatch(r.Context(), dr)
		if err != nil {
			if errors.Is(err, r.Context().Err()) {
				// Client went away; nothing to write.
				return
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		msgs, err := deps.Sessions.History(chi.URLParam(r, "sessionID"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleNewSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := deps.Sessions.Create()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": id,
			"message":    "New session created",
		})
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if err := deps.Sessions.Clear(id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Session cleared successfully"})
	}
}
