package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// SessionService is the slice of the lifecycle service the API needs.
type SessionService interface {
	StartRecording(ctx context.Context, meetingID, createdBy int64, summarize bool) (storage.Session, error)
	AppendChunk(ctx context.Context, sessionID int64, data []byte, final bool) (storage.Session, error)
	FinishRecording(ctx context.Context, sessionID int64) (storage.Session, error)
	Status(ctx context.Context, sessionID int64) (storage.Session, error)
	SessionsByMeeting(ctx context.Context, meetingID int64) ([]storage.Session, error)
	Upload(ctx context.Context, meetingID, createdBy int64, summarize bool, audio io.Reader) (storage.Session, error)
}

type startRequest struct {
	MeetingID int64 `json:"meeting_id"`
	CreatedBy int64 `json:"created_by"`
	Summarize *bool `json:"summarize"`
}

func registerAPIRoutes(mux *http.ServeMux, svc SessionService, maxChunkBytes int64) {
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}
		if req.MeetingID <= 0 {
			writeJSONError(w, http.StatusBadRequest, "meeting_id is required")
			return
		}

		summarize := true
		if req.Summarize != nil {
			summarize = *req.Summarize
		}

		sess, err := svc.StartRecording(r.Context(), req.MeetingID, req.CreatedBy, summarize)
		if err != nil {
			writeServiceError(w, "start recording", err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("POST /api/sessions/{id}/chunks", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := pathID(w, r)
		if !ok {
			return
		}

		body := http.MaxBytesReader(w, r.Body, maxChunkBytes)
		data, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "chunk exceeds size limit")
				return
			}
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("read chunk: %v", err))
			return
		}
		if len(data) == 0 {
			writeJSONError(w, http.StatusBadRequest, "empty chunk")
			return
		}

		final := r.URL.Query().Get("final") == "true"
		sess, err := svc.AppendChunk(r.Context(), sessionID, data, final)
		if err != nil {
			writeServiceError(w, "append chunk", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("POST /api/sessions/{id}/finish", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := pathID(w, r)
		if !ok {
			return
		}

		sess, err := svc.FinishRecording(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, "finish recording", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := pathID(w, r)
		if !ok {
			return
		}

		sess, err := svc.Status(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, "get session", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		meetingID, err := strconv.ParseInt(r.URL.Query().Get("meeting_id"), 10, 64)
		if err != nil || meetingID <= 0 {
			writeJSONError(w, http.StatusBadRequest, "meeting_id query parameter is required")
			return
		}

		sessions, err := svc.SessionsByMeeting(r.Context(), meetingID)
		if err != nil {
			writeServiceError(w, "list sessions", err)
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("POST /api/meetings/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		meetingID, ok := pathID(w, r)
		if !ok {
			return
		}

		createdBy, _ := strconv.ParseInt(r.URL.Query().Get("created_by"), 10, 64)
		summarize := r.URL.Query().Get("summarize") != "false"

		body := http.MaxBytesReader(w, r.Body, maxChunkBytes)
		sess, err := svc.Upload(r.Context(), meetingID, createdBy, summarize, body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
				return
			}
			writeServiceError(w, "upload audio", err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotRecording):
		status = http.StatusConflict
	case errors.Is(err, session.ErrEmptyRecording):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrChunkTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	writeJSONError(w, status, fmt.Sprintf("%s: %v", op, err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
