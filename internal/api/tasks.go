package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskpulse/taskpulse/internal/store"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// maxLogLimit caps the ?limit= parameter of the logs endpoint.
const maxLogLimit = 1000

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	st, err := s.store.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		s.logger.Error("get task status", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, protocol.AgentTaskRealtimeStatus{
		TaskID:    st.TaskID,
		Phase:     protocol.Phase(st.Phase),
		Progress:  st.Progress,
		Message:   st.Message,
		UpdatedAt: st.UpdatedAt,
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	limit := store.DefaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := s.store.ListLogEntries(r.Context(), taskID, limit)
	if err != nil {
		s.logger.Error("list log entries", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "entries": entries})
}
