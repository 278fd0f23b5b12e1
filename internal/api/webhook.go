package api

import (
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/store"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// handleWebhook accepts a signed agent callback, persists it and relays it
// to subscribed dashboards. Order: signature, schema, dedupe, store, broadcast.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	taskID := chi.URLParam(r, "taskID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.observe(metrics.ResultInvalid, start)
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.observe(metrics.ResultInvalid, start)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get(auth.SignatureHeader)
	if err := s.verifier.Verify(body, sigHeader); err != nil {
		s.logger.Warn("webhook signature rejected", "task_id", taskID, "remote_addr", r.RemoteAddr, "error", err)
		s.observe(metrics.ResultUnauthorized, start)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	payload, err := decodeWebhookBody(s.schema, body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "task_id", taskID, "error", err)
		s.observe(metrics.ResultInvalid, start)
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if payload.TaskID != "" && payload.TaskID != taskID {
		s.observe(metrics.ResultInvalid, start)
		writeError(w, http.StatusBadRequest, "taskId does not match path")
		return
	}

	// The signature header is unique per (timestamp, body), so a repeat is a
	// re-delivery of a callback already accepted.
	dedupeKey := taskID + "|" + strings.ToLower(sigHeader)
	if seen, _ := s.dedupe.ContainsOrAdd(dedupeKey, start); seen {
		s.logger.Info("duplicate webhook ignored", "task_id", taskID)
		s.observe(metrics.ResultDuplicate, start)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": taskID, "duplicate": true})
		return
	}

	status := protocol.AgentTaskRealtimeStatus{
		TaskID:    taskID,
		Phase:     payload.Phase,
		Progress:  payload.Progress,
		Message:   payload.Message,
		UpdatedAt: start.UTC(),
	}
	// Holding the task lock across store and broadcast keeps subscribers
	// seeing updates in the order they were stored.
	unlock := s.taskLocks.lock(taskID)
	if err := s.persist(r, status, payload.LogEntry); err != nil {
		unlock()
		s.dedupe.Remove(dedupeKey)
		s.logger.Error("store webhook update", "task_id", taskID, "error", err)
		s.observe(metrics.ResultStoreError, start)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	delivered := s.bridge.Broadcast(status)
	unlock()

	s.logger.Info("webhook accepted",
		"task_id", taskID,
		"phase", status.Phase,
		"progress", status.Progress,
		"delivered", delivered)
	s.observe(metrics.ResultAccepted, start)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": taskID, "delivered": delivered})
}

func (s *Server) persist(r *http.Request, status protocol.AgentTaskRealtimeStatus, entry *logEntryField) error {
	var logEntry *store.LogEntry
	if entry != nil {
		logEntry = &store.LogEntry{
			ID:        uuid.New().String(),
			TaskID:    status.TaskID,
			Level:     entry.Level,
			Message:   entry.Message,
			CreatedAt: status.UpdatedAt,
		}
	}
	return s.store.RecordUpdate(r.Context(), &store.TaskStatus{
		TaskID:    status.TaskID,
		Phase:     string(status.Phase),
		Progress:  status.Progress,
		Message:   status.Message,
		UpdatedAt: status.UpdatedAt,
	}, logEntry)
}

func (s *Server) observe(result string, start time.Time) {
	s.metrics.ObserveWebhook(result, s.now().Sub(start))
}

// taskLocks is a fixed set of mutexes striped by task id. Updates for one
// task always share a stripe.
type taskLocks [64]sync.Mutex

func (l *taskLocks) lock(taskID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	mu := &l[h.Sum32()%uint32(len(l))]
	mu.Lock()
	return mu.Unlock
}
