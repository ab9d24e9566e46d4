// Package api serves the local HTTP API through which the mailbox UI
// enqueues mutations, reads counters and follows task outcomes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// TaskQueue is the part of the queue the handlers use.
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
	Cancel(ctx context.Context, id string) error
}

var _ TaskQueue = (*queue.Queue)(nil)

// Counters is the part of the ledger the handlers use.
type Counters interface {
	All(ctx context.Context) ([]models.UnreadCounter, error)
	Recount(ctx context.Context) ([]ledger.Drift, error)
}

var _ Counters = (*ledger.Ledger)(nil)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON encodes v to a buffer first to prevent partial writes.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("API: Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// decodeJSON reads the request body into v. It writes a 400 and returns
// false when the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), "")
		return false
	}
	return true
}

// writeBuildError replies to a request no task could be built from. Every
// such error is the caller's fault.
func writeBuildError(w http.ResponseWriter, err error) {
	var re *remote.Error
	if errors.As(err, &re) {
		writeError(w, http.StatusBadRequest, re.Message, string(re.Code))
		return
	}
	writeError(w, http.StatusBadRequest, err.Error(), "")
}

// writeQueueError replies to a failed Enqueue or Cancel.
func writeQueueError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "Task not found", "")
	case errors.Is(err, queue.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "Queue is not running", "")
	default:
		log.Printf("API: Failed to %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}
