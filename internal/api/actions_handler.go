package api

import (
	"net/http"

	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
	"github.com/vdavid/vmail/engine/internal/tasks"
)

type messagesRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type moveRequest struct {
	MessageIDs    []string        `json:"message_ids"`
	Location      models.Location `json:"location"`
	SourceLabelID string          `json:"source_label_id,omitempty"`
}

type labelRequest struct {
	MessageIDs []string `json:"message_ids"`
	LabelID    string   `json:"label_id"`
}

type emptyRequest struct {
	Location models.Location `json:"location,omitempty"`
	LabelID  string          `json:"label_id,omitempty"`
}

type passwordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type sendRequest struct {
	LocalID string `json:"local_id"`
}

// TaskResponse is the reply to every accepted mutation.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// DraftResponse is the reply to an accepted draft save.
type DraftResponse struct {
	TaskID  string `json:"task_id"`
	LocalID string `json:"local_id"`
}

// ActionsHandler turns mutation requests into queued tasks. Every accepted
// request is answered with 202 and the task ID before its remote phase runs;
// the outcome arrives on the WebSocket stream.
type ActionsHandler struct {
	queue   TaskQueue
	factory *tasks.Factory
}

// NewActionsHandler creates a new ActionsHandler instance.
func NewActionsHandler(q TaskQueue, factory *tasks.Factory) *ActionsHandler {
	return &ActionsHandler{queue: q, factory: factory}
}

// enqueue submits task, or reports buildErr if building it failed.
func (h *ActionsHandler) enqueue(w http.ResponseWriter, r *http.Request, task queue.Task, buildErr error) (string, bool) {
	if buildErr != nil {
		writeBuildError(w, buildErr)
		return "", false
	}

	id, err := h.queue.Enqueue(r.Context(), task)
	if err != nil {
		writeQueueError(w, "enqueue "+task.Kind(), err)
		return "", false
	}
	return id, true
}

func (h *ActionsHandler) accept(w http.ResponseWriter, r *http.Request, task queue.Task, buildErr error) {
	if id, ok := h.enqueue(w, r, task, buildErr); ok {
		writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: id})
	}
}

// Move moves messages to a location.
func (h *ActionsHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.Move(req.MessageIDs, req.Location, req.SourceLabelID)
	h.accept(w, r, task, err)
}

// Label applies a user label.
func (h *ActionsHandler) Label(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.Label(req.MessageIDs, req.LabelID)
	h.accept(w, r, task, err)
}

// Unlabel removes a user label.
func (h *ActionsHandler) Unlabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.Unlabel(req.MessageIDs, req.LabelID)
	h.accept(w, r, task, err)
}

func (h *ActionsHandler) Star(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.Star(req.MessageIDs)
	h.accept(w, r, task, err)
}

func (h *ActionsHandler) Unstar(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.Unstar(req.MessageIDs)
	h.accept(w, r, task, err)
}

func (h *ActionsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.MarkRead(req.MessageIDs)
	h.accept(w, r, task, err)
}

func (h *ActionsHandler) MarkUnread(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.MarkUnread(req.MessageIDs)
	h.accept(w, r, task, err)
}

// EmptyFolder permanently deletes a location's or a label's messages.
func (h *ActionsHandler) EmptyFolder(w http.ResponseWriter, r *http.Request) {
	var req emptyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.EmptyFolder(req.Location, req.LabelID)
	h.accept(w, r, task, err)
}

// ChangePassword rotates the account password and key encryption.
func (h *ActionsHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.ChangePassword(req.OldPassword, req.NewPassword)
	h.accept(w, r, task, err)
}

// SaveDraft stores a draft locally and uploads it.
func (h *ActionsHandler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req models.Draft
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.SaveDraft(req)
	if err != nil {
		writeBuildError(w, err)
		return
	}
	if id, ok := h.enqueue(w, r, task, nil); ok {
		writeJSON(w, http.StatusAccepted, DraftResponse{TaskID: id, LocalID: task.Draft.LocalID})
	}
}

// SendMessage sends a saved draft.
func (h *ActionsHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.factory.SendMessage(req.LocalID)
	h.accept(w, r, task, err)
}

// CancelTask cancels a task that has not reached a terminal outcome.
func (h *ActionsHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required", "")
		return
	}
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		writeQueueError(w, "cancel task "+id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
