package app

import (
	"fmt"
	"net/http"

	"github.com/vdavid/vmail/engine/internal/api"
	"github.com/vdavid/vmail/engine/internal/auth"
)

// NewRouter returns the HTTP handler of the engine API. Every route except
// the root and the WebSocket endpoint requires the bearer token.
func NewRouter(authenticator *auth.Authenticator, actions *api.ActionsHandler, counters *api.CountersHandler, wsHandler *api.WebSocketHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)

	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authenticator.RequireAuth(h))
	}

	protected("POST /api/v1/messages/move", actions.Move)
	protected("POST /api/v1/messages/label", actions.Label)
	protected("POST /api/v1/messages/unlabel", actions.Unlabel)
	protected("POST /api/v1/messages/star", actions.Star)
	protected("POST /api/v1/messages/unstar", actions.Unstar)
	protected("POST /api/v1/messages/read", actions.MarkRead)
	protected("POST /api/v1/messages/unread", actions.MarkUnread)
	protected("POST /api/v1/messages/send", actions.SendMessage)
	protected("POST /api/v1/folders/empty", actions.EmptyFolder)
	protected("POST /api/v1/account/password", actions.ChangePassword)
	protected("POST /api/v1/drafts", actions.SaveDraft)
	protected("DELETE /api/v1/tasks/{id}", actions.CancelTask)

	protected("GET /api/v1/counters", counters.GetCounters)
	protected("POST /api/v1/counters/recount", counters.Recount)

	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "V-Mail engine is running")
}
