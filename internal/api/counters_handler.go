package api

import (
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
)

// CountersResponse lists every stored unread counter.
type CountersResponse struct {
	Counters []models.UnreadCounter `json:"counters"`
}

// RecountResponse lists the counters a repair pass corrected.
type RecountResponse struct {
	Drift []ledger.Drift `json:"drift"`
}

// CountersHandler serves the unread counters.
type CountersHandler struct {
	counters Counters
}

// NewCountersHandler creates a new CountersHandler instance.
func NewCountersHandler(counters Counters) *CountersHandler {
	return &CountersHandler{counters: counters}
}

// GetCounters returns all counters.
func (h *CountersHandler) GetCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.counters.All(r.Context())
	if err != nil {
		log.Printf("CountersHandler: Failed to list counters: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if counters == nil {
		counters = []models.UnreadCounter{}
	}
	writeJSON(w, http.StatusOK, CountersResponse{Counters: counters})
}

// Recount recomputes every counter from the stored messages.
func (h *CountersHandler) Recount(w http.ResponseWriter, r *http.Request) {
	drift, err := h.counters.Recount(r.Context())
	if err != nil {
		log.Printf("CountersHandler: Failed to recount: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if drift == nil {
		drift = []ledger.Drift{}
	}
	writeJSON(w, http.StatusOK, RecountResponse{Drift: drift})
}
