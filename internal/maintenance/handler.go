// Package maintenance exposes an on-demand trigger for the revocation
// ledger's cleanup, for deployments that schedule it from an external cron
// instead of (or in addition to) the in-process loop.
package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"budget-api/internal/auth"
)

type CleanupHandler struct {
	ledger     *auth.Ledger
	logger     *logrus.Logger
	cronSecret string
}

func NewCleanupHandler(ledger *auth.Ledger, logger *logrus.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		ledger:     ledger,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Without a configured secret the endpoint does not exist.
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.ledger.Cleanup(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("cleanup_trigger_failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"deleted_blacklist_entries": result.DeletedBlacklistEntries,
		"deleted_logout_records":    result.DeletedLogoutRecords,
	}).Info("cleanup_trigger_completed")

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
