package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/notesync/internal/apperr"
)

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Status handles GET /api/status.
//
//	@Summary	Current sync state
//	@Tags		sync
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Security	BearerAuth
//	@Router		/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Status(r.Context())
	if err != nil {
		slog.Error("status failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sync handles POST /api/sync. A trigger inside the cooldown or while a
// cycle is running answers 202 with outcome "skipped".
//
//	@Summary	Run a sync cycle now
//	@Tags		sync
//	@Produce	json
//	@Success	200	{object}	SyncResponse
//	@Success	202	{object}	SyncResponse
//	@Failure	401	{object}	errResponse
//	@Failure	502	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Sync(r.Context())
	if err != nil {
		writeSyncError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Outcome == "skipped" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// SyncConfig handles POST /api/config/sync.
//
//	@Summary	Push local config edits and refresh tags
//	@Tags		config
//	@Produce	json
//	@Success	200	{object}	ConfigSyncResponse
//	@Failure	401	{object}	errResponse
//	@Failure	409	{object}	errResponse
//	@Failure	502	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/config/sync [post]
func (h *Handler) SyncConfig(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.SyncConfig(r.Context())
	if errors.Is(err, ErrConfigDisabled) {
		writeJSON(w, http.StatusConflict, errResponse{Error: err.Error(), Code: "config_disabled"})
		return
	}
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperr.ErrRenewalExpired) {
		writeJSON(w, http.StatusUnauthorized, errResponse{Error: err.Error(), Code: "renewal_expired"})
		return
	}
	slog.Warn("sync request failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusBadGateway, errResponse{Error: err.Error(), Code: "upstream"})
}
