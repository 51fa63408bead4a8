package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/orchestrator"
)

// NewRouter registers the snapshot API. metrics may be nil.
func NewRouter(h *APIHandler, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/vms/{vmID}/snapshots", h.CreateSnapshot)
	mux.HandleFunc("GET /api/vms/{vmID}/snapshots", h.ListSnapshots)
	mux.HandleFunc("DELETE /api/vms/{vmID}/snapshots", h.DeleteAllSnapshots)
	mux.HandleFunc("GET /api/vms/{vmID}/snapshots/tree", h.SnapshotTree)
	mux.HandleFunc("DELETE /api/snapshots/{id}", h.DeleteSnapshot)
	mux.HandleFunc("POST /api/vms/{vmID}/revert", h.RevertSnapshot)
	mux.HandleFunc("POST /api/vms/{vmID}/resync", h.Resync)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindPrecondition:
		switch {
		case errors.Is(err, orchestrator.ErrVMNotFound), errors.Is(err, orchestrator.ErrSnapshotNotFound):
			return http.StatusNotFound
		case errors.Is(err, orchestrator.ErrVMBusy),
			errors.Is(err, orchestrator.ErrConcurrentOperation),
			errors.Is(err, orchestrator.ErrDuplicateName),
			errors.Is(err, orchestrator.ErrLimitReached),
			errors.Is(err, orchestrator.ErrVolumeSnapshotActive),
			errors.Is(err, orchestrator.ErrInvalidSnapshotState):
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case orchestrator.KindTransport, orchestrator.KindRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Action("http"), logger.Status("encode_failed"), logger.Error(err))
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := orchestrator.KindOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", logger.Action("http"), logger.Status(string(kind)),
			logger.F("PATH", r.URL.Path), logger.Error(err))
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func (h *APIHandler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
