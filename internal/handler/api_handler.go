package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/EpicMandM/vmsnap/internal/hierarchy"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/orchestrator"
)

// Engine is the snapshot controller behind the API.
type Engine interface {
	RequestCreate(ctx context.Context, req orchestrator.CreateRequest) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, vmID string, f orchestrator.ListFilter) ([]models.Snapshot, error)
	SnapshotTree(ctx context.Context, vmID string) ([]*hierarchy.Node, error)
	RequestDelete(ctx context.Context, snapshotID string) (bool, error)
	DeleteAll(ctx context.Context, vmID string) error
	RequestRevert(ctx context.Context, vmID, snapshotID string) (*models.VM, error)
	Resync(ctx context.Context, vmID, observedHostID string) (bool, error)
}

type APIHandler struct {
	engine Engine
	logger *logger.Logger
}

func NewAPIHandler(engine Engine, log *logger.Logger) *APIHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &APIHandler{engine: engine, logger: log}
}

type createRequest struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	Description   string `json:"description"`
	IncludeMemory bool   `json:"include_memory"`
}

type revertRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

type resyncRequest struct {
	HostID string `json:"host_id"`
}

type snapshotList struct {
	Snapshots []models.Snapshot `json:"snapshots"`
	Count     int               `json:"count"`
}

// decode reads an optional JSON body into v. An empty body leaves v alone.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer func() {
		_ = r.Body.Close()
	}()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// CreateSnapshot handles POST /api/vms/{vmID}/snapshots
func (h *APIHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "Invalid JSON body")
		return
	}
	snap, err := h.engine.RequestCreate(r.Context(), orchestrator.CreateRequest{
		VMID:          r.PathValue("vmID"),
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		IncludeMemory: req.IncludeMemory,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

// ListSnapshots handles GET /api/vms/{vmID}/snapshots
//
// Query parameters: id, name, state (repeatable or comma separated), type,
// keyword, current, created_before (RFC 3339).
func (h *APIHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orchestrator.ListFilter{
		ID:          q.Get("id"),
		DisplayName: q.Get("name"),
		Type:        models.SnapshotType(q.Get("type")),
		Keyword:     q.Get("keyword"),
	}
	for _, v := range q["state"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.States = append(f.States, models.SnapshotState(st))
			}
		}
	}
	if v := q.Get("current"); v != "" {
		current, err := strconv.ParseBool(v)
		if err != nil {
			h.badRequest(w, "Invalid current parameter")
			return
		}
		f.CurrentOnly = current
	}
	if v := q.Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.badRequest(w, "Invalid created_before format")
			return
		}
		f.CreatedBefore = t
	}

	snaps, err := h.engine.ListSnapshots(r.Context(), r.PathValue("vmID"), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	h.writeJSON(w, http.StatusOK, snapshotList{Snapshots: snaps, Count: len(snaps)})
}

// SnapshotTree handles GET /api/vms/{vmID}/snapshots/tree
func (h *APIHandler) SnapshotTree(w http.ResponseWriter, r *http.Request) {
	roots, err := h.engine.SnapshotTree(r.Context(), r.PathValue("vmID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if roots == nil {
		roots = []*hierarchy.Node{}
	}
	h.writeJSON(w, http.StatusOK, roots)
}

// DeleteSnapshot handles DELETE /api/snapshots/{id}
func (h *APIHandler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.RequestDelete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllSnapshots handles DELETE /api/vms/{vmID}/snapshots
func (h *APIHandler) DeleteAllSnapshots(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteAll(r.Context(), r.PathValue("vmID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevertSnapshot handles POST /api/vms/{vmID}/revert
func (h *APIHandler) RevertSnapshot(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "Invalid JSON body")
		return
	}
	if req.SnapshotID == "" {
		h.badRequest(w, "snapshot_id is required")
		return
	}
	vm, err := h.engine.RequestRevert(r.Context(), r.PathValue("vmID"), req.SnapshotID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vm)
}

// Resync handles POST /api/vms/{vmID}/resync
func (h *APIHandler) Resync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "Invalid JSON body")
		return
	}
	resumed, err := h.engine.Resync(r.Context(), r.PathValue("vmID"), req.HostID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"resumed": resumed})
}
