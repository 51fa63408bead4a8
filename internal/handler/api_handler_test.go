package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/hierarchy"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	createFn    func(ctx context.Context, req orchestrator.CreateRequest) (*models.Snapshot, error)
	listFn      func(ctx context.Context, vmID string, f orchestrator.ListFilter) ([]models.Snapshot, error)
	treeFn      func(ctx context.Context, vmID string) ([]*hierarchy.Node, error)
	deleteFn    func(ctx context.Context, id string) (bool, error)
	deleteAllFn func(ctx context.Context, vmID string) error
	revertFn    func(ctx context.Context, vmID, snapshotID string) (*models.VM, error)
	resyncFn    func(ctx context.Context, vmID, hostID string) (bool, error)
}

func (m *mockEngine) RequestCreate(ctx context.Context, req orchestrator.CreateRequest) (*models.Snapshot, error) {
	return m.createFn(ctx, req)
}

func (m *mockEngine) ListSnapshots(ctx context.Context, vmID string, f orchestrator.ListFilter) ([]models.Snapshot, error) {
	return m.listFn(ctx, vmID, f)
}

func (m *mockEngine) SnapshotTree(ctx context.Context, vmID string) ([]*hierarchy.Node, error) {
	return m.treeFn(ctx, vmID)
}

func (m *mockEngine) RequestDelete(ctx context.Context, id string) (bool, error) {
	return m.deleteFn(ctx, id)
}

func (m *mockEngine) DeleteAll(ctx context.Context, vmID string) error {
	return m.deleteAllFn(ctx, vmID)
}

func (m *mockEngine) RequestRevert(ctx context.Context, vmID, snapshotID string) (*models.VM, error) {
	return m.revertFn(ctx, vmID, snapshotID)
}

func (m *mockEngine) Resync(ctx context.Context, vmID, hostID string) (bool, error) {
	return m.resyncFn(ctx, vmID, hostID)
}

func serve(t *testing.T, eng Engine, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	NewRouter(NewAPIHandler(eng, nil), nil).ServeHTTP(rec, req)
	return rec
}

func TestCreateSnapshot(t *testing.T) {
	var got orchestrator.CreateRequest
	eng := &mockEngine{createFn: func(_ context.Context, req orchestrator.CreateRequest) (*models.Snapshot, error) {
		got = req
		return &models.Snapshot{ID: "s1", VMID: req.VMID, State: models.SnapshotReady, Current: true}, nil
	}}

	rec := serve(t, eng, http.MethodPost, "/api/vms/vm-1/snapshots", `{"display_name":"before upgrade","include_memory":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, orchestrator.CreateRequest{VMID: "vm-1", DisplayName: "before upgrade", IncludeMemory: true}, got)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "s1", snap.ID)
	assert.True(t, snap.Current)
}

func TestCreateSnapshot_EmptyBodyUsesDefaults(t *testing.T) {
	eng := &mockEngine{createFn: func(_ context.Context, req orchestrator.CreateRequest) (*models.Snapshot, error) {
		assert.Equal(t, orchestrator.CreateRequest{VMID: "vm-1"}, req)
		return &models.Snapshot{ID: "s1"}, nil
	}}
	rec := serve(t, eng, http.MethodPost, "/api/vms/vm-1/snapshots", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateSnapshot_InvalidJSON(t *testing.T) {
	rec := serve(t, &mockEngine{}, http.MethodPost, "/api/vms/vm-1/snapshots", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON body")
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"vm not found", &orchestrator.Error{Kind: orchestrator.KindPrecondition, Op: "create", Err: orchestrator.ErrVMNotFound}, http.StatusNotFound},
		{"busy", &orchestrator.Error{Kind: orchestrator.KindPrecondition, Op: "create", Err: orchestrator.ErrVMBusy}, http.StatusConflict},
		{"limit", &orchestrator.Error{Kind: orchestrator.KindPrecondition, Op: "create", Err: fmt.Errorf("%w: 10", orchestrator.ErrLimitReached)}, http.StatusConflict},
		{"policy", &orchestrator.Error{Kind: orchestrator.KindPrecondition, Op: "create", Err: orchestrator.ErrPolicyDenied}, http.StatusBadRequest},
		{"transport", &orchestrator.Error{Kind: orchestrator.KindTransport, Op: "create", Err: agent.ErrTimedOut}, http.StatusBadGateway},
		{"remote", &orchestrator.Error{Kind: orchestrator.KindRemote, Op: "create", Err: orchestrator.ErrRemoteFailure}, http.StatusBadGateway},
		{"invariant", &orchestrator.Error{Kind: orchestrator.KindInvariant, Op: "create", Err: errors.New("broken chain")}, http.StatusInternalServerError},
		{"plain", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &mockEngine{createFn: func(context.Context, orchestrator.CreateRequest) (*models.Snapshot, error) {
				return nil, tt.err
			}}
			rec := serve(t, eng, http.MethodPost, "/api/vms/vm-1/snapshots", "")
			assert.Equal(t, tt.want, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestListSnapshots_Filters(t *testing.T) {
	var got orchestrator.ListFilter
	eng := &mockEngine{listFn: func(_ context.Context, vmID string, f orchestrator.ListFilter) ([]models.Snapshot, error) {
		assert.Equal(t, "vm-1", vmID)
		got = f
		return []models.Snapshot{{ID: "a"}, {ID: "b"}}, nil
	}}

	rec := serve(t, eng, http.MethodGet,
		"/api/vms/vm-1/snapshots?state=Ready,Error&state=Creating&type=Disk&keyword=nightly&current=true&created_before=2026-03-04T05:06:07Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.ListFilter{
		States:        []models.SnapshotState{models.SnapshotReady, models.SnapshotError, models.SnapshotCreating},
		Type:          models.SnapshotDisk,
		Keyword:       "nightly",
		CurrentOnly:   true,
		CreatedBefore: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}, got)

	var body snapshotList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestListSnapshots_BadQuery(t *testing.T) {
	rec := serve(t, &mockEngine{}, http.MethodGet, "/api/vms/vm-1/snapshots?current=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, &mockEngine{}, http.MethodGet, "/api/vms/vm-1/snapshots?created_before=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSnapshots_EmptyIsArray(t *testing.T) {
	eng := &mockEngine{listFn: func(context.Context, string, orchestrator.ListFilter) ([]models.Snapshot, error) {
		return nil, nil
	}}
	rec := serve(t, eng, http.MethodGet, "/api/vms/vm-1/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"snapshots":[],"count":0}`, rec.Body.String())
}

func TestSnapshotTree(t *testing.T) {
	eng := &mockEngine{treeFn: func(context.Context, string) ([]*hierarchy.Node, error) {
		return []*hierarchy.Node{{
			Snapshot: models.Snapshot{ID: "a"},
			Children: []*hierarchy.Node{{Snapshot: models.Snapshot{ID: "b", ParentID: "a"}}},
		}}, nil
	}}
	rec := serve(t, eng, http.MethodGet, "/api/vms/vm-1/snapshots/tree", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var roots []hierarchy.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roots))
	require.Len(t, roots, 1)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "b", roots[0].Children[0].Snapshot.ID)
}

func TestDeleteSnapshot(t *testing.T) {
	eng := &mockEngine{deleteFn: func(_ context.Context, id string) (bool, error) {
		if id == "missing" {
			return false, &orchestrator.Error{Kind: orchestrator.KindPrecondition, Op: "delete", Err: orchestrator.ErrSnapshotNotFound}
		}
		return true, nil
	}}
	assert.Equal(t, http.StatusNoContent, serve(t, eng, http.MethodDelete, "/api/snapshots/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, eng, http.MethodDelete, "/api/snapshots/missing", "").Code)
}

func TestDeleteAllSnapshots(t *testing.T) {
	var got string
	eng := &mockEngine{deleteAllFn: func(_ context.Context, vmID string) error {
		got = vmID
		return nil
	}}
	assert.Equal(t, http.StatusNoContent, serve(t, eng, http.MethodDelete, "/api/vms/vm-1/snapshots", "").Code)
	assert.Equal(t, "vm-1", got)
}

func TestRevertSnapshot(t *testing.T) {
	eng := &mockEngine{revertFn: func(_ context.Context, vmID, snapshotID string) (*models.VM, error) {
		assert.Equal(t, "vm-1", vmID)
		assert.Equal(t, "s1", snapshotID)
		return &models.VM{ID: vmID, State: models.VMRunning}, nil
	}}
	rec := serve(t, eng, http.MethodPost, "/api/vms/vm-1/revert", `{"snapshot_id":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"Running"`)

	rec = serve(t, eng, http.MethodPost, "/api/vms/vm-1/revert", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResync(t *testing.T) {
	eng := &mockEngine{resyncFn: func(_ context.Context, vmID, hostID string) (bool, error) {
		return hostID == "h7", nil
	}}
	rec := serve(t, eng, http.MethodPost, "/api/vms/vm-1/resync", `{"host_id":"h7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resumed":true}`, rec.Body.String())

	rec = serve(t, eng, http.MethodPost, "/api/vms/vm-1/resync", "")
	assert.JSONEq(t, `{"resumed":false}`, rec.Body.String())
}

func TestRouter_MethodNotAllowedAndMetrics(t *testing.T) {
	rec := serve(t, &mockEngine{}, http.MethodPut, "/api/vms/vm-1/revert", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("vmsnap_operations_total 1\n"))
	})
	rec = httptest.NewRecorder()
	NewRouter(NewAPIHandler(&mockEngine{}, nil), metrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vmsnap_operations_total")

	rec = httptest.NewRecorder()
	NewRouter(NewAPIHandler(&mockEngine{}, nil), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
