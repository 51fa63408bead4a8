package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("create", "success")
	m.ObserveOperation("create", "success")
	m.ObserveOperation("revert", "remote_failure")

	assert.InDelta(t, 2, testutil.ToFloat64(m.operations.WithLabelValues("create", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues("revert", "remote_failure")), 0)
}

func TestObserveResyncAndExpired(t *testing.T) {
	m := New()
	m.ObserveResync("recovered")
	m.AllocatedExpired(3)
	m.AllocatedExpired(0)

	assert.InDelta(t, 1, testutil.ToFloat64(m.resyncs.WithLabelValues("recovered")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.allocatedExpired), 0)
}

func TestObserveDispatch(t *testing.T) {
	m := New()
	m.ObserveDispatch("CreateVMSnapshot", "success", 2*time.Second)
	m.ObserveDispatch("CreateVMSnapshot", "timeout", time.Second)

	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveOperation("delete", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vmsnap_operations_total{operation="delete",result="success"} 1`)
}
