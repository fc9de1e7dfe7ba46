package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.StepFinished("completed")
	m.StepFinished("completed")
	m.OperationExecuted("state", "create", nil)
	m.OperationExecuted("state", "create", errors.New("boom"))
	m.CheckpointResolved("destructive", "rejected")
	m.RestoreAction("delete_created", true)
	m.DeviationAssessed("minor")
	m.Compacted()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.EventPublished("AGENT_STARTED")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Steps.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("state", "create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("state", "create", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("destructive", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Restores.WithLabelValues("delete_created", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deviations.WithLabelValues("minor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compactions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("AGENT_STARTED")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StepFinished("completed")
		m.OperationExecuted("state", "delete", nil)
		m.SessionStarted()
		m.Compacted()
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.StepFinished("skipped")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `agentloop_steps_total{outcome="skipped"} 1`), body)
}
