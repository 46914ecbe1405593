package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("completed", 1, 0)
		m.RecordRule("no_drop")
		m.RecordNotification(nil)
		m.RecordBaselineUpdate(true, nil)
		m.RecordFetch("", 0.1)
		m.RecordDigest(errors.New("boom"))
		m.RecordCommand("start")
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordNotification(nil)
	m.RecordNotification(nil)
	m.RecordNotification(errors.New("blocked"))
	m.RecordBaselineUpdate(true, nil)
	m.RecordBaselineUpdate(false, nil)
	m.RecordBaselineUpdate(false, errors.New("db down"))
	m.RecordFetch("full", 0.2)
	m.RecordFetch("", 0.3)
	m.RecordRun("completed", 2, 1700000000)

	assert.InDelta(t, 2, testutil.ToFloat64(m.NotificationsSent), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.NotificationsFailed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BaselineUpdates.WithLabelValues("bootstrap")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BaselineUpdates.WithLabelValues("drop")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BaselineUpdateFailure), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FetchOutcomes.WithLabelValues("absent")), 0)
	assert.InDelta(t, 1700000000, testutil.ToFloat64(m.LastSuccessfulRun), 0)
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("", reg)
	m.RecordCommand("deals")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `aviasales_tracker_bot_commands_total{command="deals"} 1`))
}
