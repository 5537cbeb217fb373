package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	assert.Equal(t, ResultSuccess, Result(nil))
	assert.Equal(t, ResultError, Result(errors.New("boom")))
}

func TestScheduledJobRunsCounter(t *testing.T) {
	before := testutil.ToFloat64(ScheduledJobRuns.WithLabelValues("metrics_test", ResultSuccess))
	ScheduledJobRuns.WithLabelValues("metrics_test", ResultSuccess).Inc()
	after := testutil.ToFloat64(ScheduledJobRuns.WithLabelValues("metrics_test", ResultSuccess))

	assert.Equal(t, before+1, after)
}

func TestHandler(t *testing.T) {
	BackupsIngested.WithLabelValues(ResultSuccess).Inc()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "backupchan_backups_ingested_total"))
}

func TestNewServer(t *testing.T) {
	srv := NewServer(":9109")
	assert.Equal(t, ":9109", srv.Addr)
	assert.NotNil(t, srv.Handler)
}
