package supervisor

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestd/internal/config"
	"ingestd/internal/obslog"
	"ingestd/internal/workerstatus"
)

func newTestSupervisor() *Supervisor {
	s := &Supervisor{
		cfg:    &config.Config{HealthPort: 8080},
		log:    obslog.Nop(),
		status: workerstatus.New(),
	}
	s.server = s.newHealthServer()
	return s
}

func TestHealthServer_ReportsHealthyWhenAWorkerIsRunning(t *testing.T) {
	s := newTestSupervisor()
	s.status.SetRunning("block_indexer")

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["healthy"])
}

func TestHealthServer_Returns503WhenNoWorkerIsHealthy(t *testing.T) {
	s := newTestSupervisor()
	s.status.SetStopped("block_indexer")

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, 503, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["healthy"])
}

func TestHealthServer_AddrUsesConfiguredPort(t *testing.T) {
	s := newTestSupervisor()
	require.Equal(t, ":8080", s.server.Addr)
}
