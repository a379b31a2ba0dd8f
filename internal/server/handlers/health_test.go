package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

// saveGlobal restores the process-wide manager after a test.
func saveGlobal(t *testing.T) {
	t.Helper()
	original := GetHealthManager()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	})
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("database", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["database"])
	assert.NotEmpty(t, resp.Timestamp)
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("database", stubChecker{err: errors.New("database is locked")})
	manager.RegisterChecker("scheduler", stubChecker{})

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry the check results")
	assert.Equal(t, "unhealthy", checks["database"])
	assert.Equal(t, "healthy", checks["scheduler"])
}

func TestLivenessSkipsCheckers(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("database", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckTimeoutDegrades(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("slow", stubChecker{err: context.DeadlineExceeded})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")
	tests := []struct {
		name    string
		results map[string]string
		want    string
	}{
		{"no checks", nil, "healthy"},
		{"all healthy", map[string]string{"a": "healthy", "b": "healthy"}, "healthy"},
		{"timeout degrades", map[string]string{"db": "timeout"}, "degraded"},
		{"unhealthy wins", map[string]string{"a": "timeout", "b": "unhealthy"}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, manager.determineOverallStatus(tt.results))
		})
	}
}

func TestGlobalHealthManager(t *testing.T) {
	saveGlobal(t)

	globalMu.Lock()
	globalHealthManager = nil
	globalMu.Unlock()
	assert.Nil(t, GetHealthManager())

	InitHealthManager("1.0.0")
	require.NotNil(t, GetHealthManager())

	for name, h := range map[string]http.HandlerFunc{
		"health":  HealthHandler,
		"live":    LivenessHandler,
		"ready":   ReadinessHandler,
		"startup": StartupHandler,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestGlobalHandlers_WhenNotInitialized(t *testing.T) {
	saveGlobal(t)
	globalMu.Lock()
	globalHealthManager = nil
	globalMu.Unlock()

	for name, h := range map[string]http.HandlerFunc{
		"health":  HealthHandler,
		"live":    LivenessHandler,
		"ready":   ReadinessHandler,
		"startup": StartupHandler,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

type quickChecker struct{ err error }

func (q quickChecker) QuickCheck(context.Context) error { return q.err }

func TestStoreChecker(t *testing.T) {
	assert.NoError(t, StoreChecker{Store: quickChecker{}}.CheckHealth(context.Background()))
	assert.Error(t, StoreChecker{Store: quickChecker{err: errors.New("malformed")}}.CheckHealth(context.Background()))
	assert.Error(t, StoreChecker{}.CheckHealth(context.Background()))
}
