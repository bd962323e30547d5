package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestRegisterComponent(t *testing.T) {
	reset(t)

	RegisterComponent("store", true, "opened")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["store"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "opened", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"all healthy", map[string]bool{"store": true, "fabric": true}, "healthy"},
		{"one unhealthy", map[string]bool{"store": true, "fabric": false}, "unhealthy"},
		{"nothing registered", nil, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t)
			SetVersion("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "unreachable")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetHealth_UnhealthyMessage(t *testing.T) {
	reset(t)
	RegisterComponent("fabric", false, "connection refused")

	health := GetHealth()
	assert.Equal(t, "unhealthy: connection refused", health.Components["fabric"])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"all critical ready", map[string]bool{"store": true, "fabric": true, "raft": true}, "ready"},
		{"raft missing", map[string]bool{"store": true, "fabric": true}, "not_ready"},
		{"fabric unhealthy", map[string]bool{"store": true, "fabric": false, "raft": true}, "not_ready"},
		{"non critical unhealthy", map[string]bool{"store": true, "fabric": true, "raft": true, "reconciler": false}, "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			if tt.wantStatus != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	reset(t)
	SetCriticalComponents("store")
	RegisterComponent("store", true, "")

	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		healthy  bool
		wantCode int
		want     string
	}{
		{"healthy", true, http.StatusOK, "healthy"},
		{"unhealthy", false, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t)
			RegisterComponent("store", tt.healthy, "broken")

			w := httptest.NewRecorder()
			HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			var health HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
			assert.Equal(t, tt.want, health.Status)
		})
	}
}

func TestReadyHandler(t *testing.T) {
	reset(t)
	RegisterComponent("store", true, "")
	RegisterComponent("fabric", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent("raft", true, "")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	reset(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}

func TestUpdateComponent(t *testing.T) {
	reset(t)

	RegisterComponent("fabric", true, "ok")
	UpdateComponent("fabric", false, "error")

	comp := healthChecker.components["fabric"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "error", comp.Message)
}
