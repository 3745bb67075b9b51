package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthEndpoints(t *testing.T) {
	ds := newDeviceService(t, nil)
	router := gin.New()
	NewHealthHandler(nil, ds, testConfig(), zap.NewNop()).RegisterRoutes(router.Group(""))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "raw-uart-service", health.Service)
	assert.Equal(t, "healthy", health.Checks["devices"].Status)
	assert.NotContains(t, health.Checks, "database")

	assert.Equal(t, http.StatusOK, get("/ready").Code)
	assert.Equal(t, http.StatusOK, get("/live").Code)

	require.NoError(t, ds.RemoveDevice("ccu"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)
}
