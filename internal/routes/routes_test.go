package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "raw-uart-service/docs"
	"raw-uart-service/internal/config"
	"raw-uart-service/internal/handler"
	"raw-uart-service/internal/metrics"
	"raw-uart-service/internal/repository"
	"raw-uart-service/internal/service"
	"raw-uart-service/internal/uart"
)

func TestSetupRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		App:     config.AppConfig{Name: "raw-uart-service", Environment: "test"},
		Mux:     config.MuxConfig{MaxDevices: 2, MaxConnections: 2, RxBufferSize: 256, TxBufferSize: 256},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Devices: []config.DeviceConfig{{Name: "ccu", Type: "loopback"}},
	}

	bus := handler.NewEventBus(zap.NewNop())
	go bus.Start()
	defer bus.Stop()

	registry := uart.NewRegistry(cfg.Mux.MaxDevices, zap.NewNop())
	devices := service.NewDeviceService(registry, cfg, repository.NewMemoryEventRepository(10), bus, zap.NewNop())
	require.NoError(t, devices.Start(t.Context()))
	defer devices.Close()
	discovery := service.NewDiscoveryService(cfg, devices, zap.NewNop())

	router := NewRouter(cfg, zap.NewNop(), nil, metrics.NewRegistry(registry), bus, devices, discovery).SetupRouter()

	tests := []struct {
		path string
		want int
	}{
		{"/live", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/api/v1/devices/ccu", http.StatusOK},
		{"/api/v1/devices/nope", http.StatusNotFound},
		{"/ws/stats", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/docs", http.StatusMovedPermanently},
		{"/swagger/index.html", http.StatusOK},
		{"/swagger/doc.json", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "raw_uart_")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Equal(t, "/swagger/index.html", w.Header().Get("Location"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	assert.Contains(t, w.Body.String(), "/devices/{name}/reset")
}
