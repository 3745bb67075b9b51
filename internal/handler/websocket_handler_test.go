package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-uart-service/internal/model"
	"raw-uart-service/internal/service"
)

func newWebSocketServer(t *testing.T) (*httptest.Server, *service.DeviceService) {
	bus := NewEventBus(zap.NewNop())
	go bus.Start()
	t.Cleanup(bus.Stop)

	ds := newDeviceService(t, bus)
	router := gin.New()
	NewWebSocketHandler(ds, bus, nil, zap.NewNop()).RegisterRoutes(router.Group("/ws"))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, ds
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDeviceStreamEcho(t *testing.T) {
	srv, ds := newWebSocketServer(t)
	conn := dialWS(t, srv, "/ws/devices/ccu/stream?priority=4")

	device, err := ds.Device("ccu")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return device.OpenCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(4), device.Connections()[0].Priority())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ping radio")))

	var got []byte
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < len("ping radio") {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	assert.Equal(t, "ping radio", string(got))

	conn.Close()
	require.Eventually(t, func() bool { return device.OpenCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeviceStreamRejections(t *testing.T) {
	srv, ds := newWebSocketServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/devices/missing/stream", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"/ws/devices/ccu/stream?priority=high", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	device, err := ds.Device("ccu")
	require.NoError(t, err)
	for i := 0; i < device.MaxConnections(); i++ {
		c, err := device.Open(t.Context(), "filler")
		require.NoError(t, err)
		defer c.Close()
	}
	_, resp, err = websocket.DefaultDialer.Dial(url+"/ws/devices/ccu/stream", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDeviceStreamEndsOnRemoval(t *testing.T) {
	srv, ds := newWebSocketServer(t)
	conn := dialWS(t, srv, "/ws/devices/ccu/stream")

	device, err := ds.Device("ccu")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return device.OpenCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ds.RemoveDevice("ccu"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
}

func TestEventStream(t *testing.T) {
	srv, ds := newWebSocketServer(t)
	conn := dialWS(t, srv, "/ws/events?device=ccu")

	// The subscription starts after the upgrade, so keep changing lines
	// until an event arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ds.SetGpio("ccu", 1, 1)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string      `json:"type"`
		Data model.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, string(model.EventGpioChanged), msg.Type)
	assert.Equal(t, "ccu", msg.Data.Source)
}

func TestConnectionStatsByDevice(t *testing.T) {
	srv, _ := newWebSocketServer(t)
	dialWS(t, srv, "/ws/devices/ccu/stream")
	dialWS(t, srv, "/ws/events")

	stats := func(query string) ConnectionStats {
		resp, err := http.Get(srv.URL + "/ws/stats" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var env envelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		var out ConnectionStats
		require.NoError(t, json.Unmarshal(env.Data, &out))
		return out
	}

	require.Eventually(t, func() bool { return stats("").TotalConnections == 2 }, 2*time.Second, 10*time.Millisecond)

	ccu := stats("?device=ccu")
	assert.Equal(t, 1, ccu.TotalConnections)
	require.Len(t, ccu.Clients, 1)
	assert.Equal(t, ClientTypeStream, ccu.Clients[0].Type)

	assert.Zero(t, stats("?device=other").TotalConnections)
}
