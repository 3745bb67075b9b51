// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"raw-uart-service/internal/model"
	"raw-uart-service/internal/service"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler bridges WebSocket clients to device connections and
// the event bus
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	eventBus      *EventBus
	logger        *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. An empty or "*"
// origin list accepts any origin.
func NewWebSocketHandler(
	deviceService *service.DeviceService,
	eventBus *EventBus,
	allowedOrigins []string,
	logger *zap.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections:   NewConnectionManager(),
		deviceService: deviceService,
		eventBus:      eventBus,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
			return true
		}
		return set[origin]
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Raw byte stream of one device connection
	router.GET("/devices/:name/stream", h.HandleDeviceStream)

	// Bus events as JSON
	router.GET("/events", h.HandleEventConnection)

	router.GET("/stats", h.GetConnectionStats)
}

// HandleDeviceStream opens a device connection for the lifetime of the
// socket. Binary and text frames from the client are transmitted; received
// bytes are sent back as binary frames.
func (h *WebSocketHandler) HandleDeviceStream(c *gin.Context) {
	name := c.Param("name")

	var priority uint32
	if v := c.Query("priority"); v != "" {
		p, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"priority": "must be an unsigned 32-bit integer"})
			return
		}
		priority = uint32(p)
	}

	device, err := h.deviceService.Device(name)
	if err != nil {
		utils.DeviceErrorResponse(c, "Device not found", err)
		return
	}

	// Open before upgrading so rejections still carry an HTTP status.
	conn, err := device.Open(c.Request.Context(), "ws "+c.Request.RemoteAddr)
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to open device", err)
		return
	}
	defer conn.Close()
	conn.SetPriority(priority)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          conn.ID().String(),
		Connection:  ws,
		Send:        make(chan Frame, 64),
		Type:        ClientTypeStream,
		Device:      name,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	h.connections.Register(client)
	defer h.connections.Unregister(client)

	session := utils.NewSessionLogger(h.logger.Logger, "websocket", client.ID, client.RemoteAddr)
	session.Opened(zap.String("device", name), zap.Uint32("priority", priority))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tx int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		tx = h.streamFromDevice(ctx, client, conn)
	}()
	go h.handleClientWrite(client)

	rx, err := h.streamToDevice(ctx, client, conn, device.MaxMessageSize())
	cancel()
	<-done
	session.Closed(rx, tx, err)
}

// streamToDevice transmits client frames until the socket fails
func (h *WebSocketHandler) streamToDevice(ctx context.Context, client *Client, conn *uart.Connection, maxWrite int) (int64, error) {
	defer client.Connection.Close()

	ws := client.Connection
	ws.SetReadLimit(int64(maxWrite))
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var rx int64
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return rx, err
			}
			return rx, nil
		}

		n, err := conn.Write(ctx, data)
		rx += int64(n)
		if err != nil {
			if errors.Is(err, uart.ErrInterrupted) && ctx.Err() != nil {
				return rx, nil
			}
			return rx, err
		}
	}
}

// streamFromDevice forwards received bytes until the connection ends, then
// closes the client's send channel
func (h *WebSocketHandler) streamFromDevice(ctx context.Context, client *Client, conn *uart.Connection) int64 {
	defer close(client.Send)

	var tx int64
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(ctx, buf, false)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Debug("Device stream ended",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return tx
		}

		frame := Frame{MessageType: websocket.BinaryMessage, Data: append([]byte(nil), buf[:n]...)}
		select {
		case client.Send <- frame:
			tx += int64(n)
		case <-ctx.Done():
			return tx
		}
	}
}

// HandleEventConnection streams bus events. The optional type and device
// query parameters filter them.
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	eventType := model.EventTypeAll
	if v := c.Query("type"); v != "" {
		eventType = model.EventType(v)
	}
	device := c.Query("device")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  ws,
		Send:        make(chan Frame, 256),
		Type:        ClientTypeEvents,
		Device:      device,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("event_type", string(eventType)),
	)

	events, unsubscribe := h.eventBus.Subscribe(eventType)
	closed := make(chan struct{})
	go h.forwardEvents(client, events, closed)
	go h.handleClientWrite(client)

	h.handleClientRead(client)
	close(closed)
	unsubscribe()
	h.connections.Unregister(client)
}

// forwardEvents encodes bus events onto the client's send channel
func (h *WebSocketHandler) forwardEvents(client *Client, events <-chan model.Event, closed <-chan struct{}) {
	defer close(client.Send)

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if client.Device != "" && event.Source != client.Device {
				continue
			}

			data, err := json.Marshal(&WebSocketMessage{
				Type:      string(event.Type),
				Data:      event,
				Timestamp: event.Timestamp,
			})
			if err != nil {
				h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
				continue
			}

			select {
			case client.Send <- Frame{MessageType: websocket.TextMessage, Data: data}:
			default:
				h.logger.Warn("Client send channel full, dropping message",
					zap.String("client_id", client.ID),
				)
			}
		}
	}
}

// handleClientRead discards client messages and keeps the read deadline
// alive until the socket fails
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer client.Connection.Close()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		return client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.Connection.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}
	}
}

// handleClientWrite is the only writer of a client socket
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := client.Connection.WriteMessage(frame.MessageType, frame.Data); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetConnectionStats returns WebSocket connection statistics. With
// ?device= only the stream clients of that device are listed.
func (h *WebSocketHandler) GetConnectionStats(c *gin.Context) {
	device := c.Query("device")
	if device == "" {
		utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics", h.connections.GetStats())
		return
	}

	clients := h.connections.GetDeviceClients(device)
	stats := &ConnectionStats{
		TotalConnections: len(clients),
		ByType:           map[string]int{ClientTypeStream: len(clients)},
		Clients:          clients,
	}
	utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics", stats)
}
