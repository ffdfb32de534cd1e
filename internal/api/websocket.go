package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mdvr/internal/door"
)

// WebSocket message types
const (
	MessageConnectionEstablished = "connection_established"
	MessageReedSwitchUpdate      = "reed_switch_update"
	MessagePong                  = "pong"
	MessageError                 = "error"
)

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	EventID   string      `json:"eventId,omitempty"`
}

// WebSocketConnection represents a single WebSocket connection
type WebSocketConnection struct {
	ID         string
	Conn       *websocket.Conn
	Send       chan WebSocketMessage
	RemoteAddr string
	UserAgent  string
}

// WebSocketManager fans status updates out to WebSocket clients
type WebSocketManager struct {
	connections map[string]*WebSocketConnection
	mutex       sync.RWMutex
	upgrader    websocket.Upgrader
	logger      *logrus.Entry
	status      func() door.StatusSnapshot
	broadcast   chan WebSocketMessage
	register    chan *WebSocketConnection
	unregister  chan *WebSocketConnection
	done        chan struct{}
	stopOnce    sync.Once
	eventSeq    atomic.Uint64

	// Configuration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	maxConnections int
}

// NewWebSocketManager creates a new WebSocket manager. status supplies the
// document sent to new clients and on get_status requests.
func NewWebSocketManager(logger *logrus.Entry, status func() door.StatusSnapshot) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]*WebSocketConnection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// local web UI served from another port
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:         logger,
		status:         status,
		broadcast:      make(chan WebSocketMessage, 256),
		register:       make(chan *WebSocketConnection),
		unregister:     make(chan *WebSocketConnection),
		done:           make(chan struct{}),
		pingInterval:   25 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 512,
		maxConnections: 32,
	}
}

// Start starts the WebSocket manager
func (wsm *WebSocketManager) Start(ctx context.Context) {
	wsm.logger.Info("Starting WebSocket manager")
	go wsm.run(ctx)
}

// Stop stops the WebSocket manager and closes every connection
func (wsm *WebSocketManager) Stop() {
	wsm.stopOnce.Do(func() {
		wsm.logger.Info("Stopping WebSocket manager")
		close(wsm.done)
	})
}

// run is the main loop for the WebSocket manager
func (wsm *WebSocketManager) run(ctx context.Context) {
	defer func() {
		wsm.Stop()
		wsm.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wsm.done:
			return
		case conn := <-wsm.register:
			wsm.registerConnection(conn)
		case conn := <-wsm.unregister:
			wsm.unregisterConnection(conn)
		case message := <-wsm.broadcast:
			wsm.broadcastMessage(message)
		}
	}
}

func (wsm *WebSocketManager) closeAll() {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()
	for id, conn := range wsm.connections {
		delete(wsm.connections, id)
		close(conn.Send)
	}
}

// registerConnection registers a new WebSocket connection
func (wsm *WebSocketManager) registerConnection(conn *WebSocketConnection) {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()

	if len(wsm.connections) >= wsm.maxConnections {
		wsm.logger.WithField("connectionId", conn.ID).Warn("Maximum WebSocket connections reached")
		close(conn.Send)
		return
	}

	wsm.connections[conn.ID] = conn
	wsm.logger.WithFields(logrus.Fields{
		"connectionId": conn.ID,
		"remoteAddr":   conn.RemoteAddr,
		"totalConns":   len(wsm.connections),
	}).Info("WebSocket connection registered")

	wsm.trySend(conn, wsm.newMessage(MessageConnectionEstablished, map[string]interface{}{
		"status": "connected",
		"time":   time.Now().Unix(),
	}))
	wsm.trySend(conn, wsm.newMessage(MessageReedSwitchUpdate, wsm.status()))
}

// unregisterConnection unregisters a WebSocket connection
func (wsm *WebSocketManager) unregisterConnection(conn *WebSocketConnection) {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()

	if _, exists := wsm.connections[conn.ID]; exists {
		delete(wsm.connections, conn.ID)
		close(conn.Send)

		wsm.logger.WithFields(logrus.Fields{
			"connectionId": conn.ID,
			"remoteAddr":   conn.RemoteAddr,
			"totalConns":   len(wsm.connections),
		}).Info("WebSocket connection unregistered")
	}
}

// broadcastMessage sends a message to every connection. Slow clients are dropped.
func (wsm *WebSocketManager) broadcastMessage(message WebSocketMessage) {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()

	sentCount := 0
	for id, conn := range wsm.connections {
		select {
		case conn.Send <- message:
			sentCount++
		default:
			wsm.logger.WithField("connectionId", conn.ID).Warn("Connection buffer full, closing")
			delete(wsm.connections, id)
			close(conn.Send)
		}
	}

	if sentCount > 0 {
		wsm.logger.WithFields(logrus.Fields{
			"messageType": message.Type,
			"sentCount":   sentCount,
		}).Debug("Message broadcasted to WebSocket connections")
	}
}

func (wsm *WebSocketManager) newMessage(messageType string, data interface{}) WebSocketMessage {
	return WebSocketMessage{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		EventID:   fmt.Sprintf("evt_%d", wsm.eventSeq.Add(1)),
	}
}

// trySend queues a message without blocking. Callers hold no channel locks.
func (wsm *WebSocketManager) trySend(conn *WebSocketConnection, message WebSocketMessage) {
	select {
	case conn.Send <- message:
	default:
		wsm.logger.WithFields(logrus.Fields{
			"connectionId": conn.ID,
			"messageType":  message.Type,
		}).Warn("Failed to queue WebSocket message")
	}
}

// BroadcastEvent broadcasts an event to all connected clients
func (wsm *WebSocketManager) BroadcastEvent(eventType string, data interface{}) {
	message := wsm.newMessage(eventType, data)
	select {
	case wsm.broadcast <- message:
	default:
		wsm.logger.WithField("eventType", eventType).Warn("Broadcast channel full, dropping message")
	}
}

// GetConnectionCount returns the current number of WebSocket connections
func (wsm *WebSocketManager) GetConnectionCount() int {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return len(wsm.connections)
}

// HandleWebSocketConnection upgrades the request and starts the pumps
func (wsm *WebSocketManager) HandleWebSocketConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return err
	}

	wsConn := &WebSocketConnection{
		ID:         uuid.NewString(),
		Conn:       conn,
		Send:       make(chan WebSocketMessage, 64),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	conn.SetReadLimit(wsm.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsm.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsm.pongTimeout))
		return nil
	})

	select {
	case wsm.register <- wsConn:
	case <-wsm.done:
		conn.Close()
		return fmt.Errorf("websocket manager stopped")
	}

	go wsm.writePump(wsConn)
	go wsm.readPump(wsConn)
	return nil
}

// writePump is the only writer of conn. It also sends keepalive pings.
func (wsm *WebSocketManager) writePump(conn *WebSocketConnection) {
	ticker := time.NewTicker(wsm.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsm.writeTimeout))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				wsm.logger.WithError(err).WithField("connectionId", conn.ID).Warn("Failed to write WebSocket message")
				return
			}
		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsm.writeTimeout))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles client requests until the connection closes
func (wsm *WebSocketManager) readPump(conn *WebSocketConnection) {
	defer func() {
		select {
		case wsm.unregister <- conn:
		case <-wsm.done:
		}
		conn.Conn.Close()
	}()

	for {
		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wsm.logger.WithError(err).WithField("connectionId", conn.ID).Warn("WebSocket connection error")
			}
			return
		}
		if messageType == websocket.TextMessage {
			wsm.handleTextMessage(conn, data)
		}
	}
}

// handleTextMessage answers get_status and ping requests
func (wsm *WebSocketManager) handleTextMessage(conn *WebSocketConnection, data []byte) {
	var message struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &message); err != nil || message.Type == "" {
		wsm.reply(conn, wsm.newMessage(MessageError, map[string]interface{}{"error": "invalid message"}))
		return
	}

	switch message.Type {
	case "get_status":
		wsm.reply(conn, wsm.newMessage(MessageReedSwitchUpdate, wsm.status()))
	case "ping":
		wsm.reply(conn, wsm.newMessage(MessagePong, map[string]interface{}{"serverTime": time.Now().Unix()}))
	default:
		wsm.reply(conn, wsm.newMessage(MessageError, map[string]interface{}{"error": "unknown message type " + message.Type}))
	}
}

// reply queues a direct answer if the connection is still registered
func (wsm *WebSocketManager) reply(conn *WebSocketConnection, message WebSocketMessage) {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	if _, ok := wsm.connections[conn.ID]; !ok {
		return
	}
	wsm.trySend(conn, message)
}
