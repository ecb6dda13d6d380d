// Package hub implements the realtime hub and screen-mirror pump: one
// websocket connection per subscriber, inbound message dispatch into the
// registry/reservation manager/adapters, and outbound broadcasts of every
// state change. Grounded on router/stream.go's gorilla/websocket proxy
// loops and router/handler.go's shared upgrader, generalized from a
// single-device video relay into a many-subscriber fan-out hub.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devicelab-dev/labctl/internal/adapter"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
)

// Registry is the slice of internal/registry the hub needs for command
// dispatch and mirror captures.
type Registry interface {
	Get(id string) (models.Device, error)
	Snapshot() []models.Device
	Discover(ctx context.Context)
	AdapterFor(platform models.Platform) adapter.Adapter
}

// ReservationManager is the slice of internal/reservation the hub routes
// reserve/release/session inbound messages to.
type ReservationManager interface {
	Reserve(deviceID, userID string, duration time.Duration, purpose string) (models.Reservation, error)
	Release(deviceID string) error
	CreateSession(deviceID, userID string) (models.Session, error)
	EndSession(sessionID string) error
}

// Hub's fpsCeiling is the uniform mirror-pump pacing ceiling resolved once
// at construction; see DESIGN.md for why a single conservative ceiling
// (5fps) was chosen over a per-request one.
type Hub struct {
	log        *logger.CustomLogger
	registry   Registry
	reservation ReservationManager
	fpsCeiling int

	mu          sync.Mutex
	subscribers map[string]*subscriber
	pumps       map[string]*mirrorPump // deviceID -> pump
}

// subscriber is one connected websocket client.
type subscriber struct {
	id      string
	conn    *websocket.Conn
	send    chan models.OutboundMessage
	mu      sync.Mutex
	mirrorDevice string
}

// New builds a Hub with no registry or reservation manager attached yet.
// Both close the construction cycle with the hub acting as their
// Broadcaster, so callers wire them in afterward with Bind.
func New(log *logger.CustomLogger, fpsCeiling int) *Hub {
	if fpsCeiling <= 0 {
		fpsCeiling = 5
	}
	return &Hub{
		log:         log,
		fpsCeiling:  fpsCeiling,
		subscribers: make(map[string]*subscriber),
		pumps:       make(map[string]*mirrorPump),
	}
}

// Bind attaches the registry and reservation manager once both exist. Must
// be called before Serve accepts any connection.
func (h *Hub) Bind(registry Registry, reservation ReservationManager) {
	h.registry = registry
	h.reservation = reservation
}

// Serve registers a new websocket connection as a subscriber, pushes the
// current device list, and blocks reading inbound messages in receive
// order until the connection closes.
func (h *Hub) Serve(conn *websocket.Conn) {
	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan models.OutboundMessage, 64),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	go h.writePump(sub)

	sub.send <- models.OutboundMessage{
		Kind:      models.OutboundDeviceList,
		Timestamp: time.Now(),
		Data:      h.registry.Snapshot(),
	}

	defer h.disconnect(sub)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg models.InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(sub, models.OutboundMessage{Kind: models.OutboundError, Timestamp: time.Now(), Data: "malformed message"})
			continue
		}
		h.dispatch(sub, msg)
	}
}

func (h *Hub) writePump(sub *subscriber) {
	for msg := range sub.send {
		sub.mu.Lock()
		err := sub.conn.WriteJSON(msg)
		sub.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (h *Hub) reply(sub *subscriber, msg models.OutboundMessage) {
	select {
	case sub.send <- msg:
	default:
		h.log.LogWarn("hub", fmt.Sprintf("subscriber %s send buffer full, dropping message", sub.id))
	}
}

func (h *Hub) disconnect(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.mu.Unlock()

	h.stopMirror(sub)
	close(sub.send)
	_ = sub.conn.Close()
}

// dispatch routes one inbound message to the appropriate component.
func (h *Hub) dispatch(sub *subscriber, msg models.InboundMessage) {
	switch msg.Kind {
	case models.InboundReserve:
		h.handleReserve(sub, msg.Payload)
	case models.InboundRelease:
		h.handleRelease(sub, msg.Payload)
	case models.InboundStartSession:
		h.handleStartSession(sub, msg.Payload)
	case models.InboundEndSession:
		h.handleEndSession(sub, msg.Payload)
	case models.InboundCommand:
		h.handleCommand(sub, msg.Payload)
	case models.InboundRefreshDevices:
		h.registry.Discover(context.Background())
	case models.InboundStartMirror:
		h.handleStartMirror(sub, msg.Payload)
	case models.InboundStopMirror:
		h.handleStopMirror(sub, msg.Payload)
	default:
		h.reply(sub, models.OutboundMessage{Kind: models.OutboundError, Timestamp: time.Now(), Data: "unknown message kind"})
	}
}

type reservePayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	Duration int    `json:"durationMinutes"`
	Purpose  string `json:"purpose"`
}

func (h *Hub) handleReserve(sub *subscriber, raw json.RawMessage) {
	var p reservePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid reserve payload"))
		return
	}
	_, err := h.reservation.Reserve(p.DeviceID, p.UserID, time.Duration(p.Duration)*time.Minute, p.Purpose)
	if err != nil {
		h.reply(sub, errorMessage(err.Error()))
	}
}

type devicePayload struct {
	DeviceID string `json:"deviceId"`
}

func (h *Hub) handleRelease(sub *subscriber, raw json.RawMessage) {
	var p devicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid release payload"))
		return
	}
	if err := h.reservation.Release(p.DeviceID); err != nil {
		h.reply(sub, errorMessage(err.Error()))
	}
}

type startSessionPayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

func (h *Hub) handleStartSession(sub *subscriber, raw json.RawMessage) {
	var p startSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid start-session payload"))
		return
	}
	if _, err := h.reservation.CreateSession(p.DeviceID, p.UserID); err != nil {
		h.reply(sub, errorMessage(err.Error()))
	}
}

type endSessionPayload struct {
	SessionID string `json:"sessionId"`
}

func (h *Hub) handleEndSession(sub *subscriber, raw json.RawMessage) {
	var p endSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid end-session payload"))
		return
	}
	if err := h.reservation.EndSession(p.SessionID); err != nil {
		h.reply(sub, errorMessage(err.Error()))
	}
}

func errorMessage(text string) models.OutboundMessage {
	return models.OutboundMessage{Kind: models.OutboundError, Timestamp: time.Now(), Data: text}
}

// --- Broadcaster interface implementations, consumed by internal/registry,
// internal/reservation and internal/supervisor via their own narrow
// interfaces. ---

func (h *Hub) BroadcastDeviceUpdated(d models.Device) {
	h.broadcastAll(models.OutboundMessage{Kind: models.OutboundDeviceUpdated, Timestamp: time.Now(), Data: d})
}

func (h *Hub) BroadcastDeviceList(devices []models.Device) {
	h.broadcastAll(models.OutboundMessage{Kind: models.OutboundDeviceList, Timestamp: time.Now(), Data: devices})
}

func (h *Hub) BroadcastDeviceLog(entry models.LogEntry) {
	h.broadcastAll(models.OutboundMessage{Kind: models.OutboundDeviceLog, Timestamp: time.Now(), Data: entry})
}

// BroadcastSystemHealth is polled by the periodic health ticker started
// from cmd/labctl.
func (h *Hub) BroadcastSystemHealth(data any) {
	h.broadcastAll(models.OutboundMessage{Kind: models.OutboundSystemHealth, Timestamp: time.Now(), Data: data})
}

func (h *Hub) broadcastAll(msg models.OutboundMessage) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.reply(s, msg)
	}
}

// SubscriberCount reports how many subscribers are currently connected,
// used by the system-stats endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// deliverFrame is called by a mirror pump for each subscriber currently
// bound to the captured device.
func (h *Hub) deliverFrame(sub *subscriber, frame models.ScreenFrame) {
	h.reply(sub, models.OutboundMessage{Kind: models.OutboundScreenUpdate, Timestamp: time.Now(), Data: frame})
}

func encodeFrame(deviceID string, payload []byte) models.ScreenFrame {
	return models.ScreenFrame{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Payload:   base64.StdEncoding.EncodeToString(payload),
		MimeType:  "image/png",
	}
}
