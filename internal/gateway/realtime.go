package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hearth/internal/bus"
	"hearth/internal/config"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
	"hearth/internal/supervisor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 32
	maxEventName   = 64
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// outboundTopics are the bus topics relayed to realtime clients.
var outboundTopics = []string{
	bus.TopicDeviceUpdated,
	bus.TopicSceneActivated,
	bus.TopicSecurityModeChanged,
	bus.TopicEnergyUpdate,
	bus.TopicErrorStorm,
	bus.TopicCircuitOpen,
}

// Hub owns every realtime session. Broadcasts never block: a client whose
// send buffer is full has the message dropped.
type Hub struct {
	cfg      *config.Config
	logger   logging.Logger
	errs     *herrors.Service
	devices  DeviceService
	upgrader websocket.Upgrader
	handlers map[string]supervisor.SocketHandler

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan Envelope

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// NewHub builds the hub, merging the module-contributed socket handlers.
// Modules must be registered with the supervisor before the server is built.
func NewHub(cfg *config.Config, logger logging.Logger, errs *herrors.Service, sup *supervisor.Supervisor, devs DeviceService) *Hub {
	h := &Hub{
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		errs:    errs,
		devices: devs,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	if sup != nil {
		h.handlers = sup.SocketEvents()
	} else {
		h.handlers = map[string]supervisor.SocketHandler{}
	}
	return h
}

// Bind subscribes the hub's broadcast fan-out to the event bus.
func (h *Hub) Bind(b *bus.Bus) error {
	for _, topic := range outboundTopics {
		if err := b.Subscribe(topic, "gateway-realtime", func(evt bus.Event) error {
			h.Broadcast(evt.Topic, evt.Payload)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// authorized checks the handshake credential. Outside production every
// connection is admitted.
func (h *Hub) authorized(r *http.Request) bool {
	if !h.cfg.IsProduction() {
		return true
	}
	secret := h.cfg.RealtimeAuthSecret
	if secret == "" {
		return false
	}
	if token := r.URL.Query().Get("token"); token == secret {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == secret && auth != ""
}

// HandleConnection upgrades one websocket session and pumps it until close.
func (h *Hub) HandleConnection(c *gin.Context) {
	if !h.authorized(c.Request) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}

	cl := &client{
		conn:       conn,
		send:       make(chan Envelope, sendBuffer),
		subscribed: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	go h.writePump(cl)
	h.readPump(c.Request.Context(), cl)
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(ctx context.Context, cl *client) {
	defer func() {
		h.drop(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := cl.conn.ReadJSON(&env); err != nil {
			return
		}
		h.dispatch(ctx, cl, env)
	}
}

func (h *Hub) writePump(cl *client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case env, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch validates one inbound event and routes it. Validation failures
// are answered on the session, never recorded as errors.
func (h *Hub) dispatch(ctx context.Context, cl *client, env Envelope) {
	if env.Event == "" || len(env.Event) > maxEventName {
		cl.trySend(Envelope{Event: "error", Error: "invalid event name"})
		return
	}

	payload := asMap(env.Data)

	switch env.Event {
	case "subscribe-device":
		deviceID, _ := payload["deviceId"].(string)
		if !validIdentifier(deviceID, maxDeviceIDLen) {
			cl.trySend(Envelope{Event: "error", Error: "Invalid device ID"})
			return
		}
		cl.mu.Lock()
		cl.subscribed[deviceID] = struct{}{}
		cl.mu.Unlock()
		cl.trySend(Envelope{Event: "subscribed", Data: gin.H{"deviceId": deviceID}})

	case "control-device":
		deviceID, _ := payload["deviceId"].(string)
		capability, _ := payload["capability"].(string)
		if !validIdentifier(deviceID, maxDeviceIDLen) {
			cl.trySend(Envelope{Event: "error", Error: "Invalid device ID"})
			return
		}
		if !validIdentifier(capability, maxCapabilityLen) {
			cl.trySend(Envelope{Event: "error", Error: "Invalid capability"})
			return
		}
		if err := h.devices.SetCapability(ctx, deviceID, capability, payload["value"]); err != nil {
			cl.trySend(Envelope{Event: "error", Error: "device control failed"})
			return
		}
		cl.trySend(Envelope{Event: "device-controlled", Data: gin.H{"deviceId": deviceID, "capability": capability}})

	case "activate-scene":
		sceneID, _ := payload["sceneId"].(string)
		if !validIdentifier(sceneID, maxSceneIDLen) {
			cl.trySend(Envelope{Event: "error", Error: "Invalid scene ID"})
			return
		}
		if err := h.devices.TriggerFlow(ctx, sceneID); err != nil {
			cl.trySend(Envelope{Event: "error", Error: "scene activation failed"})
			return
		}
		cl.trySend(Envelope{Event: "scene-activated", Data: gin.H{"sceneId": sceneID}})

	default:
		handler, ok := h.handlers[env.Event]
		if !ok {
			cl.trySend(Envelope{Event: "error", Error: "unknown event"})
			return
		}
		reply, err := handler(ctx, payload)
		if err != nil {
			if h.errs != nil {
				h.errs.Record("gateway-realtime", err)
			}
			cl.trySend(Envelope{Event: "error", Error: err.Error()})
			return
		}
		if reply != nil {
			cl.trySend(Envelope{Event: env.Event + ":result", Data: reply})
		}
	}
}

// Broadcast fans an event out to the connected sessions. Device updates go
// only to sessions subscribed to that device; every other topic goes to all.
func (h *Hub) Broadcast(event string, payload any) {
	env := Envelope{Event: event, Data: payload}

	var deviceID string
	if event == bus.TopicDeviceUpdated {
		deviceID, _ = asMap(payload)["deviceId"].(string)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		if deviceID != "" && !cl.wants(deviceID) {
			continue
		}
		cl.trySend(env)
	}
}

// ClientCount reports the live session count.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close tears down every session.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

func (cl *client) wants(deviceID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	_, ok := cl.subscribed[deviceID]
	return ok
}

// trySend queues without blocking; a full buffer drops the message.
func (cl *client) trySend(env Envelope) {
	select {
	case cl.send <- env:
	default:
	}
}

func asMap(data any) map[string]any {
	switch v := data.(type) {
	case map[string]any:
		return v
	case nil:
		return map[string]any{}
	default:
		// Round-trip structured payloads the bus carries as typed values.
		raw, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			return map[string]any{}
		}
		return m
	}
}
