package relay

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/dataset"
	"github.com/afroash/airguard/internal/models"
)

// Error codes sent to devices and dashboards
const (
	CodeNotRegistered  = "not_registered"
	CodeInvalidPayload = "invalid_payload"
	CodeDeviceOffline  = "device_offline"
	CodeUnknownType    = "unknown_type"
)

// Constants for WebSocket timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type role string

const (
	roleDevice    role = "device"
	roleDashboard role = "dashboard"
)

// session is one websocket peer, a device or a dashboard. key stays empty
// until the peer registers.
type session struct {
	role        role
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time

	writeMu sync.Mutex

	// guarded by Hub.mutex
	key      string
	lastSeen time.Time
}

func (s *session) send(msg *models.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// DeviceSession describes a connected device
type DeviceSession struct {
	DeviceKey   string    `json:"device_key"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Dashboards  int       `json:"dashboards"`
}

// Hub relays sensor data from devices to the dashboards watching them and
// forwards dashboard control commands back to the device.
type Hub struct {
	upgrader       websocket.Upgrader
	authToken      string
	store          *MemoryStore
	recorder       Recorder
	logger         zerolog.Logger
	allowedOrigins []string

	mutex      sync.RWMutex
	sessions   map[*session]struct{}
	devices    map[string]*session
	dashboards map[string]map[*session]struct{}
}

// NewHub creates a hub. Devices must present authToken as a bearer token.
func NewHub(authToken string, store *MemoryStore, logger zerolog.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		authToken:      authToken,
		store:          store,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		sessions:       make(map[*session]struct{}),
		devices:        make(map[string]*session),
		dashboards:     make(map[string]map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetRecorder persists every received report through rec
func (h *Hub) SetRecorder(rec Recorder) {
	h.recorder = rec
}

// checkOrigin validates the request Origin against the configured allowlist.
// Requests without an Origin header are same-origin.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// validateToken checks a "Bearer <token>" header
func (h *Hub) validateToken(authHeader string) bool {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	return ok && token == h.authToken
}

// ServeDevice upgrades an authenticated device connection
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request) {
	if !h.validateToken(r.Header.Get("Authorization")) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.serve(w, r, roleDevice, h.handleDeviceMessage)
}

// ServeDashboard upgrades a dashboard connection
func (h *Hub) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, roleDashboard, h.handleDashboardMessage)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role role, handle func(*session, *models.Message)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s := &session{
		role:        role,
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		lastSeen:    time.Now(),
	}
	h.mutex.Lock()
	h.sessions[s] = struct{}{}
	h.mutex.Unlock()

	defer conn.Close()
	defer h.remove(s)

	h.logger.Info().Str("role", string(role)).Str("remote", s.remote).Msg("Peer connected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(s, done)

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("role", string(role)).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touch(s)
		handle(s, &msg)
	}
}

func (h *Hub) pingLoop(s *session, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleDeviceMessage(s *session, msg *models.Message) {
	h.logger.Debug().Str("type", string(msg.Type)).Msg("Received device message")

	switch msg.Type {
	case models.MessageTypeRegisterDevice:
		var reg models.RegisterMessage
		if err := msg.UnmarshalPayload(&reg); err != nil || reg.DeviceKey == "" {
			h.reply(s, errorMessage(CodeInvalidPayload, "register_device needs a device_key"))
			return
		}
		h.registerDevice(s, reg)
		h.ack(s, msg)

	case models.MessageTypeSensorData:
		key := h.keyOf(s)
		if key == "" {
			h.reply(s, errorMessage(CodeNotRegistered, "register before sending data"))
			return
		}
		var data models.SensorDataMessage
		if err := msg.UnmarshalPayload(&data); err != nil {
			h.reply(s, errorMessage(CodeInvalidPayload, err.Error()))
			return
		}
		data.DeviceKey = key
		h.storeReport(data)
		h.broadcast(key, msg)
		h.ack(s, msg)

	case models.MessageTypeHeartbeat:
		var hb models.HeartbeatMessage
		if err := msg.UnmarshalPayload(&hb); err == nil {
			h.logger.Debug().
				Str("device_key", hb.DeviceKey).
				Int64("uptime", hb.Uptime).
				Int("queued", hb.Queued).
				Msg("Heartbeat received")
		}
		h.ack(s, msg)

	case models.MessageTypeWebcamImage:
		key := h.keyOf(s)
		if key == "" {
			h.reply(s, errorMessage(CodeNotRegistered, "register before sending images"))
			return
		}
		var img models.WebcamImageMessage
		if err := msg.UnmarshalPayload(&img); err != nil {
			h.reply(s, errorMessage(CodeInvalidPayload, err.Error()))
			return
		}
		if img.DeviceKey != key {
			img.DeviceKey = key
			if fixed, err := models.NewMessage(models.MessageTypeWebcamImage, img); err == nil {
				msg = fixed
			}
		}
		h.logger.Debug().Str("device_key", key).Int("bytes", len(img.ImageData)).Msg("Webcam image relayed")
		h.broadcast(key, msg)

	case models.MessageTypeDeviceStatus, models.MessageTypeAck, models.MessageTypeError:
		// replies to dashboard commands
		if key := h.keyOf(s); key != "" {
			h.broadcast(key, msg)
		}

	default:
		h.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
		h.reply(s, errorMessage(CodeUnknownType, string(msg.Type)))
	}
}

func (h *Hub) handleDashboardMessage(s *session, msg *models.Message) {
	h.logger.Debug().Str("type", string(msg.Type)).Msg("Received dashboard message")

	switch msg.Type {
	case models.MessageTypeRegisterDashboard:
		var reg models.RegisterMessage
		if err := msg.UnmarshalPayload(&reg); err != nil || reg.DeviceKey == "" {
			h.reply(s, errorMessage(CodeInvalidPayload, "register_dashboard needs a device_key"))
			return
		}
		h.registerDashboard(s, reg.DeviceKey)
		h.ack(s, msg)

		if report, ok := h.store.Current(reg.DeviceKey); ok {
			if latest, err := models.NewMessage(models.MessageTypeSensorData, report.SensorDataMessage); err == nil {
				h.reply(s, latest)
			}
		}

	case models.MessageTypeControl, models.MessageTypeRequestWebcam:
		h.forward(s, msg)

	default:
		h.reply(s, errorMessage(CodeUnknownType, string(msg.Type)))
	}
}

// forward passes a dashboard request to the device it watches
func (h *Hub) forward(s *session, msg *models.Message) {
	key := h.keyOf(s)
	if key == "" {
		h.reply(s, errorMessage(CodeNotRegistered, "register before sending commands"))
		return
	}
	h.mutex.RLock()
	device := h.devices[key]
	h.mutex.RUnlock()
	if device == nil {
		h.reply(s, errorMessage(CodeDeviceOffline, key))
		return
	}
	if err := device.send(msg); err != nil {
		h.logger.Warn().Err(err).Str("device_key", key).Str("type", string(msg.Type)).Msg("Failed to forward request")
		h.reply(s, errorMessage(CodeDeviceOffline, err.Error()))
		return
	}
	h.logger.Info().Str("device_key", key).Str("type", string(msg.Type)).Msg("Request forwarded")
}

func (h *Hub) registerDevice(s *session, reg models.RegisterMessage) {
	h.mutex.Lock()
	if old := h.devices[reg.DeviceKey]; old != nil && old != s {
		h.logger.Warn().Str("device_key", reg.DeviceKey).Str("old_remote", old.remote).Msg("Device key re-registered, replacing session")
	}
	if s.key != "" && s.key != reg.DeviceKey && h.devices[s.key] == s {
		delete(h.devices, s.key)
	}
	s.key = reg.DeviceKey
	h.devices[reg.DeviceKey] = s
	h.mutex.Unlock()

	h.logger.Info().
		Str("device_key", reg.DeviceKey).
		Str("location", reg.Location).
		Str("version", reg.Version).
		Msg("Device registered")
}

func (h *Hub) registerDashboard(s *session, key string) {
	h.mutex.Lock()
	if s.key != "" {
		h.unwatch(s)
	}
	s.key = key
	watchers := h.dashboards[key]
	if watchers == nil {
		watchers = make(map[*session]struct{})
		h.dashboards[key] = watchers
	}
	watchers[s] = struct{}{}
	h.mutex.Unlock()

	h.logger.Info().Str("device_key", key).Msg("Dashboard registered")
}

// unwatch drops a dashboard from its key. Callers hold h.mutex.
func (h *Hub) unwatch(s *session) {
	watchers := h.dashboards[s.key]
	delete(watchers, s)
	if len(watchers) == 0 {
		delete(h.dashboards, s.key)
	}
}

func (h *Hub) storeReport(data models.SensorDataMessage) {
	h.store.Add(Report{SensorDataMessage: data, ReceivedAt: time.Now()})

	if h.recorder == nil {
		return
	}
	rec := dataset.Record{
		DeviceKey: data.DeviceKey,
		Row:       models.ScoredFrame{Frame: data.Frame, Score: data.Score},
	}
	if !h.recorder.Write(rec) {
		h.logger.Warn().Str("device_key", data.DeviceKey).Msg("Report dropped by recorder")
	}
}

// broadcast sends msg to every dashboard watching key
func (h *Hub) broadcast(key string, msg *models.Message) {
	h.mutex.RLock()
	targets := make([]*session, 0, len(h.dashboards[key]))
	for s := range h.dashboards[key] {
		targets = append(targets, s)
	}
	h.mutex.RUnlock()

	for _, s := range targets {
		if err := s.send(msg); err != nil {
			h.logger.Warn().Err(err).Str("remote", s.remote).Msg("Failed to send to dashboard")
		}
	}
}

func (h *Hub) ack(s *session, msg *models.Message) {
	ack, err := models.NewMessage(models.MessageTypeAck, models.AckMessage{MessageID: msg.ID, Status: "ok"})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create ack message")
		return
	}
	h.reply(s, ack)
}

func (h *Hub) reply(s *session, msg *models.Message) {
	if msg == nil {
		return
	}
	if err := s.send(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Failed to send reply")
	}
}

func errorMessage(code, text string) *models.Message {
	msg, _ := models.NewMessage(models.MessageTypeError, models.ErrorMessage{Code: code, Message: text})
	return msg
}

func (h *Hub) keyOf(s *session) string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return s.key
}

func (h *Hub) touch(s *session) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	s.lastSeen = time.Now()
}

func (h *Hub) remove(s *session) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	delete(h.sessions, s)
	switch s.role {
	case roleDevice:
		if s.key != "" && h.devices[s.key] == s {
			delete(h.devices, s.key)
		}
	case roleDashboard:
		if s.key != "" {
			h.unwatch(s)
		}
	}
	h.logger.Info().Str("role", string(s.role)).Str("device_key", s.key).Msg("Peer disconnected")
}

// ActiveDevices returns the currently connected, registered devices
func (h *Hub) ActiveDevices() []DeviceSession {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	devices := make([]DeviceSession, 0, len(h.devices))
	for key, s := range h.devices {
		devices = append(devices, DeviceSession{
			DeviceKey:   key,
			Remote:      s.remote,
			ConnectedAt: s.connectedAt,
			LastSeen:    s.lastSeen,
			Dashboards:  len(h.dashboards[key]),
		})
	}
	slices.SortFunc(devices, func(a, b DeviceSession) int {
		return strings.Compare(a.DeviceKey, b.DeviceKey)
	})
	return devices
}

// Close drops every open connection
func (h *Hub) Close() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for s := range h.sessions {
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.conn.Close()
	}
}
