package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// mockRelay is a websocket server standing in for the relay
type mockRelay struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	conns       []*websocket.Conn
	received    []models.Message
	accept      bool
	closeAfterN int
	connects    int
}

func newMockRelay() *mockRelay {
	m := &mockRelay{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		accept:   true,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockRelay) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	accept := m.accept
	m.mu.Unlock()
	if !accept {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.Header.Get("Authorization") != "Bearer test-token-123" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.connects++
	m.mu.Unlock()

	count := 0
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		count++

		m.mu.Lock()
		m.received = append(m.received, msg)
		closeAfter := m.closeAfterN
		m.mu.Unlock()

		if closeAfter > 0 && count >= closeAfter {
			return
		}
	}
}

// send writes msg to the latest connection
func (m *mockRelay) send(t *testing.T, msg *models.Message) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		t.Fatal("no device connected")
	}
	if err := m.conns[len(m.conns)-1].WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func (m *mockRelay) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockRelay) Close() {
	m.mu.Lock()
	for _, c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *mockRelay) messages(typ models.MessageType) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.received {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockRelay) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func createTestConnection(url string, device Device) *Connection {
	config := ConnectionConfig{
		URL:                  url,
		AuthToken:            "test-token-123",
		ReportInterval:       50 * time.Millisecond,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectInterval: 200 * time.Millisecond,
		PingInterval:         100 * time.Millisecond,
		PongTimeout:          time.Second,
		OutboxSize:           10,
	}
	info := models.NewDeviceInfo("unit-01", "Test Lab", "v1.0.0")
	return NewConnection(config, device, info, zerolog.Nop())
}

// waitFor polls cond until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{ConnectionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewConnection_Defaults(t *testing.T) {
	c := NewConnection(ConnectionConfig{URL: "ws://x"}, newFakeDevice(), models.NewDeviceInfo("k", "", ""), zerolog.Nop())

	if c.State() != StateDisconnected {
		t.Errorf("initial state = %v", c.State())
	}
	if c.config.ReportInterval != 2*time.Second {
		t.Errorf("ReportInterval = %v, want 2s", c.config.ReportInterval)
	}
	if c.config.PongTimeout != 90*time.Second {
		t.Errorf("PongTimeout = %v, want 90s", c.config.PongTimeout)
	}
	if c.config.MaxReconnectInterval != time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 1s", c.config.MaxReconnectInterval)
	}
}

func TestConnection_ConnectRegisters(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if !c.IsConnected() {
		t.Error("should be connected after Connect")
	}

	if !waitFor(t, time.Second, func() bool { return len(relay.messages(models.MessageTypeRegisterDevice)) == 1 }) {
		t.Fatal("relay did not receive registration")
	}
	var reg models.RegisterMessage
	relay.messages(models.MessageTypeRegisterDevice)[0].UnmarshalPayload(&reg)
	if reg.DeviceKey != "unit-01" || reg.Location != "Test Lab" {
		t.Errorf("registration = %+v", reg)
	}
}

func TestConnection_ConnectRefused(t *testing.T) {
	relay := newMockRelay()
	relay.accept = false
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect should fail when relay refuses")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestConnection_ConnectBadToken(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())
	c.config.AuthToken = "wrong"
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect should fail with a bad token")
	}
}

func TestConnection_PublishWhenDisconnected(t *testing.T) {
	c := createTestConnection("ws://127.0.0.1:1/ws", newFakeDevice())

	msg, _ := models.NewMessage(models.MessageTypeSensorData, models.SensorDataMessage{})
	if err := c.Publish(msg); err != ErrNotConnected {
		t.Errorf("Publish = %v, want ErrNotConnected", err)
	}
	if c.Outbox().Size() != 1 {
		t.Errorf("outbox size = %d, want 1", c.Outbox().Size())
	}
}

func TestConnection_RunReports(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(relay.messages(models.MessageTypeSensorData)) >= 3
	})
	cancel()
	<-done
	c.Close()

	if !ok {
		t.Fatal("relay did not receive periodic sensor data")
	}
	var data models.SensorDataMessage
	relay.messages(models.MessageTypeSensorData)[0].UnmarshalPayload(&data)
	if data.Score != 42 || data.DeviceKey != "unit-01" {
		t.Errorf("sensor data = %+v", data)
	}
}

func TestConnection_Heartbeat(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	d := newFakeDevice()
	d.ready = false
	c := createTestConnection(relay.URL(), d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(relay.messages(models.MessageTypeHeartbeat)) >= 2
	})
	cancel()
	<-done
	c.Close()

	if !ok {
		t.Fatal("relay did not receive heartbeats")
	}
	var hb models.HeartbeatMessage
	relay.messages(models.MessageTypeHeartbeat)[0].UnmarshalPayload(&hb)
	if hb.DeviceKey != "unit-01" {
		t.Errorf("heartbeat device_key = %q", hb.DeviceKey)
	}
	if n := len(relay.messages(models.MessageTypeSensorData)); n != 0 {
		t.Errorf("sent %d reports before first frame", n)
	}
}

func TestConnection_ControlReplies(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	d := newFakeDevice()
	c := createTestConnection(relay.URL(), d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		c.Close()
	}()

	if !waitFor(t, 2*time.Second, func() bool { return relay.connectCount() > 0 && c.IsConnected() }) {
		t.Fatal("device did not connect")
	}

	relay.send(t, controlMessage(t, "purifierOn", true))
	relay.send(t, controlMessage(t, "status", nil))

	if !waitFor(t, 2*time.Second, func() bool {
		return len(relay.messages(models.MessageTypeAck)) == 1 &&
			len(relay.messages(models.MessageTypeDeviceStatus)) == 1
	}) {
		t.Fatal("relay did not receive ack and device_status replies")
	}

	cmds := d.Commands()
	if len(cmds) != 2 || cmds[0].Device != "purifierOn" {
		t.Errorf("commands = %+v", cmds)
	}
}

func TestConnection_ReconnectFlushesOutbox(t *testing.T) {
	relay := newMockRelay()
	relay.closeAfterN = 2
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())

	// queued before Run ever connects
	queued, _ := models.NewMessage(models.MessageTypeSensorData, models.SensorDataMessage{DeviceKey: "unit-01", Score: 7})
	c.Publish(queued)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ok := waitFor(t, 3*time.Second, func() bool { return relay.connectCount() >= 2 })
	cancel()
	<-done
	c.Close()

	if !ok {
		t.Fatal("device did not reconnect after relay closed the socket")
	}

	found := false
	for _, msg := range relay.messages(models.MessageTypeSensorData) {
		if msg.ID == queued.ID {
			found = true
		}
	}
	if !found {
		t.Error("queued report was not flushed")
	}
}

func TestConnection_BackoffResetsOnConnect(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())
	c.backoff.Next()
	c.backoff.Next()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if got := c.backoff.Next(); got != 50*time.Millisecond {
		t.Errorf("delay after connect = %v, want 50ms", got)
	}
}
