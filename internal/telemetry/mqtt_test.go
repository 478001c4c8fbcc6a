package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/broker"
	"github.com/afroash/airguard/internal/models"
)

type published struct {
	topic    string
	retained bool
	msg      models.Message
}

// fakePubSub records publishes and lets tests deliver messages
type fakePubSub struct {
	mu        sync.Mutex
	connected bool
	failNext  bool
	published []published
	handlers  map[string]broker.Handler
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{connected: true, handlers: make(map[string]broker.Handler)}
}

func (f *fakePubSub) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("publish timeout")
	}
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	f.published = append(f.published, published{topic: topic, retained: retained, msg: msg})
	return nil
}

func (f *fakePubSub) Subscribe(topic string, handler broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakePubSub) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePubSub) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakePubSub) deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

func (f *fakePubSub) on(suffix string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if strings.HasSuffix(p.topic, "/"+suffix) {
			out = append(out, p)
		}
	}
	return out
}

func newTestMQTTTransport(client PubSub, device Device) *MQTTTransport {
	info := models.NewDeviceInfo("unit-01", "Lab", "v1.0.0")
	return NewMQTTTransport(client, MQTTConfig{TopicPrefix: "test", ReportInterval: time.Hour}, device, info, zerolog.Nop())
}

func TestNewMQTTTransport_Defaults(t *testing.T) {
	tr := NewMQTTTransport(newFakePubSub(), MQTTConfig{}, newFakeDevice(), models.NewDeviceInfo("k", "", ""), zerolog.Nop())

	if tr.prefix != "airguard" {
		t.Errorf("prefix = %q, want airguard", tr.prefix)
	}
	if tr.reportInterval != 2*time.Second {
		t.Errorf("reportInterval = %v, want 2s", tr.reportInterval)
	}
	if tr.Outbox().Capacity() != 100 {
		t.Errorf("outbox capacity = %d, want 100", tr.Outbox().Capacity())
	}
	if got := tr.topic(TopicSensorData); got != "airguard/k/sensor_data" {
		t.Errorf("topic = %q", got)
	}
}

func TestMQTTTransport_RunRegistersAndSubscribes(t *testing.T) {
	ps := newFakePubSub()
	tr := newTestMQTTTransport(ps, newFakeDevice())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for len(ps.on(TopicRegister)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	reg := ps.on(TopicRegister)
	if len(reg) != 1 {
		t.Fatalf("got %d registrations, want 1", len(reg))
	}
	if reg[0].topic != "test/unit-01/register" || !reg[0].retained {
		t.Errorf("registration = %s retained=%v", reg[0].topic, reg[0].retained)
	}
	var payload models.RegisterMessage
	reg[0].msg.UnmarshalPayload(&payload)
	if payload.DeviceKey != "unit-01" || payload.Location != "Lab" {
		t.Errorf("register payload = %+v", payload)
	}

	if _, ok := ps.handlers["test/unit-01/control"]; !ok {
		t.Error("control topic not subscribed")
	}
}

func TestMQTTTransport_Report(t *testing.T) {
	ps := newFakePubSub()
	tr := newTestMQTTTransport(ps, newFakeDevice())

	tr.report()

	data := ps.on(TopicSensorData)
	if len(data) != 1 {
		t.Fatalf("got %d reports, want 1", len(data))
	}
	if data[0].retained {
		t.Error("sensor data should not be retained")
	}
}

func TestMQTTTransport_ReportBeforeFirstFrame(t *testing.T) {
	ps := newFakePubSub()
	d := newFakeDevice()
	d.ready = false
	tr := newTestMQTTTransport(ps, d)

	tr.report()

	if n := len(ps.on(TopicSensorData)); n != 0 {
		t.Errorf("got %d reports before first frame, want 0", n)
	}
	if !tr.Outbox().IsEmpty() {
		t.Error("nothing should be queued before first frame")
	}
}

func TestMQTTTransport_QueuesWhileDisconnected(t *testing.T) {
	ps := newFakePubSub()
	d := newFakeDevice()
	tr := newTestMQTTTransport(ps, d)

	ps.setConnected(false)
	tr.report()
	tr.report()
	if tr.Outbox().Size() != 2 {
		t.Fatalf("outbox size = %d, want 2", tr.Outbox().Size())
	}
	if n := len(ps.on(TopicSensorData)); n != 0 {
		t.Fatalf("published %d while disconnected", n)
	}

	ps.setConnected(true)
	tr.report()

	if n := len(ps.on(TopicSensorData)); n != 3 {
		t.Errorf("published %d after reconnect, want 3", n)
	}
	if !tr.Outbox().IsEmpty() {
		t.Error("outbox should be drained after reconnect")
	}
}

func TestMQTTTransport_PublishFailureQueues(t *testing.T) {
	ps := newFakePubSub()
	tr := newTestMQTTTransport(ps, newFakeDevice())

	ps.failNext = true
	tr.report()

	if tr.Outbox().Size() != 1 {
		t.Errorf("outbox size = %d, want 1", tr.Outbox().Size())
	}
}

func TestMQTTTransport_HandleCommand(t *testing.T) {
	ps := newFakePubSub()
	d := newFakeDevice()
	tr := newTestMQTTTransport(ps, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(time.Second)
	var payload []byte
	for time.Now().Before(deadline) {
		payload, _ = json.Marshal(controlMessage(t, "purifierMode", "auto"))
		if ps.deliver("test/unit-01/control", payload) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cmds := d.Commands()
	if len(cmds) != 1 || cmds[0].Device != "purifierMode" {
		t.Fatalf("commands = %+v", cmds)
	}

	replies := ps.on(TopicReply)
	if len(replies) != 1 || replies[0].msg.Type != models.MessageTypeAck {
		t.Fatalf("replies = %+v", replies)
	}

	// the command context is Run's, not a per-message one
	d.mu.Lock()
	cmdCtx := d.ctxs[0]
	d.mu.Unlock()
	if cmdCtx.Err() != nil {
		t.Error("command context ended before Run")
	}
}

func TestMQTTTransport_HandleCommandInvalid(t *testing.T) {
	ps := newFakePubSub()
	d := newFakeDevice()
	tr := newTestMQTTTransport(ps, d)

	tr.handleCommand(context.Background(), []byte("{not json"))
	replies := ps.on(TopicReply)
	if len(replies) != 1 || replies[0].msg.Type != models.MessageTypeError {
		t.Fatalf("replies = %+v", replies)
	}

	ack, _ := models.NewMessage(models.MessageTypeAck, models.AckMessage{Status: "ok"})
	payload, _ := json.Marshal(ack)
	tr.handleCommand(context.Background(), payload)

	if len(ps.on(TopicReply)) != 1 {
		t.Error("non-control messages should be ignored")
	}
	if len(d.Commands()) != 0 {
		t.Error("device should not see invalid commands")
	}
}
