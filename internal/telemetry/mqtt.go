package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/broker"
	"github.com/afroash/airguard/internal/models"
)

// PubSub is the part of the MQTT client the transport uses
type PubSub interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler broker.Handler) error
	IsConnected() bool
}

// Topic suffixes under <prefix>/<device_key>/
const (
	TopicRegister   = "register"
	TopicSensorData = "sensor_data"
	TopicControl    = "control"
	TopicReply      = "reply"
	TopicWebcam     = "webcam"
)

// MQTTConfig holds configuration for the MQTT transport
type MQTTConfig struct {
	TopicPrefix    string
	ReportInterval time.Duration
	OutboxSize     int
}

// MQTTTransport publishes reports to <prefix>/<key>/sensor_data and
// answers commands from <prefix>/<key>/control on <prefix>/<key>/reply.
// The paho client reconnects by itself; reports made while it is down
// wait in the outbox.
type MQTTTransport struct {
	client         PubSub
	device         Device
	info           *models.DeviceInfo
	prefix         string
	reportInterval time.Duration
	outbox         *Outbox
	camera         Camera
	logger         zerolog.Logger

	// serializes flushes with fresh reports to keep ordering
	publishMu sync.Mutex
}

var _ Transport = (*MQTTTransport)(nil)

// NewMQTTTransport creates a transport over a connected MQTT client
func NewMQTTTransport(client PubSub, config MQTTConfig, device Device, info *models.DeviceInfo, logger zerolog.Logger) *MQTTTransport {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "airguard"
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 2 * time.Second
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = 100
	}
	return &MQTTTransport{
		client:         client,
		device:         device,
		info:           info,
		prefix:         config.TopicPrefix,
		reportInterval: config.ReportInterval,
		outbox:         NewOutbox(config.OutboxSize, true),
		logger:         logger,
	}
}

func (t *MQTTTransport) topic(suffix string) string {
	return broker.Topic(t.prefix, t.info.Key, suffix)
}

// SetCamera enables webcam snapshots. Call before Run.
func (t *MQTTTransport) SetCamera(cam Camera) {
	t.camera = cam
}

// Outbox returns the queue of reports held while disconnected
func (t *MQTTTransport) Outbox() *Outbox {
	return t.outbox
}

// Run registers, subscribes to commands and reports until ctx ends
func (t *MQTTTransport) Run(ctx context.Context) error {
	err := t.client.Subscribe(t.topic(TopicControl), func(_ string, payload []byte) {
		t.handleCommand(ctx, payload)
	})
	if err != nil {
		return err
	}

	register, err := models.NewMessage(models.MessageTypeRegisterDevice, models.RegisterMessage{
		DeviceKey: t.info.Key,
		Location:  t.info.Location,
		Version:   t.info.Version,
	})
	if err != nil {
		return err
	}
	if err := t.publish(TopicRegister, true, register); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to publish registration")
	}

	t.logger.Info().
		Str("prefix", t.prefix).
		Dur("report_interval", t.reportInterval).
		Msg("MQTT telemetry started")

	ticker := time.NewTicker(t.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.report()
		}
	}
}

func (t *MQTTTransport) report() {
	msg, err := sensorDataMessage(t.device)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to build sensor data")
		return
	}
	if msg == nil {
		return
	}

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	if !t.client.IsConnected() {
		t.outbox.Push(msg)
		return
	}

	if err := t.flushOutbox(); err != nil {
		t.outbox.Push(msg)
		return
	}
	if err := t.publish(TopicSensorData, false, msg); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to publish sensor data")
		t.outbox.Push(msg)
	}
}

// flushOutbox publishes queued reports oldest first. Callers hold publishMu.
func (t *MQTTTransport) flushOutbox() error {
	sent := 0
	for !t.outbox.IsEmpty() {
		msgs := t.outbox.PopBatch(20)
		for i, msg := range msgs {
			if err := t.publish(TopicSensorData, false, msg); err != nil {
				t.outbox.Requeue(msgs[i:])
				return err
			}
			sent++
		}
	}
	if sent > 0 {
		t.logger.Info().Int("count", sent).Msg("Flushed queued reports")
	}
	return nil
}

func (t *MQTTTransport) handleCommand(ctx context.Context, payload []byte) {
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.logger.Warn().Err(err).Msg("Invalid control message")
		t.reply(errorReply(CodeInvalidPayload, err.Error()))
		return
	}
	switch msg.Type {
	case models.MessageTypeControl:
		t.reply(handleControl(ctx, t.device, &msg, t.logger))
	case models.MessageTypeRequestWebcam:
		// paho delivers in order; keep the capture off its goroutine
		go t.sendSnapshot(ctx)
	default:
		t.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring non-control message")
	}
}

func (t *MQTTTransport) sendSnapshot(ctx context.Context) {
	reply := webcamReply(ctx, t.camera, t.info.Key, t.logger)
	suffix := TopicWebcam
	if reply.Type != models.MessageTypeWebcamImage {
		suffix = TopicReply
	}
	if err := t.publish(suffix, false, reply); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to publish snapshot")
	}
}

func (t *MQTTTransport) reply(msg *models.Message) {
	if err := t.publish(TopicReply, false, msg); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to publish reply")
	}
}

func (t *MQTTTransport) publish(suffix string, retained bool, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.client.Publish(t.topic(suffix), retained, payload)
}

// Close is a no-op: the broker client is shared with the sensor probes
// and closed by its owner.
func (t *MQTTTransport) Close() error {
	return nil
}
