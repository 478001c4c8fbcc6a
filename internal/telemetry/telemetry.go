// Package telemetry reports device state to a relay or broker and feeds
// remote control commands back into the device.
package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/models"
)

// Device is what a transport reports on and controls
type Device interface {
	Snapshot() (models.SensorDataMessage, bool)
	HandleCommand(ctx context.Context, cmd models.ControlMessage) (*models.DeviceStatus, error)
}

// Transport runs until ctx ends, reconnecting as needed
type Transport interface {
	Run(ctx context.Context) error
	Close() error
}

// Error codes sent back for rejected commands
const (
	CodeInvalidPayload = "invalid_payload"
	CodeCommandFailed  = "command_failed"
)

// sensorDataMessage wraps the device's current snapshot, or returns nil
// before the first frame exists
func sensorDataMessage(device Device) (*models.Message, error) {
	data, ok := device.Snapshot()
	if !ok {
		return nil, nil
	}
	return models.NewMessage(models.MessageTypeSensorData, data)
}

// handleControl applies a control message and builds the reply: the
// device status for status queries, an ack otherwise, or an error.
func handleControl(ctx context.Context, device Device, msg *models.Message, logger zerolog.Logger) *models.Message {
	var cmd models.ControlMessage
	if err := msg.UnmarshalPayload(&cmd); err != nil {
		logger.Warn().Err(err).Msg("Invalid control payload")
		return errorReply(CodeInvalidPayload, err.Error())
	}

	status, err := device.HandleCommand(ctx, cmd)
	if err != nil {
		logger.Warn().Err(err).Str("device", cmd.Device).Msg("Control command rejected")
		return errorReply(CodeCommandFailed, err.Error())
	}

	logger.Info().Str("device", cmd.Device).RawJSON("state", nonEmpty(cmd.State)).Msg("Control command applied")

	if status != nil {
		reply, _ := models.NewMessage(models.MessageTypeDeviceStatus, status)
		return reply
	}
	reply, _ := models.NewMessage(models.MessageTypeAck, models.AckMessage{MessageID: msg.ID, Status: "ok"})
	return reply
}

func errorReply(code, text string) *models.Message {
	reply, _ := models.NewMessage(models.MessageTypeError, models.ErrorMessage{Code: code, Message: text})
	return reply
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
