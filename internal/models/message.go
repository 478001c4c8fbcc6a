package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of telemetry message
type MessageType string

const (
	MessageTypeRegisterDevice    MessageType = "register_device"
	MessageTypeRegisterDashboard MessageType = "register_dashboard"
	MessageTypeSensorData        MessageType = "sensor_data"
	MessageTypeControl           MessageType = "control"
	MessageTypeDeviceStatus      MessageType = "device_status"
	MessageTypeHeartbeat         MessageType = "heartbeat"
	MessageTypeAck               MessageType = "ack"
	MessageTypeError             MessageType = "error"
	MessageTypeRequestWebcam     MessageType = "request_webcam"
	MessageTypeWebcamImage       MessageType = "webcam_image"
)

// Message is the envelope for all device, relay and dashboard communications
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// RegisterMessage is the payload for MessageTypeRegisterDevice and MessageTypeRegisterDashboard
type RegisterMessage struct {
	DeviceKey string `json:"device_key"`
	Location  string `json:"location,omitempty"`
	Version   string `json:"version,omitempty"`
}

// SensorDataMessage is the payload for MessageTypeSensorData
type SensorDataMessage struct {
	DeviceKey  string            `json:"device_key"`
	Frame      SensorFrame       `json:"frame"`
	Score      int               `json:"air_quality_score"`
	Prediction *SharedPrediction `json:"prediction"`
	Status     DeviceStatus      `json:"status"`
	Uptime     int64             `json:"uptime"`

	// unix seconds of the last PIR trigger, 0 before the first one
	MotionDetectedTime int64 `json:"motion_detected_time"`
}

// WebcamImageMessage is the payload for MessageTypeWebcamImage.
// ImageData is base64 in JSON.
type WebcamImageMessage struct {
	DeviceKey   string    `json:"device_key"`
	ContentType string    `json:"content_type"`
	ImageData   []byte    `json:"image_data"`
	CapturedAt  time.Time `json:"captured_at"`
}

// ControlMessage is the payload for MessageTypeControl.
// Device names a setting, State carries its new value.
type ControlMessage struct {
	Device string          `json:"device"`
	State  json.RawMessage `json:"state"`
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	DeviceKey string `json:"device_key"`
	Uptime    int64  `json:"uptime"`
	Queued    int    `json:"queued"`
}

// AckMessage is the payload for MessageTypeAck
type AckMessage struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	err := json.Unmarshal(m.Payload, v)
	if err != nil {
		return err
	}
	return nil
}
