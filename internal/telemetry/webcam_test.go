package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/camera"
	"github.com/afroash/airguard/internal/models"
)

type fakeCamera struct {
	img camera.Image
	err error
}

func (c *fakeCamera) Capture(context.Context) (camera.Image, error) {
	return c.img, c.err
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{img: camera.Image{
		Data:        []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3},
		ContentType: "image/jpeg",
		CapturedAt:  time.Now(),
	}}
}

func webcamRequest(t *testing.T) *models.Message {
	t.Helper()
	msg, err := models.NewMessage(models.MessageTypeRequestWebcam, struct{}{})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	return msg
}

func TestWebcamReply(t *testing.T) {
	tests := []struct {
		name     string
		cam      Camera
		wantType models.MessageType
	}{
		{"snapshot", newFakeCamera(), models.MessageTypeWebcamImage},
		{"no camera", nil, models.MessageTypeError},
		{"capture fails", &fakeCamera{err: errors.New("no device")}, models.MessageTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := webcamReply(context.Background(), tt.cam, "unit-01", zerolog.Nop())
			if reply.Type != tt.wantType {
				t.Fatalf("reply type = %s, want %s", reply.Type, tt.wantType)
			}
			if tt.wantType == models.MessageTypeError {
				var e models.ErrorMessage
				reply.UnmarshalPayload(&e)
				if e.Code != CodeNoCamera {
					t.Errorf("code = %q, want %q", e.Code, CodeNoCamera)
				}
				return
			}

			var img models.WebcamImageMessage
			if err := reply.UnmarshalPayload(&img); err != nil {
				t.Fatalf("UnmarshalPayload failed: %v", err)
			}
			if img.DeviceKey != "unit-01" || img.ContentType != "image/jpeg" || len(img.ImageData) != 7 {
				t.Errorf("image = %+v", img)
			}
		})
	}
}

func TestConnection_WebcamRequest(t *testing.T) {
	relay := newMockRelay()
	defer relay.Close()

	c := createTestConnection(relay.URL(), newFakeDevice())
	c.SetCamera(newFakeCamera())
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
	relay.send(t, webcamRequest(t))

	if !waitFor(t, 2*time.Second, func() bool { return len(relay.messages(models.MessageTypeWebcamImage)) == 1 }) {
		t.Fatal("relay did not receive webcam_image")
	}
	var img models.WebcamImageMessage
	relay.messages(models.MessageTypeWebcamImage)[0].UnmarshalPayload(&img)
	if img.ImageData[0] != 0xff || img.DeviceKey != "unit-01" {
		t.Errorf("image = %+v", img)
	}
}

func TestMQTTTransport_WebcamRequest(t *testing.T) {
	ps := newFakePubSub()
	tr := newTestMQTTTransport(ps, newFakeDevice())
	tr.SetCamera(newFakeCamera())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	payload, _ := json.Marshal(webcamRequest(t))
	delivered := waitFor(t, time.Second, func() bool {
		return ps.deliver("test/unit-01/control", payload)
	})
	if !delivered {
		t.Fatal("transport never subscribed to control")
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(ps.on(TopicWebcam)) == 1 }) {
		t.Fatal("no snapshot published")
	}
	if got := ps.on(TopicWebcam)[0].msg.Type; got != models.MessageTypeWebcamImage {
		t.Errorf("type = %s, want webcam_image", got)
	}
}

func TestMQTTTransport_WebcamWithoutCamera(t *testing.T) {
	ps := newFakePubSub()
	tr := newTestMQTTTransport(ps, newFakeDevice())

	tr.sendSnapshot(context.Background())

	replies := ps.on(TopicReply)
	if len(replies) != 1 || replies[0].msg.Type != models.MessageTypeError {
		t.Fatalf("replies = %+v", replies)
	}
	if len(ps.on(TopicWebcam)) != 0 {
		t.Error("nothing should go to the webcam topic")
	}
}
