package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/camera"
	"github.com/afroash/airguard/internal/models"
)

// Camera answers webcam requests. camera.Command implements it.
type Camera interface {
	Capture(ctx context.Context) (camera.Image, error)
}

var _ Camera = (*camera.Command)(nil)

// CodeNoCamera is sent back when a snapshot cannot be taken
const CodeNoCamera = "camera_unavailable"

// webcamReply captures a still and wraps it as a webcam_image message,
// or an error message when there is no camera or the capture fails
func webcamReply(ctx context.Context, cam Camera, deviceKey string, logger zerolog.Logger) *models.Message {
	if cam == nil {
		return errorReply(CodeNoCamera, camera.ErrDisabled.Error())
	}

	img, err := cam.Capture(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Snapshot failed")
		return errorReply(CodeNoCamera, err.Error())
	}

	msg, err := models.NewMessage(models.MessageTypeWebcamImage, models.WebcamImageMessage{
		DeviceKey:   deviceKey,
		ContentType: img.ContentType,
		ImageData:   img.Data,
		CapturedAt:  img.CapturedAt,
	})
	if err != nil {
		return errorReply(CodeNoCamera, err.Error())
	}
	logger.Info().Int("bytes", len(img.Data)).Msg("Snapshot sent")
	return msg
}
