// Package camera takes still snapshots for webcam requests.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrDisabled = errors.New("camera not configured")
	ErrTooLarge = errors.New("snapshot exceeds size limit")
	ErrBusy     = errors.New("snapshot already in progress")
)

// Image is one captured still
type Image struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Config describes the snapshot command
type Config struct {
	Command  []string // e.g. rpicam-still -n -t 1 -e jpg -o -
	Timeout  time.Duration
	MaxBytes int
}

// Command captures stills by running an external tool that writes the
// image to stdout. One capture runs at a time.
type Command struct {
	config Config
	logger zerolog.Logger

	mutex    sync.Mutex
	busy     bool
	captures int64
	failures int64
}

// New returns a camera for config, or an error when the command is empty
func New(config Config, logger zerolog.Logger) (*Command, error) {
	if len(config.Command) == 0 {
		return nil, ErrDisabled
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 2 << 20
	}
	logger.Info().
		Str("command", strings.Join(config.Command, " ")).
		Dur("timeout", config.Timeout).
		Msg("Camera ready")
	return &Command{config: config, logger: logger}, nil
}

// Capture runs the snapshot command and returns its output
func (c *Command) Capture(ctx context.Context) (Image, error) {
	c.mutex.Lock()
	if c.busy {
		c.mutex.Unlock()
		return Image{}, ErrBusy
	}
	c.busy = true
	c.mutex.Unlock()

	img, err := c.capture(ctx)

	c.mutex.Lock()
	c.busy = false
	if err != nil {
		c.failures++
	} else {
		c.captures++
	}
	c.mutex.Unlock()
	return img, err
}

func (c *Command) capture(ctx context.Context) (Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.config.Command[0], c.config.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Image{}, fmt.Errorf("snapshot timed out after %s: %w", c.config.Timeout, ctx.Err())
		}
		return Image{}, fmt.Errorf("snapshot command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return Image{}, errors.New("snapshot command produced no output")
	}
	if len(data) > c.config.MaxBytes {
		return Image{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), c.config.MaxBytes)
	}

	img := Image{
		Data:        data,
		ContentType: http.DetectContentType(data),
		CapturedAt:  time.Now(),
	}
	c.logger.Debug().
		Int("bytes", len(data)).
		Str("content_type", img.ContentType).
		Dur("took", time.Since(start)).
		Msg("Snapshot captured")
	return img, nil
}

// Stats holds capture counters
type Stats struct {
	Captures int64 `json:"captures"`
	Failures int64 `json:"failures"`
}

func (c *Command) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{Captures: c.captures, Failures: c.failures}
}
