package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroash/airguard/internal/models"
)

var (
	ErrNotConnected = errors.New("not connected")
	errRelaySilent  = errors.New("relay stopped answering")
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	flushBatch       = 20
)

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	AuthToken            string
	ReportInterval       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	OutboxSize           int
}

// Connection keeps a websocket session to the relay: it registers the
// device, reports sensor data on an interval, answers control commands
// and reconnects with exponential backoff. Reports made while offline
// wait in the outbox and are sent first after the next connect.
type Connection struct {
	config  ConnectionConfig
	device  Device
	info    *models.DeviceInfo
	outbox  *Outbox
	backoff *backoff
	camera  Camera
	logger  zerolog.Logger

	mutex sync.RWMutex // guards conn and state
	conn  *websocket.Conn
	state ConnectionState

	writeMu sync.Mutex

	// unix nanos of the last message from the relay
	lastSeen atomic.Int64
}

var _ Transport = (*Connection)(nil)

// NewConnection creates a connection manager for device
func NewConnection(config ConnectionConfig, device Device, info *models.DeviceInfo, logger zerolog.Logger) *Connection {
	if config.ReportInterval <= 0 {
		config.ReportInterval = 2 * time.Second
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}
	if config.MaxReconnectInterval < config.ReconnectInterval {
		config.MaxReconnectInterval = config.ReconnectInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 3 * config.PingInterval
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = 100
	}

	return &Connection{
		config:  config,
		device:  device,
		info:    info,
		outbox:  NewOutbox(config.OutboxSize, true),
		backoff: newBackoff(config.ReconnectInterval, config.MaxReconnectInterval),
		logger:  logger.With().Str("url", config.URL).Logger(),
	}
}

// SetCamera enables webcam snapshots. Call before Run.
func (c *Connection) SetCamera(cam Camera) {
	c.camera = cam
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Outbox returns the queue of reports held while disconnected
func (c *Connection) Outbox() *Outbox {
	return c.outbox
}

func (c *Connection) setState(state ConnectionState) {
	c.mutex.Lock()
	c.state = state
	c.mutex.Unlock()
	c.logger.Debug().Str("state", state.String()).Msg("Connection state updated")
}

func (c *Connection) current() *websocket.Conn {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.conn
}

// Connect dials the relay with the bearer token and registers the device
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mutex.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mutex.Unlock()
	c.markSeen()

	register, err := models.NewMessage(models.MessageTypeRegisterDevice, models.RegisterMessage{
		DeviceKey: c.info.Key,
		Location:  c.info.Location,
		Version:   c.info.Version,
	})
	if err == nil {
		err = c.send(register)
	}
	if err != nil {
		c.disconnect()
		return fmt.Errorf("registration failed: %w", err)
	}

	c.backoff.Reset()
	c.logger.Info().Str("device_key", c.info.Key).Msg("Connected to relay")
	return nil
}

// Run reports on an interval and keeps a session open until ctx is
// cancelled
func (c *Connection) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.reportLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return c.sessionLoop(ctx)
	})
	return g.Wait()
}

func (c *Connection) sessionLoop(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Connection failed")
		} else {
			c.flushOutbox()
			err := c.serve(ctx, c.current())
			c.logger.Info().AnErr("reason", err).Msg("Connection lost, will reconnect")
		}

		delay := c.backoff.Next()
		c.logger.Debug().Dur("delay", delay).Msg("Waiting before reconnect")
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// serve runs the read and heartbeat loops of one session until either
// ends. Commands run under ctx, which outlives the session.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) error {
	defer c.disconnect()
	if conn == nil {
		return ErrNotConnected
	}

	g, sessionCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(ctx, conn)
	})
	g.Go(func() error {
		return c.heartbeatLoop(sessionCtx)
	})
	g.Go(func() error {
		// unblocks ReadJSON once the session is over
		<-sessionCtx.Done()
		conn.SetReadDeadline(time.Now())
		return nil
	})
	return g.Wait()
}

func (c *Connection) disconnect() {
	c.mutex.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mutex.Unlock()
}

// Publish sends msg now, or queues it in the outbox while disconnected
func (c *Connection) Publish(msg *models.Message) error {
	if !c.IsConnected() {
		c.outbox.Push(msg)
		return ErrNotConnected
	}
	if err := c.send(msg); err != nil {
		c.outbox.Push(msg)
		return err
	}
	return nil
}

func (c *Connection) send(msg *models.Message) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// flushOutbox sends reports queued while offline, oldest first
func (c *Connection) flushOutbox() {
	sent := 0
	for {
		msgs := c.outbox.PopBatch(flushBatch)
		if len(msgs) == 0 {
			break
		}
		for i, msg := range msgs {
			if err := c.send(msg); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to flush outbox")
				c.outbox.Requeue(msgs[i:])
				return
			}
			sent++
		}
	}
	if sent > 0 {
		c.logger.Info().Int("count", sent).Msg("Flushed queued reports")
	}
}

// reportLoop publishes the device snapshot every report interval, for
// the whole lifetime of Run
func (c *Connection) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msg, err := sensorDataMessage(c.device)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to build sensor data")
			continue
		}
		if msg == nil {
			continue
		}
		if err := c.Publish(msg); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn().Err(err).Msg("Failed to send sensor data")
		}
	}
}

func (c *Connection) readLoop(cmdCtx context.Context, conn *websocket.Conn) error {
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.markSeen()
		c.handleMessage(cmdCtx, &msg)
	}
}

func (c *Connection) handleMessage(ctx context.Context, msg *models.Message) {
	switch msg.Type {
	case models.MessageTypeAck:
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Relay error")
		}
	case models.MessageTypeControl:
		reply := handleControl(ctx, c.device, msg, c.logger)
		if err := c.send(reply); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to reply to control")
		}
	case models.MessageTypeRequestWebcam:
		// capture off the read loop; the camera bounds its own runtime
		go func() {
			if err := c.send(webcamReply(ctx, c.camera, c.info.Key, c.logger)); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send snapshot")
			}
		}()
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring message")
	}
}

func (c *Connection) markSeen() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) silentFor() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// heartbeatLoop sends a heartbeat every ping interval and gives up on
// the session when the relay has been silent longer than the pong timeout
func (c *Connection) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		heartbeat, err := models.NewMessage(models.MessageTypeHeartbeat, models.HeartbeatMessage{
			DeviceKey: c.info.Key,
			Uptime:    int64(c.info.Uptime().Seconds()),
			Queued:    c.outbox.Size(),
		})
		if err != nil {
			return err
		}
		if err := c.send(heartbeat); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if silent := c.silentFor(); silent > c.config.PongTimeout {
			c.logger.Warn().Dur("silent", silent).Msg("No reply from relay, dropping connection")
			return errRelaySilent
		}
	}
}

// Close sends a close frame and drops the connection. Run keeps
// reconnecting until its context is cancelled.
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	return nil
}
