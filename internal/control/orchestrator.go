// Package control runs the sense, score, forecast and actuate cycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afroash/airguard/internal/actuator"
	"github.com/afroash/airguard/internal/forecast"
	"github.com/afroash/airguard/internal/history"
	"github.com/afroash/airguard/internal/models"
	"github.com/afroash/airguard/internal/monitor"
	"github.com/afroash/airguard/internal/odor"
	"github.com/afroash/airguard/internal/quality"
	"github.com/afroash/airguard/internal/trend"
	"github.com/rs/zerolog"
)

// CommandGetStatus asks for a device_status reply instead of changing a setting
const CommandGetStatus = "getStatus"

// Published status strings
const (
	StatusNoModel     = "waiting for a trained model"
	StatusForecasting = "forecasting"
	StatusPaused      = "prediction paused"
)

// Source supplies one sampling round per call
type Source interface {
	Read(ctx context.Context) (models.FrameInput, error)
}

// Dataset is the persisted training corpus
type Dataset interface {
	Append(row models.ScoredFrame) error
	Load(ctx context.Context) ([]models.ScoredFrame, error)
}

// MotionSource reports the last motion event, zero if none
type MotionSource interface {
	LastMotion() time.Time
}

// Config holds orchestrator timing and window settings
type Config struct {
	Window             int
	ControlInterval    time.Duration
	PredictionInterval time.Duration
	RetrainAsync       bool
}

// Components are the collaborators the orchestrator drives
type Components struct {
	Source     Source
	Classifier odor.Classifier
	Forecaster forecast.Forecaster
	Monitor    *monitor.Monitor
	Analyzer   *trend.Analyzer
	Controller *actuator.Controller
	Dataset    Dataset
	Motion     MotionSource
	Device     *models.DeviceInfo
}

// Stats counts loop activity
type Stats struct {
	ControlCycles    int64
	PredictionCycles int64
	SensorErrors     int64
	DatasetErrors    int64
	ActuatorErrors   int64
	RetrainsStarted  int64
	RetrainsFailed   int64
}

// Orchestrator owns every piece of pipeline state. The control loop and the
// prediction loop share only the history window and the published prediction.
type Orchestrator struct {
	config     Config
	source     Source
	classifier odor.Classifier
	window     *history.Window
	forecaster forecast.Forecaster
	monitor    *monitor.Monitor
	analyzer   *trend.Analyzer
	controller *actuator.Controller
	dataset    Dataset
	motion     MotionSource
	device     *models.DeviceInfo
	logger     zerolog.Logger

	prediction atomic.Pointer[models.SharedPrediction]
	latest     atomic.Pointer[models.ScoredFrame]

	// forecastMu serializes the forecast stage between Step and the prediction loop
	forecastMu sync.Mutex

	predictMu      sync.Mutex
	stopPrediction atomic.Bool
	predicting     bool
	predictDone    chan struct{}

	bootstrapCycles int
	wg              sync.WaitGroup

	statsMutex sync.Mutex
	stats      Stats
}

// New creates an orchestrator. A nil Classifier means odor.Absent.
func New(config Config, c Components, logger zerolog.Logger) (*Orchestrator, error) {
	if c.Source == nil || c.Forecaster == nil || c.Monitor == nil || c.Analyzer == nil || c.Controller == nil {
		return nil, errors.New("source, forecaster, monitor, analyzer and controller are required")
	}
	if config.Window < 1 {
		return nil, fmt.Errorf("window must be positive, got %d", config.Window)
	}
	if config.ControlInterval <= 0 {
		config.ControlInterval = 2 * time.Second
	}
	if config.PredictionInterval <= 0 {
		config.PredictionInterval = 3 * time.Second
	}
	if c.Classifier == nil {
		c.Classifier = odor.Absent
	}
	if c.Device == nil {
		c.Device = models.NewDeviceInfo("", "", "")
	}

	o := &Orchestrator{
		config:     config,
		source:     c.Source,
		classifier: c.Classifier,
		window:     history.NewWindow(config.Window),
		forecaster: c.Forecaster,
		monitor:    c.Monitor,
		analyzer:   c.Analyzer,
		controller: c.Controller,
		dataset:    c.Dataset,
		motion:     c.Motion,
		device:     c.Device,
		logger:     logger,
	}
	o.prediction.Store(models.WaitingPrediction(o.collectingStatus(0)))
	return o, nil
}

// Run drives the control loop until ctx is cancelled. The prediction loop
// is started and stopped to follow the purifier mode.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.controller.Reset(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to reset actuators")
	}
	o.logger.Info().
		Dur("control_interval", o.config.ControlInterval).
		Dur("prediction_interval", o.config.PredictionInterval).
		Int("window", o.config.Window).
		Bool("odor_classifier", o.classifier.Available()).
		Msg("Control loop started")

	ticker := time.NewTicker(o.config.ControlInterval)
	defer ticker.Stop()
	defer o.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.controlCycle(ctx)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.StopPrediction()
	o.wg.Wait()
	if err := o.controller.Reset(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to reset actuators on shutdown")
	}
	o.logger.Info().Msg("Control loop stopped")
}

// controlCycle senses and actuates; the forecast comes from the prediction loop
func (o *Orchestrator) controlCycle(ctx context.Context) {
	o.addStat(func(s *Stats) { s.ControlCycles++ })

	// follow the mode both ways so a command racing this check cannot
	// leave the loop running in manual
	if o.controller.Mode() == models.ModeAuto {
		o.StartPrediction(ctx)
	} else {
		o.StopPrediction()
	}

	frame := o.sense(ctx)
	o.actuate(frame, time.Now())
}

// Step runs one full cycle synchronously: sense, score, append, persist,
// forecast, monitor, trend, publish and actuate.
func (o *Orchestrator) Step(ctx context.Context) models.ScoredFrame {
	frame := o.sense(ctx)
	o.forecastStage(ctx)
	o.actuate(frame, time.Now())
	return frame
}

// sense reads the probes, scores the frame and appends it to the window.
// A failed read still produces a frame with the missing fields zeroed.
func (o *Orchestrator) sense(ctx context.Context) models.ScoredFrame {
	input, err := o.source.Read(ctx)
	if err != nil {
		o.addStat(func(s *Stats) { s.SensorErrors++ })
		o.logger.Warn().Err(err).Msg("Sensor read incomplete")
	}
	if missing := input.Missing(); len(missing) > 0 {
		o.logger.Debug().Strs("missing", missing).Msg("Fields missing from frame")
	}

	frame := input.Build(time.Now())
	frame = frame.WithOdor(o.classifier.Classify(frame.GasSample()))
	scored := quality.ScoreFrame(frame)

	o.window.Append(scored)
	o.latest.Store(&scored)

	if o.dataset != nil {
		if err := o.dataset.Append(scored); err != nil {
			o.addStat(func(s *Stats) { s.DatasetErrors++ })
			o.logger.Error().Err(err).Msg("Failed to persist frame")
		}
	}

	o.logger.Debug().
		Int("score", scored.Score).
		Int("odor", frame.OdorLevel).
		Float64("eco2", frame.ECO2).
		Float64("pm25", frame.PM25).
		Msg("Frame scored")
	return scored
}

// forecastStage predicts from the window, checks accuracy, analyzes trends
// and publishes the result.
func (o *Orchestrator) forecastStage(ctx context.Context) {
	o.forecastMu.Lock()
	defer o.forecastMu.Unlock()

	if !o.forecaster.Ready() {
		o.publish(models.WaitingPrediction(StatusNoModel))
		o.maybeBootstrap(ctx)
		return
	}

	frames, err := o.window.Snapshot(o.config.Window)
	if err != nil {
		if errors.Is(err, history.ErrInsufficientHistory) {
			o.publish(models.WaitingPrediction(o.collectingStatus(o.window.Len())))
			return
		}
		o.logger.Error().Err(err).Msg("Failed to snapshot window")
		return
	}

	predicted, err := o.forecaster.Predict(frames)
	switch {
	case errors.Is(err, forecast.ErrNoModel):
		o.publish(models.WaitingPrediction(StatusNoModel))
		return
	case errors.Is(err, history.ErrInsufficientHistory):
		o.publish(models.WaitingPrediction(o.collectingStatus(len(frames))))
		return
	case err != nil:
		o.logger.Error().Err(err).Msg("Forecast failed")
		return
	}

	newest := frames[len(frames)-1]
	if len(frames) >= 2 {
		// offset -2 is the realized value paired with this forecast
		realized := models.RealizedVector(frames[len(frames)-2])
		o.monitor.RecordPair(predicted, realized)
	}

	if check := o.monitor.ShouldRetrain(); check.Retrain {
		o.retrain(ctx, fmt.Sprintf("r2 %.2f below threshold", check.R2))
	}

	predictions, realizations := o.monitor.Pairs()
	result := o.analyzer.Analyze(realizations, predictions, newest.Frame.OdorLevel)
	for _, adv := range result.New {
		o.logger.Info().Str("advisory", adv.Code.String()).Msg(adv.Text)
	}

	shared := &models.SharedPrediction{
		HasForecast:        true,
		PredictedQuality:   predicted.AirQuality,
		PredictedScore:     math.Max(0, math.Min(100, predicted.Score)),
		PredictedOdorLevel: newest.Frame.OdorLevel,
		CompositeScore:     newest.Score,
		Advisories:         result.Active,
		Status:             StatusForecasting,
		Forecast:           &predicted,
		UpdatedAt:          time.Now(),
	}
	if primary, ok := result.Primary(); ok {
		shared.AdvisoryText = primary.Text
		shared.AdvisoryCode = primary.Code
	}
	o.publish(shared)
}

// maybeBootstrap tries a first fit from the dataset every few cycles while no model exists
func (o *Orchestrator) maybeBootstrap(ctx context.Context) {
	if o.dataset == nil {
		return
	}
	o.bootstrapCycles++
	if o.bootstrapCycles%bootstrapEvery != 1 {
		return
	}
	o.retrain(ctx, "no model")
}

const bootstrapEvery = 10

// retrain refits the forecaster from the dataset, synchronously or on a
// goroutine depending on config. Predict keeps using the old model meanwhile.
func (o *Orchestrator) retrain(ctx context.Context, reason string) {
	if o.dataset == nil {
		o.logger.Warn().Str("reason", reason).Msg("Retrain needed but no dataset configured")
		return
	}
	o.addStat(func(s *Stats) { s.RetrainsStarted++ })
	o.logger.Info().Str("reason", reason).Bool("async", o.config.RetrainAsync).Msg("Retraining forecaster")

	run := func() {
		rows, err := o.dataset.Load(ctx)
		if err != nil {
			o.addStat(func(s *Stats) { s.RetrainsFailed++ })
			o.logger.Error().Err(err).Msg("Failed to load training data")
			return
		}
		if _, err := o.forecaster.Retrain(ctx, rows); err != nil {
			if errors.Is(err, forecast.ErrRetrainInProgress) {
				o.logger.Debug().Msg("Retrain already running")
				return
			}
			o.addStat(func(s *Stats) { s.RetrainsFailed++ })
			o.logger.Warn().Err(err).Int("rows", len(rows)).Msg("Retrain failed")
		}
	}

	if !o.config.RetrainAsync {
		run()
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		run()
	}()
}

func (o *Orchestrator) actuate(frame models.ScoredFrame, now time.Time) {
	if err := o.controller.Apply(o.prediction.Load(), frame.Frame.OdorLevel, now); err != nil {
		o.addStat(func(s *Stats) { s.ActuatorErrors++ })
		o.logger.Error().Err(err).Msg("Actuation failed")
	}
}

// StartPrediction starts the prediction loop if it is not running
func (o *Orchestrator) StartPrediction(ctx context.Context) {
	o.predictMu.Lock()
	defer o.predictMu.Unlock()

	if o.predicting {
		return
	}
	o.predicting = true
	o.stopPrediction.Store(false)
	o.predictDone = make(chan struct{})

	o.wg.Add(1)
	go o.predictionLoop(ctx, o.predictDone)
	o.logger.Info().Msg("Prediction loop started")
}

// StopPrediction asks the prediction loop to exit and waits for it.
// The loop checks the stop flag once per cycle.
func (o *Orchestrator) StopPrediction() {
	o.predictMu.Lock()
	if !o.predicting {
		o.predictMu.Unlock()
		return
	}
	o.stopPrediction.Store(true)
	done := o.predictDone
	o.predictMu.Unlock()

	<-done

	o.predictMu.Lock()
	o.predicting = false
	o.predictMu.Unlock()
	o.publish(models.WaitingPrediction(StatusPaused))
	o.logger.Info().Msg("Prediction loop stopped")
}

// Predicting reports whether the prediction loop is running
func (o *Orchestrator) Predicting() bool {
	o.predictMu.Lock()
	defer o.predictMu.Unlock()
	return o.predicting
}

func (o *Orchestrator) predictionLoop(ctx context.Context, done chan struct{}) {
	defer o.wg.Done()
	defer close(done)

	ticker := time.NewTicker(o.config.PredictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.stopPrediction.Load() {
				return
			}
			o.addStat(func(s *Stats) { s.PredictionCycles++ })
			o.forecastStage(ctx)
			if latest := o.latest.Load(); latest != nil {
				o.actuate(*latest, time.Now())
			}
		}
	}
}

// HandleCommand applies a dashboard control message. For getStatus it
// returns the status snapshot and changes nothing. A switch to auto mode
// starts the prediction loop under ctx, so ctx must outlive the command.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd models.ControlMessage) (*models.DeviceStatus, error) {
	if cmd.Device == CommandGetStatus {
		status := o.controller.Status()
		return &status, nil
	}

	before := o.controller.Mode()
	if err := o.controller.Execute(cmd.Device, cmd.State); err != nil {
		return nil, err
	}

	if after := o.controller.Mode(); after != before {
		o.logger.Info().Str("from", before.String()).Str("to", after.String()).Msg("Purifier mode changed")
		if after == models.ModeAuto {
			o.StartPrediction(ctx)
		} else {
			o.StopPrediction()
		}
	}
	return nil, nil
}

// Prediction returns the latest published prediction. Never nil.
func (o *Orchestrator) Prediction() *models.SharedPrediction {
	return o.prediction.Load()
}

// LatestFrame returns the most recent scored frame
func (o *Orchestrator) LatestFrame() (models.ScoredFrame, bool) {
	f := o.latest.Load()
	if f == nil {
		return models.ScoredFrame{}, false
	}
	return *f, true
}

// Snapshot builds the sensor_data payload for telemetry
func (o *Orchestrator) Snapshot() (models.SensorDataMessage, bool) {
	frame, ok := o.LatestFrame()
	if !ok {
		return models.SensorDataMessage{}, false
	}
	msg := models.SensorDataMessage{
		DeviceKey:  o.device.Key,
		Frame:      frame.Frame,
		Score:      frame.Score,
		Prediction: o.prediction.Load(),
		Status:     o.controller.Status(),
		Uptime:     int64(o.device.Uptime().Seconds()),
	}
	if o.motion != nil {
		if last := o.motion.LastMotion(); !last.IsZero() {
			msg.MotionDetectedTime = last.Unix()
		}
	}
	return msg, true
}

// Stats returns a copy of loop counters
func (o *Orchestrator) Stats() Stats {
	o.statsMutex.Lock()
	defer o.statsMutex.Unlock()
	return o.stats
}

func (o *Orchestrator) publish(p *models.SharedPrediction) {
	o.prediction.Store(p)
}

func (o *Orchestrator) collectingStatus(n int) string {
	return fmt.Sprintf("collecting history (%d/%d)", n, o.config.Window)
}

func (o *Orchestrator) addStat(update func(*Stats)) {
	o.statsMutex.Lock()
	update(&o.stats)
	o.statsMutex.Unlock()
}
