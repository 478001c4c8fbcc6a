package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroash/airguard/internal/actuator"
	"github.com/afroash/airguard/internal/broker"
	"github.com/afroash/airguard/internal/camera"
	"github.com/afroash/airguard/internal/config"
	"github.com/afroash/airguard/internal/control"
	"github.com/afroash/airguard/internal/dataset"
	"github.com/afroash/airguard/internal/forecast"
	"github.com/afroash/airguard/internal/models"
	"github.com/afroash/airguard/internal/monitor"
	"github.com/afroash/airguard/internal/motion"
	"github.com/afroash/airguard/internal/odor"
	"github.com/afroash/airguard/internal/sensor"
	"github.com/afroash/airguard/internal/telemetry"
	"github.com/afroash/airguard/internal/trend"
)

const version = "v0.3.0"

func main() {
	configPath := flag.String("config", "configs/airguard.yaml", "path to config file")
	retrain := flag.Bool("retrain", false, "fit the forecast model from the dataset and exit")
	collectOdor := flag.Int("collect-odor", -1, "record labeled samples at this odor level (0-2) to odor.labels_path and exit")
	samples := flag.Int("samples", 20, "number of samples recorded by -collect-odor")
	trainOdor := flag.String("train-odor", "", "fit the odor classifier from a labeled CSV and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	logger.Info().
		Str("version", version).
		Str("device_key", cfg.Device.Key).
		Str("config", cfg.String()).
		Msg("Starting airguard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *retrain:
		err = runRetrain(ctx, cfg, logger)
	case *trainOdor != "":
		err = runTrainOdor(cfg, logger, *trainOdor)
	case *collectOdor >= 0:
		err = runCollectOdor(ctx, cfg, logger, *collectOdor, *samples)
	default:
		err = run(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("airguard failed")
	}
	logger.Info().Msg("airguard stopped")
}

// daemon holds every component built from the config
type daemon struct {
	info         *models.DeviceInfo
	broker       *broker.Client
	source       *sensor.Composite
	hardware     *actuator.Hardware
	motion       motion.Detector
	camera       *camera.Command
	dataset      dataset.Store
	model        *forecast.Model
	orchestrator *control.Orchestrator
	transport    telemetry.Transport
	logger       zerolog.Logger
}

// run builds the daemon and drives the control loop and the telemetry
// transport until ctx ends or one of them fails
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.orchestrator.Run(gctx)
	})
	if d.transport != nil {
		g.Go(func() error {
			return d.transport.Run(gctx)
		})
	}
	g.Go(func() error {
		d.statsLoop(gctx, time.Minute)
		return nil
	})
	return g.Wait()
}

func build(cfg *config.Config, logger zerolog.Logger) (d *daemon, err error) {
	d = &daemon{
		info:   models.NewDeviceInfo(cfg.Device.Key, cfg.Device.Location, version),
		logger: logger,
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.openSensors(cfg, logger); err != nil {
		return nil, err
	}

	if cfg.Motion.Enabled {
		pir, err := motion.OpenPIR(motion.PIRConfig{
			Chip:     cfg.Actuator.Chip,
			Pin:      cfg.Motion.Pin,
			Debounce: cfg.Motion.Debounce,
			Cooldown: cfg.Motion.Cooldown,
		}, component(logger, "motion"))
		if err != nil {
			return nil, fmt.Errorf("failed to open motion sensor: %w", err)
		}
		d.motion = pir
	} else {
		d.motion = motion.None
	}

	if len(cfg.Camera.Command) > 0 {
		d.camera, err = camera.New(camera.Config{
			Command:  cfg.Camera.Command,
			Timeout:  cfg.Camera.Timeout,
			MaxBytes: cfg.Camera.MaxBytes,
		}, component(logger, "camera"))
		if err != nil {
			return nil, err
		}
	}

	if cfg.Actuator.Driver == "gpio" {
		d.hardware, err = actuator.OpenGPIO(actuator.GPIOConfig{
			Chip:           cfg.Actuator.Chip,
			PurifierFanPin: cfg.Actuator.PurifierFanPin,
			DiffuserFanPin: cfg.Actuator.DiffuserFanPin,
			Channel1Pin:    cfg.Actuator.Channel1Pin,
			Channel2Pin:    cfg.Actuator.Channel2Pin,
			PWMFrequency:   cfg.Actuator.PWMFrequency,
		}, component(logger, "actuator"))
		if err != nil {
			return nil, fmt.Errorf("failed to open GPIO outputs: %w", err)
		}
	} else {
		d.hardware = actuator.NopHardware()
	}

	classifier, err := odor.Load(cfg.Odor.ModelPath)
	if err != nil {
		return nil, err
	}

	d.model, err = newModel(cfg, logger)
	if err != nil {
		return nil, err
	}

	d.dataset, err = openDataset(cfg, logger)
	if err != nil {
		return nil, err
	}

	mode, _ := cfg.PurifierMode()
	autoOn, autoOff, _ := cfg.AutoSchedule()
	diffuser := actuator.NewDiffuser(actuator.DiffuserConfig{
		Period:        cfg.Diffuser.Period,
		PulseDuration: cfg.Diffuser.PulseDuration,
		AssistSpeed:   cfg.Diffuser.AssistSpeed,
		Channel:       cfg.Diffuser.Channel,
	}, d.hardware.DiffuserFan, d.hardware.Channel1, d.hardware.Channel2, component(logger, "diffuser"))
	controller := actuator.NewController(actuator.Settings{
		Mode:          mode,
		PurifierOn:    cfg.Control.PurifierOn,
		PurifierSpeed: cfg.Control.PurifierSpeed,
		AutoOn:        autoOn,
		AutoOff:       autoOff,
		DiffuserMode:  cfg.Diffuser.Mode,
	}, d.hardware.Purifier, diffuser, component(logger, "actuator"))

	d.orchestrator, err = control.New(control.Config{
		Window:             cfg.Forecast.Window,
		ControlInterval:    cfg.Control.Interval,
		PredictionInterval: cfg.Control.PredictionInterval,
		RetrainAsync:       cfg.Forecast.RetrainAsync,
	}, control.Components{
		Source:     d.source,
		Classifier: classifier,
		Forecaster: d.model,
		Monitor: monitor.New(monitor.Config{
			RollingPairs: cfg.Monitor.RollingPairs,
			CheckEvery:   cfg.Monitor.CheckEvery,
			Threshold:    cfg.Monitor.R2Threshold,
		}, component(logger, "monitor")),
		Analyzer: trend.NewAnalyzer(trend.Config{
			ScoreFloor:  cfg.Trend.ScoreFloor,
			PM25Ceiling: cfg.Trend.PM25Ceiling,
			ECO2Ceiling: cfg.Trend.ECO2Ceiling,
		}),
		Controller: controller,
		Dataset:    d.dataset,
		Motion:     d.motion,
		Device:     d.info,
	}, component(logger, "control"))
	if err != nil {
		return nil, err
	}

	switch cfg.Telemetry.Transport {
	case config.TransportWebSocket:
		conn := telemetry.NewConnection(telemetry.ConnectionConfig{
			URL:                  cfg.Telemetry.URL,
			AuthToken:            cfg.Telemetry.AuthToken,
			ReportInterval:       cfg.Telemetry.ReportInterval,
			ReconnectInterval:    cfg.Telemetry.ReconnectInterval,
			MaxReconnectInterval: cfg.Telemetry.MaxReconnectInterval,
			PingInterval:         cfg.Telemetry.PingInterval,
			PongTimeout:          cfg.Telemetry.PongTimeout,
			OutboxSize:           cfg.Telemetry.OutboxSize,
		}, d.orchestrator, d.info, component(logger, "telemetry"))
		if d.camera != nil {
			conn.SetCamera(d.camera)
		}
		d.transport = conn
	case config.TransportMQTT:
		mt := telemetry.NewMQTTTransport(d.broker, telemetry.MQTTConfig{
			TopicPrefix:    cfg.Telemetry.TopicPrefix,
			ReportInterval: cfg.Telemetry.ReportInterval,
			OutboxSize:     cfg.Telemetry.OutboxSize,
		}, d.orchestrator, d.info, component(logger, "telemetry"))
		if d.camera != nil {
			mt.SetCamera(d.camera)
		}
		d.transport = mt
	}

	return d, nil
}

// openSensors connects the broker when a probe or the transport needs it
// and opens the configured probes
func (d *daemon) openSensors(cfg *config.Config, logger zerolog.Logger) (err error) {
	var sub sensor.Subscriber
	if cfg.UsesMQTT() {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "airguard-" + cfg.Device.Key
		}
		d.broker, err = broker.NewClient(broker.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       clientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		sub = d.broker
	}

	d.source, err = sensor.Open(sensor.Config{
		Probes:      cfg.Sensor.Probes,
		DHTPin:      cfg.Sensor.DHTPin,
		ReadTimeout: cfg.Sensor.ReadTimeout,
		Seed:        cfg.Sensor.Seed,
		MQTTTopic:   cfg.Sensor.MQTTTopic,
		MQTTMaxAge:  cfg.Sensor.MQTTMaxAge,
	}, sub, logger)
	return err
}

func newModel(cfg *config.Config, logger zerolog.Logger) (*forecast.Model, error) {
	return forecast.NewModel(forecast.Config{
		Window:     cfg.Forecast.Window,
		Lambda:     cfg.Forecast.RidgeLambda,
		MinSamples: cfg.Forecast.MinTrainRows,
		Path:       cfg.Forecast.ModelPath,
	}, component(logger, "forecast"))
}

func openDataset(cfg *config.Config, logger zerolog.Logger) (dataset.Store, error) {
	return dataset.Open(dataset.Config{
		Driver:    cfg.Dataset.Driver,
		Path:      cfg.Dataset.Path,
		DeviceKey: cfg.Device.Key,
		Writer: dataset.DBWriterConfig{
			BatchSize:   cfg.Dataset.BatchSize,
			FlushPeriod: cfg.Dataset.FlushPeriod,
			ChannelSize: cfg.Dataset.ChannelSize,
		},
		Retention: dataset.RetentionCleanerConfig{
			RetentionDays: cfg.Dataset.RetentionDays,
			MaxRows:       cfg.Dataset.MaxRows,
			CleanupPeriod: cfg.Dataset.CleanupPeriod,
		},
	}, logger)
}

// runRetrain fits the forecast model once from the persisted dataset
func runRetrain(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	model, err := newModel(cfg, logger)
	if err != nil {
		return err
	}
	store, err := openDataset(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	report, err := model.Retrain(ctx, rows)
	if err != nil {
		return fmt.Errorf("retrain failed: %w", err)
	}
	logger.Info().
		Int("samples", report.Samples).
		Int("train", report.TrainSize).
		Int("test", report.TestSize).
		Float64("r2", report.R2).
		Bool("r2_valid", report.R2Valid).
		Bool("persisted", report.Persisted).
		Dur("duration", report.Duration).
		Msg("Forecast model trained")
	return nil
}

// runTrainOdor fits the odor classifier from a labeled CSV and saves it
// where the daemon loads it from
func runTrainOdor(cfg *config.Config, logger zerolog.Logger, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open labeled file: %w", err)
	}
	defer file.Close()

	samples, skipped, err := odor.ReadSamples(file)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("Malformed labeled rows skipped")
	}

	_, report, err := odor.Train(samples, cfg.Odor.ModelPath)
	if err != nil {
		return fmt.Errorf("odor training failed: %w", err)
	}
	levels := zerolog.Dict()
	for level, n := range report.Levels {
		levels.Int(fmt.Sprint(level), n)
	}
	logger.Info().
		Int("samples", report.Samples).
		Dict("levels", levels).
		Float64("accuracy", report.Accuracy).
		Str("path", cfg.Odor.ModelPath).
		Msg("Odor classifier trained")
	return nil
}

// runCollectOdor records n labeled samples at one odor level, one per
// control interval, appending them to the labels file
func runCollectOdor(ctx context.Context, cfg *config.Config, logger zerolog.Logger, level, n int) error {
	if level < models.OdorNone || level > models.OdorStrong {
		return fmt.Errorf("odor level must be %d-%d, got %d", models.OdorNone, models.OdorStrong, level)
	}
	if n <= 0 {
		return fmt.Errorf("sample count must be positive, got %d", n)
	}

	d := &daemon{logger: logger}
	defer d.Close()
	if err := d.openSensors(cfg, logger); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Control.Interval)
	defer ticker.Stop()
	for recorded := 0; recorded < n; {
		input, err := d.source.Read(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Incomplete reading discarded")
		} else {
			sample := odor.Sample{Gas: input.Build(time.Now()).GasSample(), Level: level}
			if err := odor.AppendSamples(cfg.Odor.LabelsPath, []odor.Sample{sample}); err != nil {
				return err
			}
			recorded++
			logger.Info().Int("level", level).Int("recorded", recorded).Int("total", n).Msg("Sample recorded")
			if recorded == n {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	logger.Info().Str("path", cfg.Odor.LabelsPath).Msg("Odor collection complete")
	return nil
}

// statsLoop logs component counters every period
func (d *daemon) statsLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.orchestrator.Stats()
			model := d.model.Stats()
			d.logger.Info().
				Int64("control_cycles", stats.ControlCycles).
				Int64("prediction_cycles", stats.PredictionCycles).
				Int64("sensor_errors", stats.SensorErrors).
				Int64("dataset_errors", stats.DatasetErrors).
				Int64("retrains", model.Retrains).
				Float64("last_r2", model.LastR2).
				Dur("uptime", d.info.Uptime()).
				Msg("Daemon stats")
		}
	}
}

// Close releases components in reverse order of construction
func (d *daemon) Close() {
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close telemetry")
		}
	}
	if d.dataset != nil {
		if err := d.dataset.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close dataset")
		}
	}
	if d.hardware != nil {
		if err := d.hardware.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release GPIO outputs")
		}
	}
	if d.motion != nil {
		if err := d.motion.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release motion sensor")
		}
	}
	if d.source != nil {
		if err := d.source.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close sensors")
		}
	}
	if d.broker != nil {
		if err := d.broker.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to disconnect from broker")
		}
	}
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
