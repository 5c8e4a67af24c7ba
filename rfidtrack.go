package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"rfidtrack/dispatch"
	"rfidtrack/eventpipe"
	"rfidtrack/indicator"
	"rfidtrack/logging"
	"rfidtrack/metrics"
	"rfidtrack/mqtt"
	"rfidtrack/reader"
	"rfidtrack/sensor"
	"rfidtrack/storage"
	"rfidtrack/tracking"
)

var myBuild string

// App holds the application state and dependencies.
type App struct {
	cfg       *Config
	store     *tracking.Store
	forwarder *dispatch.Forwarder
	sensors   *sensor.Manager
	reader    *reader.Session
	ingest    *Ingest
	mqtt      *mqtt.Client
	notifier  *mqtt.Notifier
	indicator indicator.Indicator
	watcher   *indicator.Watcher
	pipe      *eventpipe.EventPipe

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	cfgfile := flag.String("cfg", "rfidtrack.yaml", "Config file")
	envFile := flag.String("env-file", ".env", "Environment file")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}

	cfg, err := LoadConfig(*cfgfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logging.Configure("rfidtrack", cfg.Log)
	log.Info().Str("build", myBuild).Str("client_id", cfg.ClientID).Msg("rfidtrack starting")

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	app.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("shutting down")
	app.Shutdown()
	log.Info().Msg("shutdown complete")
}

// NewApp builds every component from cfg. Nothing runs until Start.
func NewApp(cfg *Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{cfg: cfg, ctx: ctx, cancel: cancel}

	var err error
	app.indicator, err = indicator.New(cfg.Indicator)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init indicator: %w", err)
	}
	app.indicator.ConnectionLost()
	app.watcher = indicator.Watch(app.indicator, cfg.Indicator.Hold)

	app.mqtt, err = mqtt.New(cfg.MQTT, mqtt.Handlers{
		OnConnect:    app.onMQTTConnect,
		OnDisconnect: app.onMQTTDisconnect,
		OnMessage:    app.onMQTTMessage,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init mqtt: %w", err)
	}
	app.notifier = mqtt.NewNotifier(app.mqtt, cfg.ClientID)

	loc, err := time.LoadLocation(cfg.Tracking.Timezone)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	app.forwarder, err = dispatch.New(cfg.Dispatch, loc)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init dispatch: %w", err)
	}

	persister, err := storage.Open(cfg.Storage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var forwarder tracking.Forwarder
	if app.forwarder.Enabled() {
		forwarder = app.forwarder
	}
	app.store, err = tracking.New(cfg.Tracking, persister, forwarder,
		tracking.WithObserver(app.notifier),
		tracking.WithObserver(app.watcher),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init tracking: %w", err)
	}
	if err := app.store.Open(); err != nil {
		cancel()
		return nil, err
	}

	app.sensors = sensor.NewManager(cfg.Sensors, sensor.WithStatus(app.onSensorStatus))
	app.reader = reader.New(cfg.Reader, reader.Handlers{
		OnTag: func(epc string) { app.ingest.HandleTag(epc) },
		OnStatus: func(status string) {
			app.store.UpdateStatus(tracking.ComponentReader, status)
		},
	})
	app.ingest = NewIngest(app.sensors, app.reader, app.store)

	app.pipe, err = eventpipe.New(cfg.EventPipe, app.ingest.HandleCommand)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init event pipe: %w", err)
	}
	return app, nil
}

// Start launches the device tasks and background services.
func (app *App) Start() {
	metrics.RegisterMetrics()
	app.goTask(func() {
		if err := metrics.Serve(app.ctx, app.cfg.Metrics); err != nil {
			log.Error().Err(err).Str("component", "metrics").Msg("metrics listener stopped")
		}
	})

	app.sensors.Start(app.ctx)
	app.goTask(func() { app.reader.Run(app.ctx) })

	if app.pipe != nil {
		go app.pipe.Start()
	}

	go func() {
		if err := app.mqtt.Connect(); err != nil {
			log.Error().Err(err).Str("component", "mqtt").Msg("MQTT connect")
		}
	}()
	app.goTask(func() { app.notifier.Ping(app.ctx, app.cfg.MQTT.PingInterval) })
}

// Shutdown closes the command channels first, then stops the device tasks,
// drains pending forwards and flushes the store before releasing hardware.
func (app *App) Shutdown() {
	app.cancel()

	app.mqtt.Disconnect()
	if app.pipe != nil {
		if err := app.pipe.Close(); err != nil {
			log.Warn().Err(err).Str("component", "eventpipe").Msg("close event pipe")
		}
	}
	app.ingest.Stop()

	app.sensors.Stop()
	app.wg.Wait()

	app.forwarder.Close()
	if err := app.store.Close(); err != nil {
		log.Error().Err(err).Str("component", "tracking").Msg("close store")
	}

	app.watcher.Stop()
	app.indicator.Shutdown()
	app.indicator.Release()
}

func (app *App) goTask(f func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		f()
	}()
}

func (app *App) onSensorStatus(loc sensor.Location, status string) {
	c := tracking.ComponentSensorInside
	if loc == sensor.Outside {
		c = tracking.ComponentSensorOutside
	}
	app.store.UpdateStatus(c, status)
}

func (app *App) onMQTTConnect() {
	if app.cfg.CommandSecret == "" {
		return
	}
	topic := mqtt.ControlTopic(app.cfg.ClientID)
	if err := app.mqtt.Subscribe(topic); err != nil {
		log.Error().Err(err).Str("component", "mqtt").Str("topic", topic).Msg("subscribe")
	}
}

func (app *App) onMQTTDisconnect() {
	log.Warn().Str("component", "mqtt").Msg("broadcasts suspended until reconnect")
}

func (app *App) onMQTTMessage(topic string, payload []byte) {
	if topic != mqtt.ControlTopic(app.cfg.ClientID) {
		return
	}
	cmd, err := decodeControl(app.cfg.CommandSecret, payload, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("component", "mqtt").Msg("remote command not accepted")
		return
	}
	app.ingest.HandleCommand(cmd)
}
