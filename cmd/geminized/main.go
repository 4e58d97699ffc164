package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geminize/config"
	"geminize/internal/api"
	"geminize/internal/application"
	"geminize/internal/domain"
	"geminize/internal/infra/audio"
	"geminize/internal/infra/docstore"
	"geminize/internal/infra/httpstore"
	"geminize/internal/infra/influx"
	"geminize/internal/infra/mqttgw"
	"geminize/internal/infra/openai"
	"geminize/internal/infra/pushover"
	"geminize/internal/transport"
	"geminize/internal/voice"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Error("geminized stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	remote, closeRemote, err := createRemoteStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	broker, err := mqttgw.Connect(mqttgw.BrokerConfig{
		URL:      cfg.Transport.BrokerURL,
		ClientID: cfg.Transport.ClientID,
		Username: cfg.Transport.Username,
		Password: cfg.Transport.Password,
	}, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	adapter := mqttgw.NewAdapter(broker, mqttgw.AdapterConfig{
		ClientID:       cfg.Transport.ClientID,
		Topics:         mqttgw.Topics{Prefix: cfg.Transport.TopicPrefix},
		RequestTimeout: duration(logger, "transport.request_timeout", cfg.Transport.RequestTimeout, 5*time.Second),
		ScanTimeout:    duration(logger, "transport.scan_timeout", cfg.Transport.ScanTimeout, 15*time.Second),
	}, logger)
	if err := adapter.Start(); err != nil {
		return err
	}

	session := transport.NewSession(adapter, cfg.Transport.TelemetryChar, logger)
	connectOpts := transport.ConnectOptions{
		DeviceName: cfg.Transport.DeviceName,
		ServiceIDs: cfg.Transport.ServiceIDs,
	}

	hub := api.NewHub(api.DefaultHubConfig(), logger)
	go hub.Run(ctx)

	notifier := application.MultiNotifier{hub}
	if cfg.Pushover.Enabled {
		notifier = append(notifier, pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey, cfg.Pushover.Title))
	}

	store := application.NewStore(application.StoreConfig{
		UserID:            cfg.User.ID,
		StatusSettleDelay: duration(logger, "store.status_settle_delay", cfg.Store.StatusSettleDelay, application.DefaultStatusSettleDelay),
		RelayCount:        cfg.Store.RelayCount,
	}, remote, session, notifier, logger)

	store.OnChange(func(items []domain.Accessory) {
		hub.Broadcast(api.EventAccessories, items)
	})
	session.OnStatusChange(func(st transport.Status) {
		hub.Broadcast(api.EventSession, st)
	})

	if err := store.Load(ctx); err != nil {
		logger.Error("initial load failed, starting with an empty collection", "error", err)
	}
	if interval := duration(logger, "store.refresh_interval", cfg.Store.RefreshInterval, 0); interval > 0 {
		store.StartPeriodicRefresh(ctx, interval)
	}

	var sink application.TemperatureSink
	if cfg.InfluxDB.Enabled {
		influxSink, err := influx.Connect(ctx, influx.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: duration(logger, "influxdb.flush_interval", cfg.InfluxDB.FlushInterval, 10*time.Second),
		}, cfg.User.ID, logger)
		if err != nil {
			logger.Warn("influxdb unavailable, telemetry will not be stored", "error", err)
		} else {
			defer influxSink.Close()
			sink = influxSink
		}
	}
	telemetry := application.NewTelemetryRecorder(session, sink, logger)
	telemetry.OnReading(func(r application.TemperatureReading) {
		hub.Broadcast(api.EventTemperature, r)
	})
	telemetry.Attach(ctx)

	interpreter := voice.NewInterpreter(cfg.Voice.WakeWords)
	executor := application.NewVoiceExecutor(interpreter, store, logger)

	deps := api.Deps{
		Store:     store,
		Session:   session,
		Executor:  executor,
		Telemetry: telemetry,
		Hub:       hub,
		Connect:   connectOpts,
	}

	if cfg.Voice.Enabled {
		listener, input := createListener(ctx, cfg, store, executor, hub, logger)
		deps.Voice = listener
		if input != nil {
			deps.VoiceInput = input
		}
		if cfg.Voice.AutoStart {
			if err := listener.StartListening(ctx); err != nil {
				logger.Error("starting voice listener", "error", err)
			}
		}
		defer listener.StopListening()
	}

	if err := session.Probe(ctx); err != nil {
		logger.Warn("transport probe failed", "error", err)
	} else if cfg.Transport.AutoConnect {
		go func() {
			if err := session.Connect(ctx, connectOpts); err != nil {
				logger.Warn("auto connect failed", "error", err)
			}
		}()
	}
	defer func() {
		disconnectCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := session.Disconnect(disconnectCtx); err != nil {
			logger.Warn("disconnecting controller", "error", err)
		}
	}()

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(deps, api.Options{
			RequestTimeout: duration(logger, "server.request_timeout", cfg.Server.RequestTimeout, 20*time.Second),
			RateLimit:      cfg.Server.RateLimit,
			RateWindow:     duration(logger, "server.rate_window", cfg.Server.RateWindow, time.Minute),
		}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting geminized",
		"addr", cfg.Server.Addr,
		"user", cfg.User.ID,
		"store", cfg.Store.Backend,
		"voice", cfg.Voice.Enabled,
	)

	if err := api.RunServer(ctx, server, logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createRemoteStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (application.RemoteStore, func(), error) {
	switch cfg.Backend {
	case "http":
		timeout := duration(logger, "store.timeout", cfg.Timeout, 10*time.Second)
		return httpstore.NewClient(cfg.BaseURL, cfg.Token, timeout), func() {}, nil
	default:
		db, err := docstore.New(ctx, cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("closing document store", "error", err)
			}
		}, nil
	}
}

// createListener wires the voice pipeline. The returned handler is non-nil
// for the http source and must be mounted by the API.
func createListener(ctx context.Context, cfg *config.Config, store *application.Store, executor *application.VoiceExecutor, hub *api.Hub, logger *slog.Logger) (*application.Listener, http.Handler) {
	var (
		source     application.AudioSource
		input      http.Handler
		ownsSource = true
	)
	switch cfg.Voice.Source {
	case "file":
		source = audio.NewFileSource(cfg.Voice.FileDir, logger)
	case "microphone":
		source = audio.NewMicrophoneSource(cfg.Voice.SampleRate, int16(cfg.Voice.SilenceThreshold), logger)
	default:
		httpSource := audio.NewHTTPSource(cfg.Voice.AuthToken, cfg.Voice.QueueSize, logger)
		// Accept posts even while the recognizer is being recreated.
		if err := httpSource.Start(ctx); err != nil {
			logger.Error("starting voice input endpoint", "error", err)
		}
		source = httpSource
		input = httpSource.Handler()
		ownsSource = false
	}

	var stt application.SpeechToText = &application.NoopSTT{}
	if cfg.OpenAI.APIKey != "" {
		stt = openai.NewWhisperClient(cfg.OpenAI.APIKey, cfg.OpenAI.Language, cfg.OpenAI.Model)
	} else {
		logger.Warn("openai.api_key not set, only text commands will be understood")
	}

	vocabulary := func() []string {
		items := store.Accessories()
		names := make([]string, 0, len(items))
		for _, a := range items {
			names = append(names, a.Name)
		}
		return names
	}

	onCommand := func(ctx context.Context, text string) {
		result, err := executor.Execute(ctx, text)
		event := map[string]any{"utterance": text, "command": result.Command}
		if err != nil {
			logger.Warn("voice command failed", "utterance", text, "error", err)
			event["error"] = err.Error()
		} else {
			event["accessory"] = result.Accessory
		}
		hub.Broadcast(api.EventVoice, event)
	}

	listenerCfg := application.ListenerConfig{
		InitialBackoff:        duration(logger, "voice.initial_backoff", cfg.Voice.InitialBackoff, application.DefaultInitialBackoff),
		MaxBackoff:            duration(logger, "voice.max_backoff", cfg.Voice.MaxBackoff, application.DefaultMaxBackoff),
		ForcedRestartInterval: duration(logger, "voice.forced_restart", cfg.Voice.ForcedRestart, application.DefaultForcedRestartInterval),
	}

	factory := application.NewSpeechRecognizerFactory(source, stt, vocabulary, ownsSource, logger)
	return application.NewListener(factory, onCommand, listenerCfg, logger), input
}

func duration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := config.Duration(value, fallback)
	if err != nil {
		logger.Warn("invalid duration, using default", "setting", name, "error", err, "default", fallback)
	}
	return d
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
