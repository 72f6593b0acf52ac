package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trafficcount/internal/api"
	"trafficcount/internal/auth"
	"trafficcount/internal/capture"
	"trafficcount/internal/config"
	"trafficcount/internal/counting"
	"trafficcount/internal/database"
	"trafficcount/internal/pipeline"
	"trafficcount/internal/stream"
	"trafficcount/internal/telegram"
	"trafficcount/internal/tracker"
	"trafficcount/internal/ws"
)

func main() {
	var (
		configF    = flag.String("config", "", "Path to a JSON config file")
		addrF      = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
		sourceF    = flag.String("source", "", "Video file, stream URL or device to start counting on boot")
		retentionF = flag.Duration("retention", 0, "Delete recorded sessions older than this (0 keeps everything)")
		hashF      = flag.String("hash-password", "", "Print a bcrypt hash for AUTH_PASSWORD and exit")
		dbgF       = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	if *hashF != "" {
		hash, err := auth.HashPassword(*hashF)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	// Setup logger
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[trafficcount] ", log.Ltime)
	}

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			logger.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}
	if *sourceF != "" {
		cfg.Source = *sourceF
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	// Tracker backend
	trk, healthy, err := newTracker(cfg)
	if err != nil {
		logger.Fatalf("failed to create tracker: %v", err)
	}
	// Probe once so the device is known before the engine sizes its rate bands
	if !healthy() {
		logger.Printf("tracker at %s is not healthy yet", cfg.Tracker.Endpoint)
	}
	adaptive := tracker.NewAdaptive(trk)
	logger.Printf("tracker: %s at %s (accelerated: %v)", adaptive.Name(), cfg.Tracker.Endpoint, adaptive.Accelerated())

	// Counting engine
	var (
		bus    *pipeline.EventBus
		engine *pipeline.Engine
	)
	{
		bus = pipeline.NewEventBus()
		session := counting.NewSession(cfg.SessionOptions())
		opener := capture.Opener(capture.Options{
			Backend: capture.Backend(cfg.Capture.Backend),
			FFmpeg: capture.FFmpegOptions{
				Binary:   cfg.Capture.FFmpeg,
				FPS:      cfg.Capture.FPS,
				Width:    cfg.Session.FrameWidth,
				Height:   cfg.Session.FrameHeight,
				Realtime: cfg.Capture.Realtime,
			},
		})
		params := pipeline.DefaultTrackParams()
		params.IoU = cfg.Tracker.IoU
		params.ImageSize = cfg.Tracker.ImageSize
		params.Classes = cfg.TrackerClasses()

		engine = pipeline.NewEngine(session, adaptive, stream.NewOverlay(), opener, bus, pipeline.EngineOptions{
			Params:     params,
			RateWindow: config.Duration(cfg.Session.RateWindow, time.Second),
		})
	}

	// Display sinks
	var (
		mjpeg *stream.MJPEGServer
		video *stream.VideoSocket
		hub   *ws.LiveHub
	)
	{
		mjpeg = stream.NewMJPEGServer()
		video = stream.NewVideoSocket()
		hub = ws.NewLiveHub()
		bus.Subscribe(hub)
	}

	// Crossing log
	var (
		db           *database.Database
		stopRecorder func()
	)
	if cfg.Database.Path != "" {
		db, err = database.New(cfg.Database.Path)
		if err != nil {
			logger.Fatalf("failed to open database: %v", err)
		}
		if err := db.Migrate(); err != nil {
			logger.Fatalf("failed to migrate database: %v", err)
		}
		stopRecorder = database.NewRecorder(db, adaptive.Name()).Attach(bus, database.DefaultRecorderBuffer)
		logger.Printf("recording crossings to %s", cfg.Database.Path)
	}

	// End-of-run reports
	var stopNotifier func()
	{
		tgCfg := telegram.Config{
			BotToken:        cfg.Telegram.BotToken,
			ChatID:          cfg.Telegram.ChatID,
			Enabled:         cfg.Telegram.Enabled,
			CooldownSeconds: cfg.Telegram.CooldownSeconds,
		}
		if err := telegram.ValidateConfig(tgCfg); err != nil {
			logger.Fatalf("invalid telegram config: %v", err)
		}
		if bot := telegram.NewBot(tgCfg); bot.IsEnabled() {
			var frame func() []byte
			if cfg.Telegram.AttachFrame {
				frame = func() []byte {
					data, _ := mjpeg.CurrentFrame()
					return data
				}
			}
			stopNotifier = telegram.NewNotifier(bot, engine.Session().Categories(), frame).Attach(bus)
			logger.Printf("telegram reports enabled for chat %s", cfg.Telegram.ChatID)
		}
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:        cfg.Auth.Enabled,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		ViewerUsername: cfg.Auth.ViewerUsername,
		ViewerPassword: cfg.Auth.ViewerPassword,
		JWTSecret:      cfg.Auth.JWTSecret,
		JWTExpiry:      config.Duration(cfg.Auth.JWTExpiry, auth.DefaultTokenExpiry),
	})
	if err != nil {
		logger.Fatalf("failed to initialize auth: %v", err)
	}
	if authenticator.IsEnabled() {
		logger.Printf("authentication enabled for user %q", cfg.Auth.Username)
	}

	server := api.New(api.Options{
		Engine:        engine,
		DB:            db,
		Auth:          authenticator,
		Logger:        logger,
		Debug:         cfg.Server.Debug,
		Live:          ws.NewHandler(hub),
		Video:         video,
		MJPEG:         mjpeg,
		Snapshot:      mjpeg.SnapshotHandler(),
		TrackerHealth: healthy,
	})

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	display := pipeline.NewDisplayLoop(engine.Relay(), nil, config.Duration(cfg.Display.Interval, pipeline.DefaultDisplayInterval), mjpeg, video, hub)
	wg.Add(1)
	go func() {
		defer wg.Done()
		display.Run(ctx)
	}()

	if db != nil && *retentionF > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetention(ctx, db, *retentionF, logger)
		}()
	}

	handleHTTPServer(ctx, cfg.Server.Addr, server.Handler(), &wg, errc, logger)

	if cfg.Source != "" {
		if err := engine.Start(cfg.Source); err != nil {
			logger.Printf("failed to start on %s: %v", cfg.Source, err)
		}
	}

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	if err := engine.Close(); err != nil {
		logger.Printf("failed to close engine: %v", err)
	}
	if stopRecorder != nil {
		stopRecorder()
	}
	if stopNotifier != nil {
		stopNotifier()
	}
	hub.Close()
	video.Close()
	bus.Close()
	if db != nil {
		db.Close()
	}
	logger.Println("exited")
}

// newTracker builds the configured backend and its health probe
func newTracker(cfg *config.Config) (pipeline.Tracker, func() bool, error) {
	classMap, err := cfg.TrackerClassMap()
	if err != nil {
		return nil, nil, err
	}
	timeout := config.Duration(cfg.Tracker.CallTimeout, 0)

	switch cfg.Tracker.Kind {
	case config.TrackerHTTP:
		t := tracker.NewHTTPTracker(tracker.HTTPConfig{
			Endpoint:    cfg.Tracker.Endpoint,
			ClassMap:    classMap,
			Timeout:     timeout,
			JPEGQuality: cfg.Tracker.JPEGQuality,
		})
		return t, t.IsHealthy, nil
	default:
		t, err := tracker.NewGRPCTracker(tracker.GRPCConfig{
			Endpoint:    cfg.Tracker.Endpoint,
			ClassMap:    classMap,
			CallTimeout: timeout,
			JPEGQuality: cfg.Tracker.JPEGQuality,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t.IsHealthy, nil
	}
}

// runRetention prunes old sessions once an hour
func runRetention(ctx context.Context, db *database.Database, keep time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if n, err := db.DeleteOldSessions(time.Now().Add(-keep)); err != nil {
			logger.Printf("retention: %v", err)
		} else if n > 0 {
			logger.Printf("retention: deleted %d sessions older than %s", n, keep)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
