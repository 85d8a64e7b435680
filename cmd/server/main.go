package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/courtside/photodesk/internal/api"
	"github.com/courtside/photodesk/internal/config"
	"github.com/courtside/photodesk/internal/imaging"
	"github.com/courtside/photodesk/internal/logging"
	"github.com/courtside/photodesk/internal/session"
	"github.com/courtside/photodesk/internal/storage"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/courtside/photodesk/internal/upload"
	"github.com/courtside/photodesk/internal/web"
	"github.com/gofrs/flock"
	"github.com/labstack/echo/v4"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (XML, or YAML for .yaml/.yml)")
	flag.Parse()

	if *configPath == "" {
		// Get the executable's directory for config resolution
		exePath, err := os.Executable()
		if err != nil {
			fmt.Printf("Failed to get executable path: %v\n", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(exePath), "photodesk.config.xml")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Advanced.LogLevel, Format: cfg.Advanced.LogFormat})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	api.ShowErrorDetails = logging.ParseLevel(cfg.Advanced.LogLevel) == slog.LevelDebug

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, configPath string, logger *slog.Logger) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	// Preview files are owned by exactly one process
	lock := flock.New(filepath.Join(cfg.GetDataDir(), "photodesk.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring data directory lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another photodesk server is using %s", cfg.GetDataDir())
	}
	defer lock.Unlock()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	previews, err := storage.NewLocalStore(cfg.GetPreviewDir())
	if err != nil {
		return err
	}
	if n, err := previews.PurgeStale(); err != nil {
		logger.Warn("failed to purge stale previews", "error", err)
	} else if n > 0 {
		logger.Info("purged stale previews", "count", n)
	}

	sink := submit.NewHTTPSink(cfg.GetUploadURL(), cfg.BackendTimeout(), logger)

	sessionMgr := session.NewManager(session.Dependencies{
		Policy:        policy,
		Deriver:       imaging.NewDeriver(cfg.DeriverOptions(), logger),
		Previews:      previews,
		Sink:          sink,
		Logger:        logger,
		IngestOptions: cfg.IngestOptions(),
	}, cfg.Processing.MaxSessions)
	defer sessionMgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploadMgr := upload.NewManager(ctx, logger)

	// Start background session and job cleanup
	go func() {
		interval := time.Duration(cfg.Processing.CleanupIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions := sessionMgr.CleanupOldSessions(time.Duration(cfg.Processing.SessionTimeoutMinutes) * time.Minute)
				jobs := uploadMgr.CleanupOldJobs(time.Duration(cfg.Processing.JobRetentionMinutes) * time.Minute)
				if sessions > 0 || jobs > 0 {
					logger.Info("cleanup finished", "sessions", sessions, "jobs", jobs, "previews", previews.Len())
				}
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	origins := strings.Split(cfg.Server.AllowOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	api.SetupMiddleware(e, api.MiddlewareOptions{
		BodyLimit:        cfg.Server.BodyLimit,
		EnableCORS:       cfg.Server.EnableCORS,
		AllowOrigins:     origins,
		RequestLogging:   cfg.Advanced.EnableRequestLogging,
		Compression:      cfg.Processing.EnableCompression,
		CompressionLevel: cfg.Processing.CompressionLevel,
		Logger:           logger,
	})

	handlers := api.NewHandlers(&api.Dependencies{
		Previews:           previews,
		SessionMgr:         sessionMgr,
		UploadMgr:          uploadMgr,
		FallbackCredential: submit.StaticCredential(cfg.Backend.Token),
		WSMaxMessageSize:   cfg.Advanced.WebSocketMaxMessageSize * 1024,
		Version:            Version,
		Logger:             logger,
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	// Register embedded console if available
	embeddedMode := web.HasEmbeddedFiles()
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("failed to register static routes", "error", err)
			embeddedMode = false
		}
	}

	// Configure server with settings from config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, embeddedMode)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func printBanner(cfg *config.AppConfig, configPath string, embeddedMode bool) {
	mode := "API only"
	if embeddedMode {
		mode = "Console (Embedded)"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Photo Desk Server                               ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Previews:  %-46s║\n", cfg.GetPreviewDir())
	fmt.Printf("║  Backend:   %-46s║\n", cfg.GetUploadURL())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if embeddedMode {
		fmt.Printf("Open http://localhost:%d in your browser\n\n", cfg.Server.Port)
	}
}
