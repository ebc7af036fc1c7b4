package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"kptv-broker/work/broker"
	"kptv-broker/work/config"
	"kptv-broker/work/database"
	"kptv-broker/work/handlers"
	"kptv-broker/work/logger"
)

var (
	Version = "v0.1.0" // default version
)

// swapHandler lets a reload replace the router without restarting the listener
type swapHandler struct {
	h atomic.Value
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.h.Load().(http.Handler).ServeHTTP(w, r)
}

// app bundles what a reload rebuilds
type app struct {
	cfg    *config.Config
	broker *broker.Broker
	router *mux.Router
}

func build(ctx context.Context, cfg *config.Config, db *database.DB, admin handlers.Admin) (*app, error) {
	b, err := broker.New(ctx, cfg, db, broker.Options{})
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		b.Close()
		return nil, err
	}

	router := handlers.NewRouter(b, cfg.Tuner.HLSDir)
	handlers.AddAdminRoutes(router, b, admin)
	return &app{cfg: cfg, broker: b, router: router}, nil
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("{main - loadConfig} failed to load configuration: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("{main - loadConfig} invalid configuration: %v", err)
		os.Exit(1)
	}
	return cfg
}

// our main app worker
func main() {

	// load our config
	cfg := loadConfig()

	// structured logs to stdout, plus the ring the admin log endpoint reads
	ring := logger.NewRing(1000)
	logger.Configure(zerolog.MultiLevelWriter(os.Stdout, ring), cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main - main} failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	restartChan := make(chan struct{}, 1)
	admin := handlers.Admin{Version: Version, Started: time.Now(), Logs: ring, Restart: restartChan}

	current, err := build(ctx, cfg, db, admin)
	if err != nil {
		logger.Error("{main - main} failed to start broker: %v", err)
		os.Exit(1)
	}

	var mu sync.Mutex
	handler := &swapHandler{}
	handler.h.Store(http.Handler(current.router))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("{main - main} Starting KPTV Broker %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main - main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - main}   - Database: %s", cfg.DatabasePath)
	logger.Info("{main - main}   - Shared Ledger: %v", cfg.RedisURL != "")
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - Session Timeout: %s", cfg.Sessions.Timeout)
	logger.Info("{main - main}   - Health Interval: %s", cfg.Health.Interval)
	logger.Info("{main - main}   - Catalog Refresh: %s", cfg.Catalog.RefreshInterval)
	logger.Info("{main - main}   - Tuner Queue Timeout: %s", cfg.Tuner.QueueTimeout)
	logger.Info("{main - main}   - FFmpeg Mode: %v", cfg.Tuner.FFmpegMode)
	logger.Info("{main - main}   - Log Level: %s", cfg.LogLevel)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully reload if it's requested to do.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-restartChan:
			}

			logger.Info("{main - main} Graceful restart requested...")

			newCfg, err := config.LoadConfig()
			if err == nil {
				err = newCfg.Validate()
			}
			if err != nil {
				logger.Error("{main - main} reload aborted, keeping the running configuration: %v", err)
				continue
			}
			if newCfg.DatabasePath != current.cfg.DatabasePath || newCfg.ListenAddr != current.cfg.ListenAddr {
				logger.Warn("{main - main} databasePath and listenAddr changes need a process restart")
			}
			logger.SetLogLevel(newCfg.LogLevel)

			// a reload drops live sessions: the new tracker purges the old rows on start
			mu.Lock()
			current.broker.Close()
			next, err := build(ctx, newCfg, db, admin)
			if err != nil {
				logger.Error("{main - main} reload failed, restoring the previous configuration: %v", err)
				next, err = build(ctx, current.cfg, db, admin)
				if err != nil {
					logger.Error("{main - main} could not restore the previous broker: %v", err)
					mu.Unlock()
					cancel()
					return
				}
			}
			current = next
			handler.h.Store(http.Handler(current.router))
			mu.Unlock()
			logger.Info("{main - main} Graceful restart completed")
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("{main - main} shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("{main - main} server shutdown: %v", err)
		}
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("{main - main} Server failed to start: %v", err)
		cancel()
	}

	mu.Lock()
	current.broker.Close()
	mu.Unlock()
}
