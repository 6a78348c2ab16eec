package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ecobridge/config"
	"ecobridge/internal/api"
	"ecobridge/internal/clock"
	"ecobridge/internal/devices"
	"ecobridge/internal/drivers/ecobee"
	"ecobridge/internal/idgen"
	"ecobridge/internal/logging"
	"ecobridge/internal/notify"
	"ecobridge/internal/poller"
	"ecobridge/internal/scheduler"
	"ecobridge/internal/storage"
	"ecobridge/internal/storage/backend"
	"ecobridge/internal/storage/redisstore"
	"ecobridge/internal/tokens"

	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout   = 10 * time.Second
	defaultConfigPath = "config.json"
)

// version is recorded in the shared store at startup; set with -ldflags
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	useEnv := flag.Bool("env", false, "Load configuration from environment variables")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	instanceID := idgen.NewInstance()
	logger := logging.NewLogger(logging.LoggerConfig{
		Format:     cfg.Logging.Format,
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}).With("instance_id", instanceID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Opening custom data store", "url_scheme", schemeOf(cfg.Store.URL), "namespace", cfg.Store.Namespace)
	store, err := backend.Open(ctx, cfg.Store.URL, cfg.Store.Namespace)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	clk := clock.RealClock{}
	tokenStore := tokens.NewStore(store, clk, logger)

	locker, closeLocker, err := newLocker(cfg, store, tokenStore, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	board := notify.NewBoard()
	sinks := []notify.Notifier{board}
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatIDs, logger)
		if err != nil {
			logger.Warn("Telegram notices disabled", "error", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	notifier := notify.NewFanout(logger, sinks...)

	status := ecobee.NewStatus(logger)
	session := logging.NewSessionLogger(ecobee.NewHTTPSession(cfg.Ecobee.BaseURL, cfg.Ecobee.Timeout()), logger)

	refresher := ecobee.NewRefresher(ecobee.RefresherConfig{
		ClientID:      cfg.Ecobee.APIKey,
		PollInterval:  cfg.Polling.LongPoll(),
		RefreshFactor: cfg.Polling.RefreshFactor,
	}, session, tokenStore, locker, notifier, status, clk, logger)

	authFlow := ecobee.NewAuthFlow(ecobee.AuthFlowConfig{
		ClientID: cfg.Ecobee.APIKey,
		Scope:    cfg.Ecobee.Scope,
		Backoff: ecobee.Backoff{
			Initial:   time.Duration(cfg.Auth.PinInitialSeconds) * time.Second,
			Increment: time.Duration(cfg.Auth.PinIncrementSeconds) * time.Second,
			Max:       time.Duration(cfg.Auth.PinMaxSeconds) * time.Second,
		},
		PinTimeout: time.Duration(cfg.Auth.PinTimeoutSeconds) * time.Second,
	}, session, tokenStore, notifier, status, clk, logger)

	client := ecobee.NewClient(session, refresher, status, logger)
	registry := devices.NewRegistry()

	p := poller.New(client, refresher, authFlow, tokenStore, registry, clk, logger, version)
	refresher.SetReauthorizer(p)

	router := api.NewRouter(api.RouterConfig{
		Poller:     p,
		Refresher:  refresher,
		AuthStatus: status,
		Notices:    board,
		Registry:   registry,
		InstanceID: instanceID,
		APIKey:     cfg.Security.APIKey,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	sched := scheduler.NewScheduler(p, cfg.Polling.ShortPoll(), cfg.Polling.LongPoll(), clk, logger)
	bootstrapErrors := make(chan error, 1)
	go func() {
		if err := p.Bootstrap(ctx); err != nil {
			bootstrapErrors <- err
			return
		}
		sched.Start(ctx)
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-bootstrapErrors:
		if ctx.Err() == nil {
			runErr = fmt.Errorf("bootstrap failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	stop()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	p.Wait()

	logger.Info("Graceful shutdown complete")
	return runErr
}

// newLocker picks the refresh lock. The blob lock lives in the shared store
// itself; the redis lock needs a redis connection.
func newLocker(cfg *config.Config, store storage.Store, tokenStore *tokens.Store, logger *slog.Logger) (ecobee.Locker, func(), error) {
	noop := func() {}
	if cfg.Store.Lock != config.LockRedis {
		return tokens.NewBlobLock(tokenStore, cfg.Polling.LockStale()), noop, nil
	}

	if rs, ok := store.(*redisstore.RedisStorage); ok && cfg.Store.RedisLockURL == "" {
		logger.Info("Using redis refresh lock on the store connection")
		return redisstore.NewLocker(rs.Client(), cfg.Store.Namespace, cfg.Polling.LockStale()), noop, nil
	}

	opts, err := redis.ParseURL(cfg.Store.RedisLockURL)
	if err != nil {
		return nil, noop, fmt.Errorf("invalid redis lock url: %w", err)
	}
	client := redis.NewClient(opts)
	logger.Info("Using redis refresh lock", "addr", opts.Addr)
	return redisstore.NewLocker(client, cfg.Store.Namespace, cfg.Polling.LockStale()), func() { client.Close() }, nil
}

func schemeOf(rawURL string) string {
	scheme, _, _ := strings.Cut(rawURL, "://")
	return scheme
}
