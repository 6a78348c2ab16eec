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

	"ecobridge/config"
	"ecobridge/internal/clock"
	"ecobridge/internal/drivers/ecobee"
	"ecobridge/internal/logging"
	"ecobridge/internal/storage/backend"
	"ecobridge/internal/tokens"
)

// consoleNotifier prints notices for the operator running the tool
type consoleNotifier struct{}

func (consoleNotifier) Notify(_ context.Context, key, message string) error {
	fmt.Printf("[%s] %s\n", key, message)
	return nil
}

func (consoleNotifier) Clear(context.Context) error { return nil }

func main() {
	configPath := flag.String("config", "config.json", "Path to configuration file")
	action := flag.String("action", "status", "Action to perform: pair, status, refresh, discard")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: "text",
		Level:  logging.ParseLevel(cfg.Logging.Level),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg.Store.URL, cfg.Store.Namespace)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	clk := clock.RealClock{}
	tokenStore := tokens.NewStore(store, clk, logger)
	status := ecobee.NewStatus(logger)
	session := logging.NewSessionLogger(ecobee.NewHTTPSession(cfg.Ecobee.BaseURL, cfg.Ecobee.Timeout()), logger)

	switch *action {
	case "pair":
		flow := ecobee.NewAuthFlow(ecobee.AuthFlowConfig{
			ClientID:   cfg.Ecobee.APIKey,
			Scope:      cfg.Ecobee.Scope,
			PinTimeout: time.Duration(cfg.Auth.PinTimeoutSeconds) * time.Second,
		}, session, tokenStore, consoleNotifier{}, status, clk, logger)

		fmt.Println("Requesting a PIN, approve it in the ecobee portal under My Apps...")
		rec, err := flow.Run(ctx)
		if err != nil {
			log.Fatalf("❌ Pairing failed: %v", err)
		}
		fmt.Printf("\n✅ Paired. Token stored, expires %s UTC\n", rec.Expires.Format(tokens.TimeLayout))

	case "status":
		printStatus(ctx, tokenStore, clk)

	case "refresh":
		refresher := ecobee.NewRefresher(ecobee.RefresherConfig{
			ClientID:     cfg.Ecobee.APIKey,
			PollInterval: cfg.Polling.LongPoll(),
		}, session, tokenStore, tokens.NewBlobLock(tokenStore, cfg.Polling.LockStale()), consoleNotifier{}, status, clk, logger)

		rec, err := tokenStore.Load(ctx)
		if err != nil {
			log.Fatalf("Failed to load tokens: %v", err)
		}
		refresher.SetCurrent(rec)
		if err := refresher.Refresh(ctx); err != nil {
			if errors.Is(err, ecobee.ErrLockHeld) {
				log.Fatalf("❌ Another instance is refreshing right now, try again shortly")
			}
			log.Fatalf("❌ Refresh failed: %v", err)
		}
		fmt.Println("✅ Refreshed")
		printStatus(ctx, tokenStore, clk)

	case "discard":
		if err := tokenStore.Discard(ctx); err != nil {
			log.Fatalf("Failed to discard tokens: %v", err)
		}
		fmt.Println("✅ Stored tokens discarded, the bridge will ask for a new PIN")

	default:
		log.Fatalf("Unknown action: %s. Use: pair, status, refresh, or discard", *action)
	}
}

func printStatus(ctx context.Context, tokenStore *tokens.Store, clk clock.Clock) {
	rec, err := tokenStore.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load tokens: %v", err)
	}
	lock, err := tokenStore.LoadLock(ctx)
	if err != nil {
		log.Fatalf("Failed to load lock: %v", err)
	}

	if rec == nil {
		fmt.Println("Tokens:  none stored")
	} else {
		fmt.Printf("Tokens:  expires %s UTC (%s left)\n",
			rec.Expires.Format(tokens.TimeLayout), rec.Remaining(clk.Now()).Truncate(time.Second))
	}
	switch {
	case lock.Corrupt:
		fmt.Println("Lock:    unreadable, will be seized on next refresh")
	case lock.Held:
		fmt.Printf("Lock:    held since %s UTC\n", lock.At.Format(tokens.TimeLayout))
	default:
		fmt.Println("Lock:    free")
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, config.ErrConfigFileNotFound) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	fmt.Printf("Config file not found at %s, trying environment variables...\n", path)
	cfg, err = config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}
