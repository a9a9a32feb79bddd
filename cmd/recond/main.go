// cmd/recond/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/common/config"
	"entitlement-engine/internal/common/database"
	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/observability"
	"entitlement-engine/internal/credits"
	"entitlement-engine/internal/entitlement"
	"entitlement-engine/internal/identity"
	"entitlement-engine/internal/recon"
	"entitlement-engine/internal/session"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting reconciliation engine...")

	obs := observability.New(cfg.App.Name, cfg.Tracing.JaegerEndpoint)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Wire components ---
	sessionStore := session.NewStore(redis, cfg.Redis.KeyPrefix, log)
	authClient := session.NewAuthClient(cfg.Auth.TokenURL, cfg.Auth.Timeout(), log)
	sessionManager := session.NewManager(sessionStore, authClient, cfg.Auth.MaxRetries, cfg.Auth.Backoff(), log)

	billingClient := billing.NewClient(cfg.Billing.BaseURL, cfg.Billing.APIKey, cfg.Billing.Timeout(), log)
	resolver := entitlement.NewResolver(log)

	creditStore := credits.NewStore(redis, cfg.Redis.KeyPrefix)
	creditClient := credits.NewClient(cfg.Credits.BaseURL, sessionManager, cfg.Credits.Timeout(), log)
	ledger := credits.NewLedger(creditStore, creditClient, sessionStore, log)

	linker := identity.NewLinker(billingClient, ledger, creditClient, log)

	facade := recon.NewFacade(sessionStore, sessionManager, resolver, billingClient, ledger, linker, obs, cfg.Quota.CreatorWeeklyLimit, log)
	facade.Subscribe(func(snap recon.Snapshot) {
		log.Debug("State snapshot published", map[string]interface{}{
			"tier":      snap.Tier.String(),
			"effective": snap.Effective,
			"signed_in": snap.SignedIn,
		})
	})

	zapLog.Info("All components wired successfully")

	// --- API & Metrics Server ---
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := redis.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, facade.Current())
	})

	mux.HandleFunc("/v1/events/foreground", eventHandler(func(r *http.Request) error {
		return facade.HandleForeground(r.Context())
	}, facade))

	mux.HandleFunc("/v1/events/purchase-finished", eventHandler(func(r *http.Request) error {
		var body struct {
			Cancelled bool `json:"cancelled"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var purchaseErr error
		if body.Cancelled {
			purchaseErr = apperrors.NewPurchaseCancelledError()
		}
		return facade.HandlePurchaseFinished(r.Context(), purchaseErr)
	}, facade))

	mux.HandleFunc("/v1/events/sign-in", eventHandler(func(r *http.Request) error {
		var body struct {
			UserID       string `json:"user_id"`
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return err
		}
		return facade.HandleSignIn(r.Context(), body.UserID, body.AccessToken, body.RefreshToken)
	}, facade))

	mux.HandleFunc("/v1/events/sign-out", eventHandler(func(r *http.Request) error {
		return facade.HandleSignOut(r.Context())
	}, facade))

	mux.HandleFunc("/v1/credits/spend", eventHandler(func(r *http.Request) error {
		var body struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return err
		}
		return facade.SpendCredits(r.Context(), body.Amount)
	}, facade))

	mux.HandleFunc("/v1/credits/add", eventHandler(func(r *http.Request) error {
		var body struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return err
		}
		return facade.AddCredits(r.Context(), body.Amount)
	}, facade))

	mux.HandleFunc("/v1/generations", eventHandler(func(r *http.Request) error {
		_, err := facade.RecordGeneration(r.Context())
		return err
	}, facade))

	server := &http.Server{
		Addr:    cfg.Metrics.Address,
		Handler: mux,
	}

	go func() {
		zapLog.Info("API/Metrics server listening", zap.String("addr", cfg.Metrics.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("API/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down server", zap.Error(err))
	}

	zapLog.Info("Reconciliation engine stopped gracefully")
}

func eventHandler(fn func(r *http.Request) error, facade *recon.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := fn(r); err != nil {
			status := http.StatusInternalServerError
			if apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredits) {
				status = http.StatusPaymentRequired
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, facade.Current())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
