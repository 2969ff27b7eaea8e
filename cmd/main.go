package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/blackbox"
	"github.com/tinoosan/tokenledger/internal/cache"
	"github.com/tinoosan/tokenledger/internal/config"
	v1 "github.com/tinoosan/tokenledger/internal/httpapi/v1"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := []tokens.Option{tokens.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		ttl := 2 * cfg.CacheSyncInterval
		syncer := cache.NewSyncer(rdb, store, ttl, logger)
		if n, err := syncer.Load(ctx); err != nil {
			logger.Warn("initial balance cache load failed", "err", err)
		} else {
			logger.Info("balance cache loaded", "users", n)
		}
		syncer.StartPeriodicSync(cfg.CacheSyncInterval)
		defer syncer.Stop()
		opts = append(opts, tokens.WithCache(cache.NewBalances(rdb, ttl)))
	}

	tok := tokens.New(store, store, opts...)
	bb := blackbox.New(cfg.BlackboxURL, nil)
	tokens.StartSweeper(ctx, tok, cfg.SweepInterval, cfg.StaleReservationTTL, logger)

	if cfg.DevSeed {
		devSeed(ctx, logger, tok, store)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: v1.New(v1.Deps{
			Tokens:     tok,
			Datasets:   dataset.New(store, store, tok, logger),
			Inferences: inference.New(store, store, tok, bb, cfg.InferenceTimeout, logger),
			Reports:    report.New(store),
			Users:      store,
			Ready:      readiness{store, blackboxProbe{bb}},
		}, v1.Options{
			MaxRecharge: cfg.MaxRecharge,
			SweepAge:    cfg.StaleReservationTTL,
			JWT:         v1.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		}, logger).Handler(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Inference requests hold the connection for the black box round trip.
		WriteTimeout: cfg.InferenceTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("token ledger listening", "addr", srv.Addr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}
}

// readiness is ready when every probe is.
type readiness []v1.ReadyChecker

func (r readiness) Ready(ctx context.Context) error {
	for _, c := range r {
		if err := c.Ready(ctx); err != nil {
			return err
		}
	}
	return nil
}

type blackboxProbe struct{ c *blackbox.Client }

func (p blackboxProbe) Ready(ctx context.Context) error { return p.c.Health(ctx) }

// devSeed opens an admin and a funded demo user unless they already exist.
func devSeed(ctx context.Context, l *slog.Logger, tok tokens.Service, users interface {
	UserByEmail(ctx context.Context, email string) (ledger.User, error)
}) {
	seed := []struct {
		email   string
		admin   bool
		opening decimal.Decimal
	}{
		{"admin@tokenledger.dev", true, decimal.Zero},
		{"demo@tokenledger.dev", false, decimal.NewFromInt(100)},
	}
	fmt.Println("==================== DEV SEED ====================")
	for _, s := range seed {
		u, err := users.UserByEmail(ctx, s.email)
		if err != nil {
			u, err = tok.OpenAccount(ctx, s.email, s.admin, s.opening)
		}
		if err != nil {
			l.Error("dev seed failed", "email", s.email, "err", err)
			continue
		}
		l.Info("DEV seed", "email", u.Email, "user_id", u.ID.String(), "admin", u.IsAdmin)
		fmt.Printf("%-24s %s\n", u.Email+":", u.ID.String())
	}
	fmt.Println("==================================================")
}

// parseLogLevel maps env values to slog.Leveler
func parseLogLevel(s string) slog.Leveler {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
