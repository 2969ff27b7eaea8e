// Command tokenctl runs operator tasks against the token ledger store:
// account management, recharges, sweeps, integrity checks and reports.
//
// Usage:
//
//	tokenctl users create --email a@b.dev --opening 100
//	tokenctl balance --email a@b.dev
//	tokenctl recharge --email a@b.dev --amount 25
//	tokenctl sweep --older-than 1h
//	tokenctl report transactions --status pending
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/tinoosan/tokenledger/internal/cache"
	"github.com/tinoosan/tokenledger/internal/config"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage"
)

// app is the state shared by subcommands once the store is open.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	store storage.Backend
	tok   tokens.Service
	out   io.Writer
	// rdb and balances are set when REDIS_ADDR is configured.
	rdb      *redis.Client
	balances *cache.Balances
	// closers release what PersistentPreRunE opened.
	closers []func() error
}

func main() {
	a := &app{out: os.Stdout}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "tokenctl",
		Short:         "Operator CLI for the token ledger",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			if a.store != nil {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := storage.Open(ctxOf(cmd), cfg, a.log)
			if err != nil {
				return err
			}
			a.cfg, a.store = cfg, store
			a.closers = append(a.closers, store.Close)
			opts := []tokens.Option{tokens.WithLogger(a.log)}
			if cfg.RedisAddr != "" {
				rdb, err := cache.Dial(ctxOf(cmd), cfg.RedisAddr, cfg.RedisPassword)
				if err != nil {
					return err
				}
				a.rdb = rdb
				a.closers = append(a.closers, rdb.Close)
				a.balances = cache.NewBalances(rdb, 2*cfg.CacheSyncInterval)
				opts = append(opts, tokens.WithCache(a.balances))
			}
			a.tok = tokens.New(store, store, opts...)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			for i := len(a.closers) - 1; i >= 0; i-- {
				_ = a.closers[i]()
			}
			a.closers = nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	root.AddCommand(
		usersCmd(a),
		balanceCmd(a),
		historyCmd(a),
		rechargeCmd(a),
		sweepCmd(a),
		verifyCmd(a),
		reportCmd(a),
		cacheCmd(a),
	)
	return root
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
