package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tinoosan/tokenledger/internal/cache"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// resolveUser accepts either --user-id or --email.
func (a *app) resolveUser(cmd *cobra.Command) (ledger.User, error) {
	rawID, _ := cmd.Flags().GetString("user-id")
	email, _ := cmd.Flags().GetString("email")
	ctx := ctxOf(cmd)
	switch {
	case rawID != "":
		id, err := uuid.Parse(rawID)
		if err != nil {
			return ledger.User{}, fmt.Errorf("invalid --user-id: %w", err)
		}
		return a.store.UserByID(ctx, id)
	case email != "":
		return a.store.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	default:
		return ledger.User{}, errors.New("--user-id or --email is required")
	}
}

func userFlags(cmd *cobra.Command) {
	cmd.Flags().String("user-id", "", "user id")
	cmd.Flags().String("email", "", "user email")
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q", name, raw)
	}
	return d, nil
}

func usersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "User management"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user with an optional opening balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			admin, _ := cmd.Flags().GetBool("admin")
			opening, err := decimalFlag(cmd, "opening")
			if err != nil {
				return err
			}
			u, err := a.tok.OpenAccount(ctxOf(cmd), email, admin, opening)
			if err != nil {
				return err
			}
			return a.printJSON(u)
		},
	}
	create.Flags().String("email", "", "email (required)")
	create.Flags().Bool("admin", false, "grant admin")
	create.Flags().String("opening", "0", "opening balance")
	_ = create.MarkFlagRequired("email")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Soft-delete a user; history is kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.resolveUser(cmd)
			if err != nil {
				return err
			}
			ctx := ctxOf(cmd)
			if err := a.store.DeleteUser(ctx, u.ID, time.Now().UTC()); err != nil {
				return err
			}
			if a.balances != nil {
				if err := a.balances.Forget(ctx, u.ID); err != nil {
					a.log.Warn("cached balance not dropped", "user_id", u.ID, "err", err)
				}
			}
			fmt.Fprintf(a.out, "deleted %s (%s)\n", u.Email, u.ID)
			return nil
		},
	}
	userFlags(del)

	cmd.AddCommand(create, del)
	return cmd
}

func balanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.resolveUser(cmd)
			if err != nil {
				return err
			}
			bal, err := a.tok.Balance(ctxOf(cmd), u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s\t%s\t%s\n", u.ID, u.Email, bal.StringFixed(2))
			return nil
		},
	}
	userFlags(cmd)
	return cmd
}

func historyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.resolveUser(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			txns, err := a.tok.History(ctxOf(cmd), u.ID, limit)
			if err != nil {
				return err
			}
			return a.printJSON(txns)
		},
	}
	userFlags(cmd)
	cmd.Flags().Int("limit", 20, "max records (0 for all)")
	return cmd
}

func rechargeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recharge",
		Short: "Credit tokens to a user by email",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			desc, _ := cmd.Flags().GetString("description")
			amount, err := decimalFlag(cmd, "amount")
			if err != nil {
				return err
			}
			if amount.GreaterThan(a.cfg.MaxRecharge) {
				return fmt.Errorf("amount exceeds MAX_RECHARGE %s", a.cfg.MaxRecharge)
			}
			var admin uuid.UUID
			if raw, _ := cmd.Flags().GetString("admin-id"); raw != "" {
				if admin, err = uuid.Parse(raw); err != nil {
					return fmt.Errorf("invalid --admin-id: %w", err)
				}
			}
			res, err := a.tok.Recharge(ctxOf(cmd), tokens.RechargeRequest{
				AdminID:     admin,
				TargetEmail: email,
				Amount:      amount,
				Description: desc,
			})
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().String("email", "", "target email (required)")
	cmd.Flags().String("amount", "", "tokens to add (required)")
	cmd.Flags().String("admin-id", "", "acting admin, recorded in metadata")
	cmd.Flags().String("description", "", "description")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func sweepCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Abort reservations pending longer than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				age = a.cfg.StaleReservationTTL
			}
			rep, err := a.tok.SweepStale(ctxOf(cmd), age)
			if perr := a.printJSON(rep); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().Duration("older-than", 0, "minimum reservation age (default STALE_RESERVATION_TTL)")
	return cmd
}

func verifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay history and compare against stored balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := ctxOf(cmd)
			var ids []uuid.UUID
			if all, _ := cmd.Flags().GetBool("all"); all {
				balances, err := a.store.AllBalances(ctx)
				if err != nil {
					return err
				}
				for id := range balances {
					ids = append(ids, id)
				}
			} else {
				u, err := a.resolveUser(cmd)
				if err != nil {
					return err
				}
				ids = append(ids, u.ID)
			}
			bad := 0
			for _, id := range ids {
				in, err := a.tok.Verify(ctx, id)
				if err != nil {
					return err
				}
				if !in.Valid {
					bad++
					if err := a.printJSON(in); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(a.out, "verified %d users, %d inconsistent\n", len(ids), bad)
			if bad > 0 {
				return fmt.Errorf("%d users failed verification", bad)
			}
			return nil
		},
	}
	userFlags(cmd)
	cmd.Flags().Bool("all", false, "verify every live user")
	return cmd
}

func reportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Admin reports"}

	txns := &cobra.Command{
		Use:   "transactions",
		Short: "Page through transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			op, _ := cmd.Flags().GetString("operation-type")
			page, _ := cmd.Flags().GetInt("page")
			limit, _ := cmd.Flags().GetInt("limit")
			uid, err := optionalUser(cmd)
			if err != nil {
				return err
			}
			out, err := report.New(a.store).Transactions(ctxOf(cmd), report.TransactionQuery{
				Status:        ledger.Status(status),
				OperationType: ledger.OperationType(op),
				UserID:        uid,
				Page:          page,
				Limit:         limit,
			})
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	txns.Flags().String("status", "", "pending|completed|refunded|aborted")
	txns.Flags().String("operation-type", "", "dataset_upload|inference|admin_recharge")

	datasets := &cobra.Command{
		Use:   "datasets",
		Short: "Page through datasets, flagging orphans",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			typ, _ := cmd.Flags().GetString("type")
			deleted, _ := cmd.Flags().GetBool("include-deleted")
			page, _ := cmd.Flags().GetInt("page")
			limit, _ := cmd.Flags().GetInt("limit")
			uid, err := optionalUser(cmd)
			if err != nil {
				return err
			}
			out, err := report.New(a.store).Datasets(ctxOf(cmd), report.DatasetQuery{
				UserID:         uid,
				Name:           name,
				Type:           typ,
				IncludeDeleted: deleted,
				Page:           page,
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	datasets.Flags().String("name", "", "name contains (case-insensitive)")
	datasets.Flags().String("type", "", "images|video-frames")
	datasets.Flags().Bool("include-deleted", false, "include soft-deleted datasets")

	for _, c := range []*cobra.Command{txns, datasets} {
		c.Flags().String("user-id", "", "filter by user id")
		c.Flags().Int("page", 1, "page number")
		c.Flags().Int("limit", report.DefaultLimit, "rows per page")
	}
	cmd.AddCommand(txns, datasets)
	return cmd
}

func optionalUser(cmd *cobra.Command) (*uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("user-id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --user-id: %w", err)
	}
	return &id, nil
}

func cacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Balance cache maintenance"}
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Reload every balance from the store into redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.rdb == nil {
				return errors.New("REDIS_ADDR is not set")
			}
			ctx := ctxOf(cmd)
			s := cache.NewSyncer(a.rdb, a.store, 2*a.cfg.CacheSyncInterval, a.log)
			n, err := s.Load(ctx)
			if err != nil {
				return err
			}
			fixed, err := s.Drift(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "synced %d balances, %d drifted\n", n, fixed)
			return nil
		},
	}
	cmd.AddCommand(sync)
	return cmd
}
