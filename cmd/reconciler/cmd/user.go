package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	userID     uint
	symbol     string
	side       string
	tradeLimit int
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the app, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireUser(cmd *cobra.Command, _ []string) error {
	if userID == 0 {
		return errors.New("--user is required")
	}
	return nil
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one reconciliation pass for a user",
	PreRunE: requireUser,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			counts, err := a.service.ReconcileUser(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Print trading statistics and trades for a user",
	PreRunE: requireUser,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			stats, err := a.service.GetUserStats(ctx, userID)
			if err != nil {
				return err
			}
			open, err := a.service.OpenTrades(ctx, userID)
			if err != nil {
				return err
			}
			closed, err := a.service.ClosedTrades(ctx, userID, tradeLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"stats":         stats,
				"open_trades":   open,
				"closed_trades": closed,
			})
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Request a market close of one position",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(cmd, args); err != nil {
			return err
		}
		if symbol == "" || side == "" {
			return errors.New("--symbol and --side are required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			outcome, err := a.service.ClosePosition(ctx, userID, symbol, side)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if !outcome.Accepted {
				return fmt.Errorf("close rejected: %s", outcome.Reason)
			}
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:     "check",
	Short:   "Validate a user's stored exchange credentials",
	PreRunE: requireUser,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			v, err := a.service.CheckCredentials(ctx, userID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), v); err != nil {
				return err
			}
			if !v.Valid {
				return fmt.Errorf("credentials invalid (%s): %s", v.Code, v.Diagnostic)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, statsCmd, closeCmd, checkCmd} {
		c.Flags().UintVar(&userID, "user", 0, "user id")
	}
	statsCmd.Flags().IntVar(&tradeLimit, "limit", 20, "number of closed trades to print")
	closeCmd.Flags().StringVar(&symbol, "symbol", "", "contract symbol, e.g. BTCUSDT")
	closeCmd.Flags().StringVar(&side, "side", "", "position side: long or short")
}
