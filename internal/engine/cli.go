// cli.go holds the one-shot entry points behind the --status and --kill
// flags. Neither starts the pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/exchange"
	"github.com/0xtitan6/polytrader/internal/risk"
	"github.com/0xtitan6/polytrader/internal/store"
)

// markBudget bounds the venue midpoint reads for --status. Past it the
// remaining positions render at entry price only.
const markBudget = 5 * time.Second

// Status renders a report from persisted state. Open positions get a
// best-effort live mark when the venue answers in time.
func Status(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", cfg.Mode)

	rs, err := st.GetRiskState(ctx)
	if err != nil {
		return "", err
	}
	if rs.KillSwitchActive {
		fmt.Fprintf(&b, "HALTED since %s: %s\n",
			rs.KilledAt.Format("2006-01-02 15:04 MST"), rs.KillReason)
	}

	day := time.Now().UTC().Format("2006-01-02")
	row, err := st.GetDailyPnL(ctx, day)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.WriteString("No trades recorded today.\n")
	case err != nil:
		return "", err
	default:
		fmt.Fprintf(&b, "Today: %+.2f realized, %+.2f unrealized, %d trades (%d wins)\n",
			row.RealizedPnL, row.UnrealizedPnL, row.Trades, row.Wins)
		fmt.Fprintf(&b, "Balance: $%.2f (day start $%.2f)\n",
			row.EndingBalance, row.StartingBalance)
	}

	positions, err := st.OpenPositions(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "Open positions: %d", len(positions))
	if len(positions) == 0 {
		return b.String(), nil
	}

	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return "", fmt.Errorf("build auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)
	defer client.Close()

	mctx, cancel := context.WithTimeout(ctx, markBudget)
	defer cancel()
	for _, pos := range positions {
		fmt.Fprintf(&b, "\n  [%s] %s %s %.1f @ %.3f",
			pos.Strategy, pos.MarketID, pos.Outcome, pos.Shares, pos.EntryPrice)
		mid, err := client.GetMidpoint(mctx, pos.TokenID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, " now %.3f (%+.2f)", mid, pos.UnrealizedPnL(mid))
	}
	return b.String(), nil
}

// KillSwitch engages the persistent kill switch from the command line.
// It works in any mode: the halt always persists, and resting orders are
// cancelled when the venue is reachable.
func KillSwitch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	adapter, client, _, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	k := risk.NewKill(st, nil, adapter, nil, logger)
	if err := k.Load(ctx); err != nil {
		return err
	}
	if k.Active() {
		reason, at := k.Reason()
		logger.Info("kill switch already engaged", "reason", reason, "since", at)
		return nil
	}
	return k.Activate(ctx, "cli --kill")
}
