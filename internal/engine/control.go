// control.go backs the Telegram command surface. Handlers return plain
// text; the command bot owns formatting and HTML escaping.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/0xtitan6/polytrader/internal/notify"
	"github.com/0xtitan6/polytrader/pkg/types"
)

func (e *Engine) commands() notify.Commands {
	return notify.Commands{
		Status: e.statusText,
		PnL:    e.pnlText,
		Kill:   e.killFromChat,
		Pause:  func(name string) string { return e.setPaused(name, true) },
		Resume: e.resume,
	}
}

func (e *Engine) statusText(ctx context.Context) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", e.cfg.Mode)
	if e.kill.Active() {
		reason, at := e.kill.Reason()
		fmt.Fprintf(&b, "HALTED since %s: %s\n", at.Format("2006-01-02 15:04 MST"), reason)
	}
	b.WriteString(e.tracker.FormatSummary())
	if len(e.strats) > 0 {
		b.WriteString("\nStrategies:")
		for _, s := range e.strats {
			state := "running"
			if s.Paused() {
				state = "paused"
			}
			fmt.Fprintf(&b, " %s=%s", s.Name(), state)
		}
	}
	return b.String(), nil
}

// pnlText renders the day ledger with per-strategy attribution, plus the
// all-time ledger per copied wallet.
func (e *Engine) pnlText(ctx context.Context) (string, error) {
	daily, ok := e.tracker.Daily()
	if !ok {
		return "portfolio not yet loaded", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", daily.Day)
	fmt.Fprintf(&b, "P&L: %+.2f (realized %+.2f, unrealized %+.2f)\n",
		daily.RealizedPnL+daily.UnrealizedPnL, daily.RealizedPnL, daily.UnrealizedPnL)
	fmt.Fprintf(&b, "Trades: %d (%d wins)", daily.Trades, daily.Wins)

	dayStart, err := time.ParseInLocation("2006-01-02", daily.Day, time.UTC)
	if err != nil {
		return "", fmt.Errorf("parse ledger day: %w", err)
	}
	byStrat, err := e.store.RealizedPnLByStrategySince(ctx, dayStart)
	if err != nil {
		return "", err
	}
	if len(byStrat) > 0 {
		b.WriteString("\nBy strategy:")
		names := make([]string, 0, len(byStrat))
		for s := range byStrat {
			names = append(names, string(s))
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "\n  %s %+.2f", name, byStrat[types.Strategy(name)])
		}
	}

	byWallet, err := e.store.CopyPnLByWallet(ctx)
	if err != nil {
		return "", err
	}
	if len(byWallet) > 0 {
		b.WriteString("\nCopied wallets, all time:")
		addrs := make([]string, 0, len(byWallet))
		for w := range byWallet {
			addrs = append(addrs, w)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			fmt.Fprintf(&b, "\n  %s %+.2f", e.walletLabel(addr), byWallet[addr])
		}
	}
	return b.String(), nil
}

// walletLabel maps a copied wallet address back to its configured name.
func (e *Engine) walletLabel(addr string) string {
	for _, w := range e.cfg.Copy.Wallets {
		if strings.EqualFold(w.Address, addr) {
			return w.Label()
		}
	}
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}

func (e *Engine) killFromChat(ctx context.Context) (string, error) {
	if err := e.kill.Activate(ctx, "telegram /kill"); err != nil {
		return "", err
	}
	return "Kill switch engaged. Entries halted, resting orders cancelled.", nil
}

// resume un-pauses strategies. A bare /resume is the full un-halt: it
// also clears an engaged kill switch, so the two-step /kill has a
// matching two-word recovery.
func (e *Engine) resume(name string) string {
	msg := e.setPaused(name, false)
	if name != "" || !e.kill.Active() {
		return msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.kill.Clear(ctx); err != nil {
		return msg + "\nKill switch still engaged: " + err.Error()
	}
	return msg + "\nKill switch cleared."
}

func (e *Engine) setPaused(name string, pause bool) string {
	verb := "Resumed"
	if pause {
		verb = "Paused"
	}
	var hit []string
	for _, s := range e.strats {
		if name != "" && string(s.Name()) != name {
			continue
		}
		if pause {
			s.Pause()
		} else {
			s.Resume()
		}
		hit = append(hit, string(s.Name()))
	}
	if len(hit) == 0 {
		if name == "" {
			return "No strategies enabled."
		}
		return fmt.Sprintf("Unknown strategy %q. Enabled: %s", name, e.strategyNames())
	}
	e.logger.Info("strategy pause state changed", "action", verb, "strategies", hit)
	return fmt.Sprintf("%s: %s", verb, strings.Join(hit, ", "))
}

func (e *Engine) strategyNames() string {
	if len(e.strats) == 0 {
		return "none"
	}
	names := make([]string, 0, len(e.strats))
	for _, s := range e.strats {
		names = append(names, string(s.Name()))
	}
	return strings.Join(names, ", ")
}
