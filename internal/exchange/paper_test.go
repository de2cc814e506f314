package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"testing"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/pkg/types"
)

func newTestPaper(t *testing.T, handler http.Handler) *Paper {
	t.Helper()
	live := newTestClient(t, handler)
	cfg := &config.Config{
		Fees:  config.FeeConfig{TakerRatePct: 3.15},
		Paper: config.PaperConfig{StartingBalanceUSD: 1000},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPaper(cfg, live, logger)
}

func noHTTP(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected")
	})
}

func TestPaperFillsTakerOrderImmediately(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, noHTTP(t))
	ctx := context.Background()

	resp, err := p.PlaceOrder(ctx, types.UserOrder{
		TokenID: "tok1", Price: 0.50, Size: 100, Side: types.BUY, OrderType: types.OrderTypeFOK,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !resp.Success || resp.Status != "matched" {
		t.Errorf("response = %+v, want matched success", resp)
	}

	status, err := p.GetOrderStatus(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.Status != "MATCHED" || status.SizeMatched != status.OriginalSize {
		t.Errorf("status = %+v, want fully matched", status)
	}

	// 100 × 0.50 = $50 notional plus 3.15% taker fee
	balance, _ := p.Balance(ctx)
	want := 1000.0 - 50.0 - 50.0*0.0315
	if math.Abs(balance-want) > 1e-9 {
		t.Errorf("balance = %v, want %v", balance, want)
	}

	trades, err := p.GetTrades(ctx, "", "tok1")
	if err != nil {
		t.Fatalf("GetTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].TakerOrderID != resp.OrderID {
		t.Errorf("trades = %+v, want one fill for the order", trades)
	}
}

func TestPaperSellAddsCash(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, noHTTP(t))
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, types.UserOrder{
		TokenID: "tok1", Price: 0.80, Size: 50, Side: types.SELL, OrderType: types.OrderTypeFAK,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	balance, _ := p.Balance(ctx)
	want := 1000.0 + 40.0 - 40.0*0.0315
	if math.Abs(balance-want) > 1e-9 {
		t.Errorf("balance = %v, want %v", balance, want)
	}
}

func TestPaperRejectsOverdraft(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, noHTTP(t))
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, types.UserOrder{
		TokenID: "tok1", Price: 0.50, Size: 10000, Side: types.BUY, OrderType: types.OrderTypeFOK,
	})
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}

	balance, _ := p.Balance(ctx)
	if balance != 1000 {
		t.Errorf("balance = %v, want untouched 1000", balance)
	}
}

func TestPaperGTCRestsUntilCancelled(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, noHTTP(t))
	ctx := context.Background()

	resp, err := p.PlaceOrder(ctx, types.UserOrder{
		TokenID: "tok1", Price: 0.10, Size: 100, Side: types.BUY, OrderType: types.OrderTypeGTC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	open, err := p.OpenOrders(ctx, "", "tok1")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].ID != resp.OrderID {
		t.Fatalf("open orders = %+v, want the resting bid", open)
	}

	// Resting orders do not touch the balance until they fill
	if balance, _ := p.Balance(ctx); balance != 1000 {
		t.Errorf("balance = %v, want 1000", balance)
	}

	if err := p.CancelOrder(ctx, resp.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	open, _ = p.OpenOrders(ctx, "", "tok1")
	if len(open) != 0 {
		t.Errorf("open orders after cancel = %+v, want none", open)
	}

	status, _ := p.GetOrderStatus(ctx, resp.OrderID)
	if status.Status != "CANCELED" {
		t.Errorf("status = %q, want CANCELED", status.Status)
	}
}

func TestPaperCancelAll(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t, noHTTP(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.PlaceOrder(ctx, types.UserOrder{
			TokenID: fmt.Sprintf("tok%d", i), Price: 0.05, Size: 10, Side: types.BUY, OrderType: types.OrderTypeGTC,
		})
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
	}

	resp, err := p.CancelAll(ctx)
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if len(resp.Canceled) != 3 {
		t.Errorf("canceled %d orders, want 3", len(resp.Canceled))
	}

	open, _ := p.OpenOrders(ctx, "", "")
	if len(open) != 0 {
		t.Errorf("open orders after cancel-all = %+v, want none", open)
	}
}

func TestPaperCheckRestingFillsOnCross(t *testing.T) {
	t.Parallel()
	// Live price feed answers 0.08, below the 0.10 resting bid
	p := newTestPaper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"price":"0.08"}`)
	}))
	ctx := context.Background()

	resp, err := p.PlaceOrder(ctx, types.UserOrder{
		TokenID: "tok1", Price: 0.10, Size: 100, Side: types.BUY, OrderType: types.OrderTypeGTC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := p.CheckResting(ctx); err != nil {
		t.Fatalf("CheckResting: %v", err)
	}

	status, _ := p.GetOrderStatus(ctx, resp.OrderID)
	if status.Status != "MATCHED" {
		t.Fatalf("status = %q, want MATCHED after price cross", status.Status)
	}

	// Resting fills are maker flow: no taker fee, filled at the limit
	balance, _ := p.Balance(ctx)
	if math.Abs(balance-(1000.0-10.0)) > 1e-9 {
		t.Errorf("balance = %v, want 990", balance)
	}
}
