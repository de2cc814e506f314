// paper.go implements the simulated exchange used in paper mode.
//
// Paper keeps all reads (books, prices, wallet positions) on the real
// Polymarket APIs so strategies see live market data, but intercepts
// every mutating call: marketable orders fill instantly at their limit
// price against a virtual cash balance, GTC orders rest in memory until
// the live price crosses them. Nothing is sent to the exchange.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// Paper is the simulated exchange adapter. It satisfies the same call
// surface as Client, so the rest of the pipeline cannot tell them apart.
type Paper struct {
	live   *Client // real client for market data reads
	fee    float64 // taker fee fraction applied to simulated fills
	logger *slog.Logger

	mu      sync.Mutex
	cash    float64
	resting map[string]*types.OpenOrder // GTC orders waiting for a price cross
	orders  map[string]*types.OpenOrder // all orders by ID, including filled
	trades  []types.TradeRecord         // simulated fills, newest last
}

// NewPaper wraps a live client with simulated order execution. The
// starting balance and taker fee come from config.
func NewPaper(cfg *config.Config, live *Client, logger *slog.Logger) *Paper {
	return &Paper{
		live:    live,
		fee:     cfg.Fees.TakerRatePct / 100,
		cash:    cfg.Paper.StartingBalanceUSD,
		resting: make(map[string]*types.OpenOrder),
		orders:  make(map[string]*types.OpenOrder),
		logger:  logger.With("component", "paper"),
	}
}

// Balance returns the simulated cash balance in USD.
func (p *Paper) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// ————————————————————————————————————————————————————————————————————————
// Reads delegate to the live client
// ————————————————————————————————————————————————————————————————————————

func (p *Paper) Healthy(ctx context.Context) error { return p.live.Healthy(ctx) }

func (p *Paper) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	return p.live.GetOrderBook(ctx, tokenID)
}

func (p *Paper) GetBooks(ctx context.Context, tokenIDs []string) (map[string]*types.BookResponse, error) {
	return p.live.GetBooks(ctx, tokenIDs)
}

func (p *Paper) GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error) {
	return p.live.GetPrice(ctx, tokenID, side)
}

func (p *Paper) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	return p.live.GetMidpoint(ctx, tokenID)
}

func (p *Paper) WalletPositions(ctx context.Context, wallet string) ([]types.WalletPosition, error) {
	return p.live.WalletPositions(ctx, wallet)
}

// DeriveAPIKey is a no-op: paper trading needs no credentials.
func (p *Paper) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	return &Credentials{}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Simulated order execution
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder simulates placement. FOK and FAK orders fill immediately at
// the limit price; GTC orders rest until CheckResting sees a price cross.
func (p *Paper) PlaceOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	id := "paper-" + uuid.NewString()

	o := &types.OpenOrder{
		ID:           id,
		Status:       "LIVE",
		AssetID:      order.TokenID,
		Side:         string(order.Side),
		OriginalSize: formatSize(order.Size),
		SizeMatched:  "0",
		Price:        strconv.FormatFloat(order.Price, 'f', -1, 64),
		CreatedAt:    time.Now().Unix(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[id] = o

	switch order.OrderType {
	case types.OrderTypeGTC:
		p.resting[id] = o
		p.logger.Info("paper order resting",
			"order_id", id,
			"side", order.Side,
			"price", order.Price,
			"size", order.Size,
		)
		return &types.OrderResponse{Success: true, OrderID: id, Status: "live"}, nil
	default:
		if err := p.fillLocked(o, order.Price, order.Size, true); err != nil {
			o.Status = "CANCELED"
			return &types.OrderResponse{Success: false, OrderID: id, ErrorMsg: err.Error()},
				fmt.Errorf("order rejected: %w", err)
		}
		return &types.OrderResponse{Success: true, OrderID: id, Status: "matched"}, nil
	}
}

// PostOrders simulates batch placement with the same semantics.
func (p *Paper) PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}

	results := make([]types.OrderResponse, 0, len(orders))
	for _, order := range orders {
		resp, err := p.PlaceOrder(ctx, order)
		if err != nil {
			results = append(results, types.OrderResponse{Success: false, ErrorMsg: err.Error()})
			continue
		}
		results = append(results, *resp)
	}
	return results, nil
}

// fillLocked settles a fill against the cash balance and records the
// trade. Caller holds p.mu. Taker fills pay the taker fee; resting fills
// are maker flow and pay none.
func (p *Paper) fillLocked(o *types.OpenOrder, price, size float64, taker bool) error {
	notional := price * size
	fee := 0.0
	if taker {
		fee = notional * p.fee
	}

	if o.Side == string(types.BUY) {
		cost := notional + fee
		if cost > p.cash {
			return fmt.Errorf("insufficient paper balance: need %.2f, have %.2f", cost, p.cash)
		}
		p.cash -= cost
	} else {
		p.cash += notional - fee
	}

	o.Status = "MATCHED"
	o.SizeMatched = o.OriginalSize
	delete(p.resting, o.ID)

	p.trades = append(p.trades, types.TradeRecord{
		ID:           "papertrade-" + uuid.NewString(),
		TakerOrderID: o.ID,
		AssetID:      o.AssetID,
		Side:         o.Side,
		Size:         formatSize(size),
		Price:        strconv.FormatFloat(price, 'f', -1, 64),
		Status:       "CONFIRMED",
		MatchTime:    strconv.FormatInt(time.Now().Unix(), 10),
	})

	p.logger.Info("paper fill",
		"order_id", o.ID,
		"side", o.Side,
		"price", price,
		"size", size,
		"fee", fee,
		"cash", p.cash,
	)
	return nil
}

// CheckResting fills any resting GTC order whose limit the live market
// has crossed. The engine ticks this periodically in paper mode.
func (p *Paper) CheckResting(ctx context.Context) error {
	p.mu.Lock()
	pending := make([]*types.OpenOrder, 0, len(p.resting))
	for _, o := range p.resting {
		pending = append(pending, o)
	}
	p.mu.Unlock()

	for _, o := range pending {
		side := types.Side(o.Side)
		quote, err := p.live.GetPrice(ctx, o.AssetID, side)
		if err != nil {
			return fmt.Errorf("check resting %s: %w", o.ID, err)
		}

		limit, _ := strconv.ParseFloat(o.Price, 64)
		size, _ := strconv.ParseFloat(o.OriginalSize, 64)

		crossed := (side == types.BUY && quote <= limit) ||
			(side == types.SELL && quote >= limit)
		if !crossed {
			continue
		}

		p.mu.Lock()
		if _, still := p.resting[o.ID]; still {
			if err := p.fillLocked(o, limit, size, false); err != nil {
				p.logger.Warn("resting fill skipped", "order_id", o.ID, "error", err)
			}
		}
		p.mu.Unlock()
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Status, cancels, fills
// ————————————————————————————————————————————————————————————————————————

// GetOrderStatus returns the simulated state of one order.
func (p *Paper) GetOrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("get order status: unknown order %s", orderID)
	}
	cp := *o
	return &cp, nil
}

// OpenOrders lists resting simulated orders, optionally filtered by token.
func (p *Paper) OpenOrders(ctx context.Context, market, tokenID string) ([]types.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.OpenOrder, 0, len(p.resting))
	for _, o := range p.resting {
		if tokenID != "" && o.AssetID != tokenID {
			continue
		}
		if market != "" && o.Market != market {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetTrades returns simulated fills.
func (p *Paper) GetTrades(ctx context.Context, market, tokenID string) ([]types.TradeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TradeRecord, 0, len(p.trades))
	for _, tr := range p.trades {
		if tokenID != "" && tr.AssetID != tokenID {
			continue
		}
		if market != "" && tr.Market != market {
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

// CancelOrder cancels one resting order.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.resting[orderID]
	if !ok {
		// Match the live API: cancelling a matched or unknown order fails.
		return fmt.Errorf("cancel order %s: not resting", orderID)
	}
	o.Status = "CANCELED"
	delete(p.resting, orderID)
	return nil
}

// CancelOrders cancels multiple resting orders, skipping unknown IDs.
func (p *Paper) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := &types.CancelResponse{NotCanceled: make(map[string]string)}
	for _, id := range orderIDs {
		if o, ok := p.resting[id]; ok {
			o.Status = "CANCELED"
			delete(p.resting, id)
			resp.Canceled = append(resp.Canceled, id)
		} else {
			resp.NotCanceled[id] = "not resting"
		}
	}
	return resp, nil
}

// CancelAll cancels every resting simulated order.
func (p *Paper) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := &types.CancelResponse{}
	for id, o := range p.resting {
		o.Status = "CANCELED"
		resp.Canceled = append(resp.Canceled, id)
		delete(p.resting, id)
	}
	p.logger.Warn("all paper orders cancelled", "count", len(resp.Canceled))
	return resp, nil
}

// CancelMarketOrders cancels resting orders for one market.
func (p *Paper) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := &types.CancelResponse{}
	for id, o := range p.resting {
		if o.Market != conditionID {
			continue
		}
		o.Status = "CANCELED"
		resp.Canceled = append(resp.Canceled, id)
		delete(p.resting, id)
	}
	return resp, nil
}

func formatSize(size float64) string {
	return strconv.FormatFloat(size, 'f', -1, 64)
}
