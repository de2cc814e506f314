// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: signals, orders,
// positions, market metadata, order book snapshots, and WebSocket event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: rests on the book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fills completely or not at all
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill: the CLOB's immediate-or-cancel, partial fills allowed
)

// Strategy identifies which strategy produced a signal or owns a position.
type Strategy string

const (
	StrategyCopy  Strategy = "copy"  // whale copy-trading
	StrategyArb   Strategy = "arb"   // intra-market YES+NO arbitrage
	StrategyStink Strategy = "stink" // deep-discount resting bids
)

// Outcome is the binary outcome a token represents.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// PositionSide is the direction of an open position. Buying an outcome token
// opens LONG; selling short is only reachable through exits of a prior long
// on this venue, but the accounting supports both.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderStatus tracks an order through its lifecycle:
// pending → submitted → {filled, partial, cancelled, rejected, failed}.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"   // accepted by the order manager, not yet on the exchange
	OrderSubmitted OrderStatus = "submitted" // live on the exchange, awaiting fill
	OrderFilled    OrderStatus = "filled"    // fully filled
	OrderPartial   OrderStatus = "partial"   // partially filled then done (cancelled remainder)
	OrderCancelled OrderStatus = "cancelled" // cancelled with no fill
	OrderRejected  OrderStatus = "rejected"  // exchange refused it (logical rejection, no retry)
	OrderFailed    OrderStatus = "failed"    // submission or confirmation failed
)

// Terminal reports whether the status is a final state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderPartial, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// PositionStatus tracks a position through its lifecycle:
// open → closing → {closed, resolved}.
type PositionStatus string

const (
	PositionOpen     PositionStatus = "open"
	PositionClosing  PositionStatus = "closing"  // exit in flight
	PositionClosed   PositionStatus = "closed"   // exited via trade
	PositionResolved PositionStatus = "resolved" // market resolved, settled at 1.0 or 0.0
)

// Terminal reports whether the status is a final state.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionResolved
}

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// TickDecimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a trade intent produced by a strategy. SizeUSD is always USD
// notional; it is converted to shares exactly once, by the order manager,
// at the live price fetched at execution time.
type Signal struct {
	ID         string    // uuid, assigned at creation
	Strategy   Strategy  // producer
	MarketID   string    // gamma market ID
	TokenID    string    // CLOB token ID to trade
	Side       Side      // BUY or SELL
	SizeUSD    float64   // USD notional, > 0
	LimitPrice float64   // limit price in (0, 1)
	OrderType  OrderType // GTC, FOK, or FAK
	EdgePct    float64   // expected gross edge as % of notional, 0 = undeclared
	Reasoning  string    // human-readable why, for logs and notifications
	CreatedAt  time.Time

	IsExit           bool    // exit signals bypass entry risk checks and survive the kill switch
	ParentPositionID int64   // position being exited; 0 for entries
	SizeShares       float64 // exact share count for exits; entries size via SizeUSD
	ArbLegOf         string  // signal ID of the first arb leg, set on the second leg and unwinds
	SourceWallet     string  // whale wallet a copy entry mirrors, "" otherwise
	ExitPlan         *ExitPlan
}

// NewSignal creates a signal with a fresh ID and timestamp.
func NewSignal(strategy Strategy, marketID, tokenID string, side Side, sizeUSD, limitPrice float64, orderType OrderType, reasoning string) *Signal {
	return &Signal{
		ID:         uuid.NewString(),
		Strategy:   strategy,
		MarketID:   marketID,
		TokenID:    tokenID,
		Side:       side,
		SizeUSD:    sizeUSD,
		LimitPrice: limitPrice,
		OrderType:  orderType,
		Reasoning:  reasoning,
		CreatedAt:  time.Now().UTC(),
	}
}

// ExitPlan is the exit rule set a strategy attaches to an entry signal,
// expressed relative to the eventual fill price. The order manager converts
// it to absolute trigger prices when the entry fills.
type ExitPlan struct {
	StopLossPct float64 // % below entry forcing a full close, 0 = none
	TrailPct    float64 // adverse retrace % from the trail anchor, 0 = none
	TakeProfits []TPPlan
}

// TPPlan is one take-profit rung of an ExitPlan.
type TPPlan struct {
	GainPct      float64 // % above entry that triggers the rung
	SellFraction float64 // fraction of current shares to sell, (0, 1]
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades (domain records, persisted in the store)
// ————————————————————————————————————————————————————————————————————————

// Order is the persisted record of a signal's execution attempt.
type Order struct {
	ID           int64  // store rowid
	SignalID     string // originating signal uuid
	ExchangeID   string // CLOB order ID once submitted, "" before
	Strategy     Strategy
	MarketID     string
	TokenID      string
	Side         Side
	OrderType    OrderType
	Price        float64 // limit price
	Size         float64 // shares requested
	FilledSize   float64 // shares filled
	AvgFillPrice float64 // volume-weighted, 0 until first fill
	Status       OrderStatus
	IsExit       bool
	FailReason   string // populated on rejected/failed
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Trade is a single fill. ExchangeID is the exchange's trade ID and is the
// idempotency key: re-inserting the same fill is a no-op.
type Trade struct {
	ID         int64
	ExchangeID string
	OrderID    int64 // store order rowid
	MarketID   string
	TokenID    string
	Side       Side
	Price      float64
	Size       float64 // shares
	Fee        float64 // USD
	ExecutedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// TPLevel is one take-profit rung. Stored as JSON inside the position row.
type TPLevel struct {
	TriggerPrice   float64 `json:"trigger_price"`
	FractionToSell float64 `json:"fraction_to_sell"` // fraction of current shares, (0, 1]
	Fired          bool    `json:"fired"`
}

// Position is an open holding in one outcome token. Shares shrinks as
// take-profit levels fire; EntryShares is fixed at open so partial-exit
// accounting stays exact. TrailAnchor is zero until the trailing stop is
// armed, then only ratchets favorably (up for LONG, down for SHORT).
type Position struct {
	ID           int64
	Strategy     Strategy
	MarketID     string
	TokenID      string
	Outcome      Outcome
	Side         PositionSide
	EntryPrice   float64
	Shares       float64 // current, 0 < Shares <= EntryShares while open
	EntryShares  float64
	EntryFee     float64 // USD paid on entry, amortized across partial exits
	TPLevels     []TPLevel
	SLPrice      float64 // stop-loss trigger, 0 = disabled
	TrailPct     float64 // trailing retrace fraction, 0 = disabled
	TrailAnchor  float64 // best favorable price seen since armed, 0 = not armed
	Status       PositionStatus
	RealizedPnL  float64 // USD, net of fees, accumulated across partial exits
	SourceWallet string  // whale wallet this position copies, "" otherwise
	OpenedAt     time.Time
	ClosedAt     time.Time // zero until terminal
}

// UnrealizedPnL returns the mark-to-market gain on the remaining shares
// before fees. LONG profits when price rises, SHORT when it falls.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == PositionShort {
		return (p.EntryPrice - price) * p.Shares
	}
	return (price - p.EntryPrice) * p.Shares
}

// PositionEventKind labels the position lifecycle changes the order manager
// announces after a fill transaction commits.
type PositionEventKind string

const (
	PositionOpened      PositionEventKind = "opened"
	PositionPartialExit PositionEventKind = "partial_exit"
	PositionClosedOut   PositionEventKind = "closed"
)

// PositionEvent tells the position manager that a position changed durably.
type PositionEvent struct {
	Kind     PositionEventKind
	Position *Position
}

// ExecResult is the order manager's terminal report for one signal,
// delivered to callers waiting on SubmitWait.
type ExecResult struct {
	Order    *Order    // persisted order, nil if rejected before submission
	Position *Position // position opened or updated by the fill, nil if none
	Rejected bool      // true when the risk gate refused the signal
	Reason   string    // rejection reason or failure detail, "" on success
}

// Filled reports whether any shares actually traded.
func (r *ExecResult) Filled() bool {
	return r.Order != nil && r.Order.FilledSize > 0
}

// ————————————————————————————————————————————————————————————————————————
// Strategy state records
// ————————————————————————————————————————————————————————————————————————

// WhalePosition is the last observed holding of a tracked wallet, keyed by
// (wallet, market, token). The copy strategy diffs live data against these.
type WhalePosition struct {
	Wallet    string
	MarketID  string
	TokenID   string
	Shares    float64
	AvgPrice  float64
	UpdatedAt time.Time
}

// StinkOrder is a resting deep-discount bid we own, at most one per
// (market, token). OrderID is the exchange order ID.
type StinkOrder struct {
	MarketID string
	TokenID  string
	OrderID  string
	Price    float64
	Size     float64 // shares
	PlacedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio and risk
// ————————————————————————————————————————————————————————————————————————

// PortfolioSnapshot is a cached point-in-time view of account state.
// Reads are O(1); the tracker refreshes it in the background. A snapshot
// older than the configured staleness bound must be treated as unknown.
type PortfolioSnapshot struct {
	Balance        float64              // free USDC
	PositionsValue float64              // mark-to-market value of open positions
	Total          float64              // Balance + PositionsValue
	OpenPositions  int                  // count of open/closing positions
	ByStrategy     map[Strategy]float64 // USD exposure per strategy
	TakenAt        time.Time
}

// Stale reports whether the snapshot is older than maxAge.
func (s *PortfolioSnapshot) Stale(maxAge time.Duration) bool {
	return s == nil || time.Since(s.TakenAt) > maxAge
}

// RiskState is the persisted risk singleton. The kill switch never clears
// on restart; only an explicit operator action resets it.
type RiskState struct {
	KillSwitchActive bool
	KillReason       string
	KilledAt         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a Polymarket binary market.
// Populated from the Gamma API and passed to strategies and the position
// manager. A binary market has exactly two tokens (YES and NO) whose prices
// always sum to ~$1.
type MarketInfo struct {
	ID          string // Gamma market ID
	ConditionID string // CTF condition ID (used for cancels + resolution checks)
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Will X happen by Y?"

	YesTokenID string // CLOB token ID for the YES outcome
	NoTokenID  string // CLOB token ID for the NO outcome

	TickSize     TickSize // price granularity (determines rounding)
	MinOrderSize float64  // minimum order size in tokens
	NegRisk      bool     // true if this is a neg-risk market (affects CTF exchange)

	Active          bool      // market is live
	Closed          bool      // market has been resolved or delisted
	AcceptingOrders bool      // CLOB is accepting new orders
	EndDate         time.Time // when the market is scheduled to resolve
	Liquidity       float64   // total USD liquidity on the book
	Volume24h       float64   // trailing 24-hour volume in USD

	BestBid        float64 // top-of-book bid price
	BestAsk        float64 // top-of-book ask price
	Spread         float64 // bestAsk - bestBid
	LastTradePrice float64 // most recent trade price

	Resolved       bool    // outcome prices are final
	WinningOutcome Outcome // set only when Resolved
}

// Token returns the token ID for the given outcome.
func (m *MarketInfo) Token(o Outcome) string {
	if o == OutcomeNo {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// OutcomeOf returns which outcome the given token ID represents.
func (m *MarketInfo) OutcomeOf(tokenID string) Outcome {
	if tokenID == m.NoTokenID {
		return OutcomeNo
	}
	return OutcomeYes
}

// ————————————————————————————————————————————————————————————————————————
// Exchange wire types (CLOB REST)
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation handed to the exchange
// client, which converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC, FOK, FAK
	TickSize   TickSize  // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
	NegRisk    bool      // market is neg-risk (selects exchange contract)
}

// SignedOrder is the on-chain order format the CLOB API expects. Amounts
// are decimal strings in 6-decimal USDC units (1000000 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   string        `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   string        `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType OrderType   `json:"orderType"` // GTC, FOK, FAK
}

// OrderResponse is the REST API response for POST /order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order on the CLOB. Also returned by
// the single-order status endpoint used for fill confirmation.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`        // "LIVE", "MATCHED", "CANCELED"
	Market       string `json:"market"`        // condition ID
	AssetID      string `json:"asset_id"`      // token ID
	Side         string `json:"side"`          // "BUY" or "SELL"
	OriginalSize string `json:"original_size"` // initial size
	SizeMatched  string `json:"size_matched"`  // how much has filled
	Price        string `json:"price"`         // limit price
	CreatedAt    int64  `json:"created_at"`
}

// CancelResponse is returned by DELETE /order, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`     // IDs of successfully cancelled orders
	NotCanceled map[string]string `json:"not_canceled"` // ID → reason
}

// TradeRecord is the CLOB trade object from GET /data/trades. ID is the
// exchange trade ID used for idempotent fill persistence.
type TradeRecord struct {
	ID           string `json:"id"`
	TakerOrderID string `json:"taker_order_id"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	Size         string `json:"size"`
	Price        string `json:"price"`
	Status       string `json:"status"`
	MatchTime    string `json:"match_time"`
}

// WalletPosition is one holding from the data API positions endpoint,
// used to observe whale wallets (and our own account in live mode).
type WalletPosition struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"`       // token ID
	ConditionID  string  `json:"conditionId"` // market condition ID
	Size         float64 `json:"size"`        // shares
	AvgPrice     float64 `json:"avgPrice"`
	CurrentValue float64 `json:"currentValue"` // size × current price, USD
	CurPrice     float64 `json:"curPrice"`
	Title        string  `json:"title"`
	Outcome      string  `json:"outcome"` // "Yes" or "No"
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// OrderBookSnapshot is a point-in-time view of one token's order book.
// Maintained locally by market.Book and updated from REST + WebSocket sources.
type OrderBookSnapshot struct {
	AssetID   string       // token ID this book belongs to
	Bids      []PriceLevel // sorted descending by price (best bid first)
	Asks      []PriceLevel // sorted ascending by price (best ask first)
	Hash      string       // server-provided hash for staleness detection
	Timestamp time.Time    // when this snapshot was received
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket market WS
// channel: "book" (full snapshot) and "price_change" (delta).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`  // book version hash
	Buys      []PriceLevel `json:"buys"`  // bid levels
	Sells     []PriceLevel `json:"sells"` // ask levels
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`    // the price level that changed
	Size    string `json:"size"`     // new size at that level (0 = removed)
	Side    string `json:"side"`     // "BUY" or "SELL"
	Hash    string `json:"hash"`     // updated book hash
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to the market WebSocket channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"`                 // "market"
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from assets
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// PriceEvent is the internal fan-out of a top-of-book change, consumed by
// the position manager and strategies.
type PriceEvent struct {
	TokenID string
	Bid     float64
	Ask     float64
	Mid     float64
	At      time.Time
}
