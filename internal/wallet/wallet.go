// Package wallet reads the trading wallet's on-chain balances on Polygon.
//
// Live mode uses it as the source of truth for spendable cash: Polymarket
// settles in native USDC, so the balance check goes straight to the token
// contract rather than trusting any cached exchange figure. A small POL
// balance is also tracked to warn before gas runs out.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0xtitan6/polytrader/internal/config"
)

// Native USDC on Polygon PoS. This is NOT the bridged USDC.e contract;
// Polymarket balances live in the native token.
const usdcAddress = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"

const erc20ABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// Wallet reads balances for one account over JSON-RPC.
type Wallet struct {
	client  *ethclient.Client
	erc20   abi.ABI
	token   common.Address
	account common.Address
	logger  *slog.Logger
}

// New connects to the configured RPC endpoint and prepares balance reads
// for the given account (the funder wallet in proxy setups).
func New(ctx context.Context, cfg *config.Config, account common.Address, logger *slog.Logger) (*Wallet, error) {
	client, err := ethclient.DialContext(ctx, cfg.Wallet.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.Wallet.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &Wallet{
		client:  client,
		erc20:   parsed,
		token:   common.HexToAddress(usdcAddress),
		account: account,
		logger:  logger.With("component", "wallet"),
	}, nil
}

// Address returns the account whose balances are read.
func (w *Wallet) Address() common.Address {
	return w.account
}

// Balance returns the account's USDC balance in USD.
func (w *Wallet) Balance(ctx context.Context) (float64, error) {
	data, err := w.erc20.Pack("balanceOf", w.account)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}

	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("balanceOf call: %w", err)
	}

	results, err := w.erc20.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	raw, ok := results[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected balanceOf result %T", results[0])
	}

	return usdcToFloat(raw), nil
}

// GasBalance returns the account's POL balance, used only to warn when
// gas for redemptions is running low.
func (w *Wallet) GasBalance(ctx context.Context) (float64, error) {
	raw, err := w.client.BalanceAt(ctx, w.account, nil)
	if err != nil {
		return 0, fmt.Errorf("balance at: %w", err)
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e18)).Float64()
	return value, nil
}

// Close releases the RPC connection.
func (w *Wallet) Close() {
	w.client.Close()
}

// usdcToFloat converts raw 6-decimal token units to USD.
func usdcToFloat(raw *big.Int) float64 {
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e6)).Float64()
	return value
}
