// Package defi registers the built-in DeFi tools: swaps, transfers, limit
// orders, lending deposits, portfolio lookups and bridge quotes.
package defi

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/providers"
	"github.com/ggonzalez94/defi-voice/internal/tools"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

// Blockhasher supplies a recent blockhash for locally built transactions.
type Blockhasher interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// Deps are the collaborators the built-in tools call into. A nil
// collaborator disables the tools that need it.
type Deps struct {
	Swaps     providers.SwapProvider
	Orders    providers.LimitOrderProvider
	Bridges   providers.BridgeProvider
	Rates     providers.LendRateProvider
	Backend   *httpx.Client
	Holdings  wallet.AssetFetcher
	Blockhash Blockhasher
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register adds every tool whose collaborators are configured.
func Register(reg *tools.Registry, deps Deps) {
	if deps.Swaps != nil {
		reg.Register(quoteTool(deps))
		reg.Register(swapTool(deps))
	}
	if deps.Blockhash != nil || deps.Backend != nil {
		reg.Register(transferTool(deps))
	}
	if deps.Orders != nil {
		reg.Register(createOrderTool(deps))
		reg.Register(listOrdersTool(deps))
	}
	if deps.Backend != nil {
		reg.Register(lendDepositTool(deps))
	}
	if deps.Rates != nil {
		reg.Register(lendRatesTool(deps))
	}
	if deps.bridgeSource() != nil {
		reg.Register(bridgeQuoteTool(deps))
	}
	if deps.Holdings != nil {
		reg.Register(portfolioTool(deps))
	}
}

var errNoWallet = clierr.New(clierr.CodeNoWallet, "connect a wallet first")

func requireWallet(tc tools.Context) (solana.PublicKey, error) {
	if tc.PublicKey == "" {
		return solana.PublicKey{}, errNoWallet
	}
	return id.ParseSolanaAddress(tc.PublicKey)
}

// tokenAmount resolves a token argument and converts a spoken amount into base units.
func tokenAmount(symbol string, amount float64) (id.Token, uint64, error) {
	token, err := id.ResolveToken(symbol)
	if err != nil {
		return id.Token{}, 0, err
	}
	units, err := id.ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return id.Token{}, 0, err
	}
	return token, units, nil
}
