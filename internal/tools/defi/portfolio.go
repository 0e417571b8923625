package defi

import (
	"context"

	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/tools"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

var portfolioParams = tools.Schema{
	Properties: map[string]tools.Property{
		"address": {Type: tools.TypeString, Description: "Wallet to inspect; defaults to the connected wallet"},
	},
}

func portfolioTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "wallet.portfolio",
		Description: "Show token and NFT holdings with their USD value.",
		Parameters:  portfolioParams,
		Cost:        0.0005,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			address := params.String("address")
			if address == "" {
				owner, err := requireWallet(tc)
				if err != nil {
					return tools.Fail(err)
				}
				address = owner.String()
			} else if _, err := id.ParseSolanaAddress(address); err != nil {
				return tools.Fail(err)
			}
			holdings, err := deps.Holdings.FetchHoldings(ctx, address)
			if err != nil {
				return tools.Fail(err)
			}
			return tools.OK(wallet.BuildAssets(address, holdings, deps.now()))
		},
	}
}
