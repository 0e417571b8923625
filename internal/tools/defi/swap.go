package defi

import (
	"context"

	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/providers"
	"github.com/ggonzalez94/defi-voice/internal/tools"
)

var swapParams = tools.Schema{
	Properties: map[string]tools.Property{
		"inputToken":  {Type: tools.TypeString, Description: "Token to sell, by symbol or mint address"},
		"outputToken": {Type: tools.TypeString, Description: "Token to buy, by symbol or mint address"},
		"amount":      {Type: tools.TypeNumber, Description: "Amount of inputToken to sell", Minimum: tools.Min(0)},
		"slippageBps": {Type: tools.TypeInteger, Description: "Maximum slippage in basis points", Minimum: tools.Min(1)},
	},
	Required: []string{"inputToken", "outputToken", "amount"},
}

func quoteRequest(params tools.Params) (providers.SwapQuoteRequest, error) {
	from, units, err := tokenAmount(params.String("inputToken"), params.Float("amount"))
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	to, err := id.ResolveToken(params.String("outputToken"))
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	return providers.SwapQuoteRequest{
		From:        from,
		To:          to,
		Amount:      units,
		SlippageBps: int(params.Int("slippageBps")),
	}, nil
}

func quoteTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "token.quote",
		Description: "Quote how much of one token a swap would return, without trading.",
		Parameters:  swapParams,
		Cost:        0.001,
		Execute: func(ctx context.Context, params tools.Params, _ tools.Context) tools.Result {
			req, err := quoteRequest(params)
			if err != nil {
				return tools.Fail(err)
			}
			quote, err := deps.Swaps.QuoteSwap(ctx, req)
			if err != nil {
				return tools.Fail(err)
			}
			return tools.OK(quote.SwapQuote)
		},
	}
}

func swapTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "token.swap",
		Description: "Swap one token for another at the best available route.",
		Parameters:  swapParams,
		Cost:        0.002,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			owner, err := requireWallet(tc)
			if err != nil {
				return tools.Fail(err)
			}
			req, err := quoteRequest(params)
			if err != nil {
				return tools.Fail(err)
			}
			quote, err := deps.Swaps.QuoteSwap(ctx, req)
			if err != nil {
				return tools.Fail(err)
			}
			tx, err := deps.Swaps.BuildSwap(ctx, quote, owner.String())
			if err != nil {
				return tools.Fail(err)
			}
			return tools.SignAndSend(tx, map[string]any{"quote": quote.SwapQuote})
		},
	}
}
