package defi

import (
	"context"
	"net/http"
	"strconv"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/tools"
)

var lendProtocols = []string{"kamino", "marginfi", "solend"}

var lendDepositParams = tools.Schema{
	Properties: map[string]tools.Property{
		"token":    {Type: tools.TypeString, Description: "Token to deposit"},
		"amount":   {Type: tools.TypeNumber, Description: "Amount to deposit", Minimum: tools.Min(0)},
		"protocol": {Type: tools.TypeString, Description: "Lending protocol", Enum: lendProtocols},
	},
	Required: []string{"token", "amount"},
}

type lendDepositRequest struct {
	Owner    string `json:"owner"`
	Mint     string `json:"mint"`
	Amount   string `json:"amount"`
	Protocol string `json:"protocol"`
}

type lendDepositResponse struct {
	Transaction string  `json:"transaction"`
	Protocol    string  `json:"protocol"`
	SupplyAPY   float64 `json:"supplyApy"`
}

func lendDepositTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "lend.deposit",
		Description: "Deposit a token into a lending market to earn yield.",
		Parameters:  lendDepositParams,
		Cost:        0.002,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			owner, err := requireWallet(tc)
			if err != nil {
				return tools.Fail(err)
			}
			token, units, err := tokenAmount(params.String("token"), params.Float("amount"))
			if err != nil {
				return tools.Fail(err)
			}
			protocol := params.String("protocol")
			if protocol == "" {
				protocol = lendProtocols[0]
			}
			resp, err := httpx.Request[lendDepositResponse](ctx, deps.Backend, http.MethodPost, httpx.BackendData, "/lend/deposit", lendDepositRequest{
				Owner:    owner.String(),
				Mint:     token.Mint,
				Amount:   strconv.FormatUint(units, 10),
				Protocol: protocol,
			})
			if err != nil {
				return tools.Fail(err)
			}
			if resp.Transaction == "" {
				return tools.Fail(clierr.New(clierr.CodeBackend, "lend deposit: backend returned no transaction"))
			}
			if resp.Protocol != "" {
				protocol = resp.Protocol
			}
			return tools.SignAndSend(resp.Transaction, map[string]any{
				"token":     token.Symbol,
				"amount":    id.FormatUnits(strconv.FormatUint(units, 10), token.Decimals),
				"protocol":  protocol,
				"supplyApy": resp.SupplyAPY,
			})
		},
	}
}

var lendRatesParams = tools.Schema{
	Properties: map[string]tools.Property{
		"token": {Type: tools.TypeString, Description: "Token to look up lending rates for"},
		"limit": {Type: tools.TypeNumber, Description: "Maximum reserves to return", Minimum: tools.Min(1)},
	},
	Required: []string{"token"},
}

const defaultLendRatesLimit = 5

func lendRatesTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "lend.rates",
		Description: "List lending reserves for a token with supply and borrow APY.",
		Parameters:  lendRatesParams,
		Cost:        0.0005,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			token, err := id.ResolveToken(params.String("token"))
			if err != nil {
				return tools.Fail(err)
			}
			rates, err := deps.Rates.LendRates(ctx, token)
			if err != nil {
				return tools.Fail(err)
			}
			limit := int(params.Int("limit"))
			if limit <= 0 {
				limit = defaultLendRatesLimit
			}
			if len(rates) > limit {
				rates = rates[:limit]
			}
			return tools.OK(rates)
		},
	}
}
