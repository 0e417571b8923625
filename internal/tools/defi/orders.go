package defi

import (
	"context"
	"time"

	"github.com/ggonzalez94/defi-voice/internal/providers"
	"github.com/ggonzalez94/defi-voice/internal/tools"
)

var createOrderParams = tools.Schema{
	Properties: map[string]tools.Property{
		"inputToken":     {Type: tools.TypeString, Description: "Token to sell"},
		"outputToken":    {Type: tools.TypeString, Description: "Token to buy"},
		"amount":         {Type: tools.TypeNumber, Description: "Amount of inputToken to sell", Minimum: tools.Min(0)},
		"price":          {Type: tools.TypeNumber, Description: "Limit price in outputToken per inputToken", Minimum: tools.Min(0)},
		"expiresInHours": {Type: tools.TypeNumber, Description: "Hours until the order expires", Minimum: tools.Min(0)},
	},
	Required: []string{"inputToken", "outputToken", "amount", "price"},
}

var listOrdersParams = tools.Schema{
	Properties: map[string]tools.Property{
		"status": {Type: tools.TypeString, Description: "Which orders to list", Enum: []string{"active", "history"}},
	},
}

func createOrderTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "limitOrder.create",
		Description: "Place a limit order that sells a token once a target price is reached.",
		Parameters:  createOrderParams,
		Cost:        0.002,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			owner, err := requireWallet(tc)
			if err != nil {
				return tools.Fail(err)
			}
			amount := params.Float("amount")
			in, making, err := tokenAmount(params.String("inputToken"), amount)
			if err != nil {
				return tools.Fail(err)
			}
			out, taking, err := tokenAmount(params.String("outputToken"), amount*params.Float("price"))
			if err != nil {
				return tools.Fail(err)
			}
			req := providers.LimitOrderRequest{
				Owner:        owner.String(),
				InputMint:    in.Mint,
				OutputMint:   out.Mint,
				MakingAmount: making,
				TakingAmount: taking,
			}
			if hours := params.Float("expiresInHours"); hours > 0 {
				req.ExpiresAt = deps.now().Add(time.Duration(hours * float64(time.Hour))).Unix()
			}
			order, err := deps.Orders.CreateLimitOrder(ctx, req)
			if err != nil {
				return tools.Fail(err)
			}
			return tools.SignAndSend(order.Transaction, map[string]any{
				"orderId":     order.OrderID,
				"inputToken":  in.Symbol,
				"outputToken": out.Symbol,
				"price":       params.Float("price"),
			})
		},
	}
}

func listOrdersTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "limitOrder.list",
		Description: "List the connected wallet's limit orders.",
		Parameters:  listOrdersParams,
		Cost:        0.0005,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			owner, err := requireWallet(tc)
			if err != nil {
				return tools.Fail(err)
			}
			status := params.String("status")
			if status == "" {
				status = "active"
			}
			orders, err := deps.Orders.ListLimitOrders(ctx, owner.String(), status)
			if err != nil {
				return tools.Fail(err)
			}
			return tools.OK(map[string]any{"orders": orders, "count": len(orders)})
		},
	}
}

