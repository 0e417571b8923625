package defi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/tools"
)

var transferParams = tools.Schema{
	Properties: map[string]tools.Property{
		"token":     {Type: tools.TypeString, Description: "Token to send, by symbol or mint address"},
		"amount":    {Type: tools.TypeNumber, Description: "Amount of token to send", Minimum: tools.Min(0)},
		"recipient": {Type: tools.TypeString, Description: "Recipient wallet address"},
	},
	Required: []string{"token", "amount", "recipient"},
}

// RPCBlockhash reads recent blockhashes from a Solana JSON-RPC endpoint.
type RPCBlockhash struct {
	Client     *rpc.Client
	Commitment rpc.CommitmentType
}

func NewRPCBlockhash(endpoint string) RPCBlockhash {
	return RPCBlockhash{Client: rpc.New(endpoint), Commitment: rpc.CommitmentFinalized}
}

func (b RPCBlockhash) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := b.Client.GetLatestBlockhash(ctx, b.Commitment)
	if err != nil {
		return solana.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest blockhash", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, clierr.New(clierr.CodeUnavailable, "fetch latest blockhash: empty response")
	}
	return out.Value.Blockhash, nil
}

type transferRequest struct {
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	Mint      string `json:"mint"`
	Amount    string `json:"amount"`
}

type transactionResponse struct {
	Transaction string `json:"transaction"`
}

func transferTool(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		ID:          "token.transfer",
		Description: "Send SOL or an SPL token to another wallet.",
		Parameters:  transferParams,
		Cost:        0.001,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			owner, err := requireWallet(tc)
			if err != nil {
				return tools.Fail(err)
			}
			recipient, err := id.ParseSolanaAddress(params.String("recipient"))
			if err != nil {
				return tools.Fail(err)
			}
			if recipient.Equals(owner) {
				return tools.Fail(clierr.New(clierr.CodeUsage, "recipient is the connected wallet"))
			}
			token, units, err := tokenAmount(params.String("token"), params.Float("amount"))
			if err != nil {
				return tools.Fail(err)
			}

			var tx string
			if token.IsNative() && deps.Blockhash != nil {
				tx, err = buildNativeTransfer(ctx, deps.Blockhash, owner, recipient, units)
			} else {
				tx, err = requestTransfer(ctx, deps.Backend, owner, recipient, token, units)
			}
			if err != nil {
				return tools.Fail(err)
			}
			return tools.SignAndSend(tx, map[string]any{
				"token":     token.Symbol,
				"amount":    id.FormatUnits(strconv.FormatUint(units, 10), token.Decimals),
				"recipient": recipient.String(),
			})
		},
	}
}

func buildNativeTransfer(ctx context.Context, bh Blockhasher, owner, recipient solana.PublicKey, lamports uint64) (string, error) {
	hash, err := bh.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, owner, recipient).Build()},
		hash,
		solana.TransactionPayer(owner),
	)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "build transfer transaction", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	out, err := tx.ToBase64()
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "serialize transfer transaction", err)
	}
	return out, nil
}

func requestTransfer(ctx context.Context, client *httpx.Client, owner, recipient solana.PublicKey, token id.Token, units uint64) (string, error) {
	if client == nil {
		return "", clierr.New(clierr.CodeUnsupported, "token transfers need the data backend")
	}
	resp, err := httpx.Request[transactionResponse](ctx, client, http.MethodPost, httpx.BackendData, "/transactions/transfer", transferRequest{
		Owner:     owner.String(),
		Recipient: recipient.String(),
		Mint:      token.Mint,
		Amount:    strconv.FormatUint(units, 10),
	})
	if err != nil {
		return "", err
	}
	if resp.Transaction == "" {
		return "", clierr.New(clierr.CodeBackend, "transfer: backend returned no transaction")
	}
	return resp.Transaction, nil
}
