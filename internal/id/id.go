// Package id resolves tokens, chains and addresses used by tool arguments.
package id

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

// NativeMint is the wrapped-SOL mint used to denote the native asset.
const NativeMint = "So11111111111111111111111111111111111111112"

type Token struct {
	Symbol   string
	Name     string
	Mint     string
	Decimals int
}

func (t Token) IsNative() bool { return t.Mint == NativeMint }

// Chain is a bridge destination. Solana is the home chain.
type Chain struct {
	Name       string
	Slug       string
	EVMChainID int64
}

func (c Chain) IsEVM() bool { return c.EVMChainID > 0 }

var chainBySlug = map[string]Chain{
	"solana":       {Name: "Solana", Slug: "solana"},
	"mainnet-beta": {Name: "Solana", Slug: "solana"},
	"ethereum":     {Name: "Ethereum", Slug: "ethereum", EVMChainID: 1},
	"mainnet":      {Name: "Ethereum", Slug: "ethereum", EVMChainID: 1},
	"base":         {Name: "Base", Slug: "base", EVMChainID: 8453},
	"arbitrum":     {Name: "Arbitrum", Slug: "arbitrum", EVMChainID: 42161},
	"optimism":     {Name: "Optimism", Slug: "optimism", EVMChainID: 10},
	"polygon":      {Name: "Polygon", Slug: "polygon", EVMChainID: 137},
	"bsc":          {Name: "BSC", Slug: "bsc", EVMChainID: 56},
}

// Small bootstrap registry of Solana mainnet tokens for symbol resolution.
var tokenRegistry = []Token{
	{Symbol: "SOL", Name: "Solana", Mint: NativeMint, Decimals: 9},
	{Symbol: "USDC", Name: "USD Coin", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	{Symbol: "USDT", Name: "Tether USD", Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6},
	{Symbol: "JUP", Name: "Jupiter", Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6},
	{Symbol: "JTO", Name: "Jito", Mint: "jtojtomepa8beP8AuQc6eXt5FriJwfFMwGQx2v2f9mCL", Decimals: 9},
	{Symbol: "BONK", Name: "Bonk", Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Decimals: 5},
	{Symbol: "mSOL", Name: "Marinade staked SOL", Mint: "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", Decimals: 9},
	{Symbol: "JitoSOL", Name: "Jito Staked SOL", Mint: "J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn", Decimals: 9},
}

func ParseChain(input string) (Chain, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ResolveToken accepts a registry symbol or a base58 mint address.
func ResolveToken(input string) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	if pk, err := solana.PublicKeyFromBase58(raw); err == nil {
		if token, ok := LookupByMint(pk.String()); ok {
			return token, nil
		}
		return Token{Mint: pk.String(), Decimals: -1}, nil
	}

	matches := findTokensBySymbol(raw)
	switch len(matches) {
	case 0:
		return Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s not found in token registry", input))
	case 1:
		return matches[0], nil
	default:
		mints := make([]string, 0, len(matches))
		for _, m := range matches {
			mints = append(mints, m.Mint)
		}
		sort.Strings(mints)
		return Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s is ambiguous, use a mint address (%s)", input, strings.Join(mints, ", ")))
	}
}

func findTokensBySymbol(symbol string) []Token {
	var matches []Token
	for _, t := range tokenRegistry {
		if strings.EqualFold(t.Symbol, symbol) {
			matches = append(matches, t)
		}
	}
	return matches
}

func LookupByMint(mint string) (Token, bool) {
	mint = strings.TrimSpace(mint)
	for _, t := range tokenRegistry {
		if t.Mint == mint {
			return t, true
		}
	}
	return Token{}, false
}

func KnownToken(symbol string) (Token, bool) {
	matches := findTokensBySymbol(symbol)
	if len(matches) != 1 {
		return Token{}, false
	}
	return matches[0], true
}

// Tokens lists the registry in a stable order.
func Tokens() []Token {
	out := make([]Token, len(tokenRegistry))
	copy(out, tokenRegistry)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func ParseSolanaAddress(input string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(input))
	if err != nil {
		return solana.PublicKey{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid solana address: %s", input), err)
	}
	return pk, nil
}

// ParseEVMAddress validates a hex address and returns its checksummed form.
func ParseEVMAddress(input string) (common.Address, error) {
	raw := strings.TrimSpace(input)
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid EVM address: %s", input))
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUsage, "EVM address must not be the zero address")
	}
	return addr, nil
}
