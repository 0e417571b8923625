package id

import (
	"testing"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

func TestParseChainVariants(t *testing.T) {
	chain, err := ParseChain("Base")
	if err != nil {
		t.Fatalf("ParseChain(base) failed: %v", err)
	}
	if chain.EVMChainID != 8453 || !chain.IsEVM() {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	chain, err = ParseChain("mainnet-beta")
	if err != nil {
		t.Fatalf("ParseChain(mainnet-beta) failed: %v", err)
	}
	if chain.Slug != "solana" || chain.IsEVM() {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	if _, err := ParseChain("dogechain"); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestResolveTokenSymbolAndMint(t *testing.T) {
	token, err := ResolveToken("usdc")
	if err != nil {
		t.Fatalf("ResolveToken(usdc) failed: %v", err)
	}
	if token.Mint != "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v" || token.Decimals != 6 {
		t.Fatalf("unexpected token: %+v", token)
	}

	byMint, err := ResolveToken(NativeMint)
	if err != nil {
		t.Fatalf("ResolveToken(mint) failed: %v", err)
	}
	if byMint.Symbol != "SOL" || !byMint.IsNative() {
		t.Fatalf("expected SOL, got %+v", byMint)
	}

	unknown, err := ResolveToken("7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs")
	if err != nil {
		t.Fatalf("ResolveToken(unknown mint) failed: %v", err)
	}
	if unknown.Decimals != -1 || unknown.Symbol != "" {
		t.Fatalf("unknown mint must carry unresolved decimals: %+v", unknown)
	}
}

func TestResolveTokenUnknownSymbol(t *testing.T) {
	if _, err := ResolveToken("NOPE"); err == nil {
		t.Fatal("expected unknown symbol error")
	}
	if _, err := ResolveToken(" "); err == nil {
		t.Fatal("expected empty token error")
	}
}

func TestParseAddresses(t *testing.T) {
	if _, err := ParseSolanaAddress("not-base58!"); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	pk, err := ParseSolanaAddress(" " + NativeMint + " ")
	if err != nil || pk.String() != NativeMint {
		t.Fatalf("unexpected solana parse: %v %v", pk, err)
	}

	addr, err := ParseEVMAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	if err != nil {
		t.Fatalf("ParseEVMAddress failed: %v", err)
	}
	if addr.Hex() != "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" {
		t.Fatalf("expected checksummed address, got %s", addr.Hex())
	}
	if _, err := ParseEVMAddress("0x0000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected zero address error")
	}
	if _, err := ParseEVMAddress("0x1234"); err == nil {
		t.Fatal("expected length error")
	}
}
