package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "tx status"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{" TX  Status "}, "tx status"); err != nil {
		t.Fatalf("expected command to be allowed: %v", err)
	}
	if err := CheckCommandAllowed([]string{"tx"}, "tx list"); err != nil {
		t.Fatalf("expected parent entry to allow subcommand: %v", err)
	}
	if err := CheckCommandAllowed([]string{"tx"}, "txs"); err == nil {
		t.Fatal("prefix must match whole path segments")
	}
	err := CheckCommandAllowed([]string{"wallet assets"}, "session")
	if !clierr.HasCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestCheckToolAllowed(t *testing.T) {
	if err := CheckToolAllowed(nil, "token.swap"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckToolAllowed([]string{"token"}, "token.swap"); err != nil {
		t.Fatalf("expected namespace to allow tool: %v", err)
	}
	if err := CheckToolAllowed([]string{"wallet.portfolio"}, "wallet.portfolio"); err != nil {
		t.Fatalf("expected exact tool to be allowed: %v", err)
	}
	if err := CheckToolAllowed([]string{"token.quote"}, "token.swap"); !clierr.HasCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected token.swap to be blocked, got %v", err)
	}
}
