package signer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

func newTestKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	pk, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pk
}

func newTransferTx(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	to := solana.MustPublicKeyFromBase58("7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs")
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1_000, payer, to).Build()},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	return tx
}

func TestNewLocalSignerFromEnvBase58(t *testing.T) {
	key := newTestKey(t)
	t.Setenv(EnvSignerKey, key.String())

	s, err := NewLocalSignerFromInputs("", "")
	if err != nil {
		t.Fatalf("NewLocalSignerFromInputs failed: %v", err)
	}
	if !s.PublicKey().Equals(key.PublicKey()) {
		t.Fatalf("unexpected public key %s", s.PublicKey())
	}
	tx := newTransferTx(t, s.PublicKey())
	signed, err := s.SignTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("SignTransaction failed: %v", err)
	}
	if len(signed.Signatures) != 1 || signed.Signatures[0] == (solana.Signature{}) {
		t.Fatalf("expected one non-zero signature, got %v", signed.Signatures)
	}
	if err := signed.VerifySignatures(); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestNewLocalSignerCustomEnvName(t *testing.T) {
	key := newTestKey(t)
	t.Setenv("MY_WALLET_KEY", key.String())

	s, err := NewLocalSignerFromInputs("MY_WALLET_KEY", "")
	if err != nil {
		t.Fatalf("NewLocalSignerFromInputs failed: %v", err)
	}
	if !s.PublicKey().Equals(key.PublicKey()) {
		t.Fatalf("unexpected public key %s", s.PublicKey())
	}
}

func TestNewLocalSignerFromKeygenFile(t *testing.T) {
	key := newTestKey(t)
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	buf, _ := json.Marshal(ints)
	keyFile := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(keyFile, buf, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvSignerKey, "")

	s, err := NewLocalSignerFromInputs("", keyFile)
	if err != nil {
		t.Fatalf("NewLocalSignerFromInputs failed: %v", err)
	}
	if !s.PublicKey().Equals(key.PublicKey()) {
		t.Fatalf("unexpected public key %s", s.PublicKey())
	}
}

func TestNewLocalSignerUsesDefaultKeypairFile(t *testing.T) {
	key := newTestKey(t)
	cfgDir := t.TempDir()
	keyDir := filepath.Join(cfgDir, "defi-voice")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, "id.json"), []byte(key.String()), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", cfgDir)
	t.Setenv(EnvSignerKey, "")
	t.Setenv(EnvSignerKeyFile, "")

	s, err := NewLocalSignerFromInputs("", "")
	if err != nil {
		t.Fatalf("expected default keypair path to be used: %v", err)
	}
	if !s.PublicKey().Equals(key.PublicKey()) {
		t.Fatalf("unexpected public key %s", s.PublicKey())
	}
}

func TestNewLocalSignerMissingKeyErrorIncludesHint(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvSignerKey, "")
	t.Setenv(EnvSignerKeyFile, "")

	_, err := NewLocalSignerFromInputs("", "")
	if err == nil {
		t.Fatal("expected missing key error")
	}
	if !strings.Contains(err.Error(), defaultKeypairHintPath) {
		t.Fatalf("expected hint %q in %q", defaultKeypairHintPath, err.Error())
	}
}

func TestParseKeyRejectsShortKey(t *testing.T) {
	if _, err := parseKey("[1,2,3]"); err == nil {
		t.Fatal("expected short key error")
	}
	if _, err := parseKey("[1,2,300]"); err == nil {
		t.Fatal("expected out of range byte error")
	}
}

func TestSignTransactionRequiresSignerSlot(t *testing.T) {
	s, err := NewLocalSigner(LocalSignerConfig{PrivateKey: newTestKey(t).String()})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	other := newTestKey(t).PublicKey()
	if _, err := s.SignTransaction(context.Background(), newTransferTx(t, other)); err == nil {
		t.Fatal("expected not-a-signer error")
	}
}

type fixedPrompt struct {
	answer  bool
	summary string
}

func (p *fixedPrompt) Confirm(_ context.Context, summary string) (bool, error) {
	p.summary = summary
	return p.answer, nil
}

func TestConfirmSignerRejection(t *testing.T) {
	inner, err := NewLocalSigner(LocalSignerConfig{PrivateKey: newTestKey(t).String()})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	prompt := &fixedPrompt{answer: false}
	s := ConfirmSigner{Inner: inner, Prompt: prompt}

	tx := newTransferTx(t, inner.PublicKey())
	_, err = s.SignTransaction(context.Background(), tx)
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if !strings.Contains(prompt.summary, solana.SystemProgramID.String()) {
		t.Fatalf("expected summary to name the system program, got %q", prompt.summary)
	}
	if len(tx.Signatures) > 0 && tx.Signatures[0] != (solana.Signature{}) {
		t.Fatal("rejected transaction must stay unsigned")
	}
}

func TestTerminalPrompter(t *testing.T) {
	var out strings.Builder
	ok, err := TerminalPrompter{In: strings.NewReader("y\n"), Out: &out}.Confirm(context.Background(), "1 instruction(s)")
	if err != nil || !ok {
		t.Fatalf("expected approval, got %v %v", ok, err)
	}
	ok, err = TerminalPrompter{In: strings.NewReader(""), Out: &out}.Confirm(context.Background(), "x")
	if err != nil || ok {
		t.Fatalf("expected empty answer to decline, got %v %v", ok, err)
	}
}
