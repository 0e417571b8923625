package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const (
	EnvSignerKey     = "DEFI_VOICE_SIGNER_KEY"
	EnvSignerKeyFile = "DEFI_VOICE_SIGNER_KEY_FILE"

	defaultKeypairRelativePath = "defi-voice/id.json"
	defaultKeypairHintPath     = "~/.config/defi-voice/id.json"
)

type LocalSigner struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

func (s *LocalSigner) PublicKey() solana.PublicKey {
	return s.publicKey
}

func (s *LocalSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if s == nil || len(s.privateKey) == 0 {
		return nil, errors.New("local signer is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.New("sign transaction: nil transaction")
	}
	if !tx.Message.IsSigner(s.publicKey) {
		return nil, fmt.Errorf("sign transaction: %s is not a required signer", s.publicKey)
	}
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// NewLocalSignerFromInputs resolves a key from keyEnv (defaults to
// DEFI_VOICE_SIGNER_KEY), then keyFile, then DEFI_VOICE_SIGNER_KEY_FILE, then
// the default keypair path under the user config directory.
func NewLocalSignerFromInputs(keyEnv, keyFile string) (*LocalSigner, error) {
	keyEnv = strings.TrimSpace(keyEnv)
	if keyEnv == "" {
		keyEnv = EnvSignerKey
	}
	cfg := LocalSignerConfig{
		PrivateKey:     strings.TrimSpace(os.Getenv(keyEnv)),
		PrivateKeyFile: strings.TrimSpace(keyFile),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = strings.TrimSpace(os.Getenv(EnvSignerKeyFile))
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultKeypairFile()
	}
	if cfg.PrivateKey == "" && cfg.PrivateKeyFile == "" {
		return nil, fmt.Errorf("missing signing key: set %s or %s, or place a keypair at %s", keyEnv, EnvSignerKeyFile, defaultKeypairHintPath)
	}
	return NewLocalSigner(cfg)
}

type LocalSignerConfig struct {
	PrivateKey     string
	PrivateKeyFile string
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{privateKey: pk, publicKey: pk.PublicKey()}, nil
}

func loadPrivateKey(cfg LocalSignerConfig) (solana.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		return parseKey(cfg.PrivateKey)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseKey(string(buf))
	}
	return nil, errors.New("missing signing key")
}

// parseKey accepts a base58 secret key or a solana-keygen JSON byte array.
func parseKey(raw string) (solana.PrivateKey, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	if strings.HasPrefix(clean, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(clean), &ints); err != nil {
			return nil, fmt.Errorf("parse keypair file: %w", err)
		}
		key := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("parse keypair file: byte %d out of range", i)
			}
			key[i] = byte(v)
		}
		return validKey(solana.PrivateKey(key))
	}
	pk, err := solana.PrivateKeyFromBase58(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return validKey(pk)
}

func validKey(pk solana.PrivateKey) (solana.PrivateKey, error) {
	if len(pk) != 64 {
		return nil, fmt.Errorf("parse private key: expected 64 bytes, got %d", len(pk))
	}
	return pk, nil
}

func defaultKeypairPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultKeypairRelativePath)
}

func discoverDefaultKeypairFile() string {
	path := defaultKeypairPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
