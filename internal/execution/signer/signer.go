package signer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ErrUserRejected is returned when the wallet holder declines to sign.
var ErrUserRejected = errors.New("transaction rejected by user")

// Signer is the wallet signing capability. Implementations may prompt the
// user and must return ErrUserRejected when the prompt is declined.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Prompter asks the wallet holder to approve a transaction.
type Prompter interface {
	Confirm(ctx context.Context, summary string) (bool, error)
}

// ConfirmSigner gates an inner signer behind an approval prompt.
type ConfirmSigner struct {
	Inner  Signer
	Prompt Prompter
}

func (s ConfirmSigner) PublicKey() solana.PublicKey { return s.Inner.PublicKey() }

func (s ConfirmSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if s.Prompt != nil {
		ok, err := s.Prompt.Confirm(ctx, Summarize(tx))
		if err != nil {
			return nil, fmt.Errorf("confirm transaction: %w", err)
		}
		if !ok {
			return nil, ErrUserRejected
		}
	}
	return s.Inner.SignTransaction(ctx, tx)
}

// Summarize renders the instruction programs a transaction touches.
func Summarize(tx *solana.Transaction) string {
	if tx == nil {
		return "empty transaction"
	}
	programs := make([]string, 0, len(tx.Message.Instructions))
	seen := map[string]struct{}{}
	for _, inst := range tx.Message.Instructions {
		id, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			continue
		}
		key := id.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		programs = append(programs, key)
	}
	return fmt.Sprintf("%d instruction(s) via %s", len(tx.Message.Instructions), strings.Join(programs, ", "))
}

// TerminalPrompter reads a y/N answer from a line-oriented reader.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p TerminalPrompter) Confirm(ctx context.Context, summary string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := fmt.Fprintf(p.Out, "Sign transaction (%s)? [y/N]: ", summary); err != nil {
		return false, err
	}
	answer, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// AutoApprove approves every prompt.
type AutoApprove struct{}

func (AutoApprove) Confirm(context.Context, string) (bool, error) { return true, nil }
