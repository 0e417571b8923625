package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution/signer"
)

// RecordSink persists record transitions. *Store satisfies it.
type RecordSink interface {
	Save(record TransactionRecord) error
}

// Submitter turns an unsigned serialized transaction into a submitted one.
type Submitter struct {
	signer signer.Signer
	relay  Relay
	sink   RecordSink
	logger zerolog.Logger
}

func NewSubmitter(s signer.Signer, relay Relay, sink RecordSink, logger zerolog.Logger) *Submitter {
	return &Submitter{signer: s, relay: relay, sink: sink, logger: logger}
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(serialized string) (*solana.Transaction, error) {
	serialized = strings.TrimSpace(serialized)
	if serialized == "" {
		return nil, clierr.New(clierr.CodeUsage, "decode transaction: empty payload")
	}
	tx, err := solana.TransactionFromBase64(serialized)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "decode transaction", err)
	}
	return tx, nil
}

// SignAndSubmit asks the signer for a signature and hands the signed
// transaction to the relay. A declined signature returns CodeUserRejected
// and the relay is never called. On success record carries the txid.
func (s *Submitter) SignAndSubmit(ctx context.Context, record *TransactionRecord) error {
	if s.signer == nil {
		return clierr.New(clierr.CodeNoWallet, "no wallet connected")
	}
	tx, err := DecodeTransaction(record.SerializedTransaction)
	if err != nil {
		return s.fail(record, err)
	}

	signed, err := s.signer.SignTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, signer.ErrUserRejected) {
			return s.fail(record, clierr.Wrap(clierr.CodeUserRejected, "transaction rejected by user", err))
		}
		return s.fail(record, clierr.Wrap(clierr.CodeSigner, "sign transaction", err))
	}
	wire, err := signed.ToBase64()
	if err != nil {
		return s.fail(record, clierr.Wrap(clierr.CodeInternal, "serialize signed transaction", err))
	}

	txid, err := s.relay.Send(ctx, wire)
	if err != nil {
		return s.fail(record, err)
	}
	record.TxID = txid
	record.Status = RecordStatusPending
	record.Touch()
	s.logger.Info().Str("record_id", record.ID).Str("tool_id", record.ToolID).Str("txid", txid).Msg("transaction submitted")
	s.save(*record)
	return nil
}

func (s *Submitter) fail(record *TransactionRecord, err error) error {
	record.Status = RecordStatusError
	record.Error = err.Error()
	record.Touch()
	s.logger.Warn().Err(err).Str("record_id", record.ID).Str("tool_id", record.ToolID).Msg("transaction not submitted")
	s.save(*record)
	return err
}

func (s *Submitter) save(record TransactionRecord) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Save(record); err != nil {
		s.logger.Error().Err(err).Str("record_id", record.ID).Msg("persist transaction record")
	}
}

var _ RecordSink = (*Store)(nil)

func describe(record TransactionRecord) string {
	if record.TxID == "" {
		return record.ID
	}
	return fmt.Sprintf("%s (%s)", record.ID, record.TxID)
}
