package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/tools"
	"github.com/ggonzalez94/defi-voice/internal/toolset"
)

const rejectedContent = "transaction rejected by user"

// runTool drives one descriptor from placeholder to terminal message. A
// failed tool is reported once and never retried. The returned error is
// non-nil only when argument extraction hit the usage quota, which ends the
// turn.
func (o *Orchestrator) runTool(ctx context.Context, room *chat.Room, d tools.Descriptor, sel toolset.Selection, text string, previous []toolset.PreviousMessage) (ToolOutcome, error) {
	log := o.logger.With().Str("room_id", room.ID()).Str("tool_id", d.ID).Logger()
	placeholder, err := room.Append(chat.Loading(d.ID))
	if err != nil {
		log.Error().Err(err).Msg("persist placeholder")
	}
	out := ToolOutcome{ToolID: d.ID, MessageID: placeholder.ID}

	params, err := o.arguments(ctx, d, sel, text, previous)
	if err != nil {
		if errors.Is(err, toolset.ErrQuotaExceeded) {
			return o.failTool(room, out, log, err), err
		}
		return o.failTool(room, out, log, err), nil
	}

	res := o.execute(ctx, d, params, o.toolContext())
	if !res.Success {
		return o.failTool(room, out, log, fmt.Errorf("%s", res.Error)), nil
	}
	o.usage.AddToolCost(d.Cost)

	if !res.SignAndSend {
		out.Success = true
		out.Data = res.Data
		o.update(room, out.MessageID, func(m *chat.Message) {
			m.State = chat.StateDone
			m.SetData(res.Data)
		})
		return out, nil
	}
	return o.submit(ctx, room, d, res, out, log), nil
}

func (o *Orchestrator) arguments(ctx context.Context, d tools.Descriptor, sel toolset.Selection, text string, previous []toolset.PreviousMessage) (tools.Params, error) {
	raw, ok := sel.Arguments(d.ID)
	if !ok {
		if len(d.Parameters.Properties) == 0 {
			raw = json.RawMessage(`{}`)
		} else {
			extracted, err := o.classifier.ExtractArguments(ctx, d.ID, text, d.Parameters.JSONSchema(), previous)
			if err != nil {
				return nil, err
			}
			raw = extracted
		}
	}
	return d.Parameters.Validate(raw)
}

// execute shields the turn from a panicking tool.
func (o *Orchestrator) execute(ctx context.Context, d tools.Descriptor, params tools.Params, tc tools.Context) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("tool_id", d.ID).Interface("panic", r).Msg("tool panicked")
			res = tools.Fail(fmt.Errorf("tool %s crashed", d.ID))
		}
	}()
	return d.Execute(ctx, params, tc)
}

func (o *Orchestrator) submit(ctx context.Context, room *chat.Room, d tools.Descriptor, res tools.Result, out ToolOutcome, log zerolog.Logger) ToolOutcome {
	serialized, ok := res.Transaction()
	if !ok {
		return o.failTool(room, out, log, clierr.New(clierr.CodeBackend, "tool returned no transaction to sign"))
	}
	if o.submitter == nil {
		return o.failTool(room, out, log, clierr.New(clierr.CodeNoWallet, "connect a wallet first"))
	}

	record := execution.NewRecord(execution.NewRecordID(), d.ID, room.ID())
	record.SerializedTransaction = serialized
	if err := o.submitter.SignAndSubmit(ctx, &record); err != nil {
		out.Record = &record
		if clierr.HasCode(err, clierr.CodeUserRejected) {
			out.Rejected = true
			out.Error = rejectedContent
			log.Info().Msg("transaction rejected by user")
			o.update(room, out.MessageID, func(m *chat.Message) {
				m.State = chat.StateError
				m.Content = rejectedContent
			})
			return out
		}
		return o.failTool(room, out, log, err)
	}

	out.Success = true
	out.Data = res.Data
	out.Record = &record
	o.update(room, out.MessageID, func(m *chat.Message) {
		m.TxID = record.TxID
		m.SetData(record)
	})
	log.Info().Str("txid", record.TxID).Msg("transaction submitted")

	if o.poller == nil {
		return out
	}
	msgID := out.MessageID
	out.Task = o.poller.Start(context.WithoutCancel(ctx), record, func(rec execution.TransactionRecord) {
		o.update(room, msgID, func(m *chat.Message) {
			m.TxID = rec.TxID
			m.SetData(rec)
			switch rec.Status {
			case execution.RecordStatusSuccess:
				m.State = chat.StateDone
			case execution.RecordStatusError:
				m.State = chat.StateError
				m.Content = rec.Error
			default:
				m.State = chat.StateLoading
			}
		})
	})
	return out
}

func (o *Orchestrator) failTool(room *chat.Room, out ToolOutcome, log zerolog.Logger, err error) ToolOutcome {
	out.Success = false
	out.Error = err.Error()
	log.Warn().Err(err).Msg("tool failed")
	o.update(room, out.MessageID, func(m *chat.Message) {
		m.State = chat.StateError
		m.Content = out.Error
	})
	return out
}

func (o *Orchestrator) update(room *chat.Room, id string, fn func(*chat.Message)) {
	if id == "" {
		return
	}
	if _, err := room.Update(id, fn); err != nil {
		o.logger.Error().Err(err).Str("message_id", id).Msg("update message")
	}
}
