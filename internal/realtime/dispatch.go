package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/orchestrator"
)

type dispatchArgs struct {
	OriginalRequest string `json:"originalRequest"`
}

// FunctionOutput is the JSON body returned to the model for a function call.
type FunctionOutput struct {
	Success  bool                       `json:"success"`
	Error    string                     `json:"error,omitempty"`
	ToolIDs  []string                   `json:"toolIds,omitempty"`
	Results  []orchestrator.ToolOutcome `json:"results,omitempty"`
	Fallback string                     `json:"fallbackResponse,omitempty"`
}

// onFunctionCall always answers the call, even when orchestration fails or
// panics, so the model is never left waiting for an output.
func (p *Pipeline) onFunctionCall(ctx context.Context, ev Event) (err error) {
	log := p.logger.With().Str("call_id", ev.CallID).Str("function", ev.Name).Logger()
	if ev.Name != DispatchFunction {
		log.Warn().Msg("unknown function call")
		return p.reply(ctx, ev.CallID, FunctionOutput{Error: fmt.Sprintf("unknown function %q", ev.Name)}, "")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("toolset dispatch panicked")
			p.abortLoading()
			err = p.reply(ctx, ev.CallID, FunctionOutput{Error: "internal error while running the request"}, "")
		}
	}()

	var args dispatchArgs
	if raw := strings.TrimSpace(ev.Arguments); raw != "" {
		if jerr := json.Unmarshal([]byte(raw), &args); jerr != nil {
			log.Warn().Err(jerr).Msg("malformed dispatch arguments")
		}
	}
	request := strings.TrimSpace(args.OriginalRequest)
	if request == "" {
		p.mu.Lock()
		request = p.lastInput
		p.mu.Unlock()
	}
	if request == "" {
		return p.reply(ctx, ev.CallID, FunctionOutput{Error: "originalRequest is required"}, "")
	}

	if p.wallet == nil || p.wallet.Address() == "" {
		p.notifier.Notify(ctx, notify.Error("No wallet connected", "Connect a wallet before asking me to act on-chain."))
		return p.reply(ctx, ev.CallID, FunctionOutput{Error: "wallet not connected"}, "")
	}

	outcome, terr := p.turns.HandleTurn(ctx, request)
	if terr != nil {
		p.abortLoading()
		log.Warn().Err(terr).Msg("toolset dispatch failed")
		out := FunctionOutput{Error: dispatchError(terr, outcome)}
		return p.reply(ctx, ev.CallID, out, "")
	}

	out := FunctionOutput{
		Success:  outcome.Success(),
		ToolIDs:  outcome.ToolIDs,
		Results:  outcome.Results,
		Fallback: outcome.Fallback,
	}
	if !out.Success {
		out.Error = firstError(outcome.Results)
	}
	return p.reply(ctx, ev.CallID, out, summarizeInstructions)
}

func dispatchError(err error, outcome orchestrator.Outcome) string {
	switch {
	case outcome.QuotaExceeded || clierr.HasCode(err, clierr.CodeQuotaExceeded):
		return "usage quota exceeded"
	case clierr.HasCode(err, clierr.CodeToolDrift):
		return "requested action is not available"
	default:
		return err.Error()
	}
}

func firstError(results []orchestrator.ToolOutcome) string {
	for _, r := range results {
		if !r.Success && r.Error != "" {
			return r.Error
		}
	}
	return ""
}

func (p *Pipeline) abortLoading() {
	if p.rooms == nil {
		return
	}
	if room := p.rooms.Active(); room != nil {
		room.AbortLoading(abortedReason)
	}
}

// reply sends the function output followed by a response request.
func (p *Pipeline) reply(ctx context.Context, callID string, out FunctionOutput, instructions string) error {
	body, err := json.Marshal(out)
	if err != nil {
		body = []byte(`{"success":false,"error":"unencodable result"}`)
	}
	if err := p.sink.Send(ctx, functionCallOutput(callID, body)); err != nil {
		return fmt.Errorf("realtime.Pipeline.reply: %w", err)
	}
	if err := p.sink.Send(ctx, responseCreate(instructions)); err != nil {
		return fmt.Errorf("realtime.Pipeline.reply: %w", err)
	}
	return nil
}
