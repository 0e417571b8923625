// Package orchestrator runs one conversational turn: classify the utterance,
// resolve and validate tools, execute them, and route any transaction they
// produce through signing, submission and confirmation polling.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/tools"
	"github.com/ggonzalez94/defi-voice/internal/toolset"
	"github.com/ggonzalez94/defi-voice/internal/usage"
)

const (
	defaultHistory   = 10
	defaultFallback  = "I couldn't match that to an action I can take."
	quotaWarnPercent = 80
)

// Classifier picks tools for an utterance. *toolset.Selector satisfies it.
type Classifier interface {
	Select(ctx context.Context, req toolset.Request) (toolset.Selection, error)
	ExtractArguments(ctx context.Context, toolID, message string, schema map[string]any, previous []toolset.PreviousMessage) (json.RawMessage, error)
}

// Submitter signs and submits a transaction record. *execution.Submitter satisfies it.
type Submitter interface {
	SignAndSubmit(ctx context.Context, record *execution.TransactionRecord) error
}

// TokenSource yields the current bearer token for tool contexts.
type TokenSource interface {
	AccessToken() string
}

// WalletSource yields the active wallet address, or "" when none is connected.
type WalletSource interface {
	Address() string
}

type Deps struct {
	Registry   *tools.Registry
	Classifier Classifier
	Submitter  Submitter
	Poller     *execution.Poller
	Rooms      *chat.Manager
	Usage      *usage.Accumulator
	Notifier   notify.Notifier
	Tokens     TokenSource
	Wallet     WalletSource
	Logger     zerolog.Logger
}

type Config struct {
	// QuotaURL is the call-to-action link attached to quota notices.
	QuotaURL string
	// History bounds how many prior messages are sent to the classifier.
	History int
}

type Orchestrator struct {
	registry   *tools.Registry
	classifier Classifier
	submitter  Submitter
	poller     *execution.Poller
	rooms      *chat.Manager
	usage      *usage.Accumulator
	notifier   notify.Notifier
	tokens     TokenSource
	wallet     WalletSource
	logger     zerolog.Logger
	cfg        Config
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	o := &Orchestrator{
		registry:   deps.Registry,
		classifier: deps.Classifier,
		submitter:  deps.Submitter,
		poller:     deps.Poller,
		rooms:      deps.Rooms,
		usage:      deps.Usage,
		notifier:   deps.Notifier,
		tokens:     deps.Tokens,
		wallet:     deps.Wallet,
		logger:     deps.Logger,
		cfg:        cfg,
	}
	if o.notifier == nil {
		o.notifier = notify.Discard{}
	}
	if o.usage == nil {
		o.usage = usage.NewAccumulator()
	}
	if o.poller != nil && o.rooms != nil {
		o.rooms.OnTeardown(o.poller.CancelRoom)
	}
	return o
}

// Outcome is the structured result of one turn.
type Outcome struct {
	RoomID        string        `json:"roomId"`
	ToolIDs       []string      `json:"toolIds"`
	Results       []ToolOutcome `json:"results"`
	Fallback      string        `json:"fallbackResponse,omitempty"`
	AudioData     string        `json:"audioData,omitempty"`
	QuotaExceeded bool          `json:"quotaExceeded,omitempty"`
}

// Success reports whether every selected tool succeeded.
func (o Outcome) Success() bool {
	for _, r := range o.Results {
		if !r.Success {
			return false
		}
	}
	return !o.QuotaExceeded
}

type ToolOutcome struct {
	ToolID    string                       `json:"toolId"`
	MessageID string                       `json:"messageId"`
	Success   bool                         `json:"success"`
	Data      any                          `json:"data,omitempty"`
	Error     string                       `json:"error,omitempty"`
	Rejected  bool                         `json:"rejected,omitempty"`
	Record    *execution.TransactionRecord `json:"transaction,omitempty"`
	Task      *execution.PollTask          `json:"-"`
}

func (o *Orchestrator) walletAddress() string {
	if o.wallet == nil {
		return ""
	}
	return o.wallet.Address()
}

func (o *Orchestrator) toolContext() tools.Context {
	tc := tools.Context{PublicKey: o.walletAddress()}
	if o.tokens != nil {
		tc.AuthToken = o.tokens.AccessToken()
	}
	return tc
}

// HandleTurn processes one user utterance end to end.
func (o *Orchestrator) HandleTurn(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, clierr.New(clierr.CodeUsage, "empty message")
	}
	room, err := o.rooms.EnsureRoom(title(text))
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RoomID: room.ID()}
	log := o.logger.With().Str("room_id", room.ID()).Logger()

	previous := toPrevious(room.Recent(o.cfg.History))
	if _, err := room.Append(chat.NewMessage(chat.RoleUser, text)); err != nil {
		log.Error().Err(err).Msg("persist user message")
	}

	sel, err := o.classifier.Select(ctx, toolset.Request{
		WalletPublicKey:  o.walletAddress(),
		Message:          text,
		PreviousMessages: previous,
		CurrentRoomID:    room.ID(),
		AvailableToolIDs: o.registry.IDs(),
	})
	if err != nil {
		if errors.Is(err, toolset.ErrQuotaExceeded) {
			o.quotaReached(ctx, &out, log)
			return out, err
		}
		o.appendAssistantError(room, "I couldn't process that request. Please try again.")
		return out, err
	}
	o.warnUsage(ctx, sel.UsageLimit)

	out.ToolIDs = sel.ToolIDs
	out.AudioData = sel.AudioData
	if len(sel.ToolIDs) == 0 {
		out.Fallback = sel.FallbackResponse
		if out.Fallback == "" {
			out.Fallback = defaultFallback
		}
		if _, err := room.Append(chat.NewMessage(chat.RoleAssistant, out.Fallback)); err != nil {
			log.Error().Err(err).Msg("persist fallback message")
		}
		return out, nil
	}

	descriptors, err := o.registry.Resolve(sel.ToolIDs)
	if err != nil {
		log.Error().Err(err).Strs("tool_ids", sel.ToolIDs).Msg("classifier and registry disagree")
		o.notifier.Notify(ctx, notify.Error("Tool unavailable", err.Error()))
		o.appendAssistantError(room, "That action isn't available in this version.")
		return out, err
	}

	for _, d := range descriptors {
		res, err := o.runTool(ctx, room, d, sel, text, previous)
		out.Results = append(out.Results, res)
		if err != nil {
			o.quotaReached(ctx, &out, log)
			return out, err
		}
	}
	return out, nil
}

// quotaReached ends the turn with the upgrade notice.
func (o *Orchestrator) quotaReached(ctx context.Context, out *Outcome, log zerolog.Logger) {
	out.QuotaExceeded = true
	n := notify.Warn("Usage limit reached", "You have used your included credits. Upgrade to keep going.")
	n.Link = o.cfg.QuotaURL
	o.notifier.Notify(ctx, n)
	log.Warn().Msg("classifier quota exceeded")
}

func (o *Orchestrator) warnUsage(ctx context.Context, limit *toolset.UsageLimit) {
	if limit == nil || limit.PercentageUsed < quotaWarnPercent {
		return
	}
	n := notify.Warn("Approaching usage limit", fmt.Sprintf("%.0f%% of your $%.2f limit used.", limit.PercentageUsed, limit.UsageLimitUSD))
	n.Link = o.cfg.QuotaURL
	o.notifier.Notify(ctx, n)
}

func (o *Orchestrator) appendAssistantError(room *chat.Room, content string) {
	msg := chat.NewMessage(chat.RoleAssistant, content)
	msg.State = chat.StateError
	if _, err := room.Append(msg); err != nil {
		o.logger.Error().Err(err).Msg("persist error message")
	}
}

func toPrevious(msgs []chat.Message) []toolset.PreviousMessage {
	out := make([]toolset.PreviousMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toolset.PreviousMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func title(text string) string {
	const limit = 48
	if len(text) <= limit {
		return text
	}
	return strings.TrimSpace(text[:limit]) + "..."
}
