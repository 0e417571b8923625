package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/orchestrator"
	"github.com/ggonzalez94/defi-voice/internal/usage"
)

// DispatchFunction is the reserved function the model calls to run tools.
const DispatchFunction = "dispatch_toolset"

const (
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"
	voiceRoomTitle            = "Voice session"
	abortedReason             = "request failed"

	defaultInstructions = "You are a concise assistant for Solana DeFi. When the user asks to check balances, " +
		"quote, swap, transfer, bridge, lend or manage limit orders, call " + DispatchFunction +
		" with their request verbatim. Never invent balances or prices."
	summarizeInstructions = "Summarize the result of the user's request from the function output in one or two " +
		"short spoken sentences. Mention amounts and tokens, and say plainly if something failed."
)

// Sink receives outbound client events. wsconn.Conn satisfies it.
type Sink interface {
	Send(ctx context.Context, ev ClientEvent) error
}

// TurnHandler runs one utterance through tool selection and execution.
type TurnHandler interface {
	HandleTurn(ctx context.Context, text string) (orchestrator.Outcome, error)
}

type WalletSource interface {
	Address() string
}

type Config struct {
	Voice              string
	Instructions       string
	TranscriptionModel string
}

func (c Config) withDefaults() Config {
	if c.Voice == "" {
		c.Voice = defaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = defaultInstructions
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = defaultTranscriptionModel
	}
	return c
}

type Deps struct {
	Sink     Sink
	Turns    TurnHandler
	Rooms    *chat.Manager
	Wallet   WalletSource
	Usage    *usage.Accumulator
	Notifier notify.Notifier
	Logger   zerolog.Logger
}

// Pipeline is the single consumer of the inbound event stream.
type Pipeline struct {
	session  *Session
	sink     Sink
	turns    TurnHandler
	rooms    *chat.Manager
	wallet   WalletSource
	usage    *usage.Accumulator
	notifier notify.Notifier
	logger   zerolog.Logger
	cfg      Config

	mu         sync.Mutex
	transcript map[string]*strings.Builder
	lastInput  string
}

func NewPipeline(deps Deps, cfg Config) *Pipeline {
	p := &Pipeline{
		session:    NewSession(),
		sink:       deps.Sink,
		turns:      deps.Turns,
		rooms:      deps.Rooms,
		wallet:     deps.Wallet,
		usage:      deps.Usage,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		cfg:        cfg.withDefaults(),
		transcript: make(map[string]*strings.Builder),
	}
	if p.notifier == nil {
		p.notifier = notify.Discard{}
	}
	if p.usage == nil {
		p.usage = usage.NewAccumulator()
	}
	return p
}

func (p *Pipeline) Session() *Session { return p.session }

// Connect marks the session as dialing. Only valid from idle.
func (p *Pipeline) Connect() error {
	if st := p.session.State(); st != StateIdle {
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, st)
	}
	return p.session.transition(StateConnecting)
}

// Reconnect is the only way out of the error state.
func (p *Pipeline) Reconnect() error {
	if st := p.session.State(); st != StateError {
		return fmt.Errorf("%w: reconnect from %s", ErrInvalidTransition, st)
	}
	return p.session.transition(StateConnecting)
}

// Disconnect returns the session to idle. An expired session stays in error
// until Reconnect.
func (p *Pipeline) Disconnect() error {
	switch st := p.session.State(); st {
	case StateIdle:
		return nil
	case StateError:
		return fmt.Errorf("%w: disconnect from %s", ErrInvalidTransition, st)
	}
	p.resetTranscript()
	return p.session.transition(StateIdle)
}

// Run handles events strictly in arrival order until the channel closes or
// ctx is cancelled. Handler errors are logged and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Handle(ctx, ev); err != nil {
				p.logger.Error().Err(err).Str("event", ev.Type).Msg("realtime event failed")
			}
		}
	}
}

// Handle applies one event.
func (p *Pipeline) Handle(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventSessionCreated:
		return p.onSessionCreated(ctx)
	case EventSpeechStarted:
		return p.onSpeechStarted()
	case EventSpeechStopped:
		p.session.setSpeaking(false)
	case EventTranscriptDelta:
		p.onTranscriptDelta(ev)
	case EventTranscriptDone:
		return p.onTranscriptDone(ev)
	case EventInputTranscription:
		p.mu.Lock()
		p.lastInput = strings.TrimSpace(ev.Transcript)
		p.mu.Unlock()
	case EventFunctionCallArgsDone:
		return p.onFunctionCall(ctx, ev)
	case EventResponseDone:
		p.onResponseDone(ev)
	case EventError:
		return p.onError(ctx, ev)
	default:
		p.logger.Debug().Str("event", ev.Type).Msg("realtime event ignored")
	}
	return nil
}

func (p *Pipeline) onSessionCreated(ctx context.Context) error {
	if err := p.sink.Send(ctx, p.sessionUpdate()); err != nil {
		return fmt.Errorf("realtime.Pipeline.onSessionCreated: %w", err)
	}
	if err := p.session.transition(StateOpen); err != nil {
		return err
	}
	p.logger.Info().Msg("realtime session open")
	return nil
}

func (p *Pipeline) sessionUpdate() ClientEvent {
	return ClientEvent{
		Type: clientSessionUpdate,
		Session: &SessionUpdate{
			Modalities:              []string{"text", "audio"},
			Voice:                   p.cfg.Voice,
			Instructions:            p.cfg.Instructions,
			Tools:                   []FunctionTool{dispatchTool()},
			ToolChoice:              "auto",
			InputAudioTranscription: &TranscriptionCfg{Model: p.cfg.TranscriptionModel},
		},
	}
}

func dispatchTool() FunctionTool {
	return FunctionTool{
		Type:        "function",
		Name:        DispatchFunction,
		Description: "Run the user's DeFi request: balances, quotes, swaps, transfers, bridges, lending and limit orders.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"originalRequest": map[string]any{
					"type":        "string",
					"description": "The user's request, verbatim.",
				},
			},
			"required": []string{"originalRequest"},
		},
	}
}

func (p *Pipeline) onSpeechStarted() error {
	p.session.setSpeaking(true)
	if p.rooms == nil || p.rooms.Active() != nil {
		return nil
	}
	if _, err := p.rooms.NewRoom(voiceRoomTitle); err != nil {
		return fmt.Errorf("realtime.Pipeline.onSpeechStarted: %w", err)
	}
	return nil
}

func (p *Pipeline) onTranscriptDelta(ev Event) {
	p.session.setStreaming(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	key := transcriptKey(ev)
	b, ok := p.transcript[key]
	if !ok {
		b = &strings.Builder{}
		p.transcript[key] = b
	}
	b.WriteString(ev.Delta)
}

func (p *Pipeline) onTranscriptDone(ev Event) error {
	p.session.setStreaming(false)
	key := transcriptKey(ev)
	p.mu.Lock()
	text := ev.Transcript
	if b, ok := p.transcript[key]; ok {
		if text == "" {
			text = b.String()
		}
		delete(p.transcript, key)
	}
	p.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" || p.rooms == nil {
		return nil
	}
	room, err := p.rooms.EnsureRoom(voiceRoomTitle)
	if err != nil {
		return fmt.Errorf("realtime.Pipeline.onTranscriptDone: %w", err)
	}
	if _, err := room.Append(chat.NewMessage(chat.RoleAssistant, text)); err != nil {
		return fmt.Errorf("realtime.Pipeline.onTranscriptDone: %w", err)
	}
	return nil
}

func transcriptKey(ev Event) string {
	return ev.ResponseID + "/" + ev.ItemID
}

func (p *Pipeline) resetTranscript() {
	p.mu.Lock()
	p.transcript = make(map[string]*strings.Builder)
	p.mu.Unlock()
}

func (p *Pipeline) onResponseDone(ev Event) {
	if ev.Response == nil || ev.Response.Usage == nil {
		return
	}
	u := ev.Response.Usage
	p.usage.AddTokens(usage.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens})
}

func (p *Pipeline) onError(ctx context.Context, ev Event) error {
	if ev.Error == nil {
		return fmt.Errorf("realtime error event without body")
	}
	if ev.Error.Code == ErrorCodeSessionExpired {
		p.resetTranscript()
		p.notifier.Notify(ctx, notify.Warn("Voice session expired", "Reconnect to keep talking."))
		p.logger.Warn().Str("code", ev.Error.Code).Msg("realtime session expired")
		return p.session.transition(StateError)
	}
	p.logger.Error().Str("type", ev.Error.Type).Str("code", ev.Error.Code).Msg(ev.Error.Message)
	p.notifier.Notify(ctx, notify.Error("Voice session error", ev.Error.Message))
	return nil
}
