// Package toolset asks the backend classifier which tools satisfy an
// utterance and, when needed, what arguments to call them with.
package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
)

// ErrQuotaExceeded is returned when the classifier rejects the call with 403.
var ErrQuotaExceeded = errors.New("toolset: usage quota exceeded")

type PreviousMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	WalletPublicKey  string            `json:"walletPublicKey"`
	Message          string            `json:"message"`
	PreviousMessages []PreviousMessage `json:"previousMessages"`
	CurrentRoomID    string            `json:"currentRoomID"`
	AvailableToolIDs []string          `json:"availableToolIds,omitempty"`
}

type UsageLimit struct {
	UsageLimitUSD  float64 `json:"usageLimitUSD"`
	PercentageUsed float64 `json:"percentageUsed"`
}

// Selection is the classifier's answer. An empty ToolIDs means no tool
// applies and FallbackResponse should be shown instead.
type Selection struct {
	ToolIDs          []string                   `json:"selectedToolset"`
	FallbackResponse string                     `json:"fallbackResponse,omitempty"`
	AudioData        string                     `json:"audioData,omitempty"`
	UsageLimit       *UsageLimit                `json:"usageLimit,omitempty"`
	ToolArguments    map[string]json.RawMessage `json:"toolArguments,omitempty"`
}

// Arguments returns the classifier-supplied arguments for a tool, if any.
func (s Selection) Arguments(toolID string) (json.RawMessage, bool) {
	raw, ok := s.ToolArguments[toolID]
	if !ok {
		return nil, false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}
	return raw, true
}

type Selector struct {
	client *httpx.Client
	logger zerolog.Logger
}

func NewSelector(client *httpx.Client, logger zerolog.Logger) *Selector {
	return &Selector{client: client, logger: logger}
}

func (s *Selector) Select(ctx context.Context, req Request) (Selection, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Selection{}, clierr.New(clierr.CodeUsage, "toolset selection needs a message")
	}
	if req.PreviousMessages == nil {
		req.PreviousMessages = []PreviousMessage{}
	}
	sel, err := httpx.Request[Selection](ctx, s.client, http.MethodPost, httpx.BackendData, "/toolset/select", req)
	if err != nil {
		if httpx.StatusCode(err) == http.StatusForbidden {
			return Selection{}, clierr.Wrap(clierr.CodeQuotaExceeded, "usage quota exceeded", ErrQuotaExceeded)
		}
		return Selection{}, fmt.Errorf("toolset.Selector.Select: %w", err)
	}
	s.logger.Debug().
		Strs("tool_ids", sel.ToolIDs).
		Bool("fallback", sel.FallbackResponse != "").
		Str("room_id", req.CurrentRoomID).
		Msg("toolset selected")
	return sel, nil
}

type parametersRequest struct {
	ToolID           string            `json:"toolId"`
	Message          string            `json:"message"`
	Schema           map[string]any    `json:"schema"`
	PreviousMessages []PreviousMessage `json:"previousMessages"`
}

type parametersResponse struct {
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractArguments asks the backend to fill a tool's schema from the message.
func (s *Selector) ExtractArguments(ctx context.Context, toolID, message string, schema map[string]any, previous []PreviousMessage) (json.RawMessage, error) {
	if previous == nil {
		previous = []PreviousMessage{}
	}
	resp, err := httpx.Request[parametersResponse](ctx, s.client, http.MethodPost, httpx.BackendData, "/toolset/parameters", parametersRequest{
		ToolID:           toolID,
		Message:          message,
		Schema:           schema,
		PreviousMessages: previous,
	})
	if err != nil {
		if httpx.StatusCode(err) == http.StatusForbidden {
			return nil, clierr.Wrap(clierr.CodeQuotaExceeded, "usage quota exceeded", ErrQuotaExceeded)
		}
		return nil, fmt.Errorf("toolset.Selector.ExtractArguments: %w", err)
	}
	if len(resp.Arguments) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return resp.Arguments, nil
}
