// Package tools defines the typed, side-effecting operations the assistant
// can invoke, and the registry the orchestrator resolves them from.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

// Context is built fresh for every call from the current auth and wallet state.
type Context struct {
	AuthToken string
	PublicKey string
}

// Result is the tagged outcome of an Execute call. When SignAndSend is set,
// Data carries the unsigned transaction under "transactionHash".
type Result struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	SignAndSend bool   `json:"signAndSend,omitempty"`
	Error       string `json:"error,omitempty"`
}

const TransactionKey = "transactionHash"

func OK(data any) Result {
	return Result{Success: true, Data: data}
}

func Fail(err error) Result {
	msg := "tool failed"
	if err != nil {
		msg = err.Error()
	}
	return Result{Success: false, Error: msg}
}

// SignAndSend returns a result that asks the orchestrator to sign and submit
// a base64 serialized transaction. Extra fields are merged into Data.
func SignAndSend(serializedTx string, extra map[string]any) Result {
	data := map[string]any{TransactionKey: serializedTx}
	for k, v := range extra {
		if k != TransactionKey {
			data[k] = v
		}
	}
	return Result{Success: true, SignAndSend: true, Data: data}
}

// Transaction extracts the serialized transaction of a sign-and-send result.
func (r Result) Transaction() (string, bool) {
	m, ok := r.Data.(map[string]any)
	if !ok {
		return "", false
	}
	tx, ok := m[TransactionKey].(string)
	return tx, ok && tx != ""
}

type ExecuteFunc func(ctx context.Context, params Params, tc Context) Result

type Descriptor struct {
	ID          string
	Description string
	Parameters  Schema
	// Cost is the flat USD price charged per successful call.
	Cost    float64
	Execute ExecuteFunc
}

var ErrUnknownTool = errors.New("tools: unknown tool")

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a tool. Registration happens at startup, so duplicates and
// incomplete descriptors panic.
func (r *Registry) Register(d Descriptor) {
	if d.ID == "" || d.Execute == nil {
		panic("tools: descriptor requires ID and Execute")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.ID]; exists {
		panic(fmt.Sprintf("tools: duplicate registration of %q", d.ID))
	}
	r.tools[d.ID] = d
}

func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[id]
	return d, ok
}

func (r *Registry) MustLookup(id string) Descriptor {
	d, ok := r.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("tools: %q is not registered", id))
	}
	return d
}

// Resolve maps every id to its descriptor. Any unknown id fails the whole
// call, since it means the classifier and registry disagree.
func (r *Registry) Resolve(ids []string) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		d, ok := r.Lookup(id)
		if !ok {
			return nil, clierr.Wrap(clierr.CodeToolDrift, fmt.Sprintf("classifier selected unregistered tool %q", id), ErrUnknownTool)
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) IDs() []string {
	list := r.List()
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.ID)
	}
	return out
}
