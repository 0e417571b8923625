// Package notify delivers user-visible notices (errors, quota warnings,
// monitoring state) to whichever surfaces are attached to the process.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a single user-facing notification.
type Notice struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Link    string    `json:"link,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier publishes notices. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, n Notice)

func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(context.Context, Notice) {}

// Multi fans a notice out to every member in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	for _, item := range m {
		if item != nil {
			item.Notify(ctx, n)
		}
	}
}

// LogNotifier writes notices to a zerolog logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = l.Logger.Error()
	case LevelWarn:
		ev = l.Logger.Warn()
	default:
		ev = l.Logger.Info()
	}
	ev = ev.Str("title", n.Title)
	if n.Link != "" {
		ev = ev.Str("link", n.Link)
	}
	ev.Msg(n.Message)
}

// Recorder keeps every notice in memory. Used by tests and the state feed.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

func Error(title, message string) Notice {
	return Notice{Level: LevelError, Title: title, Message: message, At: time.Now().UTC()}
}

func Info(title, message string) Notice {
	return Notice{Level: LevelInfo, Title: title, Message: message, At: time.Now().UTC()}
}

func Warn(title, message string) Notice {
	return Notice{Level: LevelWarn, Title: title, Message: message, At: time.Now().UTC()}
}
