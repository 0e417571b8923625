// Package wsconn carries realtime events over a websocket connection.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/realtime"
)

const (
	readLimit     = 4 << 20
	eventBuffer   = 64
	betaHeader    = "OpenAI-Beta"
	betaHeaderVal = "realtime=v1"
)

type Options struct {
	APIKey string
	Header http.Header
	Client *http.Client
	Logger zerolog.Logger
}

// Conn is a dialed realtime connection. It implements realtime.Sink.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Dial opens the realtime websocket.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	if header.Get(betaHeader) == "" {
		header.Set(betaHeader, betaHeaderVal)
	}
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header, HTTPClient: opts.Client})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsconn.Dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, logger: opts.Logger}, nil
}

var _ realtime.Sink = (*Conn)(nil)

// Send writes one client event as a JSON text frame.
func (c *Conn) Send(ctx context.Context, ev realtime.ClientEvent) error {
	if err := wsjson.Write(ctx, c.ws, ev); err != nil {
		return fmt.Errorf("wsconn.Conn.Send %s: %w", ev.Type, err)
	}
	return nil
}

// Events starts the read loop. The channel closes when the connection ends;
// Err then reports why. Frames that fail to decode are logged and skipped.
func (c *Conn) Events(ctx context.Context) <-chan realtime.Event {
	out := make(chan realtime.Event, eventBuffer)
	go func() {
		defer close(out)
		for {
			_, data, err := c.ws.Read(ctx)
			if err != nil {
				c.setErr(err)
				return
			}
			ev, err := realtime.DecodeEvent(data)
			if err != nil {
				c.logger.Warn().Err(err).Msg("dropping undecodable realtime frame")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				c.setErr(ctx.Err())
				return
			}
		}
	}()
	return out
}

func (c *Conn) setErr(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		err = nil
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Err returns the read loop's terminal error, or nil on a normal close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}
