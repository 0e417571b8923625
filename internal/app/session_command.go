package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/logging"
	"github.com/ggonzalez94/defi-voice/internal/realtime"
	"github.com/ggonzalez94/defi-voice/internal/realtime/wsconn"
	"github.com/ggonzalez94/defi-voice/internal/server"
	"github.com/ggonzalez94/defi-voice/internal/usage"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

const (
	defaultReconnects = 3
	reconnectBackoff  = 2 * time.Second
)

// connSink forwards client events to whichever connection is current.
type connSink struct {
	mu   sync.RWMutex
	conn *wsconn.Conn
}

func (c *connSink) set(conn *wsconn.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *connSink) Send(ctx context.Context, ev realtime.ClientEvent) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return clierr.New(clierr.CodeUnavailable, "realtime connection is not open")
	}
	return conn.Send(ctx, ev)
}

type sessionSummary struct {
	State         realtime.State `json:"state"`
	Wallet        string         `json:"wallet,omitempty"`
	RoomID        string         `json:"roomId,omitempty"`
	Reconnects    int            `json:"reconnects"`
	Usage         usage.Totals   `json:"usage"`
	WalletStatus  wallet.Status  `json:"walletStatus,omitempty"`
	PendingPolls  int            `json:"pendingPolls"`
	ServerAddress string         `json:"serverAddress,omitempty"`
	Transactions  []pendingTx    `json:"transactions,omitempty"`
}

type pendingTx struct {
	ID     string                 `json:"id"`
	TxID   string                 `json:"txid"`
	Status execution.RecordStatus `json:"status"`
}

func (s *runtimeState) newSessionCommand() *cobra.Command {
	var listen string
	var noServer bool
	var reconnects int
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run a realtime voice session with wallet monitoring",
		Example: `  defi-voice session --wallet <pubkey>
  defi-voice session --listen 127.0.0.1:8787`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.services()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			monitor, closeMonitor := s.newMonitor(svc)
			defer closeMonitor()
			stack, err := svc.newTurnStack(monitor)
			if err != nil {
				return err
			}
			defer stack.rooms.Close()
			defer stack.poller.CancelAll()

			if stack.address != "" {
				if err := monitor.SetCurrentWallet(ctx, stack.address); err != nil {
					s.logger.Warn().Err(err).Str("address", stack.address).Msg("wallet monitoring unavailable")
				}
			}

			apiKey, err := s.realtimeKey(ctx, svc)
			if err != nil {
				return err
			}
			endpoint, err := wsconn.URL(s.settings.RealtimeURL, s.settings.RealtimeModel)
			if err != nil {
				return err
			}

			sink := &connSink{}
			pipeline := realtime.NewPipeline(realtime.Deps{
				Sink:     sink,
				Turns:    stack.orchestrator,
				Rooms:    stack.rooms,
				Wallet:   monitor,
				Usage:    svc.usage,
				Notifier: svc.notifier,
				Logger:   logging.Component("realtime"),
			}, realtime.Config{Voice: s.settings.Voice})

			addr := strings.TrimSpace(listen)
			if addr == "" {
				addr = s.settings.ListenAddr
			}
			if !noServer && addr != "" {
				srv := server.New(server.Config{Addr: addr, AllowedOrigins: s.settings.CORSOrigins}, server.Deps{
					Session:     pipeline.Session(),
					Wallet:      monitor,
					Usage:       svc.usage,
					Rooms:       stack.rooms,
					Transcripts: svc.transcripts,
					Records:     svc.records,
					Poller:      stack.poller,
					Feed:        svc.feed,
					Logger:      logging.Component("server"),
				})
				go func() {
					if err := srv.Start(ctx); err != nil {
						s.logger.Error().Err(err).Str("addr", addr).Msg("state server stopped")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			} else {
				addr = ""
			}

			redials, runErr := s.runRealtime(ctx, pipeline, sink, endpoint, apiKey, reconnects)
			svc.flushUsage(ctx, monitor.Address())

			summary := sessionSummary{
				State:         pipeline.Session().State(),
				Wallet:        monitor.Address(),
				Reconnects:    redials,
				Usage:         svc.usage.Totals(),
				WalletStatus:  monitor.Status(),
				PendingPolls:  stack.poller.Pending(),
				ServerAddress: addr,
			}
			if room := stack.rooms.Active(); room != nil {
				summary.RoomID = room.ID()
			}
			if records, err := svc.records.List(string(execution.RecordStatusPending), 20); err == nil {
				for _, r := range records {
					summary.Transactions = append(summary.Transactions, pendingTx{ID: r.ID, TxID: r.TxID, Status: r.Status})
				}
			}
			if runErr != nil {
				return runErr
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), summary, nil, cacheMetaBypass(), nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address for the local state server (defaults to config server.listen)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the local state server")
	cmd.Flags().IntVar(&reconnects, "reconnects", defaultReconnects, "Redial attempts after the realtime connection drops")
	return cmd
}

// newMonitor wires the wallet monitor to the state feed and cache. The
// returned func stops monitoring and closes the chain subscription.
func (s *runtimeState) newMonitor(svc *services) (*wallet.Monitor, func()) {
	rpcURL := strings.TrimSpace(s.settings.SolanaRPCURL)
	subscriber := wallet.NewSolanaSubscriber(execution.ResolveWSURL(s.settings.SolanaWSURL, rpcURL))
	var fetcher wallet.AssetFetcher = noFetcher{}
	if f := svc.fetcher(); f != nil {
		fetcher = f
	}
	monitor := wallet.NewMonitor(subscriber, fetcher,
		wallet.WithNotifier(svc.notifier),
		wallet.WithLogger(logging.Component("wallet")),
		wallet.WithRefreshTimeout(s.settings.Timeout),
		wallet.WithOnChange(func(snap wallet.Snapshot) {
			svc.feed.PublishWallet(snap)
			s.invalidateWalletCache(snap)
		}),
	)
	return monitor, func() {
		monitor.StopMonitoring()
		subscriber.Close()
	}
}

// invalidateWalletCache drops cached responses for a wallet once the monitor
// has reloaded it and is listening for changes again.
func (s *runtimeState) invalidateWalletCache(snap wallet.Snapshot) {
	if s.cache == nil || snap.Address == "" || snap.Status != wallet.StatusListening {
		return
	}
	if _, err := s.cache.Invalidate(walletScope(snap.Address)); err != nil {
		s.logger.Debug().Err(err).Str("address", snap.Address).Msg("invalidate wallet cache")
	}
}

// noFetcher stands in when no wallet backend is configured.
type noFetcher struct{}

func (noFetcher) FetchHoldings(context.Context, string) (wallet.Holdings, error) {
	return wallet.Holdings{}, clierr.New(clierr.CodeUsage, "wallet backend url is not configured")
}

func (s *runtimeState) realtimeKey(ctx context.Context, svc *services) (string, error) {
	if key := strings.TrimSpace(s.settings.RealtimeAPIKey); key != "" {
		return key, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	return wsconn.MintKey(ctx, svc.http, s.settings.RealtimeModel, s.settings.Voice)
}

// runRealtime dials and drives the pipeline until ctx ends, the server
// closes normally, or the redial budget is spent.
func (s *runtimeState) runRealtime(ctx context.Context, pipeline *realtime.Pipeline, sink *connSink, endpoint, apiKey string, budget int) (int, error) {
	redials := 0
	if err := pipeline.Connect(); err != nil {
		return redials, err
	}
	defer func() { _ = pipeline.Disconnect() }()

	for {
		conn, err := wsconn.Dial(ctx, endpoint, wsconn.Options{APIKey: apiKey, Logger: logging.Component("wsconn")})
		var connErr error
		if err == nil {
			sink.set(conn)
			if runErr := pipeline.Run(ctx, conn.Events(ctx)); runErr != nil && !errors.Is(runErr, context.Canceled) {
				s.logger.Warn().Err(runErr).Msg("realtime loop stopped")
			}
			connErr = conn.Err()
			sink.set(nil)
			_ = conn.Close()
		} else {
			connErr = err
		}

		if ctx.Err() != nil {
			return redials, nil
		}
		expired := pipeline.Session().State() == realtime.StateError
		if connErr == nil && !expired {
			return redials, nil
		}
		if redials >= budget {
			if connErr == nil {
				connErr = errors.New("realtime session expired")
			}
			return redials, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("realtime connection lost after %d redials", redials), connErr)
		}
		redials++
		s.logger.Warn().Err(connErr).Int("attempt", redials).Msg("redialing realtime session")
		if err := redial(pipeline); err != nil {
			return redials, err
		}
		select {
		case <-ctx.Done():
			return redials, nil
		case <-time.After(reconnectBackoff):
		}
	}
}

// redial moves the session back to connecting from wherever it ended up.
func redial(p *realtime.Pipeline) error {
	if p.Session().State() == realtime.StateError {
		return p.Reconnect()
	}
	if err := p.Disconnect(); err != nil {
		return err
	}
	return p.Connect()
}
