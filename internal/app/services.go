package app

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ggonzalez94/defi-voice/internal/auth"
	"github.com/ggonzalez94/defi-voice/internal/chat"
	"github.com/ggonzalez94/defi-voice/internal/config"
	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/execution/signer"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/logging"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/orchestrator"
	"github.com/ggonzalez94/defi-voice/internal/policy"
	"github.com/ggonzalez94/defi-voice/internal/providers/jupiter"
	"github.com/ggonzalez94/defi-voice/internal/providers/kamino"
	"github.com/ggonzalez94/defi-voice/internal/providers/lifi"
	"github.com/ggonzalez94/defi-voice/internal/server"
	"github.com/ggonzalez94/defi-voice/internal/tools"
	"github.com/ggonzalez94/defi-voice/internal/tools/defi"
	"github.com/ggonzalez94/defi-voice/internal/toolset"
	"github.com/ggonzalez94/defi-voice/internal/usage"
	"github.com/ggonzalez94/defi-voice/internal/version"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

// services is the backend stack shared by every command of one process.
type services struct {
	settings config.Settings
	stdin    io.Reader
	stderr   io.Writer
	logger   zerolog.Logger

	feed     *server.Feed
	notifier notify.Notifier
	redis    *notify.RedisNotifier
	tokens   *auth.Store
	http     *httpx.Client
	registry *tools.Registry
	usage    *usage.Accumulator
	reporter *usage.HTTPReporter
	relay    *execution.HTTPRelay

	records     *execution.Store
	transcripts *chat.Store
}

func newServices(settings config.Settings, stdin io.Reader, stderr io.Writer, logger zerolog.Logger) (*services, error) {
	svc := &services{
		settings: settings,
		stdin:    stdin,
		stderr:   stderr,
		logger:   logger,
		feed:     server.NewFeed(),
		usage:    usage.NewAccumulator(),
	}

	notifiers := notify.Multi{notify.LogNotifier{Logger: logging.Component("notify")}, svc.feed}
	if addr := strings.TrimSpace(settings.RedisAddr); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		rn, err := notify.NewRedisNotifier(ctx, addr, settings.RedisPassword, settings.RedisDB, notify.Channel(settings.RedisChannel, settings.WalletAddress))
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("redis notices disabled")
		} else {
			svc.redis = rn
			notifiers = append(notifiers, rn)
		}
	}
	svc.notifier = notifiers

	token, err := sessionToken(settings)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "load session", err)
	}
	refreshClient := httpx.New(settings.Timeout, settings.Retries,
		httpx.WithBackend(httpx.BackendAuth, httpx.BackendConfig{BaseURL: settings.AuthURL}),
		httpx.WithLogger(logging.Component("httpx")),
		httpx.WithUserAgent(version.UserAgent()),
	)
	svc.tokens = auth.NewStore(token, auth.BackendRefresher(refreshClient), auth.WithSessionFile(settings.SessionPath))

	opts := []httpx.Option{
		httpx.WithTokenSource(svc.tokens),
		httpx.WithLogger(logging.Component("httpx")),
		httpx.WithNotifier(svc.notifier),
		httpx.WithUserAgent(version.UserAgent()),
		httpx.WithExpiredTokenDetector(httpx.IsExpiredTokenResponse),
	}
	for name, baseURL := range map[httpx.Backend]string{
		httpx.BackendAuth:      settings.AuthURL,
		httpx.BackendData:      settings.DataURL,
		httpx.BackendWallet:    settings.WalletURL,
		httpx.BackendAnalytics: settings.AnalyticsURL,
		httpx.BackendProxy:     settings.ProxyURL,
	} {
		if strings.TrimSpace(baseURL) == "" {
			continue
		}
		opts = append(opts, httpx.WithBackend(name, httpx.BackendConfig{BaseURL: baseURL, RatePerSecond: settings.RateLimit}))
	}
	svc.http = httpx.New(settings.Timeout, settings.Retries, opts...)
	svc.reporter = usage.NewHTTPReporter(svc.http, logging.Component("usage"))
	svc.relay = execution.NewHTTPRelay(svc.http, execution.RelayOptions{
		SkipPreflight: settings.SkipPreflight,
		MaxRetries:    settings.SendMaxRetries,
		Commitment:    settings.Commitment,
	})

	jup := jupiter.New(svc.http, settings.JupiterURL, settings.JupiterAPIKey)
	deps := defi.Deps{Swaps: jup, Orders: jup}
	if lifiURL := strings.TrimSpace(settings.LiFiURL); lifiURL != "" {
		deps.Bridges = lifi.New(svc.http, lifiURL, settings.LiFiAPIKey)
	}
	if kaminoURL := strings.TrimSpace(settings.KaminoURL); kaminoURL != "" {
		deps.Rates = kamino.New(svc.http, kaminoURL)
	}
	if rpcURL := strings.TrimSpace(settings.SolanaRPCURL); rpcURL != "" {
		deps.Blockhash = defi.NewRPCBlockhash(rpcURL)
	}
	if svc.http.HasBackend(httpx.BackendData) {
		deps.Backend = svc.http
	}
	if fetcher := svc.fetcher(); fetcher != nil {
		deps.Holdings = fetcher
	}
	svc.registry = buildRegistry(deps, settings.EnableTools)
	return svc, nil
}

func sessionToken(settings config.Settings) (*oauth2.Token, error) {
	if settings.AccessToken != "" || settings.RefreshToken != "" {
		return &oauth2.Token{AccessToken: settings.AccessToken, RefreshToken: settings.RefreshToken}, nil
	}
	return auth.LoadSession(settings.SessionPath)
}

// buildRegistry registers the built-in tools that pass the tool allowlist.
func buildRegistry(deps defi.Deps, allow []string) *tools.Registry {
	all := tools.NewRegistry()
	defi.Register(all, deps)
	if len(allow) == 0 {
		return all
	}
	reg := tools.NewRegistry()
	for _, d := range all.List() {
		if policy.CheckToolAllowed(allow, d.ID) == nil {
			reg.Register(d)
		}
	}
	return reg
}

// fetcher returns the asset fetcher, or nil when no wallet backend is configured.
func (s *services) fetcher() *wallet.DASFetcher {
	if !s.http.HasBackend(httpx.BackendWallet) {
		return nil
	}
	return wallet.NewDASFetcher(s.http)
}

func (s *services) openStores() error {
	if s.records == nil {
		records, err := execution.OpenStore(s.settings.StorePath, s.settings.StoreLockPath)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "open transaction store", err)
		}
		s.records = records
	}
	if s.transcripts == nil {
		transcripts, err := chat.OpenStore(s.settings.StorePath, s.settings.StoreLockPath)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "open transcript store", err)
		}
		s.transcripts = transcripts
	}
	return nil
}

func (s *services) newPoller() *execution.Poller {
	return execution.NewPoller(s.relay, s.records, execution.PollConfig{
		Interval:    s.settings.PollInterval,
		MaxAttempts: s.settings.PollMaxAttempts,
	}, execution.WithOnUpdate(s.feed.PublishTransaction), execution.WithPollLogger(logging.Component("poller")))
}

// signer loads the local key, gated behind a terminal prompt unless
// confirmation is disabled. A missing key returns nil.
func (s *services) signer() signer.Signer {
	local, err := signer.NewLocalSignerFromInputs(s.settings.SignerKeyEnv, s.settings.SignerKeyFile)
	if err != nil {
		s.logger.Debug().Err(err).Msg("no signing key; transactions disabled")
		return nil
	}
	if !s.settings.ConfirmSigning {
		return local
	}
	return signer.ConfirmSigner{Inner: local, Prompt: signer.TerminalPrompter{In: s.stdin, Out: s.stderr}}
}

// walletAddress prefers the configured wallet, then the signing key.
func (s *services) walletAddress(sgn signer.Signer) string {
	if addr := strings.TrimSpace(s.settings.WalletAddress); addr != "" {
		return addr
	}
	if sgn != nil {
		return sgn.PublicKey().String()
	}
	return ""
}

// turnStack is everything one conversational turn touches.
type turnStack struct {
	orchestrator *orchestrator.Orchestrator
	rooms        *chat.Manager
	poller       *execution.Poller
	address      string
}

func (s *services) newTurnStack(walletSource orchestrator.WalletSource) (*turnStack, error) {
	if err := s.openStores(); err != nil {
		return nil, err
	}
	rooms := chat.NewManager(s.transcripts,
		chat.WithManagerLogger(logging.Component("chat")),
		chat.WithMessageHook(s.feed.PublishMessage))
	poller := s.newPoller()

	sgn := s.signer()
	address := s.walletAddress(sgn)
	if walletSource == nil {
		walletSource = staticWallet(address)
	}
	deps := orchestrator.Deps{
		Registry:   s.registry,
		Classifier: toolset.NewSelector(s.http, logging.Component("toolset")),
		Poller:     poller,
		Rooms:      rooms,
		Usage:      s.usage,
		Notifier:   s.notifier,
		Tokens:     s.tokens,
		Wallet:     walletSource,
		Logger:     logging.Component("orchestrator"),
	}
	if sgn != nil {
		deps.Submitter = execution.NewSubmitter(sgn, s.relay, s.records, logging.Component("submit"))
	}
	return &turnStack{
		orchestrator: orchestrator.New(deps, orchestrator.Config{QuotaURL: s.settings.QuotaURL}),
		rooms:        rooms,
		poller:       poller,
		address:      address,
	}, nil
}

// flushUsage reports unreported usage. Failures are logged; the delta is
// retried on the next flush.
func (s *services) flushUsage(ctx context.Context, address string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.Timeout)
	defer cancel()
	if err := s.usage.Flush(ctx, s.reporter, address); err != nil {
		s.logger.Warn().Err(err).Msg("usage report failed")
	}
}

func (s *services) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.records != nil {
		_ = s.records.Close()
	}
	if s.transcripts != nil {
		_ = s.transcripts.Close()
	}
}

type staticWallet string

func (w staticWallet) Address() string { return string(w) }
