// Package wallet keeps the active wallet's portfolio in sync with the chain.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
	"github.com/ggonzalez94/defi-voice/internal/notify"
)

type Status string

const (
	StatusInitialLoad Status = "initialLoad"
	StatusListening   Status = "listening"
	StatusPaused      Status = "paused"
	StatusUpdating    Status = "updating"
	StatusError       Status = "error"
)

type SubscriptionID uint64

// AccountSubscriber is the chain RPC collaborator that reports balance changes.
type AccountSubscriber interface {
	OnAccountChange(ctx context.Context, address string, cb func()) (SubscriptionID, error)
	RemoveAccountChangeListener(id SubscriptionID) error
}

// AssetFetcher returns every asset owned by an address in one query.
type AssetFetcher interface {
	FetchHoldings(ctx context.Context, owner string) (Holdings, error)
}

// Snapshot is a consistent read of the monitor state.
type Snapshot struct {
	Address   string             `json:"address"`
	Status    Status             `json:"status"`
	Assets    model.WalletAssets `json:"assets"`
	Error     string             `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Monitor is the only writer of the active wallet and its assets.
type Monitor struct {
	subscriber     AccountSubscriber
	fetcher        AssetFetcher
	notifier       notify.Notifier
	logger         zerolog.Logger
	refreshTimeout time.Duration
	onChange       func(Snapshot)
	now            func() time.Time

	mu         sync.Mutex
	address    string
	status     Status
	assets     model.WalletAssets
	lastErr    error
	updatedAt  time.Time
	subID      SubscriptionID
	subscribed bool
	paused     bool
	generation uint64
}

type MonitorOption func(*Monitor)

func WithNotifier(n notify.Notifier) MonitorOption {
	return func(m *Monitor) { m.notifier = n }
}

func WithLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithOnChange registers a hook called after every status or asset change.
func WithOnChange(fn func(Snapshot)) MonitorOption {
	return func(m *Monitor) { m.onChange = fn }
}

func WithRefreshTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.refreshTimeout = d }
}

func NewMonitor(subscriber AccountSubscriber, fetcher AssetFetcher, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		subscriber:     subscriber,
		fetcher:        fetcher,
		notifier:       notify.Discard{},
		logger:         log.Logger,
		refreshTimeout: 30 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
		status:         StatusPaused,
		paused:         true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Address returns the active wallet, or "" when none is connected.
func (m *Monitor) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	snap := Snapshot{
		Address:   m.address,
		Status:    m.status,
		Assets:    m.assets,
		UpdatedAt: m.updatedAt,
	}
	snap.Assets.Tokens = append([]model.TokenAsset(nil), m.assets.Tokens...)
	snap.Assets.NFTs = append([]model.NFTAsset(nil), m.assets.NFTs...)
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
	}
	return snap
}

func (m *Monitor) setStatusLocked(s Status) {
	m.status = s
	m.updatedAt = m.now()
}

func (m *Monitor) emit() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.Snapshot())
}

// SetCurrentWallet switches the active wallet: the previous subscription is
// removed, one full refresh runs in initialLoad, then monitoring starts.
func (m *Monitor) SetCurrentWallet(ctx context.Context, address string) error {
	pk, err := id.ParseSolanaAddress(address)
	if err != nil {
		return err
	}
	address = pk.String()

	m.mu.Lock()
	oldID, hadSub := m.detachLocked()
	m.generation++
	gen := m.generation
	m.address = address
	m.paused = false
	m.lastErr = nil
	m.assets = model.WalletAssets{Owner: address}
	m.setStatusLocked(StatusInitialLoad)
	m.mu.Unlock()
	m.removeSubscription(oldID, hadSub)
	m.emit()

	if err := m.refresh(ctx, gen, address, false); err != nil {
		return err
	}

	m.mu.Lock()
	if m.generation != gen || m.paused {
		m.mu.Unlock()
		m.logger.Debug().Str("address", address).Msg("wallet paused or switched during initial load")
		return nil
	}
	m.mu.Unlock()
	return m.startMonitoring(ctx, address, true, gen, true)
}

// StartMonitoring subscribes to balance changes for address. A non-fresh
// start (resuming after a pause) emits a "monitoring resumed" notice.
func (m *Monitor) StartMonitoring(ctx context.Context, address string, isFreshSwitch bool) error {
	return m.startMonitoring(ctx, address, isFreshSwitch, 0, false)
}

// startMonitoring with pinned set refuses to start unless the monitor is
// still on generation gen.
func (m *Monitor) startMonitoring(ctx context.Context, address string, isFreshSwitch bool, gen uint64, pinned bool) error {
	m.mu.Lock()
	if m.address != "" && m.address != address {
		m.mu.Unlock()
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("wallet %s is not the active wallet", address))
	}
	if pinned && (m.generation != gen || m.paused) {
		m.mu.Unlock()
		return nil
	}
	oldID, hadSub := m.detachLocked()
	m.address = address
	m.paused = false
	gen = m.generation
	m.mu.Unlock()
	m.removeSubscription(oldID, hadSub)

	subID, err := m.subscriber.OnAccountChange(ctx, address, func() { m.handleAccountChange(gen, address) })
	if err != nil {
		m.fail(gen, fmt.Errorf("subscribe to account changes: %w", err))
		return clierr.Wrap(clierr.CodeUnavailable, "subscribe to account changes", err)
	}

	m.mu.Lock()
	if m.paused || m.generation != gen {
		m.mu.Unlock()
		m.removeSubscription(subID, true)
		return nil
	}
	m.subID = subID
	m.subscribed = true
	if m.status != StatusError {
		m.setStatusLocked(StatusListening)
	}
	m.mu.Unlock()
	m.emit()

	m.logger.Info().Str("address", address).Bool("fresh", isFreshSwitch).Msg("wallet monitoring started")
	if !isFreshSwitch {
		m.notifier.Notify(ctx, notify.Info("Wallet monitoring resumed", fmt.Sprintf("Watching %s for balance changes again.", address)))
	}
	return nil
}

// Resume restarts monitoring of the current wallet after a pause.
func (m *Monitor) Resume(ctx context.Context) error {
	address := m.Address()
	if address == "" {
		return clierr.New(clierr.CodeNoWallet, "no wallet connected")
	}
	return m.StartMonitoring(ctx, address, false)
}

// StopMonitoring removes the subscription and pauses. Calling it again is a no-op.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if m.paused && !m.subscribed {
		m.mu.Unlock()
		return
	}
	oldID, hadSub := m.detachLocked()
	m.paused = true
	m.generation++
	m.setStatusLocked(StatusPaused)
	m.mu.Unlock()

	m.removeSubscription(oldID, hadSub)
	m.emit()
}

// Refresh re-fetches the active wallet's assets outside of a notification.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.mu.Lock()
	address := m.address
	gen := m.generation
	if address == "" {
		m.mu.Unlock()
		return clierr.New(clierr.CodeNoWallet, "no wallet connected")
	}
	m.mu.Unlock()
	return m.refresh(ctx, gen, address, false)
}

func (m *Monitor) detachLocked() (SubscriptionID, bool) {
	subID, had := m.subID, m.subscribed
	m.subID = 0
	m.subscribed = false
	return subID, had
}

func (m *Monitor) removeSubscription(subID SubscriptionID, had bool) {
	if !had {
		return
	}
	if err := m.subscriber.RemoveAccountChangeListener(subID); err != nil {
		m.logger.Warn().Err(err).Uint64("subscription", uint64(subID)).Msg("remove account listener failed")
	}
}

func (m *Monitor) handleAccountChange(gen uint64, address string) {
	m.mu.Lock()
	if m.paused || m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(StatusUpdating)
	m.mu.Unlock()
	m.emit()

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()
	if err := m.refresh(ctx, gen, address, true); err != nil {
		m.logger.Warn().Err(err).Str("address", address).Msg("wallet refresh failed")
	}
}

// refresh fetches and applies a snapshot unless the wallet was switched
// while the fetch was in flight. Notification-driven refreshes are also
// abandoned when a pause arrived during the fetch.
func (m *Monitor) refresh(ctx context.Context, gen uint64, address string, honorPause bool) error {
	holdings, err := m.fetcher.FetchHoldings(ctx, address)

	m.mu.Lock()
	if m.generation != gen || (honorPause && m.paused) {
		m.mu.Unlock()
		m.logger.Debug().Str("address", address).Msg("discarding refresh for inactive monitor")
		return nil
	}
	m.mu.Unlock()

	if err != nil {
		m.fail(gen, err)
		return err
	}

	assets := BuildAssets(address, holdings, m.now())
	m.mu.Lock()
	if m.generation != gen || (honorPause && m.paused) {
		m.mu.Unlock()
		return nil
	}
	m.assets = assets
	m.lastErr = nil
	if m.status == StatusUpdating || (m.status == StatusError && m.subscribed) {
		m.setStatusLocked(StatusListening)
	} else {
		m.updatedAt = m.now()
	}
	m.mu.Unlock()
	m.emit()
	return nil
}

func (m *Monitor) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.setStatusLocked(StatusError)
	m.mu.Unlock()
	m.emit()
	m.notifier.Notify(context.Background(), notify.Error("Wallet refresh failed", err.Error()))
}
