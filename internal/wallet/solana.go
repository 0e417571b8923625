package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/rs/zerolog/log"
)

// ErrUnknownSubscription is returned when removing an id that is not active.
var ErrUnknownSubscription = errors.New("wallet: unknown subscription")

// SolanaSubscriber delivers account-change notifications from a Solana
// websocket RPC endpoint. One connection is shared by all subscriptions.
type SolanaSubscriber struct {
	endpoint   string
	commitment rpc.CommitmentType

	mu     sync.Mutex
	client *ws.Client
	subs   map[SubscriptionID]*accountSub
	next   SubscriptionID
}

type accountSub struct {
	sub    *ws.AccountSubscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSolanaSubscriber(endpoint string) *SolanaSubscriber {
	return &SolanaSubscriber{
		endpoint:   endpoint,
		commitment: rpc.CommitmentConfirmed,
		subs:       make(map[SubscriptionID]*accountSub),
	}
}

func (s *SolanaSubscriber) connect(ctx context.Context) (*ws.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	client, err := ws.Connect(ctx, s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("wallet.SolanaSubscriber.connect: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *SolanaSubscriber) OnAccountChange(ctx context.Context, address string, cb func()) (SubscriptionID, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("wallet.SolanaSubscriber.OnAccountChange: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	client, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	sub, err := client.AccountSubscribe(pk, s.commitment)
	if err != nil {
		return 0, fmt.Errorf("wallet.SolanaSubscriber.OnAccountChange: %w", err)
	}

	s.next++
	subID := s.next
	loopCtx, cancel := context.WithCancel(context.Background())
	entry := &accountSub{sub: sub, cancel: cancel, done: make(chan struct{})}
	s.subs[subID] = entry

	go func() {
		defer close(entry.done)
		for {
			if _, err := sub.Recv(loopCtx); err != nil {
				if loopCtx.Err() == nil {
					log.Warn().Err(err).Str("address", address).Msg("account subscription ended")
				}
				return
			}
			cb()
		}
	}()
	return subID, nil
}

func (s *SolanaSubscriber) RemoveAccountChangeListener(subID SubscriptionID) error {
	s.mu.Lock()
	entry, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	entry.cancel()
	entry.sub.Unsubscribe()
	return nil
}

// Close drops every subscription and the shared connection.
func (s *SolanaSubscriber) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[SubscriptionID]*accountSub)
	client := s.client
	s.client = nil
	s.mu.Unlock()

	for _, entry := range subs {
		entry.cancel()
		entry.sub.Unsubscribe()
	}
	if client != nil {
		client.Close()
	}
}
