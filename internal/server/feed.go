package server

import (
	"context"
	"sync"
	"time"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

type UpdateKind string

const (
	KindNotice      UpdateKind = "notice"
	KindMessage     UpdateKind = "message"
	KindTransaction UpdateKind = "transaction"
	KindWallet      UpdateKind = "wallet"
)

// Update is one frame on the state feed.
type Update struct {
	Kind UpdateKind `json:"kind"`
	At   time.Time  `json:"at"`
	Data any        `json:"data"`
}

const subscriberBuffer = 64

// Feed fans state changes out to websocket subscribers. Slow subscribers
// drop updates rather than stall the publisher.
type Feed struct {
	mu   sync.Mutex
	subs map[int]chan Update
	next int
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Update)}
}

func (f *Feed) publish(kind UpdateKind, data any) {
	u := Update{Kind: kind, At: time.Now().UTC(), Data: data}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Notify makes the feed a notify.Notifier.
func (f *Feed) Notify(_ context.Context, n notify.Notice) { f.publish(KindNotice, n) }

func (f *Feed) PublishMessage(m chat.Message) { f.publish(KindMessage, m) }

func (f *Feed) PublishTransaction(r execution.TransactionRecord) {
	r.SerializedTransaction = ""
	f.publish(KindTransaction, r)
}

func (f *Feed) PublishWallet(s wallet.Snapshot) { f.publish(KindWallet, s) }

// Subscribe returns a channel of updates and a cleanup func that must be
// called when the subscriber goes away.
func (f *Feed) Subscribe() (<-chan Update, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan Update, subscriberBuffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
