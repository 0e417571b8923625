package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/realtime"
	"github.com/ggonzalez94/defi-voice/internal/server"
	"github.com/ggonzalez94/defi-voice/internal/usage"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

type sessionStub realtime.SessionState

func (s sessionStub) Snapshot() realtime.SessionState { return realtime.SessionState(s) }

type walletStub wallet.Snapshot

func (w walletStub) Snapshot() wallet.Snapshot { return wallet.Snapshot(w) }

type pendingStub int

func (p pendingStub) Pending() int { return int(p) }

type env struct {
	srv     *httptest.Server
	feed    *server.Feed
	rooms   *chat.Manager
	records *execution.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	records, err := execution.OpenStore(filepath.Join(dir, "tx.db"), filepath.Join(dir, "tx.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })
	transcripts, err := chat.OpenStore(filepath.Join(dir, "chat.db"), filepath.Join(dir, "chat.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = transcripts.Close() })

	acc := usage.NewAccumulator()
	acc.AddToolCost(0.002)
	e := &env{feed: server.NewFeed(), rooms: chat.NewManager(transcripts), records: records}
	s := server.New(server.Config{}, server.Deps{
		Session:     sessionStub{State: realtime.StateOpen, IsUserSpeaking: true},
		Wallet:      walletStub{Address: "owner", Status: wallet.StatusListening},
		Usage:       acc,
		Rooms:       e.rooms,
		Transcripts: transcripts,
		Records:     records,
		Poller:      pendingStub(2),
		Feed:        e.feed,
		Logger:      zerolog.Nop(),
	})
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStateAggregatesSources(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	room, err := e.rooms.NewRoom("hello")
	require.NoError(t, err)

	var body struct {
		Session             realtime.SessionState `json:"session"`
		Wallet              wallet.Snapshot       `json:"wallet"`
		Usage               usage.Totals          `json:"usage"`
		ActiveRoomID        string                `json:"activeRoomId"`
		PendingTransactions int                   `json:"pendingTransactions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/v1/state", &body))
	assert.Equal(t, realtime.StateOpen, body.Session.State)
	assert.True(t, body.Session.IsUserSpeaking)
	assert.Equal(t, "owner", body.Wallet.Address)
	assert.Equal(t, 1, body.Usage.ToolCalls)
	assert.Equal(t, room.ID(), body.ActiveRoomID)
	assert.Equal(t, 2, body.PendingTransactions)
}

func TestRoomMessagesLiveAndPersisted(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	first, err := e.rooms.NewRoom("first")
	require.NoError(t, err)
	_, err = first.Append(chat.NewMessage(chat.RoleUser, "hi"))
	require.NoError(t, err)

	var live struct {
		Messages []chat.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/v1/rooms/"+first.ID()+"/messages", &live))
	require.Len(t, live.Messages, 1)

	_, err = e.rooms.NewRoom("second")
	require.NoError(t, err)
	var stored struct {
		Messages []chat.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/v1/rooms/"+first.ID()+"/messages", &stored))
	require.Len(t, stored.Messages, 1)
	assert.Equal(t, "hi", stored.Messages[0].Content)

	var rooms struct {
		Rooms []chat.RoomInfo `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/v1/rooms", &rooms))
	assert.Len(t, rooms.Rooms, 2)
}

func TestTransactionsListAndGet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	record := execution.NewRecord(execution.NewRecordID(), "token.swap", "room-1")
	record.SerializedTransaction = "AQID"
	record.TxID = "5sig"
	require.NoError(t, e.records.Save(record))

	var list struct {
		Transactions []execution.TransactionRecord `json:"transactions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/v1/transactions?status=pending", &list))
	require.Len(t, list.Transactions, 1)
	assert.Empty(t, list.Transactions[0].SerializedTransaction)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, e.srv.URL+"/v1/transactions?status=bogus", nil))

	var got execution.TransactionRecord
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/v1/transactions/"+record.ID, &got))
	assert.Equal(t, "5sig", got.TxID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/v1/transactions/tx_missing", nil))
}

func TestEventsStreamFeedUpdates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return e.feed.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	e.feed.Notify(ctx, notify.Warn("Approaching usage limit", "85% used"))

	var u struct {
		Kind server.UpdateKind `json:"kind"`
		Data notify.Notice     `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &u))
	assert.Equal(t, server.KindNotice, u.Kind)
	assert.Equal(t, "85% used", u.Data.Message)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return e.feed.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFeedDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	feed := server.NewFeed()
	ch, cleanup := feed.Subscribe()
	for i := 0; i < 200; i++ {
		feed.PublishMessage(chat.NewMessage(chat.RoleUser, "x"))
	}
	assert.Len(t, ch, cap(ch))
	cleanup()
	cleanup()
	assert.Zero(t, feed.Subscribers())
}
