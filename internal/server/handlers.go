package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/realtime"
	"github.com/ggonzalez94/defi-voice/internal/usage"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

const defaultListLimit = 50

type stateResponse struct {
	Session             *realtime.SessionState `json:"session,omitempty"`
	Wallet              *wallet.Snapshot       `json:"wallet,omitempty"`
	Usage               usage.Totals           `json:"usage"`
	ActiveRoomID        string                 `json:"activeRoomId,omitempty"`
	PendingTransactions int                    `json:"pendingTransactions"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	var resp stateResponse
	if s.deps.Session != nil {
		snap := s.deps.Session.Snapshot()
		resp.Session = &snap
	}
	if s.deps.Wallet != nil {
		snap := s.deps.Wallet.Snapshot()
		resp.Wallet = &snap
	}
	if s.deps.Usage != nil {
		resp.Usage = s.deps.Usage.Totals()
	}
	if s.deps.Rooms != nil {
		if room := s.deps.Rooms.Active(); room != nil {
			resp.ActiveRoomID = room.ID()
		}
	}
	if s.deps.Poller != nil {
		resp.PendingTransactions = s.deps.Poller.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}
	rooms, err := s.deps.Transcripts.Rooms(limitParam(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// handleMessages serves the live transcript for the active room and the
// persisted one otherwise.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var msgs []chat.Message
	if s.deps.Rooms != nil {
		if room := s.deps.Rooms.Active(); room != nil && room.ID() == roomID {
			msgs = room.Messages()
		}
	}
	if msgs == nil {
		if s.deps.Transcripts == nil {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		stored, err := s.deps.Transcripts.Messages(roomID)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		msgs = stored
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "messages": msgs})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "transaction store not configured")
		return
	}
	status := r.URL.Query().Get("status")
	switch execution.RecordStatus(status) {
	case "", execution.RecordStatusPending, execution.RecordStatusSuccess, execution.RecordStatusError:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, success or error")
		return
	}
	records, err := s.deps.Records.List(status, limitParam(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	for i := range records {
		records[i].SerializedTransaction = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "transaction store not configured")
		return
	}
	record, err := s.deps.Records.Get(chi.URLParam(r, "recordID"))
	if errors.Is(err, execution.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleEvents streams feed updates until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.AllowedOrigins)})
	if err != nil {
		s.deps.Logger.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	updates, cleanup := s.deps.Feed.Subscribe()
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case u, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if err := wsjson.Write(ctx, conn, u); err != nil {
				s.deps.Logger.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}

// originPatterns strips schemes, since websocket origin patterns match hosts.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, o)
	}
	return out
}

func limitParam(r *http.Request) int {
	v, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || v <= 0 {
		return defaultListLimit
	}
	return v
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
