package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/codeagent/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const pingInterval = 30 * time.Second

// Event is one frame pushed to chat clients.
type Event struct {
	Type    string          `json:"type"` // "message", "run" or "error"
	Message *domain.Message `json:"message,omitempty"`
	Run     *domain.Run     `json:"run,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// feed tracks what a client has already seen.
type feed struct {
	lastMessageID int64
	runs          map[string]domain.RunStatus
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	// Verify the session exists.
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	// Subscribe before the handshake so no update is missed once the client
	// is connected.
	updates := s.store.Subscribe()
	defer s.store.Unsubscribe(updates)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	// Writes come from the feed goroutine and the turn goroutines.
	var writeMu sync.Mutex
	send := func(ev Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(ev)
	}

	f := &feed{runs: make(map[string]domain.RunStatus)}
	if err := s.syncFeed(sessionID, f, send); err != nil {
		slog.Error("Failed initial feed sync", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: pushes new messages and run updates to the client.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-updates:
				if !ok {
					return
				}
				if id != sessionID {
					continue
				}
				if err := s.syncFeed(sessionID, f, send); err != nil {
					slog.Error("Failed feed sync", "error", err)
					return
				}
			case <-ticker.C:
				writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: receives user turns. Turns run in the background so the
	// client keeps receiving progress; the controller serializes them. A turn
	// outlives the connection that started it.
	for {
		var req messageRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}

		parts, err := req.parts()
		if err != nil {
			send(Event{Type: "error", Error: err.Error()})
			continue
		}

		go func() {
			if _, err := s.agent.Send(context.Background(), sessionID, parts); err != nil {
				slog.Error("Turn failed", "sessionID", sessionID, "error", err)
				send(Event{Type: "error", Error: err.Error()})
			}
		}()
	}

	cancel()
	wg.Wait()
}

// syncFeed sends messages newer than the last one sent and runs whose status
// changed. Message ids are never reused, so pruning cannot hide new messages.
func (s *Server) syncFeed(sessionID string, f *feed, send func(Event) error) error {
	ctx := context.Background()

	msgs, err := s.store.All(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		if m.ID <= f.lastMessageID {
			continue
		}
		if err := send(Event{Type: "message", Message: m}); err != nil {
			return err
		}
		f.lastMessageID = m.ID
	}

	runs, err := s.store.ListRuns(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range runs {
		run := &runs[i]
		if f.runs[run.ID] == run.Status {
			continue
		}
		if err := send(Event{Type: "run", Run: run}); err != nil {
			return err
		}
		f.runs[run.ID] = run.Status
	}
	return nil
}
