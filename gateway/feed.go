package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"loanbridge/orchestrator"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedClientBuffer = 32
)

// Feed fans lifecycle transitions out to websocket subscribers. Publish never
// blocks: a client that cannot keep up with its buffer is disconnected.
type Feed struct {
	log     *slog.Logger
	mu      sync.Mutex
	clients map[string]chan orchestrator.Transition
	closed  bool
}

func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:     log,
		clients: make(map[string]chan orchestrator.Transition),
	}
}

// Publish implements orchestrator.Publisher.
func (f *Feed) Publish(tr orchestrator.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.clients {
		select {
		case ch <- tr:
		default:
			f.log.Warn("dropping slow feed client", "client", id)
			close(ch)
			delete(f.clients, id)
		}
	}
}

// Close disconnects every subscriber. Publish becomes a no-op afterwards.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
}

func (f *Feed) subscribe() (string, chan orchestrator.Transition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", nil, false
	}
	id := uuid.NewString()
	ch := make(chan orchestrator.Transition, feedClientBuffer)
	f.clients[id] = ch
	return id, ch, true
}

func (f *Feed) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
	}
}

// ClientCount reports the number of connected subscribers.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	id, updates, ok := f.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "feed closed")
		return
	}
	defer f.unsubscribe(id)
	f.log.Info("feed client connected", "client", id)

	if err := f.stream(r.Context(), conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
	f.log.Info("feed client disconnected", "client", id)
}

func (f *Feed) stream(ctx context.Context, conn *websocket.Conn, updates chan orchestrator.Transition) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeTransition(ctx, conn, tr); err != nil {
				return err
			}
		}
	}
}

func writeTransition(ctx context.Context, conn *websocket.Conn, tr orchestrator.Transition) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
