package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/cashield/internal/alert"
	"github.com/MrWong99/cashield/internal/transcript"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Message is one frame on the live feed.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// EntryData is the payload of "entry" messages.
type EntryData struct {
	Date  string           `json:"date"`
	Index int              `json:"index"`
	Entry transcript.Entry `json:"entry"`
}

// Hub fans messages out to every connected websocket client. A client that
// cannot keep up is disconnected instead of slowing down the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	now  func() time.Time

	// OriginPatterns are passed to websocket.Accept. Empty allows only
	// same-origin browsers.
	OriginPatterns []string
}

type subscriber struct {
	msgs      chan Message
	closeSlow func()
}

var _ alert.Publisher = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Publish sends v to every client under topic. It never blocks.
func (h *Hub) Publish(topic string, v any) {
	msg := Message{Type: topic, Time: h.now(), Data: v}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.msgs <- msg:
		default:
			// Dropped here so later publishes do not close it again.
			delete(h.subs, s)
			go s.closeSlow()
		}
	}
}

// PublishEntry publishes a logged transcript line. It matches the pipeline's
// entry observer signature.
func (h *Hub) PublishEntry(date string, idx int, e transcript.Entry) {
	h.Publish("entry", EntryData{Date: date, Index: idx, Entry: e})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams messages until the client goes
// away or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	s := &subscriber{
		msgs: make(chan Message, subscriberBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "feed consumer too slow")
		},
	}
	h.add(s)
	defer h.remove(s)

	slog.Debug("live feed client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			if err := write(ctx, conn, msg); err != nil {
				slog.Debug("live feed write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
