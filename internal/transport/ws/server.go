// Package ws streams world documents to clients while they generate.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	outBuffer  = 8
)

// WorldSource reads the current document for the initial snapshot.
type WorldSource interface {
	Get(ctx context.Context, slug string) (hex.World, error)
}

type subscriber struct {
	out chan []byte
}

type Stats struct {
	Subscribers  int
	SentTotal    uint64
	DroppedTotal uint64
}

// Hub fans document changes out to the websocket subscribers of each slug.
// It implements docstore.Notifier.
type Hub struct {
	src WorldSource
	log *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(src WorldSource, logger *log.Logger) *Hub {
	return &Hub{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: map[string]map[*subscriber]struct{}{},
	}
}

// WorldChanged pushes w to every subscriber of its slug. A subscriber whose
// buffer is full loses its oldest pending message; the newest document
// always gets queued.
func (h *Hub) WorldChanged(w hex.World) {
	b, err := encode(protocol.TypeWorld, &w)
	if err != nil {
		h.printf("watch encode failed slug=%s err=%v", w.Slug, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[w.Slug] {
		h.pushLocked(sub, b)
	}
}

func (h *Hub) pushLocked(sub *subscriber, b []byte) {
	select {
	case sub.out <- b:
		h.sent.Add(1)
		return
	default:
	}
	select {
	case <-sub.out:
		h.dropped.Add(1)
	default:
	}
	select {
	case sub.out <- b:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
	}
}

// subscribe registers sub and queues the current document as its first
// message. The read happens under the hub lock so no change can be queued
// ahead of an older snapshot.
func (h *Hub) subscribe(ctx context.Context, slug string, sub *subscriber) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, err := h.src.Get(ctx, slug)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b, err := encode(protocol.TypeWorld, &w)
	if err != nil {
		return false, err
	}
	set := h.subs[slug]
	if set == nil {
		set = map[*subscriber]struct{}{}
		h.subs[slug] = set
	}
	set[sub] = struct{}{}
	h.pushLocked(sub, b)
	return true, nil
}

func (h *Hub) unsubscribe(slug string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[slug], sub)
	if len(h.subs[slug]) == 0 {
		delete(h.subs, slug)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	h.mu.Unlock()
	return Stats{Subscribers: n, SentTotal: h.sent.Load(), DroppedTotal: h.dropped.Load()}
}

// Handler serves GET /api/dreams/{id}/watch. The first message is the
// current document; a missing world gets a single GONE message.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		slug := hex.Slugify(r.PathValue("id"))
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := &subscriber{out: make(chan []byte, outBuffer)}
		ok, err := h.subscribe(r.Context(), slug, sub)
		if err != nil {
			h.printf("watch subscribe failed slug=%s err=%v", slug, err)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "lookup failed"), time.Now().Add(time.Second))
			return
		}
		if !ok {
			if b, err := encode(protocol.TypeGone, nil); err == nil {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.TextMessage, b)
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "world not found"), time.Now().Add(time.Second))
			return
		}
		defer h.unsubscribe(slug, sub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: clients send nothing meaningful, but reading drives
		// pong handling and close detection.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}

		cancel()
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func encode(typ string, w *hex.World) ([]byte, error) {
	return json.Marshal(protocol.WatchMsg{Type: typ, ProtocolVersion: protocol.Version, World: w})
}

func (h *Hub) printf(format string, args ...any) {
	if h.log != nil {
		h.log.Printf(format, args...)
	}
}
