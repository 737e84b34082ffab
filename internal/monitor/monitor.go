// Package monitor streams consumer and job status over websockets.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
)

const (
	Path = "/ws/status"

	EventConsumer = "consumer"
	EventJob      = "job"

	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// Event is one websocket message.
type Event struct {
	Type     string                        `json:"type"`
	Consumer *model.ConsumerStatusSnapshot `json:"consumer,omitempty"`
	Job      *model.JobUpdate              `json:"job,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans status events out to connected websocket clients. A client whose
// send buffer fills up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu        sync.Mutex
	clients   map[*client]bool
	consumers map[string]model.ConsumerStatusSnapshot
	closed    bool
	wg        sync.WaitGroup
}

func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logger.With("monitor"),
		clients:   make(map[*client]bool),
		consumers: make(map[string]model.ConsumerStatusSnapshot),
	}
}

// Attach forwards both status topics of b to the hub.
func (h *Hub) Attach(b *bus.Bus) func() {
	unsubConsumer := b.Subscribe(bus.TopicConsumerStatus, func(msg any) {
		if snap, ok := msg.(model.ConsumerStatusSnapshot); ok {
			h.Broadcast(Event{Type: EventConsumer, Consumer: &snap})
		}
	})
	unsubJob := b.Subscribe(bus.TopicJobStatus, func(msg any) {
		if upd, ok := msg.(model.JobUpdate); ok {
			h.Broadcast(Event{Type: EventJob, Job: &upd})
		}
	})
	return func() {
		unsubConsumer()
		unsubJob()
	}
}

func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, h.serveWS)
	return mux
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	for _, snap := range h.consumers {
		snap := snap
		select {
		case c.send <- Event{Type: EventConsumer, Consumer: &snap}:
		default:
		}
	}
	n := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()
	h.logger.Infof("client connected from %s, %d connected", r.RemoteAddr, n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.logger.Debugf("write to client: %v", err)
			h.drop(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
}

// readLoop discards client input and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Infof("client disconnected, %d connected", n)
	}
}

// Broadcast queues ev for every client and remembers the latest snapshot
// of each consumer for clients that connect later.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if ev.Type == EventConsumer && ev.Consumer != nil {
		h.consumers[ev.Consumer.ConsumerID] = *ev.Consumer
	}
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warnf("client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Serve runs an HTTP server for the hub on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	h.logger.Infof("status monitor listening on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Watch connects to a hub at url and calls fn for every event until ctx is
// done, the server closes the stream, or fn returns an error.
func Watch(ctx context.Context, url string, fn func(Event) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
