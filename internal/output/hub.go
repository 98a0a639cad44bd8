package output

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/internal/pipeline"
)

const (
	defaultSendBuffer   = 64
	defaultHistory      = 50
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	readLimit           = 4096
)

// Message types sent to WebSocket clients.
const (
	TypeEvent  = "event"
	TypeRecord = "record"
	TypeError  = "error"
)

// Message is the JSON envelope for everything the hub sends.
type Message struct {
	Type   string           `json:"type"`
	Event  *pipeline.Event  `json:"event,omitempty"`
	Record *pipeline.Record `json:"record,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// CommandMessage is what clients send to control recording, e.g.
// {"command": "start"}.
type CommandMessage struct {
	Command string `json:"command"`
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithCommandHandler sets the function that receives parsed client commands.
// Without it, commands are rejected.
func WithCommandHandler(fn func(pipeline.Command) error) HubOption {
	return func(h *Hub) { h.onCommand = fn }
}

// WithHistory sets how many recent records are replayed to a new client.
// Zero disables replay. Default: 50.
func WithHistory(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.historySize = n
		}
	}
}

// WithSendBuffer sets the per-client queue length. A client whose queue
// fills up is disconnected. Default: 64.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPingInterval sets the keepalive period. Default: 30s.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithHubMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub broadcasts pipeline output to WebSocket clients and forwards their
// commands to the controller. It implements [pipeline.Sink] and
// [http.Handler].
type Hub struct {
	onCommand      func(pipeline.Command) error
	historySize    int
	sendBuffer     int
	pingInterval   time.Duration
	originPatterns []string
	metrics        *observe.Metrics

	mu       sync.Mutex
	clients  map[*client]struct{}
	history  []pipeline.Record
	lastMode *pipeline.Event
	closed   bool
}

var (
	_ pipeline.Sink = (*Hub)(nil)
	_ http.Handler  = (*Hub)(nil)
)

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan Message
	cancel context.CancelFunc
}

// NewHub creates a hub with no clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		historySize:  defaultHistory,
		sendBuffer:   defaultSendBuffer,
		pingInterval: defaultPingInterval,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleEvent implements pipeline.Sink.
func (h *Hub) HandleEvent(ev pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Kind == pipeline.EventModeChanged {
		e := ev
		h.lastMode = &e
	}
	h.broadcastLocked(Message{Type: TypeEvent, Event: &ev})
}

// WriteRecord implements pipeline.Sink. It never fails; slow clients are
// disconnected instead of blocking the caller.
//
// History and broadcast share one critical section, so a client registering
// concurrently sees each record exactly once: by replay or by broadcast.
func (h *Hub) WriteRecord(rec pipeline.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.historySize > 0 {
		h.history = append(h.history, rec)
		if over := len(h.history) - h.historySize; over > 0 {
			h.history = append(h.history[:0], h.history[over:]...)
		}
	}
	h.broadcastLocked(Message{Type: TypeRecord, Record: &rec})
	return nil
}

// broadcastLocked must be called with h.mu held.
func (h *Hub) broadcastLocked(m Message) {
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			slog.Warn("output: websocket client too slow, disconnecting", "client", c.id)
			h.removeLocked(c)
			go c.conn.Close(websocket.StatusPolicyViolation, "send queue full")
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("output: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan Message, h.sendBuffer+h.historySize+1),
		cancel: cancel,
	}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer func() {
		h.unregister(c)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	log := slog.With("client", c.id)
	log.Info("output: websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(ctx, c)
	h.readPump(ctx, c, log)

	log.Info("output: websocket client disconnected")
}

// register adds c and queues the current mode and record history for it.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.lastMode != nil {
		ev := *h.lastMode
		c.send <- Message{Type: TypeEvent, Event: &ev}
	}
	for i := range h.history {
		rec := h.history[i]
		c.send <- Message{Type: TypeRecord, Record: &rec}
	}
	h.clients[c] = struct{}{}
	h.metrics.WebSocketClients.Add(context.Background(), 1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.WebSocketClients.Add(context.Background(), -1)
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := wsjson.Write(wctx, c.conn, m)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *client, log *slog.Logger) {
	for {
		var in CommandMessage
		if err := wsjson.Read(ctx, c.conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debug("output: websocket read ended", "err", err)
			}
			return
		}
		if err := h.dispatch(in); err != nil {
			log.Warn("output: websocket command rejected", "command", in.Command, "err", err)
			h.reply(c, Message{Type: TypeError, Error: err.Error()})
		}
	}
}

var errNoCommandHandler = errors.New("output: commands are not accepted")

func (h *Hub) dispatch(in CommandMessage) error {
	if h.onCommand == nil {
		return errNoCommandHandler
	}
	cmd, err := pipeline.ParseCommand(in.Command)
	if err != nil {
		return err
	}
	return h.onCommand(cmd)
}

func (h *Hub) reply(c *client, m Message) {
	select {
	case c.send <- m:
	default:
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		h.removeLocked(c)
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Go(func() { conn.Close(websocket.StatusGoingAway, "server shutting down") })
	}
	wg.Wait()
	return nil
}
