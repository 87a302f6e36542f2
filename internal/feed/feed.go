// Package feed broadcasts order book events and signed exchange
// transactions to websocket subscribers, implementing the
// controller.Publisher interface (spec.md §4.2/§6 "public data feed").
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"duskex/internal/common"
	"duskex/internal/transport/workerpool"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	fanoutWorkers  = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// message is the wire shape pushed to subscribers: a topic (the pair
// key) plus a kind tag and the JSON body of the event or transaction.
type message struct {
	Pair string          `json:"pair"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// client is one subscribed websocket connection.
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	pairs map[string]bool
	mu    sync.RWMutex
}

func (c *client) subscribedTo(pair string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pairs) == 0 || c.pairs[pair]
}

// Hub fans out published events to every subscribed client. It
// implements controller.Publisher so a dispatcher-level Hub can be handed
// straight into each pair's controller.Config.
type Hub struct {
	t tomb.Tomb

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]struct{}

	pool *workerpool.Pool
}

// NewHub builds a Hub. Call Start before publishing.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*client]struct{}),
		pool:       workerpool.New(fanoutWorkers),
	}
}

// Start begins the hub's dispatch loop and fanout worker pool.
func (h *Hub) Start() {
	h.t.Go(func() error { h.pool.Run(&h.t, h.deliver); return nil })
	h.t.Go(h.loop)
}

// Stop shuts the hub down and closes every connected client.
func (h *Hub) Stop() error {
	h.t.Kill(nil)
	err := h.t.Wait()
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	return err
}

func (h *Hub) loop() error {
	for {
		select {
		case <-h.t.Dying():
			return nil
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case payload := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				h.pool.Submit(&h.t, fanoutTask{client: c, payload: payload})
			}
			h.mu.RUnlock()
		}
	}
}

type fanoutTask struct {
	client  *client
	payload []byte
}

func (h *Hub) deliver(_ *tomb.Tomb, task any) error {
	ft, ok := task.(fanoutTask)
	if !ok {
		return nil
	}
	var env message
	if err := json.Unmarshal(ft.payload, &env); err == nil && !ft.client.subscribedTo(env.Pair) {
		return nil
	}
	select {
	case ft.client.send <- ft.payload:
	default:
		log.Warn().Msg("feed client send buffer full, dropping message")
	}
	return nil
}

// Publish implements controller.Publisher, broadcasting an order book
// event to every subscriber of pair.
func (h *Hub) Publish(pair common.AssetPair, ev common.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("marshal feed event")
		return
	}
	h.enqueue(pair, ev.Kind().String(), body)
}

// PublishTransaction implements controller.Publisher, broadcasting a
// signed exchange transaction to every subscriber of pair.
func (h *Hub) PublishTransaction(pair common.AssetPair, tx common.ExchangeTransaction) {
	body, err := json.Marshal(tx)
	if err != nil {
		log.Error().Err(err).Msg("marshal feed transaction")
		return
	}
	h.enqueue(pair, "ExchangeTransaction", body)
}

func (h *Hub) enqueue(pair common.AssetPair, kind string, body json.RawMessage) {
	payload, err := json.Marshal(message{Pair: pair.Key(), Kind: kind, Body: body})
	if err != nil {
		log.Error().Err(err).Msg("marshal feed envelope")
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.t.Dying():
	}
}

// ServeHTTP upgrades the connection to a websocket and registers it as a
// subscriber. An optional "pair" query parameter restricts delivery to
// that pair's key; omitted, the client receives every pair's events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize), pairs: make(map[string]bool)}
	if pair := r.URL.Query().Get("pair"); pair != "" {
		c.pairs[pair] = true
	}

	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
