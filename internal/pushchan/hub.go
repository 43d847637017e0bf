package pushchan

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
)

// Hub fans published events out to the websocket peers of each channel.
// Peers that fall behind lose frames rather than slowing publishers down.
type Hub struct {
	logger         syncstate.Logger
	originPatterns []string
	sendBuffer     int

	mu     sync.Mutex
	peers  map[string]map[*peer]struct{}
	closed bool
}

type peer struct {
	channel string
	conn    *websocket.Conn
	send    chan []byte
	cancel  context.CancelFunc
}

func NewHub(logger syncstate.Logger, originPatterns ...string) *Hub {
	return &Hub{
		logger:         logger,
		originPatterns: originPatterns,
		sendBuffer:     defaultSendBuffer,
		peers:          map[string]map[*peer]struct{}{},
	}
}

// Serve upgrades the request to a websocket subscribed to channel and blocks
// until the peer disconnects or the hub is closed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logf("accept channel %s: %v", channel, err)
		return
	}
	// Peers never send; CloseRead discards input and ends ctx when they leave.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	p := &peer{
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		cancel:  cancel,
	}
	if !h.add(p) {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(p)
	p.writePump(ctx)
}

// Publish sends event on channel to every current peer and returns how many
// peers it was queued for.
func (h *Hub) Publish(channel, event string, data any) int {
	frame, err := NewFrame(channel, event, data)
	if err != nil {
		h.logf("publish %s %s: %v", channel, event, err)
		return 0
	}
	encoded, err := EncodeFrame(frame)
	if err != nil {
		h.logf("publish %s %s: %v", channel, event, err)
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	queued := 0
	for p := range h.peers[channel] {
		select {
		case p.send <- encoded:
			queued++
		default:
			h.logf("dropping %s frame for slow peer on %s", event, channel)
		}
	}
	return queued
}

// Subscribers reports how many peers are attached to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers[channel])
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var peers []*peer
	for _, set := range h.peers {
		for p := range set {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.cancel()
	}
}

func (h *Hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.peers[p.channel]
	if set == nil {
		set = map[*peer]struct{}{}
		h.peers[p.channel] = set
	}
	set[p] = struct{}{}
	return true
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	if set := h.peers[p.channel]; set != nil {
		delete(set, p)
		if len(set) == 0 {
			delete(h.peers, p.channel)
		}
	}
	h.mu.Unlock()
	p.cancel()
}

func (p *peer) writePump(ctx context.Context) {
	defer func() { _ = p.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
