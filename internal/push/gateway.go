// Package push is the WebSocket gateway that forwards live notifications to
// connected clients. Each connection subscribes to the user's NATS notify
// subject; every published frame is written to the socket unchanged.
package push

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/metrics"
)

// Subscriber is the subset of messaging.NATSClient the gateway needs.
type Subscriber interface {
	SubscribeNotify(key, userID string, handler func(data []byte)) error
	Unsubscribe(key string) error
}

// Config holds the gateway's connection limits and heartbeat timing.
type Config struct {
	MaxConnections int
	PingInterval   time.Duration // how often clients are pinged
	PongTimeout    time.Duration // extra grace before a silent client is dropped
	WriteTimeout   time.Duration
}

// DefaultConfig returns the production gateway settings.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 100000,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Gateway accepts push connections.
type Gateway struct {
	config Config
	subs   Subscriber
	conns  *Registry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGateway creates a gateway. Call Start to run the heartbeat.
func NewGateway(config Config, subs Subscriber) *Gateway {
	return &Gateway{
		config: config,
		subs:   subs,
		conns:  NewRegistry(),
		done:   make(chan struct{}),
	}
}

// Connections exposes the registry.
func (g *Gateway) Connections() *Registry {
	return g.conns
}

// Start runs the heartbeat loop.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go g.heartbeatLoop()
}

// Shutdown stops the heartbeat and closes every connection.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() {
		close(g.done)
		for _, c := range g.conns.All() {
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "shutting down")))
			g.remove(c, "shutdown")
		}
		g.wg.Wait()
		log.Printf("[push] gateway stopped")
	})
}

// userFromRequest reads the caller's id from the X-User-ID header, or the
// user_id query parameter for browsers that cannot set upgrade headers.
func userFromRequest(r *http.Request) (string, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// hello is the first frame on every connection.
type hello struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Ts           int64  `json:"ts"`
}

// HandleUpgrade upgrades GET /live/ws and binds the socket to the caller's
// notification subject.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(r)
	if !ok {
		http.Error(w, "missing or invalid user id", http.StatusUnauthorized)
		return
	}
	if g.conns.Count() >= g.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[push] upgrade failed user=%s: %v", userID, err)
		return
	}

	c := newConnection(uuid.NewString(), userID, netConn, g.config.WriteTimeout)
	g.conns.Add(c)
	metrics.PushConnections.Inc()

	if err := g.subs.SubscribeNotify(c.ID, userID, func(data []byte) {
		if err := c.WriteMessage(data); err != nil {
			log.Printf("[push] write to conn=%s user=%s: %v", c.ID, userID, err)
			g.remove(c, "write failed")
		}
	}); err != nil {
		log.Printf("[push] subscribe user=%s: %v", userID, err)
		g.remove(c, "subscribe failed")
		return
	}

	frame, _ := json.Marshal(hello{Type: "connected", ConnectionID: c.ID, Ts: time.Now().UnixMilli()})
	if err := c.WriteMessage(frame); err != nil {
		g.remove(c, "hello failed")
		return
	}

	log.Printf("[push] connected conn=%s user=%s (total=%d)", c.ID, userID, g.conns.Count())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.readLoop(c)
	}()
}

// readLoop consumes client frames until the socket fails, answering pings
// and honouring close frames. Clients have nothing to say on this channel,
// so data frames are discarded.
func (g *Gateway) readLoop(c *Connection) {
	deadline := g.config.PingInterval + g.config.PongTimeout
	for {
		if deadline > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(deadline))
		}
		hdr, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			g.remove(c, readReason(err))
			return
		}
		c.touch()

		if !hdr.OpCode.IsControl() {
			if _, err := io.Copy(io.Discard, reader); err != nil {
				g.remove(c, "read failed")
				return
			}
			continue
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			g.remove(c, "read failed")
			return
		}
		switch hdr.OpCode {
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
				g.remove(c, "pong failed")
				return
			}
		case ws.OpClose:
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			g.remove(c, "client closed")
			return
		}
	}
}

func readReason(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "heartbeat timeout"
	}
	if errors.Is(err, io.EOF) {
		return "client gone"
	}
	return "read failed"
}

func (g *Gateway) heartbeatLoop() {
	defer g.wg.Done()
	if g.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			for _, c := range g.conns.All() {
				if err := c.WritePing(); err != nil {
					g.remove(c, "ping failed")
				}
			}
		}
	}
}

// remove unsubscribes and closes c once, however many paths race to do it.
func (g *Gateway) remove(c *Connection, reason string) {
	if _, ok := g.conns.Remove(c.ID); !ok {
		return
	}
	metrics.PushConnections.Dec()
	if err := g.subs.Unsubscribe(c.ID); err != nil {
		log.Printf("[push] unsubscribe conn=%s: %v", c.ID, err)
	}
	_ = c.Close()
	log.Printf("[push] closed conn=%s user=%s reason=%q after %s (total=%d)",
		c.ID, c.UserID, reason, time.Since(c.CreatedAt).Round(time.Second), g.conns.Count())
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live/ws", g.HandleUpgrade)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": g.conns.Count(),
		})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
