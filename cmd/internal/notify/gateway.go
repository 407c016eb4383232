package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vine/cmd/internal/quota"

	"github.com/coder/websocket"
)

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultHeartbeat    = 30 * time.Second

	// Secure-by-default for dev: only localhost origins unless configured.
	wsDefaultOriginPatterns = "localhost,127.0.0.1"
)

// SnapshotSource serves the current authoritative quota view, pushed to a
// client right after it connects.
type SnapshotSource interface {
	Snapshot(ctx context.Context, uid string) (quota.Snapshot, error)
}

// Gateway upgrades HTTP requests to WebSocket sessions that stream a single
// user's quota snapshots. It is push-only: client frames are ignored.
type Gateway struct {
	log       *slog.Logger
	hub       *Hub
	snapshots SnapshotSource

	originPatterns []string
	writeTimeout   time.Duration
	heartbeat      time.Duration
}

// GatewayOption configures the Gateway.
type GatewayOption func(*Gateway)

// WithOriginPatterns sets the allowed cross-origin host patterns.
func WithOriginPatterns(patterns []string) GatewayOption {
	return func(g *Gateway) {
		if len(patterns) > 0 {
			g.originPatterns = patterns
		}
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.writeTimeout = d
		}
	}
}

// WithHeartbeat sets the ping interval.
func WithHeartbeat(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.heartbeat = d
		}
	}
}

// NewGateway constructs a Gateway with secure defaults.
func NewGateway(log *slog.Logger, hub *Hub, snapshots SnapshotSource, opts ...GatewayOption) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	g := &Gateway{
		log:            log,
		hub:            hub,
		snapshots:      snapshots,
		originPatterns: strings.Split(wsDefaultOriginPatterns, ","),
		writeTimeout:   wsDefaultWriteTimeout,
		heartbeat:      wsDefaultHeartbeat,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(g)
	}
	return g
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and streams the user's quota snapshots until
// the client goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		http.Error(w, "missing uid", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// Push-only stream; CloseRead surfaces client disconnects as context
	// cancellation without a read loop.
	ctx := conn.CloseRead(r.Context())

	updates, cancel := g.hub.Subscribe(uid)
	defer cancel()

	// Current state first so the client never renders stale badges.
	if g.snapshots != nil {
		if snap, err := g.snapshots.Snapshot(ctx, uid); err == nil {
			if err := g.writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		} else if !errors.Is(err, quota.ErrNotFound) {
			g.log.Info("ws.snapshot.fail", "uid", uid, "err", err)
		}
	}

	t := time.NewTicker(g.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := g.writeSnapshot(ctx, conn, snap); err != nil {
				g.log.Info("ws.write.fail", "uid", uid, "close_status", websocket.CloseStatus(err), "err", err)
				return
			}
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				g.log.Info("ws.ping.fail", "uid", uid, "err", err)
				return
			}
		}
	}
}

func (g *Gateway) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap quota.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, b)
}
