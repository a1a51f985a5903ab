package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pos-sync-engine/internal/models"
)

const streamWriteTimeout = 5 * time.Second

// StreamHandler pushes every sync status change to websocket clients
type StreamHandler struct {
	engine         SyncService
	logger         *slog.Logger
	originPatterns []string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewStreamHandler creates a stream handler. originPatterns are passed to the
// websocket handshake; nil only accepts same-origin browsers.
func NewStreamHandler(engine SyncService, originPatterns []string, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		engine:         engine,
		logger:         logger,
		originPatterns: originPatterns,
		done:           make(chan struct{}),
	}
}

// Stream handles GET /v1/sync/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeErrorResponse(w, http.StatusServiceUnavailable, "unavailable", "Server is shutting down", nil)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles their close frames and cancels ctx on disconnect
	ctx := conn.CloseRead(context.Background())

	// Only the newest status matters, so a slow client skips intermediate ones
	updates := make(chan models.SyncStatus, 1)
	unsubscribe := h.engine.Subscribe(func(s models.SyncStatus) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	h.logger.Debug("Status stream client connected", "remote_addr", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Status stream client disconnected", "remote_addr", r.RemoteAddr)
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case s := <-updates:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, s)
			cancel()
			if err != nil {
				h.logger.Debug("Status stream write failed", "remote_addr", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

// Close disconnects every stream client and waits for their handlers to return.
// Hijacked connections are not tracked by http.Server.Shutdown.
func (h *StreamHandler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
