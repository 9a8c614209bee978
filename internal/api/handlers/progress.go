package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/backup"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The service has no browser origin of its own; operators connect
	// from tooling.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ProgressHandler streams executor progress events over a websocket.
type ProgressHandler struct {
	feed   *backup.FanoutSink
	logger zerolog.Logger
}

// NewProgressHandler creates a new ProgressHandler.
func NewProgressHandler(feed *backup.FanoutSink, logger zerolog.Logger) *ProgressHandler {
	return &ProgressHandler{
		feed:   feed,
		logger: logger.With().Str("component", "progress_handler").Logger(),
	}
}

// RegisterRoutes registers the websocket route on the given router group.
func (h *ProgressHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws/progress", h.Stream)
}

// Stream upgrades the connection and forwards progress events until the
// client disconnects. Events are best-effort: a slow client misses
// intermediates, never the persisted terminal state.
func (h *ProgressHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := h.feed.Subscribe()
	defer h.feed.Unsubscribe(events)

	// Reader goroutine detects client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
