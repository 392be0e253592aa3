package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/calsync/internal/calsync"
)

const (
	streamBuffer       = 256
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleStream pushes committed cache changes to a websocket client. An
// optional source query narrows the feed.
func (s *Server) handleStream(c *gin.Context) {
	var filter calsync.Source
	if raw := c.Query("source"); raw != "" {
		source, err := calsync.ParseSource(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		filter = source
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Printf("change stream upgrade failed correlation=%s: %v", correlationID(c), err)
		return
	}
	defer conn.CloseNow()

	notices, cancel := s.orchestrator.Feed().Subscribe(streamBuffer)
	defer cancel()

	// Reads only serve control frames; CloseRead cancels ctx when the peer
	// goes away.
	ctx := conn.CloseRead(c.Request.Context())
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		case notice, ok := <-notices:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if filter != "" && notice.Source != filter {
				continue
			}
			writeCtx, done := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, notice)
			done()
			if err != nil {
				return
			}
		}
	}
}
