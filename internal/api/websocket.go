package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"perp-grid/internal/strategy"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one push on /ws.
type StreamMessage struct {
	Type          string              `json:"type"`
	Time          time.Time           `json:"time"`
	LastExecution time.Time           `json:"last_execution"`
	Strategies    []strategy.Snapshot `json:"strategies"`
}

// websocket pushes the strategy snapshots immediately and then every PushInterval until the
// client goes away.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only drive control frames and detect the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()
	for {
		if err := s.push(conn); err != nil {
			s.logger.Debug("ws_write_failed", zap.Error(err))
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) push(conn *websocket.Conn) error {
	snaps := s.src.Strategies()
	if snaps == nil {
		snaps = []strategy.Snapshot{}
	}
	msg := StreamMessage{
		Type:          "strategies",
		Time:          s.opts.Now(),
		LastExecution: s.src.LastExecution(),
		Strategies:    snaps,
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
