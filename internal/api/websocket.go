package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"broker-sync/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams sync lifecycle events to the UI so it can show
// progress without polling.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	started, unsubStarted := s.Bus.Subscribe(events.TopicSyncStarted, 100)
	defer unsubStarted()
	completed, unsubCompleted := s.Bus.Subscribe(events.TopicSyncCompleted, 100)
	defer unsubCompleted()
	failed, unsubFailed := s.Bus.Subscribe(events.TopicSyncFailed, 100)
	defer unsubFailed()

	for {
		var payload any
		select {
		case payload = <-started:
		case payload = <-completed:
		case payload = <-failed:
		case <-c.Request.Context().Done():
			return
		}
		if err := conn.WriteJSON(payload); err != nil {
			s.Log.Debug("ws write failed", zap.Error(err))
			return
		}
	}
}
