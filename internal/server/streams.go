package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	realtimeEventNotifications = "notifications"
	websocketWriteTimeout      = 10 * time.Second
)

type notificationStreamPayload struct {
	Source         string                       `json:"source"`
	NotificationID string                       `json:"notificationId,omitempty"`
	Notifications  []notifications.Notification `json:"notifications"`
	Timestamp      time.Time                    `json:"timestamp"`
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleNotificationStream serves the user's notification list as server-sent events: one
// snapshot on connect, another whenever this process records a notification for the user.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()

	messages, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	initial, err := h.notifications.List(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventNotifications, notificationStreamPayload{
		Source:        realtimeSourceBackend,
		Notifications: initial,
		Timestamp:     time.Now().UTC(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-messages:
			if !open {
				return false
			}
			list, err := h.notifications.List(ctx, userID)
			if err != nil {
				h.logger.Warn("notification stream refresh failed", zap.String("user_id", userID), zap.Error(err))
				return true
			}
			c.SSEvent(realtimeEventNotifications, notificationStreamPayload{
				Source:         realtimeSourceBackend,
				NotificationID: message.NotificationID,
				Notifications:  list,
				Timestamp:      message.Timestamp,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: tick.UTC()})
			return true
		}
	})
}

// serveNotificationSocket pushes the user's notification list over a websocket after every
// store change, including changes written by other server instances.
func (h *httpHandler) serveNotificationSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	userID, err := h.authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, unauthorizedMessage(err))
		return
	}

	conn, err := websocket.Accept(w, r, h.websocketOptions())
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := conn.CloseRead(r.Context())
	lists, err := h.notifications.Subscribe(ctx, userID)
	if err != nil {
		h.logger.Warn("notification subscription failed", zap.String("user_id", userID), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}

	for list := range lists {
		writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
		err := wsjson.Write(writeCtx, conn, notificationStreamPayload{
			Source:        realtimeSourceBackend,
			Notifications: list,
			Timestamp:     time.Now().UTC(),
		})
		cancel()
		if err != nil {
			h.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gin.H{"error": code})
}

func (h *httpHandler) websocketOptions() *websocket.AcceptOptions {
	patterns := make([]string, 0, len(h.origins))
	for _, origin := range h.origins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	if len(patterns) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
