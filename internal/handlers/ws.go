package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

var (
	schoolClients   = make(map[string]map[*websocket.Conn]bool)
	schoolClientsMu sync.RWMutex
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// BroadcastCaseUpdate pushes a case state change to every dashboard
// connected for the school. Failed connections are dropped.
func BroadcastCaseUpdate(schoolID, caseID string) {
	schoolClientsMu.RLock()
	clients, exists := schoolClients[schoolID]
	if !exists || len(clients) == 0 {
		schoolClientsMu.RUnlock()
		return
	}

	clientsCopy := make([]*websocket.Conn, 0, len(clients))
	for conn := range clients {
		clientsCopy = append(clientsCopy, conn)
	}
	schoolClientsMu.RUnlock()

	for _, conn := range clientsCopy {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Warn().Err(err).Msg("Failed to set write deadline for broadcast")
			continue
		}

		err := conn.WriteJSON(map[string]string{
			"type":      "case_update",
			"case_id":   caseID,
			"school_id": schoolID,
		})

		if err != nil {
			log.Warn().Err(err).Str("school_id", schoolID).Msg("Failed to broadcast case update")
			schoolClientsMu.Lock()
			if clients, exists := schoolClients[schoolID]; exists {
				delete(clients, conn)
				if len(clients) == 0 {
					delete(schoolClients, schoolID)
				}
			}
			schoolClientsMu.Unlock()
			conn.Close()
		}
	}
}

func WebSocket(c *gin.Context) {
	schoolID := c.Param("school_id")

	if schoolID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "School ID is required"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			for _, allowed := range types.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error().Err(err).Msg("Failed to set initial read deadline")
		return
	}
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Warn().Err(err).Msg("Failed to set read deadline in pong handler")
		}
		return nil
	})

	schoolClientsMu.Lock()
	if schoolClients[schoolID] == nil {
		schoolClients[schoolID] = make(map[*websocket.Conn]bool)
	}
	schoolClients[schoolID][conn] = true
	schoolClientsMu.Unlock()

	defer func() {
		schoolClientsMu.Lock()

		if clients, exists := schoolClients[schoolID]; exists {
			delete(clients, conn)

			if len(clients) == 0 {
				delete(schoolClients, schoolID)
			}
		}

		schoolClientsMu.Unlock()
		conn.Close()

		log.Info().Str("school_id", schoolID).Msg("WebSocket connection closed")
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Warn().Err(err).Msg("Failed to set write deadline for welcome message")
		return
	}

	err = conn.WriteJSON(map[string]string{
		"type":      "connected",
		"message":   "WebSocket connection established",
		"school_id": schoolID,
	})

	if err != nil {
		log.Warn().Err(err).Msg("Failed to send welcome message")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	// Stop does not close the ticker channel, so the ping loop needs an
	// explicit exit signal.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			break
		}

		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("school_id", schoolID).Msg("WebSocket error")
			}
			break
		}

		if messageType == websocket.TextMessage {
			log.Debug().Str("school_id", schoolID).Str("message", string(message)).Msg("Received client message")
		}
	}
}
