package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/chat"
	"github.com/mossy-p/meshchat/internal/middleware"
	"github.com/mossy-p/meshchat/internal/models"
)

// ChatRoom is the part of a chat session the HTTP API drives.
type ChatRoom interface {
	Status() models.RoomStatus
	Send(ctx context.Context, req models.SendMessageRequest) (chat.Delivery, error)
	Transcript() *chat.Transcript
}

// GetRoom reports who is present and the state of every peer connection
func GetRoom(room ChatRoom) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, room.Status())
	}
}

// GetMessages returns the visible transcript, oldest first
func GetMessages(room ChatRoom) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"messages": room.Transcript().Messages()})
	}
}

// SendMessage broadcasts a message to every connected peer (requires authentication)
func SendMessage(room ChatRoom, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		d, err := room.Send(c.Request.Context(), req)
		if err != nil {
			status, body := sendError(err)
			if status == http.StatusInternalServerError {
				_ = c.Error(err)
			}
			c.JSON(status, body)
			return
		}

		log.Debug("message posted",
			zap.String("user", c.GetString(middleware.UserIDKey)),
			zap.String("id", d.Message.ID),
			zap.Int("delivered", d.Delivered))

		c.JSON(http.StatusCreated, models.SendMessageResponse{
			Message:   d.Message,
			Delivered: d.Delivered,
			Warning:   d.Warning,
		})
	}
}

func sendError(err error) (int, gin.H) {
	switch {
	case errors.Is(err, chat.ErrPeersNotReady):
		return http.StatusConflict, gin.H{
			"error": "Peers are still connecting, please try again",
			"retry": true,
		}
	case errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, gin.H{"error": "Send cancelled"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Failed to send message"}
	}
}
