package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/relaychat-backend/internal/http/response"
	"github.com/yungbote/relaychat-backend/internal/services"
)

type AuthHandler struct {
	auth services.AuthService
}

func NewAuthHandler(auth services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// POST /api/auth/session
//
// Mints an anonymous session. The returned token authorizes all subsequent
// chat and stream calls until it expires.
func (h *AuthHandler) CreateSession(c *gin.Context) {
	token, rd, err := h.auth.IssueSession()
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "session_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"token":      token,
		"user_id":    rd.UserID,
		"session_id": rd.SessionID,
		"expires_in": int(h.auth.AccessTTL().Seconds()),
	})
}
