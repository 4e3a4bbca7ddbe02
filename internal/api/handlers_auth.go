package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/errs"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "email and password are required"))
		return
	}

	user, err := s.store.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil || user == nil || !user.Active {
		// Same response for unknown email and bad password.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, sessionID, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.fail(c, errs.Wrap(errs.Internal, err, "issue token"))
		return
	}
	if s.sessions != nil {
		if err := s.sessions.Set(c.Request.Context(), cache.SessionKey(sessionID), user.ID.String(), s.tokens.TTL()); err != nil {
			s.log.Warn().Err(err).Msg("record session")
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  user,
	})
}

// handleLogout drops the session record, which revokes the token ahead of
// its expiry, and closes the user's live websocket connections.
func (s *Server) handleLogout(c *gin.Context) {
	if s.sessions != nil {
		sid := c.GetString(ctxSessionID)
		if err := s.sessions.Del(c.Request.Context(), cache.SessionKey(sid)); err != nil {
			s.log.Warn().Err(err).Msg("drop session")
		}
	}
	closed := 0
	if s.hub != nil {
		closed = s.hub.DisconnectUser(s.userID(c))
	}
	c.JSON(http.StatusOK, gin.H{"sessions_closed": closed})
}
