package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/session"
)

type loginRequest struct {
	ClientCode string `json:"client_code"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
	TOTP       string `json:"totp"`
}

// handleLogin authenticates with the broker and creates (or rehydrates)
// the server-side session. Request fields override configured
// credentials, so a multi-user deployment works without config edits.
func (s *Server) handleLogin(c *gin.Context) {
	req, bound := bindJSON[loginRequest](c)
	if !bound {
		return
	}

	creds := broker.Credentials{
		APIKey:     s.d.BrokerCfg.APIKey,
		ClientCode: req.ClientCode,
		Password:   req.Password,
		TOTPSecret: req.TOTPSecret,
		TOTP:       req.TOTP,
	}
	if creds.ClientCode == "" {
		creds.ClientCode = s.d.BrokerCfg.ClientCode
	}
	if creds.Password == "" {
		creds.Password = s.d.BrokerCfg.Password
	}
	if creds.TOTPSecret == "" && creds.TOTP == "" {
		creds.TOTPSecret = s.d.BrokerCfg.TOTPSecret
	}
	if err := creds.Validate(); err != nil {
		fail(c, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	bs, err := s.d.Broker.Login(c.Request.Context(), creds)
	if err != nil {
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) {
			fail(c, http.StatusUnauthorized, "login_failed", apiErr.Message)
			return
		}
		s.failErr(c, err)
		return
	}

	sess, restored, err := s.d.Registry.Login(c.Request.Context(), bs)
	if err != nil {
		s.failErr(c, err)
		return
	}

	ok(c, gin.H{
		"session_id": sess.ID(),
		"user_id":    sess.UserID(),
		"restored":   restored,
	})
}

type logoutRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// handleLogout retires the session and invalidates the broker tokens.
// The broker call is best effort: the session is already gone.
func (s *Server) handleLogout(c *gin.Context) {
	req, bound := bindJSON[logoutRequest](c)
	if !bound {
		return
	}

	bs, err := s.d.Registry.Logout(c.Request.Context(), req.SessionID)
	if err != nil {
		s.failErr(c, err)
		return
	}
	if bs != nil {
		if err := s.d.Broker.Logout(c.Request.Context(), bs); err != nil {
			s.logger.Warn("broker logout failed", "err", err)
		}
	}
	ok(c, nil)
}

// handleVerify checks a stored session id, rehydrating from snapshot by
// user id when the live session is gone. Clients call it on page load
// to decide between resuming and re-login.
func (s *Server) handleVerify(c *gin.Context) {
	sessionID := c.Query("session_id")
	userID := c.Query("user_id")
	if sessionID == "" && userID == "" {
		fail(c, http.StatusBadRequest, "bad_request", "session_id or user_id is required")
		return
	}

	info, err := s.d.Registry.Resolve(c.Request.Context(), sessionID, userID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, "session_not_found", "nothing to resume; login again")
			return
		}
		s.failErr(c, err)
		return
	}

	ok(c, gin.H{
		"session_id": info.SessionID,
		"user_id":    info.UserID,
		"restored":   info.Restored,
	})
}
