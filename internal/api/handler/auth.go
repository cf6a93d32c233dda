package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/auth"
)

// AuthHandler exchanges the operator secret for an admin token.
type AuthHandler struct {
	tokens      *auth.TokenIssuer
	adminSecret string
	adminHash   string
	logger      *zap.Logger
}

// NewAuthHandler creates an AuthHandler. hash, when set, is a bcrypt hash
// of the secret and takes precedence over the plain value.
func NewAuthHandler(tokens *auth.TokenIssuer, secret, hash string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, adminSecret: secret, adminHash: hash, logger: logger}
}

// Register mounts the routes.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.Token)
}

type tokenRequest struct {
	Secret  string `json:"secret" binding:"required"`
	Subject string `json:"subject"`
}

// Token handles POST /auth/token.
func (h *AuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}

	if err := auth.CheckSecret(h.adminSecret, h.adminHash, req.Secret); err != nil {
		if !errors.Is(err, auth.ErrBadSecret) {
			h.logger.Error("check admin secret", zap.Error(err))
		}
		h.logger.Warn("admin token denied", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	subject := req.Subject
	if subject == "" {
		subject = "admin"
	}
	token, exp, err := h.tokens.IssueAdminToken(subject)
	if err != nil {
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": exp,
	})
}
