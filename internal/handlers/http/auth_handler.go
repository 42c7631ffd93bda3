package http

import (
	"net/http"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues relay access tokens to guests. Deployments with their
// own identity provider mint tokens elsewhere and leave this off.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    int
}

func NewAuthHandler(authService services.AuthService, tokenTTLSeconds int) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTLSeconds,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/guest", h.Guest)
	}
}

type GuestRequest struct {
	Username string `json:"username" binding:"required,max=200"`
	// UserID lets a returning guest keep its identity. A fresh id is
	// generated when empty.
	UserID string `json:"user_id,omitempty" binding:"max=200"`
}

type TokenResponse struct {
	UserID      domain.UserID `json:"user_id"`
	Username    string        `json:"username"`
	AccessToken string        `json:"access_token"`
	ExpiresIn   int           `json:"expires_in"`
}

func (h *AuthHandler) Guest(c *gin.Context) {
	var req GuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.NewString()
	} else if err := validation.ValidateUserID(userID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(domain.UserID(userID), req.Username)
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		UserID:      domain.UserID(userID),
		Username:    req.Username,
		AccessToken: token,
		ExpiresIn:   h.tokenTTL,
	})
}
