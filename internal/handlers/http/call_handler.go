package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"peerlink/internal/core/domain"
	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CallController is the slice of the session orchestrator the control API
// drives.
type CallController interface {
	Join(ctx context.Context, channelID domain.ChannelID, videoEnabled bool) error
	Leave(ctx context.Context) error
	ToggleMute(ctx context.Context) bool
	ToggleVideo(ctx context.Context) bool
	StartScreenShare(ctx context.Context) bool
	StopScreenShare(ctx context.Context) bool

	InChannel() bool
	ChannelID() domain.ChannelID
	Peers() []domain.UserID
	ActiveSpeaker() *domain.UserID
	IsMuted() bool
	IsVideoEnabled() bool
	VideoKind() domain.TrackKind
	PeerQuality(userID domain.UserID) *domain.ConnectionQuality
	ICEStats(userID domain.UserID) (domain.ICEStats, bool)
	PerformHealthCheck() *domain.HealthReport
}

// CallHandler exposes the local call over HTTP for a presentation layer.
type CallHandler struct {
	call CallController
}

func NewCallHandler(call CallController) *CallHandler {
	return &CallHandler{call: call}
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/call")
	{
		api.GET("", h.Status)
		api.POST("/join", h.Join)
		api.POST("/leave", h.Leave)
		api.POST("/mute", h.ToggleMute)
		api.POST("/video", h.ToggleVideo)
		api.POST("/screen-share", h.StartScreenShare)
		api.DELETE("/screen-share", h.StopScreenShare)
		api.GET("/health", h.Health)
	}
}

type PeerStatus struct {
	UserID  domain.UserID             `json:"userId"`
	Quality *domain.ConnectionQuality `json:"quality,omitempty"`
	ICE     *domain.ICEStats          `json:"ice,omitempty"`
}

type CallStatus struct {
	InChannel     bool             `json:"inChannel"`
	ChannelID     domain.ChannelID `json:"channelId,omitempty"`
	Muted         bool             `json:"muted"`
	VideoEnabled  bool             `json:"videoEnabled"`
	VideoKind     domain.TrackKind `json:"videoKind"`
	ActiveSpeaker *domain.UserID   `json:"activeSpeaker"`
	Peers         []PeerStatus     `json:"peers"`
}

func (h *CallHandler) status() CallStatus {
	st := CallStatus{
		InChannel:     h.call.InChannel(),
		ChannelID:     h.call.ChannelID(),
		Muted:         h.call.IsMuted(),
		VideoEnabled:  h.call.IsVideoEnabled(),
		VideoKind:     h.call.VideoKind(),
		ActiveSpeaker: h.call.ActiveSpeaker(),
		Peers:         []PeerStatus{},
	}
	for _, id := range h.call.Peers() {
		ps := PeerStatus{UserID: id, Quality: h.call.PeerQuality(id)}
		if ice, ok := h.call.ICEStats(id); ok {
			ps.ICE = &ice
		}
		st.Peers = append(st.Peers, ps)
	}
	return st
}

func (h *CallHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

type JoinRequest struct {
	ChannelID    string `json:"channelId" binding:"required"`
	VideoEnabled bool   `json:"videoEnabled"`
}

func (h *CallHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateChannelID(req.ChannelID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.call.Join(c.Request.Context(), domain.ChannelID(req.ChannelID), req.VideoEnabled); err != nil {
		if stderrors.Is(err, domain.ErrAlreadyInChannel) {
			c.Error(errors.Wrap(err, errors.ErrCodeConflict, "already in a channel"))
			return
		}
		if appErr := errors.GetAppError(err); appErr != nil {
			c.Error(appErr)
			return
		}
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to join channel"))
		return
	}
	c.JSON(http.StatusOK, h.status())
}

func (h *CallHandler) Leave(c *gin.Context) {
	if err := h.call.Leave(c.Request.Context()); err != nil {
		if stderrors.Is(err, domain.ErrNotInChannel) {
			c.Error(errors.Wrap(err, errors.ErrCodeConflict, "not in a channel"))
			return
		}
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to leave channel"))
		return
	}
	c.JSON(http.StatusOK, h.status())
}

// trackOp renders a track operation. Failures are reported to listeners
// as events; here they only turn into a 409 with the unchanged state.
func (h *CallHandler) trackOp(c *gin.Context, op func(context.Context) bool) {
	if !h.call.InChannel() {
		c.Error(errors.Wrap(domain.ErrNotInChannel, errors.ErrCodeConflict, "not in a channel"))
		return
	}
	code := http.StatusOK
	if !op(c.Request.Context()) {
		code = http.StatusConflict
	}
	c.JSON(code, h.status())
}

func (h *CallHandler) ToggleMute(c *gin.Context)       { h.trackOp(c, h.call.ToggleMute) }
func (h *CallHandler) ToggleVideo(c *gin.Context)      { h.trackOp(c, h.call.ToggleVideo) }
func (h *CallHandler) StartScreenShare(c *gin.Context) { h.trackOp(c, h.call.StartScreenShare) }
func (h *CallHandler) StopScreenShare(c *gin.Context)  { h.trackOp(c, h.call.StopScreenShare) }

func (h *CallHandler) Health(c *gin.Context) {
	report := h.call.PerformHealthCheck()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}
