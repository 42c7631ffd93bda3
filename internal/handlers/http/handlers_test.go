package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCall struct {
	channel  domain.ChannelID
	joinErr  error
	muted    bool
	opResult bool
	speaker  *domain.UserID
	peers    []domain.UserID
	healthy  bool
	joinedAs bool
}

func (f *fakeCall) Join(_ context.Context, ch domain.ChannelID, video bool) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	if f.channel != "" {
		return domain.ErrAlreadyInChannel
	}
	f.channel, f.joinedAs = ch, video
	return nil
}

func (f *fakeCall) Leave(context.Context) error {
	if f.channel == "" {
		return domain.ErrNotInChannel
	}
	f.channel = ""
	return nil
}

func (f *fakeCall) ToggleMute(context.Context) bool {
	if f.opResult {
		f.muted = !f.muted
	}
	return f.opResult
}

func (f *fakeCall) ToggleVideo(context.Context) bool      { return f.opResult }
func (f *fakeCall) StartScreenShare(context.Context) bool { return f.opResult }
func (f *fakeCall) StopScreenShare(context.Context) bool  { return f.opResult }
func (f *fakeCall) InChannel() bool                       { return f.channel != "" }
func (f *fakeCall) ChannelID() domain.ChannelID           { return f.channel }
func (f *fakeCall) Peers() []domain.UserID                { return f.peers }
func (f *fakeCall) ActiveSpeaker() *domain.UserID         { return f.speaker }
func (f *fakeCall) IsMuted() bool                         { return f.muted }
func (f *fakeCall) IsVideoEnabled() bool                  { return false }
func (f *fakeCall) VideoKind() domain.TrackKind           { return domain.TrackKindNone }

func (f *fakeCall) PeerQuality(domain.UserID) *domain.ConnectionQuality {
	return &domain.ConnectionQuality{Tier: domain.QualityGood}
}

func (f *fakeCall) ICEStats(id domain.UserID) (domain.ICEStats, bool) {
	if id == "bob" {
		return domain.ICEStats{TURNOnly: true}, true
	}
	return domain.ICEStats{}, false
}

func (f *fakeCall) PerformHealthCheck() *domain.HealthReport {
	return &domain.HealthReport{Healthy: f.healthy, Peers: map[domain.UserID]*domain.PeerHealth{}}
}

func newRouter(t *testing.T, setup func(gin.IRouter)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	setup(router)
	return router
}

func do(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) CallStatus {
	t.Helper()
	var st CallStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func TestCallHandler_JoinAndLeave(t *testing.T) {
	call := &fakeCall{peers: []domain.UserID{"alice", "bob"}}
	router := newRouter(t, NewCallHandler(call).SetupRoutes)

	w := do(router, http.MethodPost, "/api/v1/call/join", JoinRequest{ChannelID: "room-1", VideoEnabled: true})
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeStatus(t, w)
	assert.True(t, st.InChannel)
	assert.Equal(t, domain.ChannelID("room-1"), st.ChannelID)
	assert.True(t, call.joinedAs)
	require.Len(t, st.Peers, 2)
	assert.Nil(t, st.Peers[0].ICE)
	require.NotNil(t, st.Peers[1].ICE)
	assert.True(t, st.Peers[1].ICE.TURNOnly)

	w = do(router, http.MethodPost, "/api/v1/call/join", JoinRequest{ChannelID: "room-2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/api/v1/call/leave", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeStatus(t, w).InChannel)

	w = do(router, http.MethodPost, "/api/v1/call/leave", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCallHandler_JoinErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		joinErr  error
		wantCode int
	}{
		{name: "missing channel", body: map[string]any{}, wantCode: http.StatusBadRequest},
		{name: "invalid channel", body: JoinRequest{ChannelID: "a|b"}, wantCode: http.StatusBadRequest},
		{name: "media permission", body: JoinRequest{ChannelID: "room"}, joinErr: apperrors.NewMediaError(apperrors.ErrCodePermissionDenied, nil), wantCode: http.StatusForbidden},
		{name: "device busy", body: JoinRequest{ChannelID: "room"}, joinErr: apperrors.NewMediaError(apperrors.ErrCodeDeviceBusy, nil), wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(t, NewCallHandler(&fakeCall{joinErr: tt.joinErr}).SetupRoutes)
			w := do(router, http.MethodPost, "/api/v1/call/join", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestCallHandler_TrackOps(t *testing.T) {
	call := &fakeCall{}
	router := newRouter(t, NewCallHandler(call).SetupRoutes)

	w := do(router, http.MethodPost, "/api/v1/call/mute", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "outside a channel")

	call.channel = "room"
	call.opResult = true
	w = do(router, http.MethodPost, "/api/v1/call/mute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeStatus(t, w).Muted)

	call.opResult = false
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/call/video"},
		{http.MethodPost, "/api/v1/call/screen-share"},
		{http.MethodDelete, "/api/v1/call/screen-share"},
	} {
		w = do(router, route.method, route.path, nil)
		assert.Equal(t, http.StatusConflict, w.Code, route.path)
	}
}

func TestCallHandler_Health(t *testing.T) {
	call := &fakeCall{healthy: true}
	router := newRouter(t, NewCallHandler(call).SetupRoutes)

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/call/health", nil).Code)
	call.healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/api/v1/call/health", nil).Code)
}

func TestAuthHandler_Guest(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	router := newRouter(t, NewAuthHandler(auth, 3600).SetupRoutes)

	w := do(router, http.MethodPost, "/api/v1/auth/guest", GuestRequest{Username: "  Zoë  "})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Zoë", resp.Username)
	assert.NotEmpty(t, resp.UserID)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, claims.UserID)

	w = do(router, http.MethodPost, "/api/v1/auth/guest", GuestRequest{Username: "Bob", UserID: "bob-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.UserID("bob-1"), resp.UserID)
}

func TestAuthHandler_GuestRejectsBadInput(t *testing.T) {
	router := newRouter(t, NewAuthHandler(services.NewAuthService("secret", time.Hour), 3600).SetupRoutes)

	tests := []struct {
		name string
		body any
	}{
		{"missing username", map[string]any{}},
		{"blank username", GuestRequest{Username: "   "}},
		{"bad user id", GuestRequest{Username: "Bob", UserID: "bob|1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/api/v1/auth/guest", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_INPUT")
		})
	}
}
