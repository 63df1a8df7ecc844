package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/engagement"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey       = "murmur_user_id"
	accessTokenQueryParam  = "access_token"
	notificationSocketPath = "/notifications/ws"
	defaultHeartbeatPeriod = 25 * time.Second
)

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingStore          = errors.New("document store dependency required")
	errMissingUsersService   = errors.New("users service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, identity auth.BackendIdentity) (string, int64, error)
	ValidateToken(token string) (auth.BackendIdentity, error)
}

// SessionValidator authenticates requests carrying the external session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface. SessionValidator, Emitter and Realtime are optional.
type Dependencies struct {
	GoogleVerifier   GoogleVerifier
	TokenManager     BackendTokenManager
	SessionValidator SessionValidator
	Store            docstore.Store
	Users            *users.Service
	Notifications    *notifications.Service
	Emitter          engagement.Emitter
	Synchronizer     engagement.Config
	SessionIdleTTL   time.Duration
	AllowedOrigins   []string
	Realtime         *RealtimeDispatcher
	HeartbeatPeriod  time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	notificationService := deps.Notifications
	if notificationService == nil {
		service, err := notifications.NewService(notifications.ServiceConfig{Store: deps.Store, Profiles: deps.Users, Logger: logger})
		if err != nil {
			return nil, err
		}
		notificationService = service
	}
	emitter := deps.Emitter
	if emitter == nil {
		storeEmitter, err := notifications.NewEmitter(notifications.EmitterConfig{Store: deps.Store, Logger: logger})
		if err != nil {
			return nil, err
		}
		emitter = storeEmitter
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	synchronizerConfig := deps.Synchronizer
	synchronizerConfig.Store = deps.Store
	synchronizerConfig.Emitter = publishingEmitter{emitter: emitter, dispatcher: dispatcher, clock: clock}
	synchronizerConfig.Notifications = notificationService
	synchronizerConfig.Logger = logger
	registry := newSynchronizerRegistry(func() (*engagement.Synchronizer, error) {
		return engagement.NewSynchronizer(synchronizerConfig)
	}, deps.SessionIdleTTL, clock)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		verifier:      deps.GoogleVerifier,
		tokens:        deps.TokenManager,
		sessions:      deps.SessionValidator,
		users:         deps.Users,
		notifications: notificationService,
		synchronizers: registry,
		realtime:      dispatcher,
		origins:       deps.AllowedOrigins,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleGetMe)
	protected.PATCH("/me", handler.handleUpdateMe)

	protected.GET("/users/search", handler.handleSearchUsers)
	protected.GET("/users/by-username/:username", handler.handleLookupUsername)
	protected.GET("/users/:id", handler.handleGetProfile)
	protected.GET("/users/:id/followers", handler.handleListFollowers)
	protected.GET("/users/:id/following", handler.handleListFollowing)
	protected.GET("/users/:id/posts", handler.handleProfilePosts)
	protected.POST("/users/:id/follow", handler.handleToggleFollow)

	protected.GET("/feed", handler.handleFeed)
	protected.POST("/posts", handler.handleCreatePost)
	protected.DELETE("/posts/:id", handler.handleDeletePost)
	protected.POST("/posts/:id/like", handler.handleToggleLike)
	protected.POST("/posts/:id/comments", handler.handleAddComment)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/read", handler.handleMarkAllRead)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.GET("/notifications/stream", handler.handleNotificationStream)

	return &frontHandler{router: router, socket: handler.serveNotificationSocket}, nil
}

// frontHandler serves the websocket route on the raw connection writer, since gin will not
// hijack a writer that already sent its status, and everything else through gin.
type frontHandler struct {
	router *gin.Engine
	socket http.HandlerFunc
}

func (f *frontHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == notificationSocketPath {
		f.socket(w, r)
		return
	}
	f.router.ServeHTTP(w, r)
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	verifier      GoogleVerifier
	tokens        BackendTokenManager
	sessions      SessionValidator
	users         *users.Service
	notifications *notifications.Service
	synchronizers *synchronizerRegistry
	realtime      *RealtimeDispatcher
	origins       []string
	heartbeat     time.Duration
	logger        *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	User        users.Profile `json:"user"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.ensureUser(c.Request.Context(), claims.Principal())
	if err != nil {
		h.logger.Error("failed to resolve user", zap.String("subject", claims.Subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), auth.BackendIdentity{
		UserID:      profile.ID,
		DisplayName: profile.Username,
		AvatarURL:   profile.ProfilePic,
	})
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        profile,
	})
}

func (h *httpHandler) ensureUser(ctx context.Context, principal auth.Principal) (users.Profile, error) {
	userID, err := h.users.ResolveCanonicalUserID(ctx, principal)
	if err != nil {
		return users.Profile{}, err
	}
	return h.users.EnsureProfile(ctx, userID, principal)
}

// authorizeRequest accepts a bearer token, an access_token query parameter for browser
// streams, or the external session cookie.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, err := h.authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauthorizedMessage(err)})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// authenticate resolves the canonical user id behind a request's credentials.
func (h *httpHandler) authenticate(r *http.Request) (string, error) {
	token, hasToken := bearerToken(r)
	if !hasToken && h.sessions != nil {
		return h.authenticateSession(r)
	}
	if token == "" {
		return "", errInvalidAuthorization
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", err
	}
	return identity.UserID, nil
}

func (h *httpHandler) authenticateSession(r *http.Request) (string, error) {
	claims, err := h.sessions.ValidateRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		return "", err
	}
	profile, err := h.ensureUser(r.Context(), claims.Principal())
	if err != nil {
		h.logger.Error("failed to resolve session user", zap.Error(err))
		return "", err
	}
	return profile.ID, nil
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, errInvalidAuthorization) {
		return errInvalidAuthorization.Error()
	}
	return "unauthorized"
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", true
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam)); token != "" {
		return token, true
	}
	return "", false
}

// currentUser builds the acting session from the authenticated user's stored profile.
func (h *httpHandler) currentUser(c *gin.Context) (engagement.Session, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return engagement.Session{}, false
	}
	session := engagement.Session{UserID: userID}
	profile, err := h.users.GetProfile(c.Request.Context(), userID)
	switch {
	case err == nil:
		session.DisplayName = profile.Username
		session.AvatarURL = profile.ProfilePic
	case !errors.Is(err, users.ErrProfileNotFound):
		h.logger.Warn("session profile lookup failed", zap.String("user_id", userID), zap.Error(err))
	}
	return session, true
}

func (h *httpHandler) synchronizerFor(c *gin.Context, session engagement.Session) (*engagement.Synchronizer, bool) {
	synchronizer, err := h.synchronizers.acquire(session.UserID)
	if err != nil {
		h.logger.Error("failed to construct synchronizer", zap.String("user_id", session.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "synchronizer_unavailable"})
		return nil, false
	}
	return synchronizer, true
}

type codedError interface {
	Code() string
}

type retryableError interface {
	Retryable() bool
}

// respondError maps domain failures onto HTTP statuses. Remote failures are reported as
// retryable so clients can offer a retry action.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, engagement.ErrAuthorization), errors.Is(err, notifications.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, engagement.ErrValidation), errors.Is(err, users.ErrInvalidProfile):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engagement.ErrNotFound), errors.Is(err, notifications.ErrNotFound), errors.Is(err, users.ErrProfileNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, users.ErrUsernameTaken):
		status, code = http.StatusConflict, "username_taken"
	case errors.Is(err, engagement.ErrRemote), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "remote_unavailable"
	}

	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	retryable := status == http.StatusServiceUnavailable
	var retry retryableError
	if errors.As(err, &retry) {
		retryable = retry.Retryable()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "retryable": retryable})
}
