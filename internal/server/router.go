package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/civicwatch/backend/internal/auth"
	"github.com/civicwatch/backend/internal/detection"
	"github.com/civicwatch/backend/internal/logging"
	"github.com/civicwatch/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	externalIDContextKey = "civicwatch_external_id"
	sessionIDContextKey  = "civicwatch_session_id"

	uploadFormField = "image"
)

const defaultMaxUploadBytes = 10 << 20

var (
	errMissingSessionVerifier = errors.New("session verifier dependency required")
	errMissingUsersService    = errors.New("users service dependency required")
	errMissingDetector        = errors.New("detector dependency required")
	errMissingSessionRevoker  = errors.New("session revoker dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// allowedUploadExtensions mirrors the formats the detection model accepts.
var allowedUploadExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".jfif": {},
}

type SessionVerifier interface {
	Verify(ctx context.Context, token string) (auth.SessionClaims, error)
}

type SessionRevoker interface {
	RevokeSession(ctx context.Context, sessionID string) error
}

type Detector interface {
	Detect(ctx context.Context, imageBytes []byte) (detection.Result, error)
}

type Dependencies struct {
	SessionVerifier SessionVerifier
	SessionRevoker  SessionRevoker
	UsersService    *users.Service
	Detector        Detector
	MaxUploadBytes  int64
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionVerifier == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.SessionRevoker == nil {
		return nil, errMissingSessionRevoker
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.Detector == nil {
		return nil, errMissingDetector
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:       deps.SessionVerifier,
		revoker:        deps.SessionRevoker,
		usersService:   deps.UsersService,
		detector:       deps.Detector,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/api/auth/me", handler.handleMe)
	protected.POST("/api/auth/logout", handler.handleLogout)
	protected.POST("/detect", handler.handleDetect)

	return router, nil
}

type httpHandler struct {
	verifier       SessionVerifier
	revoker        SessionRevoker
	usersService   *users.Service
	detector       Detector
	maxUploadBytes int64
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type userPayload struct {
	ID          uint   `json:"id"`
	ExternalID  string `json:"externalIdentityId"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	Points      int64  `json:"points"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	externalID := c.GetString(externalIDContextKey)
	if externalID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.usersService.SyncProfile(c.Request.Context(), externalID)
	if err != nil {
		opLogger := logging.WithOperation(h.logger, "auth.sync_profile", "")
		opLogger.Error("profile sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_sync_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": userPayload{
			ID:          profile.ID,
			ExternalID:  profile.ExternalID,
			DisplayName: profile.DisplayName,
			Email:       profile.Email,
			Points:      profile.Points,
		},
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	sessionID := c.GetString(sessionIDContextKey)
	if sessionID == "" {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if err := h.revoker.RevokeSession(c.Request.Context(), sessionID); err != nil {
		// Soft failure: the caller still terminates the session locally.
		h.logger.Warn("session revocation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "logout_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// uploadEnvelopeSlack allows for multipart boundaries and part headers on top
// of the image payload when bounding the request body.
const uploadEnvelopeSlack = 64 << 10

func (h *httpHandler) handleDetect(c *gin.Context) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(h.logger, "detect.proxy", requestID)

	// Bound the body before multipart parsing so a hostile upload cannot
	// consume memory or disk past the configured limit.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+uploadEnvelopeSlack)

	fileHeader, err := c.FormFile(uploadFormField)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image exceeds upload limit"})
		return
	}
	extension := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if _, ok := allowedUploadExtensions[extension]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image format"})
		return
	}

	scratchPath := filepath.Join(os.TempDir(), requestID+extension)
	if err := c.SaveUploadedFile(fileHeader, scratchPath); err != nil {
		opLogger.Error("failed to store upload", zap.Error(logging.NewOperationError("detect.store_upload", requestID, err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	defer func() {
		if removeErr := os.Remove(scratchPath); removeErr != nil {
			opLogger.Warn("failed to remove upload scratch file", zap.Error(removeErr))
		}
	}()

	imageBytes, err := os.ReadFile(scratchPath)
	if err != nil {
		opLogger.Error("failed to read upload", zap.Error(logging.NewOperationError("detect.read_upload", requestID, err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	result, err := h.detector.Detect(c.Request.Context(), imageBytes)
	if err != nil {
		opLogger.Error("inference call failed", zap.Error(logging.NewOperationError("detect.inference", requestID, err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "detection_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("session token verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(externalIDContextKey, claims.Subject)
	c.Set(sessionIDContextKey, claims.SessionID)
	c.Next()
}
