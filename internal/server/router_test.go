package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/civicwatch/backend/internal/auth"
	"github.com/civicwatch/backend/internal/detection"
	"github.com/civicwatch/backend/internal/identity"
	"github.com/civicwatch/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubVerifier struct {
	claims auth.SessionClaims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	return s.claims, nil
}

type stubRevoker struct {
	err     error
	revoked []string
}

func (s *stubRevoker) RevokeSession(_ context.Context, sessionID string) error {
	s.revoked = append(s.revoked, sessionID)
	return s.err
}

type stubDetector struct {
	result detection.Result
	err    error
	images [][]byte
}

func (s *stubDetector) Detect(_ context.Context, imageBytes []byte) (detection.Result, error) {
	s.images = append(s.images, imageBytes)
	if s.err != nil {
		return detection.Result{}, s.err
	}
	return s.result, nil
}

type stubIdentityProvider struct {
	profile identity.UserProfile
	err     error
}

func (s stubIdentityProvider) GetUser(context.Context, string) (identity.UserProfile, error) {
	if s.err != nil {
		return identity.UserProfile{}, s.err
	}
	return s.profile, nil
}

type testDependencies struct {
	verifier stubVerifier
	revoker  *stubRevoker
	detector *stubDetector
	provider stubIdentityProvider
}

func newTestHandler(t *testing.T, deps testDependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Provider: deps.provider})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}

	if deps.revoker == nil {
		deps.revoker = &stubRevoker{}
	}
	if deps.detector == nil {
		deps.detector = &stubDetector{}
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionVerifier: deps.verifier,
		SessionRevoker:  deps.revoker,
		UsersService:    usersService,
		Detector:        deps.detector,
		MaxUploadBytes:  1 << 20,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return handler
}

func multipartImage(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(uploadFormField, filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestHandleMeReturnsSyncedProfile(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123", SessionID: "sess_456"}},
		provider: stubIdentityProvider{profile: identity.UserProfile{
			ID:         "user_123",
			Email:      "jane@example.com",
			GivenName:  "Jane",
			FamilyName: "Doe",
		}},
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/auth/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer valid-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Success bool `json:"success"`
		User    struct {
			ID          uint   `json:"id"`
			ExternalID  string `json:"externalIdentityId"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
			Points      int64  `json:"points"`
		} `json:"user"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !payload.Success {
		t.Fatalf("expected success response")
	}
	if payload.User.ExternalID != "user_123" {
		t.Fatalf("unexpected external id %q", payload.User.ExternalID)
	}
	if payload.User.DisplayName != "Jane Doe" {
		t.Fatalf("unexpected display name %q", payload.User.DisplayName)
	}
	if payload.User.Points != 0 {
		t.Fatalf("unexpected points %d", payload.User.Points)
	}
}

func TestHandleMeRequiresAuthorization(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/auth/me", http.NoBody)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
}

func TestHandleMeRejectsInvalidToken(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{err: errors.New("signature mismatch")},
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/auth/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer bad-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
}

func TestHandleMeConvertsProviderFailureToGenericError(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
		provider: stubIdentityProvider{err: errors.New("provider unreachable")},
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/auth/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer valid-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["error"] != "profile_sync_failed" {
		t.Fatalf("unexpected error payload %v", payload)
	}
	if _, leaked := payload["detail"]; leaked {
		t.Fatalf("internal detail leaked to client: %v", payload)
	}
}

func TestHandleLogoutRevokesSession(t *testing.T) {
	revoker := &stubRevoker{}
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123", SessionID: "sess_456"}},
		revoker:  revoker,
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/auth/logout", http.NoBody)
	request.Header.Set("Authorization", "Bearer valid-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	if len(revoker.revoked) != 1 || revoker.revoked[0] != "sess_456" {
		t.Fatalf("expected session revocation call, got %v", revoker.revoked)
	}
}

func TestHandleLogoutSucceedsWithoutSessionID(t *testing.T) {
	revoker := &stubRevoker{}
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
		revoker:  revoker,
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/auth/logout", http.NoBody)
	request.Header.Set("Authorization", "Bearer valid-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	if len(revoker.revoked) != 0 {
		t.Fatalf("expected no revocation call, got %v", revoker.revoked)
	}
}

func TestHandleLogoutReportsSoftFailure(t *testing.T) {
	revoker := &stubRevoker{err: errors.New("revocation unavailable")}
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123", SessionID: "sess_456"}},
		revoker:  revoker,
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/auth/logout", http.NoBody)
	request.Header.Set("Authorization", "Bearer valid-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Success {
		t.Fatalf("expected success false on revocation failure")
	}
	if payload.Error == "" {
		t.Fatalf("expected error message in payload")
	}
}

func TestHandleDetectRelaysInferenceResult(t *testing.T) {
	detector := &stubDetector{result: detection.Result{
		AccidentDetected: true,
		Predictions:      []json.RawMessage{json.RawMessage(`{"class":"accident","confidence":0.97}`)},
	}}
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
		detector: detector,
	})

	imageBytes := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	body, contentType := multipartImage(t, "crash.jpg", imageBytes)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", body)
	request.Header.Set("Authorization", "Bearer valid-token")
	request.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d: %s", recorder.Code, recorder.Body.String())
	}

	if len(detector.images) != 1 || !bytes.Equal(detector.images[0], imageBytes) {
		t.Fatalf("detector did not receive the uploaded bytes")
	}

	var payload struct {
		AccidentDetected bool              `json:"accidentDetected"`
		Predictions      []json.RawMessage `json:"predictions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !payload.AccidentDetected {
		t.Fatalf("expected accident flag set")
	}
	if len(payload.Predictions) != 1 {
		t.Fatalf("expected one prediction, got %d", len(payload.Predictions))
	}
}

func TestHandleDetectRequiresAuthorization(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
	})

	body, contentType := multipartImage(t, "crash.jpg", []byte("image"))
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", body)
	request.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
}

func TestHandleDetectRequiresImageField(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", http.NoBody)
	request.Header.Set("Authorization", "Bearer valid-token")
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
}

func TestHandleDetectRejectsUnsupportedFormat(t *testing.T) {
	detector := &stubDetector{}
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
		detector: detector,
	})

	body, contentType := multipartImage(t, "malware.exe", []byte("image"))
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", body)
	request.Header.Set("Authorization", "Bearer valid-token")
	request.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	if len(detector.images) != 0 {
		t.Fatalf("detector should not run for rejected uploads")
	}
}

func TestHandleDetectRejectsOversizedUpload(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
	})

	oversized := bytes.Repeat([]byte{0xAB}, (1<<20)+1)
	body, contentType := multipartImage(t, "crash.jpg", oversized)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", body)
	request.Header.Set("Authorization", "Bearer valid-token")
	request.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
}

func TestHandleDetectBoundsRequestBodyBeforeParsing(t *testing.T) {
	detector := &stubDetector{}
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
		detector: detector,
	})

	// Far past the limit plus envelope slack, so the body reader trips
	// during multipart parsing rather than the per-file size check.
	hostile := bytes.Repeat([]byte{0xAB}, 2<<20)
	body, contentType := multipartImage(t, "crash.jpg", hostile)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", body)
	request.Header.Set("Authorization", "Bearer valid-token")
	request.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["error"] != "image exceeds upload limit" {
		t.Fatalf("unexpected error payload %v", payload)
	}
	if len(detector.images) != 0 {
		t.Fatalf("detector should not run for rejected uploads")
	}
}

func TestHandleDetectConvertsInferenceFailureToGenericError(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{claims: auth.SessionClaims{Subject: "user_123"}},
		detector: &stubDetector{err: errors.New("inference timed out")},
	})

	body, contentType := multipartImage(t, "crash.jpg", []byte("image"))
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/detect", body)
	request.Header.Set("Authorization", "Bearer valid-token")
	request.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["error"] != "detection_failed" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	handler := newTestHandler(t, testDependencies{
		verifier: stubVerifier{err: errors.New("should not be consulted")},
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
}
