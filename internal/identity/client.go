package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var (
	errMissingBaseURL      = errors.New("base url required")
	errMissingSecretKey    = errors.New("secret key required")
	errMissingUserID       = errors.New("user id required")
	errMissingSessionID    = errors.New("session id required")
	ErrInvalidClientConfig = errors.New("identity: invalid client config")
)

// UserProfile holds the provider-side profile fields consumed by the sync flow.
type UserProfile struct {
	ID         string
	Email      string
	GivenName  string
	FamilyName string
}

// ClientConfig bundles configuration for the provider backend API client.
type ClientConfig struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client calls the identity provider's backend API with a secret key credential.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a provider API client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingSecretKey)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type userDocument struct {
	ID             string `json:"id"`
	GivenName      string `json:"first_name"`
	FamilyName     string `json:"last_name"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

// GetUser fetches the profile for the provided external user id.
func (c *Client) GetUser(ctx context.Context, userID string) (UserProfile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserProfile{}, errMissingUserID
	}

	endpoint := fmt.Sprintf("%s/v1/users/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return UserProfile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return UserProfile{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return UserProfile{}, fmt.Errorf("user lookup returned status %d", response.StatusCode)
	}

	var document userDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return UserProfile{}, err
	}

	profile := UserProfile{
		ID:         document.ID,
		GivenName:  strings.TrimSpace(document.GivenName),
		FamilyName: strings.TrimSpace(document.FamilyName),
	}
	if len(document.EmailAddresses) > 0 {
		profile.Email = strings.TrimSpace(document.EmailAddresses[0].EmailAddress)
	}

	c.logger.Debug("provider profile fetched",
		zap.String("user_id", userID),
		zap.Bool("email_present", profile.Email != ""))

	return profile, nil
}

// RevokeSession asks the provider to invalidate the given session.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errMissingSessionID
	}

	endpoint := fmt.Sprintf("%s/v1/sessions/%s/revoke", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("session revocation returned status %d", response.StatusCode)
	}

	return nil
}
