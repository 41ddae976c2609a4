package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultConfidence     = 95
)

var (
	errMissingEndpoint     = errors.New("endpoint required")
	errMissingAPIKey       = errors.New("api key required")
	errEmptyImage          = errors.New("detection: image bytes required")
	ErrInvalidClientConfig = errors.New("detection: invalid client config")
)

// Result relays the inference outcome. Predictions are passed through as raw
// JSON without local schema validation.
type Result struct {
	AccidentDetected bool              `json:"accidentDetected"`
	Predictions      []json.RawMessage `json:"predictions"`
}

// ClientConfig bundles configuration for the inference API client.
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Confidence int
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client proxies base64-encoded images to the external inference API.
type Client struct {
	endpoint   string
	apiKey     string
	confidence int
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs an inference client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingEndpoint)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAPIKey)
	}

	confidence := cfg.Confidence
	if confidence <= 0 {
		confidence = defaultConfidence
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
		endpoint:   endpoint,
		apiKey:     apiKey,
		confidence: confidence,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type inferenceResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
}

// Detect submits the image in a single synchronous pass and relays the
// prediction list. The detected flag is true iff the list is non-empty.
func (c *Client) Detect(ctx context.Context, imageBytes []byte) (Result, error) {
	if len(imageBytes) == 0 {
		return Result{}, errEmptyImage
	}

	query := url.Values{}
	query.Set("api_key", c.apiKey)
	query.Set("confidence", strconv.Itoa(c.confidence))
	endpoint := c.endpoint + "?" + query.Encode()

	encoded := base64.StdEncoding.EncodeToString(imageBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detection: inference request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, response.Body)
		return Result{}, fmt.Errorf("detection: inference returned status %d", response.StatusCode)
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("detection: decode inference response: %w", err)
	}

	predictions := parsed.Predictions
	if predictions == nil {
		predictions = []json.RawMessage{}
	}

	c.logger.Debug("inference response received", zap.Int("predictions", len(predictions)))

	return Result{
		AccidentDetected: len(predictions) > 0,
		Predictions:      predictions,
	}, nil
}
