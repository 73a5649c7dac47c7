// Package userapi talks to the external User Profile and Terms and
// Conditions APIs.
package userapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/metrics"
	"github.com/alexjbarnes/authgate/internal/models"
	"github.com/tidwall/gjson"
)

const headerServerToken = "X-SERVER-TOKEN"

// TokenSource supplies the server-admin token presented to the User API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Renew(ctx context.Context) (string, error)
}

// Client talks to the User Profile API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates a User API client. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

// encodeEmail is the path form of an email address.
func encodeEmail(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(email))
}

// do sends the request with the current server token. On 401 or 403 the
// token is renewed and the request is sent once more.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("getting server token: %w", err)
	}

	status, respBody, err := c.send(ctx, method, endpoint, body, token)
	if err != nil {
		return 0, nil, err
	}

	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return status, respBody, nil
	}

	c.logger.Info("user api rejected server token, renewing",
		slog.String("endpoint", endpoint),
		slog.Int("status", status),
	)
	metrics.UpstreamRetries.WithLabelValues("user").Inc()

	token, err = c.tokens.Renew(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("renewing server token: %w", err)
	}

	return c.send(ctx, method, endpoint, body, token)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte, token string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(headerServerToken, token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %w", autherr.ErrAPIRequest, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	return resp.StatusCode, respBody, nil
}

// apiError builds the error for an unexpected status.
func apiError(endpoint string, status int, body []byte) error {
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return fmt.Errorf("%w: %s (%d): %s", autherr.ErrAPIResponse, endpoint, status, msg)
	}

	return fmt.Errorf("%w: %s returned status %d", autherr.ErrAPIResponse, endpoint, status)
}

// GetUserProfile fetches the profile for email. A missing user is
// reported as an error wrapping ErrNotFound.
func (c *Client) GetUserProfile(ctx context.Context, email string) (*models.UserProfile, error) {
	endpoint := "/user/" + encodeEmail(email)

	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("user profile: %w", autherr.ErrNotFound)
	default:
		return nil, apiError(endpoint, status, body)
	}

	var p models.UserProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding user profile: %w", err)
	}

	if p.Email == "" {
		p.Email = email
	}

	return &p, nil
}

// UpdateLastLogin records a successful sign-in time on the profile.
func (c *Client) UpdateLastLogin(ctx context.Context, email string, at time.Time) error {
	endpoint := "/user/profile/" + encodeEmail(email) + "/lastLogin"

	payload, err := json.Marshal(map[string]string{
		"lastLogin": at.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}

	if status < 200 || status > 299 {
		return apiError(endpoint, status, body)
	}

	return nil
}
