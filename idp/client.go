// Package idp is the HTTP client for the platform's identity provider
// facade: login, validation, refresh, logout and profile endpoints.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Timeouts bounds each operation separately: login is the longest round
// trip, logout is fire-and-forget, refresh sits in between.
type Timeouts struct {
	Login    time.Duration
	Validate time.Duration
	Refresh  time.Duration
	Logout   time.Duration
	Profile  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Login:    30 * time.Second,
		Validate: 30 * time.Second,
		Refresh:  15 * time.Second,
		Logout:   5 * time.Second,
		Profile:  30 * time.Second,
	}
}

// Client talks to the identity provider. It reports transport outcomes
// as-is (StatusError or wrapped network errors) and leaves user-facing
// classification to the session coordinator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeouts   Timeouts
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeouts(timeouts Timeouts) ClientOption {
	return func(c *Client) {
		c.timeouts = timeouts
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		timeouts:   DefaultTimeouts(),
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

// Login posts form-encoded credentials. The totp field is only included
// when supplied so the provider can distinguish "no code" from "bad code".
func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", req.Username)
	form.Set("password", req.Password)
	if req.OTP != "" {
		form.Set("totp", req.OTP)
	}
	if req.RememberMe {
		form.Set("remember_me", "true")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Login)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Login] build request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-Request-ID", requestID("login"))

	var tokenResponse TokenResponse
	if err := c.do(httpReq, &tokenResponse); err != nil {
		return nil, err
	}
	return &tokenResponse, nil
}

// Validate asks the provider whether the access token is still active.
func (c *Client) Validate(ctx context.Context, accessToken string) (*ValidateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Validate)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/validate", nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Validate] build request")
	}
	setBearer(httpReq, accessToken)
	httpReq.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	httpReq.Header.Set("X-Request-ID", requestID("validate"))

	var validateResponse ValidateResponse
	if err := c.do(httpReq, &validateResponse); err != nil {
		return nil, err
	}
	return &validateResponse, nil
}

// Refresh exchanges the refresh token for fresh credentials.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Refresh] marshal body")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Refresh)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Refresh] build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID("refresh"))

	var tokenResponse TokenResponse
	if err := c.do(httpReq, &tokenResponse); err != nil {
		return nil, err
	}
	return &tokenResponse, nil
}

// Logout tells the provider to invalidate the session. The response body is
// ignored; callers treat any failure as best-effort.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Logout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logout", nil)
	if err != nil {
		return errors.Wrap(err, "[Client.Logout] build request")
	}
	setBearer(httpReq, accessToken)
	httpReq.Header.Set("X-Request-ID", requestID("logout"))

	return c.do(httpReq, nil)
}

// Profile fetches the raw profile record. Attribute shapes vary (arrays vs
// scalars); normalization lives in the users package.
func (c *Client) Profile(ctx context.Context, accessToken string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Profile)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile", nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Profile] build request")
	}
	setBearer(httpReq, accessToken)
	httpReq.Header.Set("X-Request-ID", requestID("profile"))

	var raw map[string]any
	if err := c.do(httpReq, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// UpdateProfile PUTs a Keycloak-shaped profile update.
func (c *Client) UpdateProfile(ctx context.Context, accessToken string, update any) error {
	body, err := json.Marshal(update)
	if err != nil {
		return errors.Wrap(err, "[Client.UpdateProfile] marshal body")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Profile)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/user-profile", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "[Client.UpdateProfile] build request")
	}
	setBearer(httpReq, accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID("update-profile"))

	return c.do(httpReq, nil)
}

// ChangePassword posts an old/new password pair for the current user.
func (c *Client) ChangePassword(ctx context.Context, accessToken string, change PasswordChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return errors.Wrap(err, "[Client.ChangePassword] marshal body")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Profile)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/change-password", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "[Client.ChangePassword] build request")
	}
	setBearer(httpReq, accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID("change-password"))

	return c.do(httpReq, nil)
}

// do executes the request and decodes a 2xx body into out (when non-nil).
// Non-2xx becomes a StatusError with whatever message the body held.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[Client] %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return newStatusError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "[Client] decode %s response", req.URL.Path)
	}
	return nil
}

func setBearer(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
}

// requestID tags every call for backend log correlation.
func requestID(operation string) string {
	return fmt.Sprintf("%s_%s", operation, uuid.NewString())
}
