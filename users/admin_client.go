package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/agroup/go-aula-client/idp"
)

// TokenSource supplies the current access token; the session store
// satisfies it.
type TokenSource interface {
	AccessToken() (string, bool)
}

// AdminClient administers student accounts. Only professors are authorized
// server-side; the client just forwards the bearer token.
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

func NewAdminClient(baseURL string, tokens TokenSource) *AdminClient {
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		tokens:     tokens,
	}
}

// List returns all students visible to the caller, normalized. With a
// non-empty createdBy the result is filtered to that professor's students.
func (c *AdminClient) List(ctx context.Context, createdBy string) ([]Profile, error) {
	var raw []map[string]any
	if err := c.do(ctx, http.MethodGet, "/users", nil, &raw); err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(raw))
	for _, record := range raw {
		profile := Normalize(record)
		if createdBy != "" && profile.CreatedBy != createdBy {
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// Create registers a new student account.
func (c *AdminClient) Create(ctx context.Context, p Profile, password string) error {
	return c.do(ctx, http.MethodPost, "/users", FormatForKeycloak(p, password), nil)
}

// Update overwrites a student's editable fields.
func (c *AdminClient) Update(ctx context.Context, userID string, p Profile) error {
	return c.do(ctx, http.MethodPut, "/users/"+userID, FormatForKeycloak(p, ""), nil)
}

// Delete removes a student account.
func (c *AdminClient) Delete(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+userID, nil, nil)
}

// ResetPassword sets a new password for a student account.
func (c *AdminClient) ResetPassword(ctx context.Context, userID, newPassword string) error {
	body := map[string]string{"password": newPassword}
	return c.do(ctx, http.MethodPost, "/users/"+userID+"/reset-password", body, nil)
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out any) error {
	accessToken, ok := c.tokens.AccessToken()
	if !ok {
		return errors.New("[AdminClient] no access token available")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "[AdminClient] marshal %s %s", method, path)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "[AdminClient] build %s %s", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[AdminClient] %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &idp.StatusError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "[AdminClient] decode %s response", path)
	}
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		return payload.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) < 100 {
		return text
	}
	return fmt.Sprintf("%.97s...", text)
}
