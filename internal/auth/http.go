package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAuthenticator posts {"email","password"} to an external endpoint and
// accepts the login on a 200 response.
type HTTPAuthenticator struct {
	url    string
	domain string
	client *http.Client
}

func NewHTTPAuthenticator(url, domain string, client *http.Client) *HTTPAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthenticator{url: url, domain: domain, client: client}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}

	body, err := json.Marshal(credentials{Email: QualifyUsername(username, a.domain), Password: password})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return false, nil
	}
}
