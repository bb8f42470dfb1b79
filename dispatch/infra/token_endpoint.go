package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dispatch-gateway/dispatch/domain"
)

// TokenEndpoint troca a API key por um bearer token (uma tentativa por Fetch).
//
//	POST <URL> {"api_key": "..."} -> {"access_token": "...", "expires_in": <segundos>}
type TokenEndpoint struct {
	Client *http.Client
	URL    string
	APIKey string
	Now    func() time.Time
}

var _ domain.TokenSource = (*TokenEndpoint)(nil)

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   float64 `json:"expires_in"`
}

func (e *TokenEndpoint) Fetch(ctx context.Context) (domain.AccessToken, error) {
	payload, err := json.Marshal(tokenRequest{APIKey: e.APIKey})
	if err != nil {
		return domain.AccessToken{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return domain.AccessToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AccessToken{}, &domain.StatusError{StatusCode: resp.StatusCode, Body: snippet(data)}
	}

	var out tokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.AccessToken{}, &domain.DecodeError{Err: err}
	}
	if out.AccessToken == "" {
		return domain.AccessToken{}, &domain.DecodeError{Err: errors.New("access_token missing")}
	}
	if out.ExpiresIn <= 0 {
		return domain.AccessToken{}, &domain.DecodeError{Err: fmt.Errorf("invalid expires_in %v", out.ExpiresIn)}
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return domain.AccessToken{
		Value:     out.AccessToken,
		ExpiresAt: now().Add(time.Duration(out.ExpiresIn * float64(time.Second))),
	}, nil
}

func (e *TokenEndpoint) client() *http.Client {
	if e.Client == nil {
		return http.DefaultClient
	}
	return e.Client
}
