// Package shorten turns long product URLs into short ones. Shortening is
// best-effort: on any failure the caller keeps the long URL.
package shorten

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultEndpoint = "https://api-ssl.bitly.com/v4/shorten"

// Shortener produces a short URL for a long one. Implementations must be
// safe for use from a single goroutine at a time.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (string, error)
}

// Noop is used when no token is configured; it reports every call as failed
// so the pipeline falls back to the long URL without special-casing.
type Noop struct{}

func (Noop) Shorten(context.Context, string) (string, error) {
	return "", fmt.Errorf("shortening disabled")
}

// Bitly calls the Bitly v4 API.
type Bitly struct {
	token    string
	endpoint string
	client   *http.Client
}

// NewBitly builds a client with a bounded per-request timeout.
func NewBitly(token string, timeout time.Duration) *Bitly {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bitly{
		token:    token,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type shortenRequest struct {
	LongURL string `json:"long_url"`
}

type shortenResponse struct {
	Link string `json:"link"`
}

func (b *Bitly) Shorten(ctx context.Context, longURL string) (string, error) {
	body, err := json.Marshal(shortenRequest{LongURL: longURL})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bitly request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("bitly status %d", resp.StatusCode)
	}
	var out shortenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Link == "" {
		return "", fmt.Errorf("bitly returned empty link")
	}
	return out.Link, nil
}
