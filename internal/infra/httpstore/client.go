// Package httpstore is the remote document store reached over HTTP.
package httpstore

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

	"geminize/internal/domain"
	"geminize/internal/infra"
	"geminize/internal/record"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      infra.RetryConfig
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		retry:      infra.DefaultRetryConfig(),
	}
}

// WithRetryConfig replaces the retry policy, mainly for tests.
func (c *Client) WithRetryConfig(cfg infra.RetryConfig) *Client {
	c.retry = cfg
	return c
}

type patchRequest struct {
	SchemaVersion int                `json:"schemaVersion"`
	Accessories   []domain.Accessory `json:"accessories,omitempty"`
}

// Fetch returns the user's document. A missing document is returned empty.
func (c *Client) Fetch(ctx context.Context, userID string) (*domain.Document, error) {
	var doc *domain.Document

	err := infra.WithRetry(ctx, c.retry, func() error {
		body, status, err := c.do(ctx, http.MethodGet, userID, nil)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			doc = &domain.Document{UserID: userID, Accessories: []domain.Accessory{}}
			return nil
		}
		if err := statusError(status, body); err != nil {
			return err
		}

		decoded, err := record.Decode(body)
		if err != nil {
			return infra.Permanent(err)
		}
		doc = &decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching document for %s: %w", userID, err)
	}
	return doc, nil
}

// Update sends patch and returns the stored document when the server echoes it.
func (c *Client) Update(ctx context.Context, userID string, patch domain.Patch) (*domain.Document, error) {
	payload, err := json.Marshal(patchRequest{SchemaVersion: record.SchemaVersion, Accessories: patch.Accessories})
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}

	var doc *domain.Document

	err = infra.WithRetry(ctx, c.retry, func() error {
		body, status, err := c.do(ctx, http.MethodPatch, userID, payload)
		if err != nil {
			return err
		}
		if err := statusError(status, body); err != nil {
			return err
		}
		if status == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
			doc = nil
			return nil
		}

		decoded, err := record.Decode(body)
		if err != nil {
			return infra.Permanent(err)
		}
		doc = &decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating document for %s: %w", userID, err)
	}
	return doc, nil
}

func (c *Client) do(ctx context.Context, method, userID string, payload []byte) ([]byte, int, error) {
	endpoint := fmt.Sprintf("%s/users/%s/document", c.baseURL, url.PathEscape(userID))

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, infra.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("store API error %d: %s", status, strings.TrimSpace(string(body)))
	if infra.IsRetryableHTTPStatus(status) {
		return err
	}
	return infra.Permanent(err)
}
