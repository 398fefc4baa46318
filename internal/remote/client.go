// Package remote talks to the authoritative record store: REST calls for
// create/update/delete/list and a WebSocket change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// UploadRate limits mutating requests per second; 0 disables pacing.
	UploadRate  float64
	UploadBurst int
}

// Client is the HTTP/WebSocket client for the record store.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	tokens   *tokenSource
	validate *validator.Validate
	log      *slog.Logger
}

// NewHTTPClient creates the HTTP client used for record store calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// New creates a Client.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Validationf("invalid server url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.UploadRate > 0 {
		burst := cfg.UploadBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), burst)
	}

	hc := NewHTTPClient(cfg.Timeout)
	c := &Client{
		baseURL:  base,
		http:     hc,
		limiter:  limiter,
		validate: newValidator(),
		log:      log.With("component", "remote"),
	}
	if cfg.APIKey != "" {
		c.tokens = &tokenSource{client: c, apiKey: cfg.APIKey}
	}
	return c, nil
}

// CreateTag uploads a tag. The server treats it as an upsert on id, so a
// retried create after a lost response is harmless.
func (c *Client) CreateTag(ctx context.Context, t models.Tag) (models.Tag, error) {
	var out models.Tag
	if err := c.mutate(ctx, http.MethodPut, "/api/tags/"+url.PathEscape(t.ID), t, &out); err != nil {
		return models.Tag{}, err
	}
	return out, nil
}

// CreateBatch uploads a batch.
func (c *Client) CreateBatch(ctx context.Context, b models.Batch) (models.Batch, error) {
	var out models.Batch
	if err := c.mutate(ctx, http.MethodPut, "/api/batches/"+url.PathEscape(b.ID), b, &out); err != nil {
		return models.Batch{}, err
	}
	return out, nil
}

// UpdateTag sends a partial update.
func (c *Client) UpdateTag(ctx context.Context, id string, fields models.TagFields) error {
	return c.mutate(ctx, http.MethodPatch, "/api/tags/"+url.PathEscape(id), fields, nil)
}

// UpdateBatch sends a partial update.
func (c *Client) UpdateBatch(ctx context.Context, id string, fields models.BatchFields) error {
	return c.mutate(ctx, http.MethodPatch, "/api/batches/"+url.PathEscape(id), fields, nil)
}

// DeleteTag deletes a tag. A tag already gone counts as deleted.
func (c *Client) DeleteTag(ctx context.Context, id string) error {
	return c.ignoreNotFound(c.mutate(ctx, http.MethodDelete, "/api/tags/"+url.PathEscape(id), nil, nil))
}

// DeleteBatch deletes a batch. The server refuses while tags still reference it.
func (c *Client) DeleteBatch(ctx context.Context, id string) error {
	return c.ignoreNotFound(c.mutate(ctx, http.MethodDelete, "/api/batches/"+url.PathEscape(id), nil, nil))
}

// ListTags fetches every tag.
func (c *Client) ListTags(ctx context.Context) ([]models.Tag, error) {
	var tags []models.Tag
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	for i := range tags {
		if err := c.validate.Struct(tags[i]); err != nil {
			return nil, errors.Wrapf(err, errors.CodeValidation, "tag %d in list", i)
		}
	}
	return tags, nil
}

// ListBatches fetches every batch.
func (c *Client) ListBatches(ctx context.Context) ([]models.Batch, error) {
	var batches []models.Batch
	if err := c.do(ctx, http.MethodGet, "/api/batches", nil, &batches); err != nil {
		return nil, err
	}
	for i := range batches {
		if err := c.validate.Struct(batches[i]); err != nil {
			return nil, errors.Wrapf(err, errors.CodeValidation, "batch %d in list", i)
		}
	}
	return batches, nil
}

// Ping checks the server health endpoint. It is the coarse online signal.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.RemoteUnavailable(err, "health check")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.RemoteUnavailable(fmt.Errorf("HTTP %d", resp.StatusCode), "health check")
	}
	return nil
}

func (c *Client) ignoreNotFound(err error) error {
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// mutate paces writes through the upload limiter.
func (c *Client) mutate(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.RemoteUnavailable(err, "upload paced out")
	}
	return c.do(ctx, method, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, payload, false)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		resp.Body.Close()
		if resp, err = c.send(ctx, method, path, payload, true); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := decodeStrict(resp.Body, out, c.validate); err != nil {
		return errors.Wrapf(err, errors.CodeValidation, "%s %s: bad response", method, path)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, refresh bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx, refresh)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.RemoteUnavailable(err, fmt.Sprintf("%s %s", method, path))
	}
	return resp, nil
}

// errorBody is the server's error envelope.
type errorBody struct {
	Error string      `json:"error"`
	Code  errors.Code `json:"code"`
}

func (c *Client) statusError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, body.Error)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.RemoteUnavailable(cause, fmt.Sprintf("%s %s", method, path))
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(cause, errors.CodeNotFound, "%s %s", method, path)
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrapf(cause, errors.CodeUnauthorized, "%s %s", method, path)
	case resp.StatusCode == http.StatusConflict:
		return errors.Wrapf(cause, errors.CodeConflict, "%s %s", method, path)
	case body.Code != "":
		return errors.Wrapf(cause, body.Code, "%s %s", method, path)
	default:
		return errors.Wrapf(cause, errors.CodeValidation, "%s %s", method, path)
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}
