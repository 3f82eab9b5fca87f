package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxRetries   = 2
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBackoff = 200 * time.Millisecond

	maxBackoff       = 5 * time.Second
	maxResponseBytes = 64 << 20
	maxErrorBody     = 512
)

var (
	// ErrDimensionMismatch means a response vector differs in size from the
	// configured or first-seen dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrBadVector means a response vector is empty, zero, or not finite.
	ErrBadVector = errors.New("unusable embedding vector")
)

// StatusError is a non-200 answer from the embedding endpoint.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding endpoint: HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client embeds through an OpenAI-compatible /embeddings endpoint. Every
// vector it returns is unit length and has the client's pinned
// dimensionality, so the semantic index never mixes spaces.
type Client struct {
	cfg  EmbedConfig
	http *http.Client
	dims atomic.Int64
}

// NewClient validates cfg and builds a client for it.
func NewClient(cfg *EmbedConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Client{
		cfg:  *cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	c.dims.Store(int64(cfg.Dimensions))
	return c, nil
}

// Embed embeds one query or synonym.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Server errors and rate limits are
// retried with doubling backoff, but never past the context deadline: when
// the next wait would overrun it the last error is returned at once, leaving
// the caller's remaining budget to the other strategies.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text %d is blank", i)
		}
	}

	var err error
	for attempt := 0; ; attempt++ {
		var vecs [][]float32
		vecs, err = c.post(ctx, texts)
		if err == nil {
			if err = c.accept(vecs); err == nil {
				return vecs, nil
			}
			return nil, err
		}
		if attempt == c.cfg.MaxRetries || !retryable(ctx, err) {
			break
		}
		wait := c.backoff(attempt, err)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, err
}

// Dimensions is the pinned vector size, or 0 before the first response
// when none was configured.
func (c *Client) Dimensions() int {
	return int(c.dims.Load())
}

// Model returns the provider-qualified model name.
func (c *Client) Model() string {
	return c.cfg.Provider + "/" + c.cfg.Model
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	d := c.cfg.RetryBackoff << attempt
	if d > maxBackoff || d < 0 {
		d = maxBackoff
	}
	return d
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	// Transport failures (refused, reset, client timeout) may clear up.
	var ue *url.Error
	return errors.As(err, &ue)
}

// accept pins the dimensionality on first use, then checks and normalizes
// every vector in place.
func (c *Client) accept(vecs [][]float32) error {
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: vector %d is empty", ErrBadVector, i)
		}
		want := c.dims.Load()
		if want == 0 {
			c.dims.CompareAndSwap(0, int64(len(v)))
			want = c.dims.Load()
		}
		if int64(len(v)) != want {
			return fmt.Errorf("%w: got %d, want %d from %s", ErrDimensionMismatch, len(v), want, c.Model())
		}
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		norm := math.Sqrt(sum)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return fmt.Errorf("%w: vector %d has norm %v", ErrBadVector, i, norm)
		}
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, se
	}

	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("invalid embedding index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
