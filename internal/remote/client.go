// Package remote is the HTTP client for the indexing API. Every method makes
// exactly one attempt; retry and backoff policy live with the callers, which
// know what a failure means for their pipeline.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/acetool-go/internal/chunker"
	"github.com/yourorg/acetool-go/internal/version"
)

// HTTPError is a non-2xx response. Body is truncated for logging; RequestID
// echoes the x-request-id header sent with the request.
type HTTPError struct {
	StatusCode int
	Body       string
	RequestID  string
	RetryAfter time.Duration // from the Retry-After header, 0 when absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api status %d (request %s): %s", e.StatusCode, e.RequestID, e.Body)
}

// IsAuth reports a credential failure that no retry can fix.
func (e *HTTPError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *HTTPError) IsRateLimit() bool { return e.StatusCode == http.StatusTooManyRequests }

func (e *HTTPError) IsServer() bool { return e.StatusCode >= 500 }

const maxErrorBodyBytes = 2048

// Client talks to one remote endpoint. Safe for concurrent use.
type Client struct {
	httpc     *http.Client
	baseURL   string
	token     string
	sessionID string
}

// New builds a Client. The underlying http.Client carries no timeout;
// deadlines arrive per call through the context.
func New(baseURL, token string) *Client {
	return &Client{
		httpc:     &http.Client{},
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		sessionID: uuid.NewString(),
	}
}

// post sends one JSON request and decodes a JSON response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("x-request-id", requestID)
	req.Header.Set("x-request-session-id", c.sessionID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
			RequestID:  requestID,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// BatchUpload pushes one batch of blobs.
func (c *Client) BatchUpload(ctx context.Context, blobs []chunker.Blob) error {
	payload := map[string]any{"blobs": blobs}
	return c.post(ctx, "/batch-upload", payload, nil)
}

// FindMissingResult lists hashes the remote side does not have yet, and ones
// it has but has not finished indexing.
type FindMissingResult struct {
	UnknownBlobNames    []string `json:"unknown_memory_names"`
	NonindexedBlobNames []string `json:"nonindexed_blob_names"`
}

// FindMissing asks which of the given blob hashes the remote side lacks.
func (c *Client) FindMissing(ctx context.Context, hashes []string) (*FindMissingResult, error) {
	payload := map[string]any{"mem_object_names": hashes}
	var res FindMissingResult
	if err := c.post(ctx, "/find-missing", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Search runs a retrieval query scoped to the given blob hashes.
func (c *Client) Search(ctx context.Context, query string, blobNames []string) (string, error) {
	if blobNames == nil {
		blobNames = []string{}
	}
	payload := map[string]any{
		"information_request": query,
		"blobs": map[string]any{
			"checkpoint_id": nil,
			"added_blobs":   blobNames,
			"deleted_blobs": []string{},
		},
		"dialog":                     []any{},
		"max_output_length":          0,
		"disable_codebase_retrieval": false,
	}
	var res struct {
		Formatted string `json:"formatted_retrieval"`
	}
	if err := c.post(ctx, "/agents/codebase-retrieval", payload, &res); err != nil {
		return "", err
	}
	return res.Formatted, nil
}

// ChatMessage is one turn of prior conversation passed to the enhancer.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const enhanceModel = "claude-sonnet-4-5"

// EnhancePrompt rewrites a raw prompt using the remote enhancer.
func (c *Client) EnhancePrompt(ctx context.Context, prompt string, history []ChatMessage) (string, error) {
	if history == nil {
		history = []ChatMessage{}
	}
	payload := map[string]any{
		"nodes": []map[string]any{{
			"id":        0,
			"type":      0,
			"text_node": map[string]string{"content": prompt},
		}},
		"chat_history": history,
		"model":        enhanceModel,
		"mode":         "CHAT",
	}
	var res struct {
		Text *string `json:"text"`
	}
	if err := c.post(ctx, "/prompt-enhancer", payload, &res); err != nil {
		return "", err
	}
	if res.Text == nil || strings.TrimSpace(*res.Text) == "" {
		return "", fmt.Errorf("enhancer returned empty text")
	}
	return *res.Text, nil
}
