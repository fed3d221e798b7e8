// Package client is a Go client for the Rather HTTP API, plus the
// selection-to-subthread orchestration used by frontends.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	apiv1 "github.com/ratherhq/rather/server/router/api/v1"
)

// Client talks to a Rather instance. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The default has
// no overall timeout because message streams are long-lived.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response")
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err == nil {
		apiErr.Message = payload.Message
	}
	return apiErr
}

func (c *Client) ListThreads(ctx context.Context, includeSubthreads bool) ([]*apiv1.Thread, error) {
	path := "/api/v1/threads"
	if includeSubthreads {
		path += "?includeSubthreads=true"
	}
	out := &apiv1.ListThreadsResponse{}
	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) CreateThread(ctx context.Context, req *apiv1.CreateThreadRequest) (*apiv1.Thread, error) {
	out := &apiv1.Thread{}
	if err := c.do(ctx, http.MethodPost, "/api/v1/threads", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (*apiv1.ThreadDetail, error) {
	out := &apiv1.ThreadDetail{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/threads/"+id, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RenameThread(ctx context.Context, id, title string) (*apiv1.Thread, error) {
	out := &apiv1.Thread{}
	req := &apiv1.UpdateThreadRequest{Title: &title}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/threads/"+id, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteThread removes the thread and all its descendants, returning
// the ids that were deleted.
func (c *Client) DeleteThread(ctx context.Context, id string) ([]string, error) {
	out := &apiv1.DeleteThreadResponse{}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/threads/"+id, nil, out); err != nil {
		return nil, err
	}
	return out.Deleted, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]*apiv1.Message, error) {
	out := &apiv1.ListMessagesResponse{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/threads/"+threadID+"/messages", nil, out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a user message and streams the assistant response,
// invoking onChunk for every received chunk. It returns the full
// response text after the stream ends.
func (c *Client) SendMessage(ctx context.Context, threadID, content string, onChunk func(chunk string)) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/threads/"+threadID+"/messages",
		&apiv1.SendMessageRequest{Content: content})
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", decodeAPIError(resp)
	}

	var full strings.Builder
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return full.String(), errors.Wrap(err, "stream interrupted")
		}
	}
	return full.String(), nil
}
