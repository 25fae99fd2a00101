// Package store wraps request/response calls to the durable message store:
// fetch room history, resolve a job's room, post a message, mark a room
// read. The store is opaque to the rest of the core — this client is the
// durability path for both transports.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jobber/chat-app/internal/chat"
)

// APIError carries the HTTP status of a failed store call so callers can
// distinguish NotFound from Forbidden from everything else.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("store: status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the store.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// IsForbidden reports whether err is a 403 from the store.
func IsForbidden(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusForbidden
}

// Config holds store client tuning parameters.
type Config struct {
	BaseURL       string        // e.g. "http://localhost:8081"
	HTTPTimeout   time.Duration // per-request timeout
	FetchRetries  int           // max attempts for FetchMessages on 404
	RetryBase     time.Duration // first retry delay, doubling per attempt
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:8081",
		HTTPTimeout:  10 * time.Second,
		FetchRetries: 3,
		RetryBase:    500 * time.Millisecond,
	}
}

// RoomRef identifies a resolved room and its participants.
type RoomRef struct {
	ID           int64   `json:"id"`
	Participants []int64 `json:"participants,omitempty"`
}

// Client is an HTTP client for the message store endpoints.
type Client struct {
	config Config
	http   *http.Client

	// Token, when set, is called per request to supply a bearer token.
	Token func() string
}

// NewClient creates a store client with the given configuration.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.HTTPTimeout},
	}
}

// ResolveRoom maps a job to its chat room, creating one server-side if
// absent. A 404 means the job does not exist; a 403 means the caller has
// no access. Both are surfaced distinctly via APIError.
func (c *Client) ResolveRoom(ctx context.Context, jobID int64) (RoomRef, error) {
	var ref RoomRef
	path := fmt.Sprintf("/chat/job/%d", jobID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &ref); err != nil {
		return RoomRef{}, err
	}
	return ref, nil
}

// FetchMessages returns a room's full message history. A 404 is retried up
// to FetchRetries attempts with exponential backoff (RetryBase doubling
// per attempt) to tolerate read-after-write lag right after room creation.
// Any other error aborts immediately.
func (c *Client) FetchMessages(ctx context.Context, roomID int64) ([]chat.Message, error) {
	path := fmt.Sprintf("/chat/room/%d", roomID)

	var lastErr error
	for attempt := 0; attempt < c.config.FetchRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryBase << (attempt - 1)
			log.Printf("store: room %d not visible yet, retrying in %s (attempt %d/%d)",
				roomID, delay, attempt+1, c.config.FetchRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var resp struct {
			Messages []chat.Message `json:"messages"`
		}
		err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
		if err == nil {
			return resp.Messages, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// PostMessage persists a message and returns the store-assigned copy with
// its final id.
func (c *Client) PostMessage(ctx context.Context, roomID, senderID int64, senderName, content string, kind chat.Kind) (chat.Message, error) {
	body := struct {
		Content    string    `json:"content"`
		Type       chat.Kind `json:"type"`
		SenderID   int64     `json:"senderId"`
		SenderName string    `json:"senderName,omitempty"`
	}{
		Content:    content,
		Type:       kind,
		SenderID:   senderID,
		SenderName: senderName,
	}

	var msg chat.Message
	path := fmt.Sprintf("/chat/room/%d/messages", roomID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// MarkRead records that the caller has read the room. Best effort: failures
// are logged, never surfaced.
func (c *Client) MarkRead(ctx context.Context, roomID int64) bool {
	path := fmt.Sprintf("/chat/room/%d/mark-read", roomID)
	if err := c.doJSON(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		log.Printf("store: mark-read room %d failed: %v", roomID, err)
		return false
	}
	return true
}

// UploadImage uploads image bytes and returns the opaque file reference
// path to be sent as an image message body.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/uploads?name="+filename, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("store: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apiError(resp)
	}

	var out struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("store: decode upload response: %w", err)
	}
	return out.Path, nil
}

// doJSON performs one JSON request/response round trip. Non-2xx responses
// are converted to *APIError with the response's error message.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("store: marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("store: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

// apiError builds an *APIError from a non-2xx response, preferring the
// JSON {"error": ...} body, falling back to the raw body text.
func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	} else {
		msg = string(bytes.TrimSpace(data))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
