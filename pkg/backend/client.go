// Package backend is a small client for the remote system of record.
//
// The backend exposes a PostgREST-style REST surface:
//
//	POST  /rest/v1/{table}            insert a row
//	POST  /rest/v1/rpc/{function}     call a remote procedure
//	PATCH /rest/v1/{table}?id=eq.{id} update a row by id
//
// Every call either succeeds with a 2xx status or fails with an *APIError
// carrying the backend's human-readable message. Transport failures are
// returned as plain wrapped errors.
package backend

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
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 30 * time.Second

// APIError is returned when the backend answered but rejected the call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client for the backend at baseURL.
// The apiKey is sent both as the apikey header and as a bearer token.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Insert adds row to table.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	return c.do(ctx, http.MethodPost, "/rest/v1/"+url.PathEscape(table), row)
}

// RPC calls the named remote procedure with args.
func (c *Client) RPC(ctx context.Context, function string, args any) error {
	return c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(function), args)
}

// UpdateByID applies patch to the row of table whose id equals id.
func (c *Client) UpdateByID(ctx context.Context, table, id string, patch any) error {
	path := "/rest/v1/" + url.PathEscape(table) + "?id=eq." + url.QueryEscape(id)
	return c.do(ctx, http.MethodPatch, path, patch)
}

// Ping checks that the backend is reachable. Any HTTP answer counts as
// reachable; only transport errors fail.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &APIError{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
}

// errorMessage extracts the human-readable message from an error body.
func errorMessage(raw []byte, status string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		case payload.Details != "":
			return payload.Details
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}
