// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package api implements the REST + SSE transport client for the remote
// audiobook server. It exposes cursor-paginated entity listings, single-shot
// metadata requests, cover downloads, and a streaming GET for server-sent
// events.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client provides authenticated access to the audiobook server API.
type Client struct {
	baseURL string
	token   string

	// httpClient serves single-shot requests with a bounded timeout.
	httpClient *http.Client

	// streamClient serves the SSE stream. It has no overall timeout: a live
	// event stream has no natural response completion.
	streamClient *http.Client
}

// NewClient creates an API client for the server at baseURL.
func NewClient(baseURL, token string, timeout, handshakeTimeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		streamClient: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				ResponseHeaderTimeout: handshakeTimeout,
			},
		},
	}
}

// GetBooks fetches one page of the books listing.
func (c *Client) GetBooks(ctx context.Context, req PageRequest) (*BookPage, error) {
	page := &BookPage{}
	if err := c.getJSON(ctx, "/api/v1/books", pageQuery(req), nil, page); err != nil {
		return nil, fmt.Errorf("books page request failed: %w", err)
	}
	return page, nil
}

// GetSeries fetches one page of the series listing.
func (c *Client) GetSeries(ctx context.Context, req PageRequest) (*SeriesPage, error) {
	page := &SeriesPage{}
	if err := c.getJSON(ctx, "/api/v1/series", pageQuery(req), nil, page); err != nil {
		return nil, fmt.Errorf("series page request failed: %w", err)
	}
	return page, nil
}

// GetContributors fetches one page of the contributors listing.
func (c *Client) GetContributors(ctx context.Context, req PageRequest) (*ContributorPage, error) {
	page := &ContributorPage{}
	if err := c.getJSON(ctx, "/api/v1/contributors", pageQuery(req), nil, page); err != nil {
		return nil, fmt.Errorf("contributors page request failed: %w", err)
	}
	return page, nil
}

// GetLibrary fetches the server's current library identity, bypassing any
// intermediary caches.
func (c *Client) GetLibrary(ctx context.Context) (*LibraryInfo, error) {
	info := &LibraryInfo{}
	headers := http.Header{"Cache-Control": []string{"no-cache"}}
	if err := c.getJSON(ctx, "/api/v1/library", nil, headers, info); err != nil {
		return nil, fmt.Errorf("library identity request failed: %w", err)
	}
	return info, nil
}

// GetLibraryStatus fetches the server's current scan state and book count.
func (c *Client) GetLibraryStatus(ctx context.Context) (*LibraryStatus, error) {
	status := &LibraryStatus{}
	if err := c.getJSON(ctx, "/api/v1/library/status", nil, nil, status); err != nil {
		return nil, fmt.Errorf("library status request failed: %w", err)
	}
	return status, nil
}

// GetPreferences fetches the current user's server-side preferences.
func (c *Client) GetPreferences(ctx context.Context) (*Preferences, error) {
	prefs := &Preferences{}
	if err := c.getJSON(ctx, "/api/v1/me/preferences", nil, nil, prefs); err != nil {
		return nil, fmt.Errorf("preferences request failed: %w", err)
	}
	return prefs, nil
}

// GetInstanceInfo fetches server instance metadata (version, remote URL).
func (c *Client) GetInstanceInfo(ctx context.Context) (*InstanceInfo, error) {
	info := &InstanceInfo{}
	if err := c.getJSON(ctx, "/api/v1/instance", nil, nil, info); err != nil {
		return nil, fmt.Errorf("instance info request failed: %w", err)
	}
	return info, nil
}

// UpdateProfile pushes a profile mutation to the server.
func (c *Client) UpdateProfile(ctx context.Context, payload []byte) error {
	return c.send(ctx, http.MethodPatch, "/api/v1/me/profile", "application/json", payload)
}

// UploadAvatar pushes avatar image bytes to the server.
func (c *Client) UploadAvatar(ctx context.Context, data []byte) error {
	return c.send(ctx, http.MethodPost, "/api/v1/me/avatar", "application/octet-stream", data)
}

// UpdateBook pushes a local book edit to the server.
func (c *Client) UpdateBook(ctx context.Context, bookID string, payload []byte) error {
	return c.send(ctx, http.MethodPut, "/api/v1/books/"+url.PathEscape(bookID), "application/json", payload)
}

// DeleteBook requests server-side deletion of a book.
func (c *Client) DeleteBook(ctx context.Context, bookID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/books/"+url.PathEscape(bookID), "", nil)
}

// DownloadCover fetches cover art for one entity. Returns an error
// satisfying IsNotFound when the server has no cover.
func (c *Client) DownloadCover(ctx context.Context, kind, id string) ([]byte, error) {
	endpoint := "/api/v1/covers/" + url.PathEscape(kind) + "/" + url.PathEscape(id)

	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, nil, nil, "", nil)
	if err != nil {
		return nil, fmt.Errorf("cover request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp, endpoint)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cover body: %w", err)
	}
	return data, nil
}

// OpenEventStream opens the server-sent-events stream. The returned body has
// no read deadline; the caller owns closing it.
func (c *Client) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	endpoint := "/api/v1/events"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("event stream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := newStatusError(resp, endpoint)
		_ = resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, headers http.Header, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, query, headers, "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return newStatusError(resp, endpoint)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// send performs an authenticated mutation request and discards the body.
func (c *Client) send(ctx context.Context, method, endpoint, contentType string, payload []byte) error {
	resp, err := c.doRequest(ctx, method, endpoint, nil, nil, contentType, payload)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp, endpoint)
	}
	return nil
}

// doRequest builds and executes one authenticated request.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, query url.Values, headers http.Header, contentType string, payload []byte) (*http.Response, error) {
	reqURL := c.baseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	return c.httpClient.Do(httpReq)
}

// pageQuery encodes a PageRequest as URL query parameters.
func pageQuery(req PageRequest) url.Values {
	query := url.Values{}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}
	if req.UpdatedAfter != nil {
		query.Set("updatedAfter", req.UpdatedAfter.UTC().Format(time.RFC3339Nano))
	}
	return query
}

// newStatusError drains up to 512 bytes of the body into an *Error.
func newStatusError(resp *http.Response, endpoint string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &Error{
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Body:       strings.TrimSpace(string(body)),
	}
}
