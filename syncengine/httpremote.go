// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// TokenFunc supplies an authenticated transport credential from the
// identity provider. Returning an error surfaces as ErrUnauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemoteStore talks to the sync server over its JSON API.
type HTTPRemoteStore struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewHTTPRemoteStore creates a remote store client with a default
// per-call timeout in the tens of seconds.
func NewHTTPRemoteStore(baseURL string, token TokenFunc) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// pushAckWire mirrors the server's push response body.
type pushAckWire struct {
	Status          string               `json:"status"`
	RemoteUpdatedAt int64                `json:"remote_updated_at"`
	ServerRecord    *healthrecord.Record `json:"server_record,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// pullPageWire mirrors the server's pull response body.
type pullPageWire struct {
	Records     []healthrecord.Record `json:"records"`
	NextSince   int64                 `json:"next_since"`
	NextSinceID string                `json:"next_since_id"`
	HasMore     bool                  `json:"has_more"`
}

func (r *HTTPRemoteStore) Push(ctx context.Context, rec *healthrecord.Record) (*PushAck, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	resp, err := r.do(ctx, http.MethodPost, "/sync/push", "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := r.checkStatus(resp); err != nil {
		return nil, err
	}

	var ack pushAckWire
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	out := &PushAck{
		Status:          PushStatus(ack.Status),
		RemoteUpdatedAt: ack.RemoteUpdatedAt,
		ServerRecord:    ack.ServerRecord,
	}
	return out, nil
}

func (r *HTTPRemoteStore) Pull(ctx context.Context, userID string, since PullCursor, opts PullOptions) (*PullPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since.UpdatedAt, 10))
	if since.ID != "" {
		q.Set("since_id", since.ID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.IncludeSelf {
		q.Set("include_self", "true")
	}

	resp, err := r.do(ctx, http.MethodGet, "/sync/pull", q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := r.checkStatus(resp); err != nil {
		return nil, err
	}

	var page pullPageWire
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &PullPage{
		Records: page.Records,
		Next:    PullCursor{UpdatedAt: page.NextSince, ID: page.NextSinceID},
		HasMore: page.HasMore,
	}, nil
}

func (r *HTTPRemoteStore) Delete(ctx context.Context, userID, id string) error {
	resp, err := r.do(ctx, http.MethodDelete, "/sync/records/"+url.PathEscape(id), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return r.checkStatus(resp)
}

func (r *HTTPRemoteStore) do(ctx context.Context, method, path, query string, body io.Reader) (*http.Response, error) {
	u := r.BaseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := r.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", ErrUnauthenticated)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return resp, nil
}

// checkStatus maps HTTP status codes onto the engine's error taxonomy.
func (r *HTTPRemoteStore) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("server status %d: %w", resp.StatusCode, ErrUnauthenticated)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("server status %d: %w", resp.StatusCode, ErrBadPayload)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("server status %d: %w", resp.StatusCode, ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("server status %d: %w", resp.StatusCode, ErrRemoteUnavailable)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
}

var _ RemoteStore = (*HTTPRemoteStore)(nil)
