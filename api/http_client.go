package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kvinsights/kvinsights/entry"
	"github.com/kvinsights/kvinsights/types"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is an HTTP client of Server.
type Client struct {
	address string
	c       *http.Client
}

// NewClient returns a new Client for the server at address, for example
// http://localhost:9090.
func NewClient(address string) *Client {
	transport := &http.Transport{
		// Some of this is copy-pasta from http.DefaultTransport.
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		address: strings.TrimSuffix(address, "/"),
		c:       &http.Client{Transport: transport},
	}
}

// ListEntries returns a page of entries. pagination.First == 0 returns every entry
// after pagination.After.
func (c *Client) ListEntries(ctx context.Context, pagination entry.Pagination) (EntriesPage, error) {
	query := url.Values{}
	if pagination.First > 0 {
		query.Set("first", strconv.Itoa(pagination.First))
	}
	if pagination.After != "" {
		query.Set("after", pagination.After)
	}
	if len(pagination.Prefix) > 0 {
		prefix, err := json.Marshal(pagination.Prefix)
		if err != nil {
			return EntriesPage{}, fmt.Errorf("HTTPClient: ListEntries: error encoding prefix: %w", err)
		}
		query.Set("prefix", string(prefix))
	}

	var resp listEntriesResponse
	if _, err := c.do(ctx, "ListEntries", http.MethodGet, "/api/v1/entries?"+query.Encode(), nil, &resp); err != nil {
		return EntriesPage{}, err
	}

	page := EntriesPage{
		Entries:  make([]entry.CursorBasedEntry, 0, len(resp.Entries)),
		PageInfo: resp.PageInfo,
	}
	for _, e := range resp.Entries {
		decoded, err := e.toEntry()
		if err != nil {
			return EntriesPage{}, fmt.Errorf("HTTPClient: ListEntries: %w", err)
		}
		page.Entries = append(page.Entries, decoded)
	}
	return page, nil
}

// FindEntryByCursor returns the entry that cursor points at.
func (c *Client) FindEntryByCursor(ctx context.Context, cursor string) (entry.CursorBasedEntry, bool, error) {
	var resp entryJSON
	found, err := c.do(ctx, "FindEntryByCursor", http.MethodGet, "/api/v1/entries/cursor/"+url.PathEscape(cursor), nil, &resp)
	if err != nil || !found {
		return entry.CursorBasedEntry{}, false, err
	}

	e, err := resp.toEntry()
	if err != nil {
		return entry.CursorBasedEntry{}, false, fmt.Errorf("HTTPClient: FindEntryByCursor: %w", err)
	}
	return e, true, nil
}

// GetEntry returns the entry stored under key.
func (c *Client) GetEntry(ctx context.Context, key types.Key) (entry.Entry, bool, error) {
	var resp entryJSON
	found, err := c.do(ctx, "GetEntry", http.MethodPost, "/api/v1/entries/get", keyRequest{Key: key}, &resp)
	if err != nil || !found {
		return entry.Entry{}, false, err
	}

	e, err := resp.toEntry()
	if err != nil {
		return entry.Entry{}, false, fmt.Errorf("HTTPClient: GetEntry: %w", err)
	}
	return e.Entry, true, nil
}

// SaveEntry saves value under key if its current versionstamp is expected. A
// mismatch is returned as an entry.VersionConflictError.
func (c *Client) SaveEntry(
	ctx context.Context,
	key types.Key,
	value types.Value,
	expected types.Versionstamp,
) (entry.Entry, error) {
	encoded, err := types.MarshalValue(value)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("HTTPClient: SaveEntry: error encoding value: %w", err)
	}

	var resp entryJSON
	req := saveEntryRequest{Key: key, Value: encoded, Versionstamp: expected}
	if _, err := c.do(ctx, "SaveEntry", http.MethodPut, "/api/v1/entries", req, &resp); err != nil {
		return entry.Entry{}, err
	}

	e, err := resp.toEntry()
	if err != nil {
		return entry.Entry{}, fmt.Errorf("HTTPClient: SaveEntry: %w", err)
	}
	return e.Entry, nil
}

// EntryExists reports whether key exists.
func (c *Client) EntryExists(ctx context.Context, key types.Key) (bool, error) {
	var resp existsResponse
	if _, err := c.do(ctx, "EntryExists", http.MethodPost, "/api/v1/entries/exists", keyRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// DeleteEntry deletes key.
func (c *Client) DeleteEntry(ctx context.Context, key types.Key) error {
	_, err := c.do(ctx, "DeleteEntry", http.MethodPost, "/api/v1/entries/delete", keyRequest{Key: key}, nil)
	return err
}

// Publish publishes value to the subscribers of every server sharing the queue.
func (c *Client) Publish(ctx context.Context, value types.Value) error {
	encoded, err := types.MarshalValue(value)
	if err != nil {
		return fmt.Errorf("HTTPClient: Publish: error encoding value: %w", err)
	}
	_, err = c.do(ctx, "Publish", http.MethodPost, "/api/v1/publish", publishRequest{Value: encoded}, nil)
	return err
}

// Subscribe calls handler for every value dispatched by the server until ctx is
// canceled or the connection is lost. It returns nil once ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, handler func(types.Value)) error {
	conn, _, err := websocket.Dial(ctx, c.address+"/api/v1/subscribe", nil)
	if err != nil {
		return fmt.Errorf("HTTPClient: Subscribe: error dialing: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var frame subscriptionFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("HTTPClient: Subscribe: error reading: %w", err)
		}
		value, err := decodeValue(frame.Value)
		if err != nil {
			return fmt.Errorf("HTTPClient: Subscribe: %w", err)
		}
		handler(value)
	}
}

// do runs the request and decodes the response into out. It returns false for a
// 404 so that lookups can report absence.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		marshaled, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("HTTPClient: %s: error encoding request: %w", op, err)
		}
		body = bytes.NewReader(marshaled)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.address+path, body)
	if err != nil {
		return false, fmt.Errorf("HTTPClient: %s: error constructing request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	deadline, ok := ctx.Deadline()
	if ok {
		timeout := time.Until(deadline)
		req.Header.Add(HTTPHeaderTimeout, timeout.String())
	}

	resp, err := c.c.Do(req)
	if err != nil {
		return false, fmt.Errorf("HTTPClient: %s: error running request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("HTTPClient: %s: error reading response: %w", op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil {
			errResp = errorResponse{Message: string(respBody)}
		}
		// This ensures that errors the caller can act on are converted back to the
		// proper in memory error type.
		return false, errorFromResponse(op, resp.StatusCode, errResp)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, fmt.Errorf("HTTPClient: %s: error decoding response: %w", op, err)
		}
	}
	return true, nil
}
