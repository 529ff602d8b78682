// Package catalog provides the HTTP client for the karaoke song catalog.
// Song metadata lives behind plain REST endpoints; only playlist traffic
// runs over the websocket.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
	"github.com/UnHolds/KaraokeV2/pkg/retry"
)

// ErrNotFound is returned when the server does not know the song.
var ErrNotFound = errors.New("song not found")

// Client fetches song metadata with retry and offline tracking.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// Config holds catalog client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new catalog client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
	}
}

// IsOnline returns true if the server was reachable on the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("catalog is back online")
		} else {
			logging.Warn("catalog is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// SongByID fetches one song's metadata. A missing id fails with
// ErrNotFound; transient failures are retried before giving up.
func (c *Client) SongByID(ctx context.Context, id int64) (*protocol.Song, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.Song, error) {
		url := c.baseURL + "/api/v1/songs/" + strconv.FormatInt(id, 10)
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			c.setOnline(true)
			return nil, fmt.Errorf("song %d: %w", id, ErrNotFound)
		case resp.StatusCode >= 500:
			c.setOnline(false)
			return nil, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			c.setOnline(false)
			var errResp errorResponse
			if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
				return nil, fmt.Errorf("fetch song %d: %s", id, errResp.Error)
			}
			return nil, fmt.Errorf("fetch song %d: server returned %d", id, resp.StatusCode)
		}

		c.setOnline(true)

		var song protocol.Song
		if err := json.NewDecoder(resp.Body).Decode(&song); err != nil {
			return nil, fmt.Errorf("parse song %d: %w", id, err)
		}
		return &song, nil
	})
}

// SearchResult is one page of catalog matches.
type SearchResult struct {
	Songs []protocol.Song `json:"songs"`
	Total int             `json:"total"`
}

// Search queries the catalog. An empty query lists the catalog from the
// top; limit caps the page size when positive.
func (c *Client) Search(ctx context.Context, query string, limit int) (SearchResult, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (SearchResult, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/songs", nil)
		if err != nil {
			return SearchResult{}, err
		}
		q := req.URL.Query()
		if query != "" {
			q.Set("q", query)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		req.URL.RawQuery = q.Encode()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return SearchResult{}, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			c.setOnline(false)
			if resp.StatusCode >= 500 {
				return SearchResult{}, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
			}
			return SearchResult{}, fmt.Errorf("search: server returned %d", resp.StatusCode)
		}

		c.setOnline(true)

		var result SearchResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return SearchResult{}, fmt.Errorf("parse search result: %w", err)
		}
		return result, nil
	})
}
