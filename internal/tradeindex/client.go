// Package tradeindex reads the list of existing escrow trades from the
// backend indexer. It is display-only and never feeds the submitter.
package tradeindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable wraps every failure to obtain a page from the backend.
var ErrUnavailable = errors.New("trade index unavailable")

// Page selects a window of the backend's trade list.
type Page struct {
	Offset int
	Limit  int
}

// DefaultPage is the first ten trades.
var DefaultPage = Page{Offset: 0, Limit: 10}

const (
	maxLimit        = 100
	maxBodyBytes    = 4 << 20
	defaultTimeout  = 10 * time.Second
	breakerRequests = 10
	breakerRatio    = 0.6
)

// Fetcher is what List needs from a Client.
type Fetcher interface {
	Fetch(ctx context.Context, page Page) ([]EscrowRecord, error)
}

// Client calls GET {base}/api/trades behind a circuit breaker.
type Client struct {
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	observe func(err error)
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithFetchObserver is called once per Fetch with its error, nil on success.
func WithFetchObserver(fn func(err error)) ClientOption {
	return func(c *Client) { c.observe = fn }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(c.log)
	return c, nil
}

// newBreaker opens after more than breakerRequests calls in a window of which
// at least breakerRatio failed.
func newBreaker(log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "trade-index",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > breakerRequests && ratio >= breakerRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				log.Warn("trade index seems down, stop allowing requests", zap.String("breaker", name))
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				log.Info("checking trade index status", zap.String("breaker", name))
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				log.Info("trade index seems ok, restart allowing requests", zap.String("breaker", name))
			}
		},
	})
}

// Fetch returns one page of records. Malformed records are skipped.
func (c *Client) Fetch(ctx context.Context, page Page) ([]EscrowRecord, error) {
	page = page.normalized()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, page)
	})
	if c.observe != nil {
		c.observe(err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	raws := res.([]rawRecord)
	out := make([]EscrowRecord, 0, len(raws))
	for i, raw := range raws {
		rec, err := raw.toRecord()
		if err != nil {
			c.log.Warn("skipping malformed trade record", zap.Int("index", page.Offset+i), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, page Page) ([]rawRecord, error) {
	u := c.base.JoinPath("api", "trades")
	q := u.Query()
	q.Set("offset", strconv.Itoa(page.Offset))
	q.Set("limit", strconv.Itoa(page.Limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("GET %s: status %d", u.Path, resp.StatusCode)
	}

	var raws []rawRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&raws); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return raws, nil
}

func (p Page) normalized() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPage.Limit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}
