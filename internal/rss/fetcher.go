package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const maxDocumentBytes = 10 << 20

// ErrStatus reports a non-success HTTP response from a feed endpoint.
var ErrStatus = errors.New("unexpected feed response status")

// Document is a fetched feed body.
type Document struct {
	Status int
	Body   []byte
}

// FetcherOptions tunes the HTTP client used for feeds.
type FetcherOptions struct {
	Timeout   time.Duration
	UserAgent string
	// RatePerSecond limits requests across all sources; zero disables it.
	RatePerSecond float64
}

// Fetcher pulls raw feed documents over HTTP.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *log.Logger
}

// NewFetcher creates a Fetcher. A nil client gets one with opts.Timeout.
func NewFetcher(client *http.Client, opts FetcherOptions, logger *log.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Fetcher{
		client:    client,
		limiter:   limiter,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// Fetch downloads feedURL. A non-2xx response is returned together with
// an error wrapping ErrStatus.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (Document, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Document{}, fmt.Errorf("wait for fetch slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return Document{Status: resp.StatusCode}, fmt.Errorf("read body: %w", err)
	}
	doc := Document{Status: resp.StatusCode, Body: body}
	f.logger.Debug("feed fetched", "url", feedURL, "status", resp.StatusCode, "bytes", len(body), "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return doc, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return doc, nil
}
