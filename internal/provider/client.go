// Package provider fetches raw strike payloads from the upstream data
// service, one fixed-width time slot per request.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Credentials holds the HTTP Basic auth pair required by the provider.
type Credentials struct {
	Login    string
	Password string
}

// Client downloads slot payloads over HTTP. Each slot is published under
// {base}/Strikes_{region}/{YYYY}/{MM}/{DD}/{HH}/{MM} with a plain and a
// gzip-compressed variant.
type Client struct {
	baseURL    string
	region     int
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
}

// variants are the payload forms tried in order for each slot.
var variants = []string{".json", ".json.gz"}

// NewClient creates a provider client with a hard per-request timeout.
func NewClient(baseURL string, region int, creds Credentials, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		region:  region,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// SlotURL returns the base resource URL for a slot, without variant suffix.
func (c *Client) SlotURL(slot time.Time) string {
	u := slot.UTC()
	return fmt.Sprintf("%s/Strikes_%d/%04d/%02d/%02d/%02d/%02d",
		c.baseURL, c.region, u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute())
}

// FetchSlot downloads one slot's payload, trying the plain variant first and
// the compressed one next. The returned bytes are always decompressed
// newline-delimited JSON. A single FetchSlot call is one fetch attempt; the
// caller owns retry and backoff policy.
func (c *Client) FetchSlot(ctx context.Context, slot time.Time) ([]byte, error) {
	base := c.SlotURL(slot)

	var lastErr error
	for _, ext := range variants {
		data, err := c.fetch(ctx, base+ext)
		if err == nil {
			return data, nil
		}
		lastErr = err
		c.logger.Debug("payload variant failed", "url", base+ext, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("fetch slot %s: %w", slot.UTC().Format(time.RFC3339), lastErr)
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.creds.Login, c.creds.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the error message, then give up.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("provider returned status %d for %s: %s", resp.StatusCode, url, snippet)
	}

	body := io.Reader(resp.Body)
	if isGzip(url) {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip payload: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func isGzip(url string) bool {
	return strings.HasSuffix(url, ".gz")
}
