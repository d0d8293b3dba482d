// Package registry is the HTTP client for npm-style package registries:
// abbreviated metadata documents, per-version documents, and tarball
// downloads with Range-based resumption.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"xpm/pkg/types"
)

// abbreviatedAccept asks the registry for the install-oriented metadata
// document, which omits READMEs and other fields irrelevant to resolution.
const abbreviatedAccept = "application/vnd.npm.install-v1+json, application/json"

// DefaultBaseURL is the public npm registry.
const DefaultBaseURL = "https://registry.npmjs.org"

// Client queries a package registry. Package metadata is cached for the
// lifetime of the client, and concurrent fetches of the same package are
// collapsed into a single upstream request.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	logger         *log.Logger
	retryAttempts  int
	retryBaseDelay time.Duration

	group singleflight.Group

	cacheMu sync.RWMutex
	cache   map[string]*types.RegistryPackageMetadata
}

// ClientOption configures a Client during construction.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxies.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(r *Client) {
		r.httpClient = c
	}
}

// WithBaseURL overrides the registry base URL.
func WithBaseURL(base string) ClientOption {
	return func(r *Client) {
		r.baseURL = strings.TrimRight(base, "/")
	}
}

// WithLogger sets the logger for retry and cache diagnostics.
func WithLogger(l *log.Logger) ClientOption {
	return func(r *Client) {
		r.logger = l
	}
}

// WithRetry sets the attempt budget and the base delay of the exponential
// backoff between attempts.
func WithRetry(attempts int, baseDelay time.Duration) ClientOption {
	return func(r *Client) {
		r.retryAttempts = attempts
		r.retryBaseDelay = baseDelay
	}
}

// NewClient creates a Client with sensible defaults: the public npm
// registry, a 30 second request timeout, and three attempts per request.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        DefaultBaseURL,
		logger:         log.New(io.Discard),
		retryAttempts:  3,
		retryBaseDelay: 500 * time.Millisecond,
		cache:          make(map[string]*types.RegistryPackageMetadata),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPackage returns the abbreviated metadata document for a package.
// Results are cached; concurrent callers for the same name share one
// upstream request. A caller that merely subscribed to another caller's
// failed request makes one independent attempt before giving up.
func (c *Client) FetchPackage(ctx context.Context, name string) (*types.RegistryPackageMetadata, error) {
	c.cacheMu.RLock()
	meta, ok := c.cache[name]
	c.cacheMu.RUnlock()
	if ok {
		return meta, nil
	}

	// ran distinguishes the caller whose closure actually executed from
	// callers that merely joined its flight; shared alone cannot, since it
	// is true for the initiator too once anyone joins.
	var ran bool
	v, err, shared := c.group.Do(name, func() (any, error) {
		ran = true
		return c.fetchPackage(ctx, name)
	})
	if err != nil {
		if !shared || ran {
			return nil, err
		}
		c.logger.Debug("shared metadata fetch failed, retrying independently", "package", name)
		return c.fetchPackage(ctx, name)
	}
	return v.(*types.RegistryPackageMetadata), nil
}

func (c *Client) fetchPackage(ctx context.Context, name string) (*types.RegistryPackageMetadata, error) {
	var meta types.RegistryPackageMetadata
	endpoint := c.baseURL + "/" + url.PathEscape(name)
	if err := c.getJSON(ctx, endpoint, &meta); err != nil {
		return nil, fmt.Errorf("fetching metadata for %s: %w", name, err)
	}
	if meta.Versions == nil {
		return nil, fmt.Errorf("metadata for %s lists no versions", name)
	}

	c.cacheMu.Lock()
	c.cache[name] = &meta
	c.cacheMu.Unlock()
	return &meta, nil
}

// FetchVersion returns the registry document for one pinned version,
// served from the package cache when the version appears there.
func (c *Client) FetchVersion(ctx context.Context, name, version string) (*types.VersionMetadata, error) {
	c.cacheMu.RLock()
	if meta, ok := c.cache[name]; ok {
		if vm, ok := meta.Versions[version]; ok {
			c.cacheMu.RUnlock()
			return vm, nil
		}
	}
	c.cacheMu.RUnlock()

	var vm types.VersionMetadata
	endpoint := c.baseURL + "/" + url.PathEscape(name) + "/" + url.PathEscape(version)
	if err := c.getJSON(ctx, endpoint, &vm); err != nil {
		return nil, fmt.Errorf("fetching %s@%s: %w", name, version, err)
	}
	return &vm, nil
}

// DownloadTarball streams tarballURL into destPath. A partial file left by
// an earlier attempt is resumed with a Range request; servers that ignore
// the range and answer 200 restart the file from scratch, and a 416 means
// the file already holds the whole body and is accepted as complete.
// Transport failures mid-stream consume the retry budget and resume where
// the bytes stopped.
func (c *Client) DownloadTarball(ctx context.Context, tarballURL, destPath string) error {
	return c.retry(ctx, func(attempt int) (bool, error) {
		var offset int64
		if fi, err := os.Stat(destPath); err == nil {
			offset = fi.Size()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tarballURL, nil)
		if err != nil {
			return false, err
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("requesting %s: %w", tarballURL, err)
		}
		defer resp.Body.Close()

		flags := os.O_CREATE | os.O_WRONLY
		switch resp.StatusCode {
		case http.StatusPartialContent:
			flags |= os.O_APPEND
		case http.StatusOK:
			// Full body, either a fresh download or a server that does
			// not honor ranges.
			flags |= os.O_TRUNC
		case http.StatusRequestedRangeNotSatisfiable:
			// The offset is already at the end: an earlier attempt wrote
			// the full body but was interrupted before finalizing it.
			return false, nil
		default:
			return true, fmt.Errorf("downloading %s: unexpected status %s", tarballURL, resp.Status)
		}

		f, err := os.OpenFile(destPath, flags, 0o644)
		if err != nil {
			return false, fmt.Errorf("opening download file: %w", err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return true, fmt.Errorf("download interrupted: %w", err)
		}
		return false, f.Close()
	})
}

// getJSON performs one GET with the retry budget applied. Transport errors
// and non-200 statuses are retried; a body that fails to parse is not.
func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	return c.retry(ctx, func(attempt int) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("Accept", abbreviatedAccept)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return true, fmt.Errorf("unexpected status %s", resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return false, fmt.Errorf("parsing response: %w", err)
		}
		return false, nil
	})
}

// retry runs op up to the client's attempt budget with exponential backoff,
// checking ctx between attempts. op returns (shouldRetry, err); a false
// shouldRetry stops immediately with err (nil on success).
func (c *Client) retry(ctx context.Context, op func(attempt int) (retry bool, err error)) error {
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("retry aborted: %w", err)
			}
			delay := c.retryBaseDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying request", "attempt", attempt+1, "delay", delay, "error", lastErr)
			time.Sleep(delay)
		}

		retry, err := op(attempt)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}
