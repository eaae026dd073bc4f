// Package drive provides a storage backend over a remote drive HTTP API.
//
// The wire protocol is deliberately thin: objects live under
// {base}/items/{key}, uploads are PUT, downloads are GET with standard Range
// semantics, deletes are DELETE. Transport-level failures (5xx, network) are
// retried with backoff; client errors are terminal.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/metrics"
	"github.com/contentgate/contentgate/internal/retry"
	"github.com/contentgate/contentgate/internal/storage"
)

// Config holds remote drive connection settings.
type Config struct {
	BaseURL     string `json:"base_url"`
	AccessToken string `json:"access_token"`
}

// Backend implements storage.Backend against a remote drive API.
type Backend struct {
	baseURL string
	token   string
	client  *http.Client
	retry   retry.Config
}

// New creates a new remote drive backend.
func New(cfg Config) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	return &Backend{
		baseURL: cfg.BaseURL,
		token:   cfg.AccessToken,
		client:  &http.Client{Timeout: 5 * time.Minute},
		retry:   retry.DefaultConfig(),
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse drive config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) itemURL(key string) string {
	return b.baseURL + "/items/" + url.PathEscape(key)
}

// classify marks 5xx responses retryable; 3xx/4xx are terminal.
func classify(status int, err error) error {
	if err != nil {
		return retry.Retryable(err)
	}
	if status >= 500 {
		return retry.Retryable(fmt.Errorf("drive returned status %d", status))
	}
	return fmt.Errorf("drive returned status %d", status)
}

func (b *Backend) putKey(ctx context.Context, key string, content *locator.Handle) error {
	start := time.Now()
	err := retry.Do(ctx, b.retry, func() error {
		src, err := content.Open(ctx, nil)
		if err != nil {
			return err
		}
		defer src.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.itemURL(key), src)
		if err != nil {
			return err
		}
		b.authorize(req)

		resp, err := b.client.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return classify(resp.StatusCode, nil)
	})
	metrics.RecordBackendOperation("drive", "put", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put item %s: %w", key, err)
	}
	return nil
}

func (b *Backend) getKey(key string) (*locator.Handle, error) {
	return locator.FromOpener(func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
		start := time.Now()
		body, err := retry.DoWithResult(ctx, b.retry, func() (io.ReadCloser, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.itemURL(key), nil)
			if err != nil {
				return nil, err
			}
			b.authorize(req)
			if rng != nil {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
			}

			resp, err := b.client.Do(req)
			if err != nil {
				return nil, retry.Retryable(err)
			}
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
				return resp.Body, nil
			}
			resp.Body.Close()
			return nil, classify(resp.StatusCode, nil)
		})
		metrics.RecordBackendOperation("drive", "get", time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("get item %s: %w", key, err)
		}
		return body, nil
	})
}

func (b *Backend) deleteKey(ctx context.Context, key string) error {
	start := time.Now()
	err := retry.Do(ctx, b.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.itemURL(key), nil)
		if err != nil {
			return err
		}
		b.authorize(req)

		resp, err := b.client.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		// Deleting a missing item is not an error.
		if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classify(resp.StatusCode, nil)
	})
	metrics.RecordBackendOperation("drive", "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", key, err)
	}
	return nil
}

func (b *Backend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

// Write stores an entity's main binary.
func (b *Backend) Write(ctx context.Context, entity storage.Entity, content *locator.Handle) error {
	return b.putKey(ctx, entity.Key(), content)
}

// WriteAsset stores a derived asset.
func (b *Backend) WriteAsset(ctx context.Context, entity storage.Entity, assetKey string, content *locator.Handle) error {
	return b.putKey(ctx, entity.AssetKey(assetKey), content)
}

// Read returns a lazy handle whose ranged opens send Range headers upstream.
func (b *Backend) Read(_ context.Context, entity storage.Entity) (*locator.Handle, error) {
	return b.getKey(entity.Key())
}

// ReadAsset returns a lazy handle for a derived asset.
func (b *Backend) ReadAsset(_ context.Context, entity storage.Entity, assetKey string) (*locator.Handle, error) {
	return b.getKey(entity.AssetKey(assetKey))
}

// Delete removes an entity's main binary.
func (b *Backend) Delete(ctx context.Context, entity storage.Entity) error {
	return b.deleteKey(ctx, entity.Key())
}

// DeleteAsset removes a derived asset.
func (b *Backend) DeleteAsset(ctx context.Context, entity storage.Entity, assetKey string) error {
	return b.deleteKey(ctx, entity.AssetKey(assetKey))
}

// Type returns "drive".
func (b *Backend) Type() string { return "drive" }

// Close is a no-op for drive backends.
func (b *Backend) Close() error { return nil }
