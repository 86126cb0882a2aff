// Package media retrieves chat transport files through an ordered chain of
// fallback strategies.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// MaxAssetBytes is the default download cap. The Bot API does not serve
// files larger than 20 MB.
const MaxAssetBytes int64 = 20 * 1024 * 1024

// Strategy is one way of turning a file reference into bytes.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// URLResolver resolves a file reference to a direct download URL.
type URLResolver interface {
	FileURL(ctx context.Context, fileRef string) (string, error)
}

// Chain tries strategies in order until one returns non-empty content.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain creates a Chain over strategies.
func NewChain(log *slog.Logger, strategies ...Strategy) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{strategies: strategies, logger: log}
}

// Result is the content returned by a Chain and the strategy that produced it.
type Result struct {
	Data     []byte
	Strategy string
}

// Fetch runs the chain. If every strategy fails the error wraps
// ErrFileRetrievalExhausted and each strategy's error.
func (c *Chain) Fetch(ctx context.Context, ref string) (Result, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Result{}, fmt.Errorf("file reference is required")
	}
	errs := make([]error, 0, len(c.strategies))
	for _, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		data, err := strategy.Fetch(ctx, ref)
		if err == nil && len(data) == 0 {
			err = ErrEmptyContent
		}
		if err != nil {
			c.logger.Warn(
				"file strategy failed",
				slog.String("strategy", strategy.Name()),
				slog.String("file_ref", ref),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", strategy.Name(), err))
			continue
		}
		return Result{Data: data, Strategy: strategy.Name()}, nil
	}
	return Result{}, fmt.Errorf("%w: %w", ErrFileRetrievalExhausted, errors.Join(errs...))
}

// DirectStrategy downloads from the transport's own file URL.
type DirectStrategy struct {
	Resolver URLResolver
	Client   *http.Client
	MaxBytes int64
}

func (s DirectStrategy) Name() string { return "direct" }

func (s DirectStrategy) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if s.Resolver == nil {
		return nil, fmt.Errorf("file url resolver not configured")
	}
	fileURL, err := s.Resolver.FileURL(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	return download(ctx, s.Client, fileURL, s.MaxBytes)
}

// RelayStrategy downloads the transport file URL through an intermediary.
// Template must contain "{url}", replaced by the query-escaped file URL.
type RelayStrategy struct {
	Label    string
	Template string
	Resolver URLResolver
	Client   *http.Client
	MaxBytes int64
}

func (s RelayStrategy) Name() string {
	if s.Label == "" {
		return "relay"
	}
	return "relay:" + s.Label
}

func (s RelayStrategy) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if !strings.Contains(s.Template, "{url}") {
		return nil, fmt.Errorf("relay template must contain {url}")
	}
	if s.Resolver == nil {
		return nil, fmt.Errorf("file url resolver not configured")
	}
	fileURL, err := s.Resolver.FileURL(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	relayURL := strings.ReplaceAll(s.Template, "{url}", url.QueryEscape(fileURL))
	return download(ctx, s.Client, relayURL, s.MaxBytes)
}

// ServerOnlyStrategy stands in for retrieval through a dedicated server
// component. It always fails with ErrUnsupportedEnvironment.
type ServerOnlyStrategy struct{}

func (ServerOnlyStrategy) Name() string { return "server" }

func (ServerOnlyStrategy) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return nil, ErrUnsupportedEnvironment
}

func download(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("download status: %d", resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return ReadAllWithLimit(resp.Body, maxBytes)
}

// ReadAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}
