// Package catalog integrates the third-party recipe/video catalog used
// by the search operation.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/S-Corkum/fitcoach-server/internal/models"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// Catalog is the external recipe/video lookup contract
type Catalog interface {
	SearchRecipes(ctx context.Context, query string, page int) (*models.SearchPage, error)
	SearchVideos(ctx context.Context, query string, page int) (*models.SearchPage, error)
}

// Config holds configuration for the HTTP catalog client
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	PageSize       int           `mapstructure:"page_size"`
}

// HTTPCatalog implements Catalog against a JSON search API
type HTTPCatalog struct {
	httpClient *http.Client
	config     Config
	logger     observability.Logger
}

// NewHTTPCatalog creates an HTTP-backed catalog client
func NewHTTPCatalog(cfg Config, logger observability.Logger) *HTTPCatalog {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if logger == nil {
		logger = observability.NewLogger("catalog")
	}
	return &HTTPCatalog{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		config:     cfg,
		logger:     logger,
	}
}

// SearchRecipes queries the catalog's recipe index
func (c *HTTPCatalog) SearchRecipes(ctx context.Context, query string, page int) (*models.SearchPage, error) {
	return c.search(ctx, "recipes", query, page)
}

// SearchVideos queries the catalog's video index
func (c *HTTPCatalog) SearchVideos(ctx context.Context, query string, page int) (*models.SearchPage, error) {
	return c.search(ctx, "videos", query, page)
}

// searchResponse is the catalog's wire shape
type searchResponse struct {
	Total   int                   `json:"total"`
	Results []models.SearchResult `json:"results"`
}

func (c *HTTPCatalog) search(ctx context.Context, index, query string, page int) (*models.SearchPage, error) {
	if page < 1 {
		page = 1
	}

	endpoint := fmt.Sprintf("%s/v1/%s/search", c.config.BaseURL, index)
	params := url.Values{}
	params.Set("q", query)
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(c.config.PageSize))

	var decoded searchResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("catalog returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("catalog returned %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode catalog response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("catalog %s search failed: %w", index, err)
	}

	return &models.SearchPage{
		Query:   query,
		Page:    page,
		Total:   decoded.Total,
		Results: decoded.Results,
	}, nil
}
