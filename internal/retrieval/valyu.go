package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ashureev/mandry/internal/domain"
)

const (
	valyuAPIURL      = "https://api.valyu.network/v1/deepsearch"
	defaultRateLimit = 2.0 // requests per second
	defaultTimeout   = 8 * time.Second
	maxSnippetLen    = 500
	maxResponseBytes = 2 << 20
)

// ValyuConfig configures the Valyu search client.
type ValyuConfig struct {
	APIKey    string
	BaseURL   string
	RateLimit float64       // requests per second
	Timeout   time.Duration // per request
}

// ValyuClient searches the web through the Valyu deep search API.
type ValyuClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewValyu creates a Valyu client.
func NewValyu(cfg ValyuConfig, logger *slog.Logger) (*ValyuClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("valyu API key required: set VALYU_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = valyuAPIURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ValyuClient{
		apiKey: cfg.APIKey,
		url:    cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  logger,
	}, nil
}

type valyuRequest struct {
	Query              string  `json:"query"`
	SearchType         string  `json:"search_type"`
	MaxNumResults      int     `json:"max_num_results"`
	RelevanceThreshold float64 `json:"relevance_threshold"`
	MaxPrice           int     `json:"max_price"`
	IsToolCall         bool    `json:"is_tool_call"`
}

// Search runs query and returns at most limit sources in backend order.
func (c *ValyuClient) Search(ctx context.Context, query string, limit int) ([]domain.Source, error) {
	if limit <= 0 {
		limit = 3
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrRetrievalUnavailable, err)
	}

	body, err := json.Marshal(valyuRequest{
		Query:              query,
		SearchType:         "web",
		MaxNumResults:      limit,
		RelevanceThreshold: 0.5,
		MaxPrice:           10,
		IsToolCall:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRetrievalUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrRetrievalUnavailable, resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: malformed response", ErrRetrievalUnavailable)
	}

	sources := parseResults(raw, limit)
	c.logger.Debug("valyu search", "query", query, "results", len(sources), "duration", time.Since(start))
	return sources, nil
}

// parseResults normalises the result list. Valyu has used several field
// names over time, so each field is looked up under all known aliases.
func parseResults(raw []byte, limit int) []domain.Source {
	list := gjson.GetBytes(raw, "results")
	if !list.IsArray() {
		list = gjson.GetBytes(raw, "data")
	}
	if !list.IsArray() {
		return nil
	}

	var out []domain.Source
	for _, item := range list.Array() {
		if len(out) >= limit {
			break
		}
		if !item.IsObject() {
			continue
		}
		src := domain.Source{
			Title:   firstString(item, "title", "name", "heading"),
			URL:     firstString(item, "url", "link", "source_url"),
			Snippet: firstString(item, "snippet", "description", "content", "text", "summary"),
		}
		if src.URL == "" && src.Title == "" {
			continue
		}
		if src.Title == "" {
			src.Title = "Untitled"
		}
		src.Snippet = truncate(src.Snippet, maxSnippetLen)
		out = append(out, src)
	}
	return out
}

func firstString(item gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(item.Get(k).String()); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
