// Package confluence is a thin client over the Confluence Cloud REST API
// plus a space indexer that feeds pages through the docs parser into a
// project collection.
package confluence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/config"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
)

// Space is one Confluence space.
type Space struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Page is one Confluence page summary.
type Page struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Space string `json:"space,omitempty"`
}

// Client talks to the Confluence Cloud REST API with basic auth.
type Client struct {
	baseURL string
	email   string
	token   config.Secret
	http    *http.Client
	breaker *reliability.Breaker
	retry   reliability.RetryConfig
	logger  *zap.Logger
}

// NewClient creates the Confluence client. Returns CONFIGURATION_ERROR when
// credentials are missing.
func NewClient(cfg config.ConfluenceConfig, breakers *reliability.Registry, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || !cfg.APIToken.IsSet() {
		return nil, errs.Configuration("confluence requires base_url, email, and api_token")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		email:   cfg.Email,
		token:   cfg.APIToken,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: breakers.Get(reliability.DepConfluence),
		retry:   reliability.DefaultRetryConfig(),
		logger:  logger.Named("confluence"),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return reliability.WithRetry(ctx, reliability.DepConfluence, c.retry, func(ctx context.Context) error {
			u := c.baseURL + path
			if len(query) > 0 {
				u += "?" + query.Encode()
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return errs.External(reliability.DepConfluence, err)
			}
			req.SetBasicAuth(c.email, c.token.Value())
			req.Header.Set("Accept", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return errs.External(reliability.DepConfluence, err)
			}
			defer resp.Body.Close()

			if err := classifyHTTP(resp); err != nil {
				return err
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
	})
}

// classifyHTTP maps non-2xx responses onto the error taxonomy.
func classifyHTTP(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Auth("confluence rejected the credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 0 * time.Second
		if v, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil {
			retryAfter = v
		}
		return errs.RateLimited("confluence rate limited", retryAfter)
	case resp.StatusCode >= 500:
		return errs.External(reliability.DepConfluence,
			fmt.Errorf("confluence returned %d: %s", resp.StatusCode, body))
	default:
		return errs.Validationf("confluence returned %d: %s", resp.StatusCode, body)
	}
}

// Status probes authentication by fetching the current user.
func (c *Client) Status(ctx context.Context) error {
	var out struct {
		AccountID string `json:"accountId"`
	}
	return c.get(ctx, "/wiki/rest/api/user/current", nil, &out)
}

// Spaces lists the visible spaces.
func (c *Client) Spaces(ctx context.Context) ([]Space, error) {
	var out struct {
		Results []struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"results"`
	}
	q := url.Values{"limit": {"100"}}
	if err := c.get(ctx, "/wiki/rest/api/space", q, &out); err != nil {
		return nil, err
	}
	spaces := make([]Space, 0, len(out.Results))
	for _, s := range out.Results {
		spaces = append(spaces, Space{Key: s.Key, Name: s.Name})
	}
	return spaces, nil
}

// SearchPages runs a CQL query and returns matching pages.
func (c *Client) SearchPages(ctx context.Context, cql string, limit int) ([]Page, error) {
	if cql == "" {
		return nil, errs.Validationf("cql query is required")
	}
	if limit <= 0 {
		limit = 25
	}
	var out struct {
		Results []struct {
			Content struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"content"`
			Space struct {
				Key string `json:"key"`
			} `json:"resultGlobalContainer"`
		} `json:"results"`
	}
	q := url.Values{"cql": {cql}, "limit": {fmt.Sprint(limit)}}
	if err := c.get(ctx, "/wiki/rest/api/search", q, &out); err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Content.ID == "" {
			continue
		}
		pages = append(pages, Page{ID: r.Content.ID, Title: r.Content.Title, Space: r.Space.Key})
	}
	return pages, nil
}

// SpacePages lists the pages of one space.
func (c *Client) SpacePages(ctx context.Context, spaceKey string, limit int) ([]Page, error) {
	if spaceKey == "" {
		return nil, errs.Validationf("space key is required")
	}
	if limit <= 0 {
		limit = 100
	}
	var out struct {
		Results []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"results"`
	}
	q := url.Values{
		"spaceKey": {spaceKey},
		"type":     {"page"},
		"limit":    {fmt.Sprint(limit)},
	}
	if err := c.get(ctx, "/wiki/rest/api/content", q, &out); err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(out.Results))
	for _, r := range out.Results {
		pages = append(pages, Page{ID: r.ID, Title: r.Title, Space: spaceKey})
	}
	return pages, nil
}

// PageBody fetches a page's storage-format body and strips it to plain text.
func (c *Client) PageBody(ctx context.Context, id string) (string, error) {
	var out struct {
		Body struct {
			Storage struct {
				Value string `json:"value"`
			} `json:"storage"`
		} `json:"body"`
	}
	q := url.Values{"expand": {"body.storage"}}
	if err := c.get(ctx, "/wiki/rest/api/content/"+url.PathEscape(id), q, &out); err != nil {
		return "", err
	}
	return stripStorageHTML(out.Body.Storage.Value), nil
}

var (
	blockCloseTag = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|table|ul|ol|blockquote)>`)
	brTag         = regexp.MustCompile(`(?i)<br\s*/?>`)
	anyTag        = regexp.MustCompile(`<[^>]+>`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// stripStorageHTML reduces Confluence storage-format markup to readable
// text, keeping paragraph boundaries as newlines.
func stripStorageHTML(s string) string {
	s = brTag.ReplaceAllString(s, "\n")
	s = blockCloseTag.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
