package onemap

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/velocityfibre/onemap-sync/internal/resilience"
)

const attributesPath = "/api/apps/app/getattributes"

// SearchOptions selects one page of a layer search.
type SearchOptions struct {
	LayerID string
	Page    int
	Limit   int
}

// PageOptions controls a multi-page scan.
type PageOptions struct {
	// MaxPages caps the number of pages fetched. Zero means no cap.
	MaxPages int
	LayerID  string
	Limit    int
	// OnProgress is called after each page with the running record count.
	OnProgress func(page, totalPages, recordsSoFar int)
}

// SearchResult is one page of the attributes endpoint.
type SearchResult struct {
	Success     bool
	Result      []Record
	TotalPages  int
	CurrentPage int
}

// Page is one streamed page of a scan.
type Page struct {
	Number     int
	TotalPages int
	Records    []Record
}

// UnmarshalJSON tolerates total_pages and current_page sent as floats or
// strings. Fractional page counts round up.
func (r *SearchResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success     bool            `json:"success"`
		Result      []Record        `json:"result"`
		TotalPages  json.RawMessage `json:"total_pages"`
		CurrentPage json.RawMessage `json:"current_page"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "onemap: decode search result")
	}
	r.Success = raw.Success
	r.Result = raw.Result
	r.TotalPages = pageCount(raw.TotalPages)
	r.CurrentPage = pageCount(raw.CurrentPage)
	return nil
}

func pageCount(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || v < 0 {
		return 0
	}
	return int(math.Ceil(v))
}

func (o SearchOptions) withDefaults(layerID string, pageSize int) SearchOptions {
	if o.LayerID == "" {
		o.LayerID = layerID
	}
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = pageSize
	}
	return o
}

func (c *httpClient) SearchInstallations(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	opts = opts.withDefaults(c.layerID, c.pageSize)

	return resilience.Retry(ctx, c.retry, func(ctx context.Context) (*SearchResult, error) {
		if c.breaker == nil {
			return c.search(ctx, query, opts)
		}
		return resilience.Guard(ctx, c.breaker, func(ctx context.Context) (*SearchResult, error) {
			return c.search(ctx, query, opts)
		})
	})
}

func (c *httpClient) search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	s, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	start := (opts.Page - 1) * opts.Limit
	form := url.Values{}
	form.Set("ungeocoded", "false")
	form.Set("left", "0")
	form.Set("bottom", "0")
	form.Set("right", "0")
	form.Set("top", "0")
	form.Set("selfilter", "")
	form.Set("action", "get")
	form.Set("email", c.email)
	form.Set("layerid", opts.LayerID)
	form.Set("sort", "prop_id")
	form.Set("templateExpression", "")
	form.Set("q", query)
	form.Set("page", strconv.Itoa(opts.Page))
	form.Set("start", strconv.Itoa(start))
	form.Set("limit", strconv.Itoa(opts.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+attributesPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "onemap: create search request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Cookie", s.cookieHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "onemap: search request")
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, eris.Wrap(readErr, "onemap: read search response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			c.invalidate()
		}
		c.log.Error("search failed",
			zap.String("query", query),
			zap.Int("page", opts.Page),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       truncate(string(body), 512),
		}
	}

	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "onemap: unmarshal search response")
	}

	c.log.Debug("search completed",
		zap.String("query", query),
		zap.Int("page", opts.Page),
		zap.Int("results", len(result.Result)),
		zap.Int("total_pages", result.TotalPages),
	)
	return &result, nil
}

func (c *httpClient) Pages(ctx context.Context, query string, opts PageOptions, fn func(Page) error) error {
	fetched := 0
	for page := 1; ; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "onemap: wait for page slot")
		}

		res, err := c.SearchInstallations(ctx, query, SearchOptions{
			LayerID: opts.LayerID,
			Page:    page,
			Limit:   opts.Limit,
		})
		if err != nil {
			return eris.Wrapf(err, "onemap: fetch page %d of %q", page, query)
		}
		if !res.Success || res.Result == nil {
			c.log.Debug("scan stopped by source", zap.String("query", query), zap.Int("page", page))
			return nil
		}

		fetched += len(res.Result)
		if err := fn(Page{Number: page, TotalPages: res.TotalPages, Records: res.Result}); err != nil {
			return err
		}
		if opts.OnProgress != nil {
			opts.OnProgress(page, res.TotalPages, fetched)
		}

		if page >= res.TotalPages {
			return nil
		}
		if opts.MaxPages > 0 && page >= opts.MaxPages {
			c.log.Info("reached max pages limit", zap.String("query", query), zap.Int("max_pages", opts.MaxPages))
			return nil
		}
	}
}

func (c *httpClient) GetAllInstallations(ctx context.Context, site string, opts PageOptions) ([]Record, error) {
	c.log.Info("fetching all drops", zap.String("site", site))

	var all []Record
	pages := 0
	err := c.Pages(ctx, site, opts, func(p Page) error {
		all = append(all, p.Records...)
		pages = p.Number
		return nil
	})
	if err != nil {
		return all, err
	}

	c.log.Info("completed fetching drops",
		zap.String("site", site),
		zap.Int("total_records", len(all)),
		zap.Int("pages", pages),
	)
	return all, nil
}

func (c *httpClient) GetAllSiteInstallations(ctx context.Context, sites []string, maxPagesPerSite int, onSiteProgress func(site string, percent int)) (map[string][]Record, error) {
	results := make(map[string][]Record, len(sites))
	for _, site := range sites {
		opts := PageOptions{MaxPages: maxPagesPerSite}
		if onSiteProgress != nil {
			opts.OnProgress = func(page, totalPages, _ int) {
				percent := 100
				if totalPages > 0 {
					percent = int(math.Round(float64(page) / float64(totalPages) * 100))
				}
				onSiteProgress(site, percent)
			}
		}

		records, err := c.GetAllInstallations(ctx, site, opts)
		if err != nil {
			return results, eris.Wrapf(err, "onemap: fetch site %s", site)
		}
		results[site] = records
	}
	return results, nil
}

func (c *httpClient) GetDR(ctx context.Context, drNumber string) (*Record, error) {
	res, err := c.SearchInstallations(ctx, drNumber, SearchOptions{Limit: 10})
	if err != nil {
		return nil, eris.Wrapf(err, "onemap: lookup %s", drNumber)
	}
	if !res.Success {
		return nil, nil
	}
	for i := range res.Result {
		if res.Result[i].DRP == drNumber {
			return &res.Result[i], nil
		}
	}
	return nil, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
