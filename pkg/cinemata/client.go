// Package cinemata resolves canonical titles and years for IMDb IDs via the
// Cinemata remote addon.
package cinemata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

// Meta is the canonical metadata of one movie or show.
type Meta struct {
	Name string
	Year int
}

type ClientOptions struct {
	BaseURL  string
	CacheTTL time.Duration
}

func NewClientOpts(baseURL string, cacheTTL time.Duration) ClientOptions {
	return ClientOptions{
		BaseURL:  baseURL,
		CacheTTL: cacheTTL,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://v3-cinemeta.strem.io",
	CacheTTL: 30 * 24 * time.Hour,
}

type Client struct {
	baseURL  string
	upstream *httpclient.Upstream
	cache    *gocache.Cache
	logger   *zap.Logger
}

func NewClient(opts ClientOptions, pool *httpclient.Pool, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  opts.BaseURL,
		upstream: pool.Upstream("cinemata"),
		cache:    gocache.New(opts.CacheTTL, 24*time.Hour),
		logger:   logger,
	}
}

// GetMeta returns the canonical name and year for a bare IMDb ID.
// mediaType is "movie" or "series".
func (c *Client) GetMeta(ctx context.Context, mediaType, imdbID string) (Meta, error) {
	cacheKey := mediaType + ":" + imdbID

	// Check cache first
	if metaIface, found := c.cache.Get(cacheKey); found {
		if meta, ok := metaIface.(Meta); ok {
			c.logger.Debug("Hit cache for meta, returning result", zap.String("imdbID", imdbID))
			return meta, nil
		}
	}

	reqURL := c.baseURL + "/meta/" + mediaType + "/" + imdbID + ".json"

	var resBody []byte
	// One retry on transient failures; auth and parse errors don't get better
	// the second time.
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("Couldn't create GET request: %v", err))
			}
			res, outcome, err := c.upstream.Do(req)
			if err != nil {
				return fmt.Errorf("Couldn't GET %v (%v): %v", reqURL, outcome, err)
			}
			defer res.Body.Close()
			if outcome == httpclient.OutcomeBadStatus {
				if res.StatusCode >= 500 {
					return fmt.Errorf("Bad GET response: %v", res.StatusCode)
				}
				return retry.Unrecoverable(fmt.Errorf("Bad GET response: %v", res.StatusCode))
			}
			resBody, err = io.ReadAll(res.Body)
			if err != nil {
				return fmt.Errorf("Couldn't read response body: %v", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Meta{}, err
	}

	metaName := gjson.GetBytes(resBody, "meta.name").String()
	if metaName == "" {
		return Meta{}, fmt.Errorf("Couldn't find name in Cinemata response")
	}
	var metaYear int
	if yearString := gjson.GetBytes(resBody, "meta.year").String(); yearString != "" {
		// Series years look like "2011-2019"; the start year is what matters
		if len(yearString) > 4 {
			yearString = yearString[:4]
		}
		metaYear, err = strconv.Atoi(yearString)
		if err != nil {
			c.logger.Warn("Couldn't convert year string to int", zap.String("year", yearString), zap.String("imdbID", imdbID))
		}
	}

	meta := Meta{
		Name: metaName,
		Year: metaYear,
	}
	c.cache.SetDefault(cacheKey, meta)

	return meta, nil
}
