package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

type JackettOptions struct {
	BaseURL string
	APIKey  string
}

func NewJackettOpts(baseURL, apiKey string) JackettOptions {
	return JackettOptions{
		BaseURL: baseURL,
		APIKey:  apiKey,
	}
}

var DefaultJackettOpts = JackettOptions{
	BaseURL: "http://localhost:9117",
}

var _ Scraper = (*JackettClient)(nil)

// JackettClient queries a self-hosted Jackett instance, which fans out to all
// configured indexers itself and returns a flattened result list.
type JackettClient struct {
	baseURL  string
	apiKey   string
	upstream *httpclient.Upstream
	logger   *zap.Logger
}

func NewJackettClient(opts JackettOptions, pool *httpclient.Pool, logger *zap.Logger) (*JackettClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("opts.BaseURL must not be empty")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("opts.APIKey must not be empty")
	}
	return &JackettClient{
		baseURL:  opts.BaseURL,
		apiKey:   opts.APIKey,
		upstream: pool.Upstream("jackett"),
		logger:   logger,
	}, nil
}

// Name implements the Scraper interface.
func (c *JackettClient) Name() string {
	return "jackett"
}

// Search implements the Scraper interface.
func (c *JackettClient) Search(ctx context.Context, query Query) ([]Candidate, error) {
	params := url.Values{}
	params.Set("apikey", c.apiKey)
	params.Set("Query", query.SearchKey)
	reqURL := c.baseURL + "/api/v2.0/indexers/all/results?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	res, outcome, err := c.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't GET Jackett results (%v): %v", outcome, err)
	}
	defer res.Body.Close()
	if outcome == httpclient.OutcomeBadStatus {
		return nil, fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}

	var results []Candidate
	for _, entry := range gjson.GetBytes(resBody, "Results").Array() {
		infoHash := strings.ToLower(entry.Get("InfoHash").String())
		if infoHash == "" {
			infoHash = infoHashFromMagnet(entry.Get("MagnetUri").String())
		}
		if infoHash == "" {
			continue
		}
		title := strings.TrimSpace(entry.Get("Title").String())
		if title == "" {
			continue
		}
		candidate := Candidate{
			InfoHash: infoHash,
			Title:    title,
			Size:     entry.Get("Size").Int(),
			Tracker:  entry.Get("Tracker").String(),
			Seeders:  int(entry.Get("Seeders").Int()),
		}
		if query.Language != "" {
			candidate.Languages = []string{query.Language}
		}
		results = append(results, candidate)
	}
	c.logger.Debug("Jackett search finished", zap.Int("candidateCount", len(results)), zap.String("searchKey", query.SearchKey))
	return results, nil
}
