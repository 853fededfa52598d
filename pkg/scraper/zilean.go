package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

type ZileanOptions struct {
	BaseURL string
}

func NewZileanOpts(baseURL string) ZileanOptions {
	return ZileanOptions{
		BaseURL: baseURL,
	}
}

var DefaultZileanOpts = ZileanOptions{
	BaseURL: "http://localhost:8181",
}

var _ Scraper = (*ZileanClient)(nil)

// ZileanClient searches a Zilean instance, a DMM hashlist index.
// Zilean results carry no seeder counts.
type ZileanClient struct {
	baseURL  string
	upstream *httpclient.Upstream
	logger   *zap.Logger
}

func NewZileanClient(opts ZileanOptions, pool *httpclient.Pool, logger *zap.Logger) (*ZileanClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("opts.BaseURL must not be empty")
	}
	return &ZileanClient{
		baseURL:  opts.BaseURL,
		upstream: pool.Upstream("zilean"),
		logger:   logger,
	}, nil
}

// Name implements the Scraper interface.
func (c *ZileanClient) Name() string {
	return "zilean"
}

// Search implements the Scraper interface.
func (c *ZileanClient) Search(ctx context.Context, query Query) ([]Candidate, error) {
	reqBody, err := json.Marshal(map[string]string{"queryText": query.SearchKey})
	if err != nil {
		return nil, fmt.Errorf("Couldn't marshal request body: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dmm/search", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("Couldn't create POST request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, outcome, err := c.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't POST Zilean search (%v): %v", outcome, err)
	}
	defer res.Body.Close()
	if outcome == httpclient.OutcomeBadStatus {
		return nil, fmt.Errorf("Bad POST response: %v", res.StatusCode)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}

	var results []Candidate
	for _, entry := range gjson.ParseBytes(resBody).Array() {
		infoHash := strings.ToLower(entry.Get("info_hash").String())
		title := strings.TrimSpace(entry.Get("raw_title").String())
		if infoHash == "" || title == "" {
			continue
		}
		candidate := Candidate{
			InfoHash: infoHash,
			Title:    title,
			Size:     entry.Get("size").Int(),
			Tracker:  "zilean",
		}
		if query.Language != "" {
			candidate.Languages = []string{query.Language}
		}
		results = append(results, candidate)
	}
	c.logger.Debug("Zilean search finished", zap.Int("candidateCount", len(results)), zap.String("searchKey", query.SearchKey))
	return results, nil
}
