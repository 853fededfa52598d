package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

type BitmagnetOptions struct {
	BaseURL string
}

func NewBitmagnetOpts(baseURL string) BitmagnetOptions {
	return BitmagnetOptions{
		BaseURL: baseURL,
	}
}

var DefaultBitmagnetOpts = BitmagnetOptions{
	BaseURL: "http://localhost:3333",
}

var _ Scraper = (*BitmagnetClient)(nil)

// BitmagnetClient scrapes the HTML search results of a self-hosted bitmagnet
// DHT crawler gateway.
type BitmagnetClient struct {
	baseURL  string
	upstream *httpclient.Upstream
	logger   *zap.Logger
}

func NewBitmagnetClient(opts BitmagnetOptions, pool *httpclient.Pool, logger *zap.Logger) (*BitmagnetClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("opts.BaseURL must not be empty")
	}
	return &BitmagnetClient{
		baseURL:  opts.BaseURL,
		upstream: pool.Upstream("bitmagnet"),
		logger:   logger,
	}, nil
}

// Name implements the Scraper interface.
func (c *BitmagnetClient) Name() string {
	return "bitmagnet"
}

// Search implements the Scraper interface.
func (c *BitmagnetClient) Search(ctx context.Context, query Query) ([]Candidate, error) {
	reqURL := c.baseURL + "/search?q=" + url.QueryEscape(query.SearchKey)
	doc, err := c.getDoc(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var results []Candidate
	doc.Find(".table-list tbody tr").Each(func(i int, s *goquery.Selection) {
		magnet, ok := s.Find("a[href^='magnet:']").Attr("href")
		if !ok || magnet == "" {
			return
		}
		infoHash := infoHashFromMagnet(magnet)
		if infoHash == "" {
			return
		}
		title := strings.TrimSpace(s.Find(".name").Text())
		if title == "" {
			return
		}
		candidate := Candidate{
			InfoHash: infoHash,
			Title:    title,
			Tracker:  "bitmagnet",
		}
		candidate.Seeders, _ = strconv.Atoi(strings.TrimSpace(s.Find(".seeds").Text()))
		candidate.Size = parseHumanSize(strings.TrimSpace(s.Find(".size").Text()))
		if query.Language != "" {
			candidate.Languages = []string{query.Language}
		}
		results = append(results, candidate)
	})
	c.logger.Debug("Bitmagnet search finished", zap.Int("candidateCount", len(results)), zap.String("searchKey", query.SearchKey))
	return results, nil
}

func (c *BitmagnetClient) getDoc(ctx context.Context, reqURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	res, outcome, err := c.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't GET %v (%v): %v", reqURL, outcome, err)
	}
	defer res.Body.Close()
	if outcome == httpclient.OutcomeBadStatus {
		return nil, fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}

	// Load the HTML document
	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't load the HTML in goquery: %v", err)
	}

	return doc, nil
}

// parseHumanSize turns strings like "1.5 GB" or "734.2 MB" into bytes.
// Unknown formats yield 0.
func parseHumanSize(s string) int64 {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0
	}
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(parts[1]) {
	case "KB", "KIB":
		return int64(num * 1024)
	case "MB", "MIB":
		return int64(num * 1024 * 1024)
	case "GB", "GIB":
		return int64(num * 1024 * 1024 * 1024)
	case "TB", "TIB":
		return int64(num * 1024 * 1024 * 1024 * 1024)
	}
	return 0
}
