package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

type TorrentioOptions struct {
	BaseURL string
	// Provider and sorting options baked into the URL path, e.g. "sort=qualitysize"
	PathOptions string
}

func NewTorrentioOpts(baseURL, pathOptions string) TorrentioOptions {
	return TorrentioOptions{
		BaseURL:     baseURL,
		PathOptions: pathOptions,
	}
}

var DefaultTorrentioOpts = TorrentioOptions{
	BaseURL: "https://torrentio.strem.fun",
}

var (
	// Lines of a torrentio stream title look like:
	// "Some.Show.S02E05.1080p.WEB-DL.x265\n👤 42 💾 1.52 GB ⚙️ ThePirateBay\nMulti Audio / 🇬🇧 / 🇫🇷"
	torrentioSeedersRx = regexp.MustCompile(`👤 (\d+)`)
	torrentioSizeRx    = regexp.MustCompile(`💾 ([\d.]+) (GB|MB)`)
	torrentioSourceRx  = regexp.MustCompile(`⚙️ (\S+)`)
)

var _ Scraper = (*TorrentioClient)(nil)

// TorrentioClient scrapes the torrentio Stremio addon, which aggregates most
// public torrent indexers behind one JSON endpoint.
type TorrentioClient struct {
	baseURL     string
	pathOptions string
	upstream    *httpclient.Upstream
	logger      *zap.Logger
}

func NewTorrentioClient(opts TorrentioOptions, pool *httpclient.Pool, logger *zap.Logger) *TorrentioClient {
	return &TorrentioClient{
		baseURL:     opts.BaseURL,
		pathOptions: opts.PathOptions,
		upstream:    pool.Upstream("torrentio"),
		logger:      logger,
	}
}

// Name implements the Scraper interface.
func (c *TorrentioClient) Name() string {
	return "torrentio"
}

// Search implements the Scraper interface.
func (c *TorrentioClient) Search(ctx context.Context, query Query) ([]Candidate, error) {
	id := query.IMDBID
	if query.Type == "series" {
		id = fmt.Sprintf("%v:%v:%v", query.IMDBID, query.Season, query.Episode)
	}
	reqURL := c.baseURL
	if c.pathOptions != "" {
		reqURL += "/" + c.pathOptions
	}
	reqURL += "/stream/" + query.Type + "/" + id + ".json"

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
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}

	var results []Candidate
	for _, stream := range gjson.GetBytes(resBody, "streams").Array() {
		infoHash := strings.ToLower(stream.Get("infoHash").String())
		if infoHash == "" {
			continue
		}
		title := stream.Get("title").String()
		lines := strings.SplitN(title, "\n", 2)
		releaseName := strings.TrimSpace(lines[0])
		if releaseName == "" {
			continue
		}
		candidate := Candidate{
			InfoHash: infoHash,
			Title:    releaseName,
			Tracker:  "torrentio",
		}
		if m := torrentioSeedersRx.FindStringSubmatch(title); m != nil {
			candidate.Seeders, _ = strconv.Atoi(m[1])
		}
		if m := torrentioSizeRx.FindStringSubmatch(title); m != nil {
			size, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				if m[2] == "GB" {
					candidate.Size = int64(size * 1024 * 1024 * 1024)
				} else {
					candidate.Size = int64(size * 1024 * 1024)
				}
			}
		}
		if m := torrentioSourceRx.FindStringSubmatch(title); m != nil {
			candidate.Tracker = m[1]
		}
		if query.Language != "" {
			candidate.Languages = []string{query.Language}
		}
		results = append(results, candidate)
	}
	c.logger.Debug("Torrentio search finished", zap.Int("candidateCount", len(results)), zap.String("searchKey", query.SearchKey))
	return results, nil
}
