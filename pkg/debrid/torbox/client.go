package torbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

type ClientOptions struct {
	BaseURL string
}

func NewClientOpts(baseURL string) ClientOptions {
	return ClientOptions{
		BaseURL: baseURL,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL: "https://api.torbox.app",
}

var (
	_ debrid.Service       = (*Client)(nil)
	_ debrid.PackInspector = (*Client)(nil)
)

// Client is the TorBox driver. TorBox returns file listings straight from its
// cache-check endpoint, so pack inspection needs no adding and no cleanup.
type Client struct {
	baseURL  string
	apiKey   string
	upstream *httpclient.Upstream
	logger   *zap.Logger
}

func NewClient(opts ClientOptions, apiKey string, pool *httpclient.Pool, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("opts.BaseURL must not be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey must not be empty")
	}
	return &Client{
		baseURL:  opts.BaseURL,
		apiKey:   apiKey,
		upstream: pool.Upstream("torbox"),
		logger:   logger,
	}, nil
}

// ID implements the debrid.Service interface.
func (c *Client) ID() string {
	return "torbox"
}

// CheckHashes implements the debrid.Service interface.
func (c *Client) CheckHashes(ctx context.Context, infoHashes []string) (map[string]struct{}, error) {
	if len(infoHashes) == 0 {
		return map[string]struct{}{}, nil
	}
	resBytes, err := c.checkCached(ctx, infoHashes, false)
	if err != nil {
		return nil, err
	}
	result := map[string]struct{}{}
	gjson.GetBytes(resBytes, "data").ForEach(func(key, value gjson.Result) bool {
		if value.Exists() && value.Get("hash").String() != "" {
			result[strings.ToLower(value.Get("hash").String())] = struct{}{}
		}
		return true
	})
	return result, nil
}

// InspectPacks implements the debrid.PackInspector interface.
// The cache-check endpoint can list the files of cached torrents, so all packs
// are inspected with a single request.
func (c *Client) InspectPacks(ctx context.Context, infoHashes []string, season, episode int) (map[string]*debrid.PackHint, error) {
	if len(infoHashes) == 0 {
		return map[string]*debrid.PackHint{}, nil
	}
	resBytes, err := c.checkCached(ctx, infoHashes, true)
	if err != nil {
		return nil, err
	}
	hints := map[string]*debrid.PackHint{}
	gjson.GetBytes(resBytes, "data").ForEach(func(key, value gjson.Result) bool {
		infoHash := strings.ToLower(value.Get("hash").String())
		if infoHash == "" {
			return true
		}
		var hint *debrid.PackHint
		for _, file := range value.Get("files").Array() {
			fileName := file.Get("name").String()
			if !titles.HasEpisodeMarker(fileName, season, episode) {
				continue
			}
			fileBytes := file.Get("size").Int()
			if hint == nil || fileBytes > hint.FileBytes {
				hint = &debrid.PackHint{
					FilePath:  fileName,
					FileBytes: fileBytes,
				}
			}
		}
		if hint != nil {
			hints[infoHash] = hint
		}
		return true
	})
	return hints, nil
}

func (c *Client) checkCached(ctx context.Context, infoHashes []string, listFiles bool) ([]byte, error) {
	query := url.Values{}
	query.Set("hash", strings.Join(infoHashes, ","))
	query.Set("format", "object")
	if listFiles {
		query.Set("list_files", "true")
	}
	reqURL := c.baseURL + "/v1/api/torrents/checkcached?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, outcome, err := c.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check cached torrents on torbox.app (%v): %v", outcome, err)
	}
	defer res.Body.Close()

	if outcome == httpclient.OutcomeBadStatus {
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("bad HTTP response status: %v: %w", res.Status, debrid.ErrAuth)
		}
		return nil, fmt.Errorf("bad HTTP response status: %v (GET request to '%v')", res.Status, reqURL)
	}

	return io.ReadAll(res.Body)
}
