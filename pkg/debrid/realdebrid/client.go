package realdebrid

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

type ClientOptions struct {
	BaseURL      string
	ExtraHeaders map[string]string
}

func NewClientOpts(baseURL string, extraHeaders map[string]string) ClientOptions {
	return ClientOptions{
		BaseURL:      baseURL,
		ExtraHeaders: extraHeaders,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL: "https://api.real-debrid.com",
}

var (
	_ debrid.Service       = (*Client)(nil)
	_ debrid.LiveChecker   = (*Client)(nil)
	_ debrid.PackInspector = (*Client)(nil)
	_ debrid.Cleaner       = (*Client)(nil)
)

// Client is the RealDebrid driver. A client is created per request with the
// user's API token; Cleanup removes any torrents that pack inspection added.
type Client struct {
	baseURL      string
	apiToken     string
	upstream     *httpclient.Upstream
	extraHeaders map[string]string

	lock            sync.Mutex
	addedTorrentIDs []string

	logger *zap.Logger
}

func NewClient(opts ClientOptions, apiToken string, pool *httpclient.Pool, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("opts.BaseURL must not be empty")
	}
	if apiToken == "" {
		return nil, fmt.Errorf("apiToken must not be empty")
	}
	return &Client{
		baseURL:      opts.BaseURL,
		apiToken:     apiToken,
		upstream:     pool.Upstream("realdebrid"),
		extraHeaders: opts.ExtraHeaders,
		logger:       logger,
	}, nil
}

// ID implements the debrid.Service interface.
func (c *Client) ID() string {
	return "realdebrid"
}

// CheckHashes implements the debrid.Service interface.
// It asks the instant availability endpoint for all hashes in one request.
func (c *Client) CheckHashes(ctx context.Context, infoHashes []string) (map[string]struct{}, error) {
	if len(infoHashes) == 0 {
		return map[string]struct{}{}, nil
	}
	reqURL := c.baseURL + "/rest/1.0/torrents/instantAvailability/" + strings.Join(infoHashes, "/")
	resBytes, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check instant availability on real-debrid.com: %w", err)
	}
	result := map[string]struct{}{}
	gjson.ParseBytes(resBytes).ForEach(func(key, value gjson.Result) bool {
		// A non-empty "rd" array means a streamable file of the torrent is cached
		if len(value.Get("rd").Array()) > 0 {
			result[strings.ToLower(key.String())] = struct{}{}
		}
		return true
	})
	return result, nil
}

// CheckHash implements the debrid.LiveChecker interface.
func (c *Client) CheckHash(ctx context.Context, infoHash string) (bool, error) {
	cached, err := c.CheckHashes(ctx, []string{infoHash})
	if err != nil {
		return false, err
	}
	_, found := cached[strings.ToLower(infoHash)]
	return found, nil
}

// InspectPacks implements the debrid.PackInspector interface.
// RealDebrid has no file listing for un-added torrents, so each pack is added
// as a magnet, its file list fetched, and the added torrent remembered for Cleanup.
func (c *Client) InspectPacks(ctx context.Context, infoHashes []string, season, episode int) (map[string]*debrid.PackHint, error) {
	hints := map[string]*debrid.PackHint{}
	for _, infoHash := range infoHashes {
		if ctx.Err() != nil {
			return hints, ctx.Err()
		}
		hint, err := c.inspectPack(ctx, infoHash, season, episode)
		if err != nil {
			c.logger.Warn("Couldn't inspect season pack", zap.Error(err), zap.String("infoHash", infoHash))
			continue
		}
		if hint != nil {
			hints[strings.ToLower(infoHash)] = hint
		}
	}
	return hints, nil
}

func (c *Client) inspectPack(ctx context.Context, infoHash string, season, episode int) (*debrid.PackHint, error) {
	magnetURL := "magnet:?xt=urn:btih:" + infoHash
	data := url.Values{}
	data.Set("magnet", magnetURL)
	resBytes, err := c.post(ctx, c.baseURL+"/rest/1.0/torrents/addMagnet", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add magnet for pack inspection: %w", err)
	}
	torrentID := gjson.GetBytes(resBytes, "id").String()
	if torrentID == "" {
		return nil, fmt.Errorf("Couldn't add magnet for pack inspection: response body doesn't contain \"id\" key")
	}
	c.lock.Lock()
	c.addedTorrentIDs = append(c.addedTorrentIDs, torrentID)
	c.lock.Unlock()

	resBytes, err = c.get(ctx, c.baseURL+"/rest/1.0/torrents/info/"+torrentID)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get torrent info for pack inspection: %w", err)
	}

	var hint *debrid.PackHint
	for _, file := range gjson.GetBytes(resBytes, "files").Array() {
		filePath := file.Get("path").String()
		if !titles.HasEpisodeMarker(filePath, season, episode) {
			continue
		}
		fileBytes := file.Get("bytes").Int()
		// Prefer the largest matching file; samples can carry the marker too
		if hint == nil || fileBytes > hint.FileBytes {
			hint = &debrid.PackHint{
				FilePath:  filePath,
				FileBytes: fileBytes,
				TorrentID: torrentID,
				FileID:    file.Get("id").String(),
			}
		}
	}
	return hint, nil
}

// Cleanup implements the debrid.Cleaner interface.
// It deletes every torrent that pack inspection added during the request.
func (c *Client) Cleanup(ctx context.Context) error {
	c.lock.Lock()
	torrentIDs := c.addedTorrentIDs
	c.addedTorrentIDs = nil
	c.lock.Unlock()

	for _, torrentID := range torrentIDs {
		if err := c.delete(ctx, c.baseURL+"/rest/1.0/torrents/delete/"+torrentID); err != nil {
			c.logger.Warn("Couldn't delete torrent during cleanup", zap.Error(err), zap.String("torrentID", torrentID))
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, reqURL string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("Couldn't create POST request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) delete(ctx context.Context, reqURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("Couldn't create DELETE request: %v", err)
	}
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	for headerKey, headerVal := range c.extraHeaders {
		req.Header.Add(headerKey, headerVal)
	}

	res, outcome, err := c.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send %v request (%v): %v", req.Method, outcome, err)
	}
	defer res.Body.Close()

	if outcome == httpclient.OutcomeBadStatus {
		if res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("Invalid token: %w", debrid.ErrAuth)
		} else if res.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("Account locked: %w", debrid.ErrAuth)
		}
		resBody, _ := io.ReadAll(res.Body)
		if len(resBody) == 0 {
			return nil, fmt.Errorf("bad HTTP response status: %v (%v request to '%v')", res.Status, req.Method, req.URL)
		}
		return nil, fmt.Errorf("bad HTTP response status: %v (%v request to '%v'; response body: '%s')", res.Status, req.Method, req.URL, resBody)
	}

	return io.ReadAll(res.Body)
}
