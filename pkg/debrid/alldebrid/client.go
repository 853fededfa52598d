package alldebrid

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
)

// AllDebrid wants to know which application is calling its API
const agent = "debrid-search"

type ClientOptions struct {
	BaseURL string
}

func NewClientOpts(baseURL string) ClientOptions {
	return ClientOptions{
		BaseURL: baseURL,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL: "https://api.alldebrid.com",
}

var (
	_ debrid.Service     = (*Client)(nil)
	_ debrid.LiveChecker = (*Client)(nil)
)

// Client is the AllDebrid driver. AllDebrid has no torrent file listing for
// cache members, so the driver declares neither pack inspection nor cleanup.
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
		upstream: pool.Upstream("alldebrid"),
		logger:   logger,
	}, nil
}

// ID implements the debrid.Service interface.
func (c *Client) ID() string {
	return "alldebrid"
}

// CheckHashes implements the debrid.Service interface.
func (c *Client) CheckHashes(ctx context.Context, infoHashes []string) (map[string]struct{}, error) {
	if len(infoHashes) == 0 {
		return map[string]struct{}{}, nil
	}
	data := url.Values{}
	data.Set("agent", agent)
	data.Set("apikey", c.apiKey)
	for _, infoHash := range infoHashes {
		data.Add("magnets[]", infoHash)
	}
	resBytes, err := c.post(ctx, c.baseURL+"/v4/magnet/instant", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check instant availability on alldebrid.com: %w", err)
	}
	if status := gjson.GetBytes(resBytes, "status").String(); status != "success" {
		errCode := gjson.GetBytes(resBytes, "error.code").String()
		if errCode == "AUTH_BAD_APIKEY" || errCode == "AUTH_USER_BANNED" || errCode == "AUTH_BLOCKED" {
			return nil, fmt.Errorf("AllDebrid rejected the API key (%v): %w", errCode, debrid.ErrAuth)
		}
		return nil, fmt.Errorf("AllDebrid returned status %q (error code %q)", status, errCode)
	}
	result := map[string]struct{}{}
	for _, magnet := range gjson.GetBytes(resBytes, "data.magnets").Array() {
		if magnet.Get("instant").Bool() {
			result[strings.ToLower(magnet.Get("magnet").String())] = struct{}{}
		}
	}
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

func (c *Client) post(ctx context.Context, reqURL string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("Couldn't create POST request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, outcome, err := c.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send POST request (%v): %v", outcome, err)
	}
	defer res.Body.Close()

	if outcome == httpclient.OutcomeBadStatus {
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("bad HTTP response status: %v: %w", res.Status, debrid.ErrAuth)
		}
		return nil, fmt.Errorf("bad HTTP response status: %v (POST request to '%v')", res.Status, reqURL)
	}

	return io.ReadAll(res.Body)
}
