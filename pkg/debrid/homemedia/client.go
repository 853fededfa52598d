package homemedia

import (
	"context"
	"strings"

	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
)

// File is one entry of a user's personal media library.
type File struct {
	InfoHash string
	Path     string
	Size     int64
}

var _ debrid.Service = (*Client)(nil)

// Client treats the caller-supplied personal library as an always-cached
// debrid service. It makes no network calls.
type Client struct {
	files map[string]File
}

func NewClient(files []File) *Client {
	indexed := make(map[string]File, len(files))
	for _, file := range files {
		indexed[strings.ToLower(file.InfoHash)] = file
	}
	return &Client{files: indexed}
}

// ID implements the debrid.Service interface.
func (c *Client) ID() string {
	return "homemedia"
}

// CheckHashes implements the debrid.Service interface.
func (c *Client) CheckHashes(_ context.Context, infoHashes []string) (map[string]struct{}, error) {
	result := map[string]struct{}{}
	for _, infoHash := range infoHashes {
		if _, found := c.files[strings.ToLower(infoHash)]; found {
			result[strings.ToLower(infoHash)] = struct{}{}
		}
	}
	return result, nil
}

// File returns the library entry for an info hash, if present.
func (c *Client) File(infoHash string) (File, bool) {
	file, found := c.files[strings.ToLower(infoHash)]
	return file, found
}
