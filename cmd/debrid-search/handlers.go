package main

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/aggregator"
	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid/alldebrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid/realdebrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid/torbox"
	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

// streamItem is the wire shape of one admitted candidate.
type streamItem struct {
	InfoHash  string   `json:"infoHash"`
	Title     string   `json:"title"`
	Size      int64    `json:"size"`
	Source    string   `json:"source"`
	Tracker   string   `json:"tracker,omitempty"`
	Languages []string `json:"languages,omitempty"`
	IsCached  bool     `json:"isCached"`
	From      string   `json:"from,omitempty"`

	EpisodeFileHint *episodeFileHint `json:"episodeFileHint,omitempty"`
}

type episodeFileHint struct {
	FilePath  string `json:"filePath"`
	FileBytes int64  `json:"fileBytes"`
	TorrentID string `json:"torrentId,omitempty"`
	FileID    string `json:"fileId,omitempty"`
}

func createHealthHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendString("OK")
	}
}

// createStatusHandler reports the state of the process-wide services.
func createStatusHandler(conf config, pool *httpclient.Pool, startTime time.Time) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := fiber.Map{
			"version":          version,
			"uptime":           time.Since(startTime).Round(time.Second).String(),
			"scrapers":         conf.Scrapers,
			"proxiedUpstreams": pool.ProxiedUpstreams(),
		}
		return c.JSON(status)
	}
}

// createStreamHandler serves one aggregation per request.
// The URL carries the debrid service name and the user's API key, so each
// request gets its own short-lived driver.
func createStreamHandler(conf config, agg *aggregator.Aggregator, pool *httpclient.Pool, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		service := c.Params("service")
		apiToken := c.Params("apiToken")
		mediaType := c.Params("type")
		id := strings.TrimSuffix(c.Params("id"), ".json")
		if mediaType != "movie" && mediaType != "series" {
			return c.SendStatus(fiber.StatusNotFound)
		}

		driver, err := createDriver(conf, service, apiToken, pool, logger)
		if err != nil {
			logger.Warn("Couldn't create debrid driver", zap.Error(err), zap.String("service", service))
			return c.SendStatus(fiber.StatusBadRequest)
		}

		var languages []string
		if langParam := c.Query("languages"); langParam != "" {
			languages = strings.Split(langParam, ",")
		}
		req := aggregator.Request{
			Type:          mediaType,
			ID:            id,
			Languages:     languages,
			ConfigSummary: strings.Join(languages, ",") + "|" + strings.Join(conf.Scrapers, ","),
		}

		admitted, err := agg.Search(c.Context(), driver, req)
		if err != nil {
			logger.Error("Aggregation failed", zap.Error(err), zap.String("service", service), zap.String("id", id))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		items := make([]streamItem, 0, len(admitted))
		for _, candidate := range admitted {
			item := streamItem{
				InfoHash:  candidate.InfoHash,
				Title:     candidate.Title,
				Size:      candidate.Size,
				Source:    candidate.Source,
				Tracker:   candidate.Tracker,
				Languages: candidate.Languages,
				IsCached:  candidate.IsCached,
				From:      candidate.From,
			}
			if candidate.EpisodeFileHint != nil {
				item.EpisodeFileHint = &episodeFileHint{
					FilePath:  candidate.EpisodeFileHint.FilePath,
					FileBytes: candidate.EpisodeFileHint.FileBytes,
					TorrentID: candidate.EpisodeFileHint.TorrentID,
					FileID:    candidate.EpisodeFileHint.FileID,
				}
			}
			items = append(items, item)
		}
		return c.JSON(fiber.Map{"streams": items})
	}
}

func createDriver(conf config, service, apiToken string, pool *httpclient.Pool, logger *zap.Logger) (debrid.Service, error) {
	extraHeaders := make(map[string]string, len(conf.ExtraHeadersXD))
	for _, header := range conf.ExtraHeadersXD {
		if name, value, found := strings.Cut(header, ":"); found {
			extraHeaders[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	switch strings.ToLower(service) {
	case "realdebrid":
		return realdebrid.NewClient(realdebrid.NewClientOpts(conf.BaseURLrd, extraHeaders), apiToken, pool, logger)
	case "alldebrid":
		return alldebrid.NewClient(alldebrid.NewClientOpts(conf.BaseURLad), apiToken, pool, logger)
	case "torbox":
		return torbox.NewClient(torbox.NewClientOpts(conf.BaseURLtorbox), apiToken, pool, logger)
	default:
		return nil, fiber.NewError(fiber.StatusBadRequest, "unknown debrid service: "+service)
	}
}
