// Package aggregator is the entry point of one stream search: it resolves
// metadata, coordinates the scraper search, filters candidates, runs the
// admission engine against the active debrid service and persists the outcome.
package aggregator

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/admission"
	"github.com/sooti/stremio-addon-debrid-search/pkg/cinemata"
	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
	"github.com/sooti/stremio-addon-debrid-search/pkg/search"
	"github.com/sooti/stremio-addon-debrid-search/pkg/store"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

// PersonalFile is an entry of the user's own media library, merged into the
// results ahead of external admissions.
type PersonalFile struct {
	InfoHash string
	Path     string
	Size     int64
}

// Request describes one aggregation.
type Request struct {
	// "movie" or "series"
	Type string
	// IMDb ID, for series with a ":season:episode" suffix
	ID        string
	Languages []string
	// Summary of the options that influence scraper output, part of the
	// coordination key
	ConfigSummary string
	PersonalFiles []PersonalFile
}

// QuotaTemplate is the static part of a QuotaPlan; the per-request
// satisfiedByDB counts are filled in from the result store.
type QuotaTemplate struct {
	PerCategory         map[string]int
	PerCodecMax         map[string]int
	GlobalResolutionCap int
	SeparatePackQuota   bool
}

type Aggregator struct {
	meta        *cinemata.Client
	coordinator *search.Coordinator
	fanout      *scraper.Fanout
	engine      *admission.Engine
	parser      titles.Parser
	// Both nil in no-cache mode
	resultStore *store.ResultStore
	coalescer   *store.WriteCoalescer
	quotas      QuotaTemplate
	logger      *zap.Logger
}

func NewAggregator(meta *cinemata.Client, coordinator *search.Coordinator, fanout *scraper.Fanout, engine *admission.Engine, parser titles.Parser, resultStore *store.ResultStore, coalescer *store.WriteCoalescer, quotas QuotaTemplate, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		meta:        meta,
		coordinator: coordinator,
		fanout:      fanout,
		engine:      engine,
		parser:      parser,
		resultStore: resultStore,
		coalescer:   coalescer,
		quotas:      quotas,
		logger:      logger,
	}
}

// Search runs one full aggregation for the given debrid service.
// Identical concurrent requests share one scraper search via the coordinator.
// Personal files always win over external admissions with the same hash.
func (a *Aggregator) Search(ctx context.Context, driver debrid.Service, req Request) ([]admission.Admitted, error) {
	imdbID, season, episode, err := splitID(req.ID)
	if err != nil {
		return nil, err
	}

	meta, err := a.meta.GetMeta(ctx, req.Type, imdbID)
	if err != nil {
		a.logger.Warn("Couldn't resolve metadata, returning empty result", zap.Error(err), zap.String("id", req.ID))
		return a.merge(req.PersonalFiles, nil), nil
	}

	searchKey := deriveSearchKey(meta, req.Type, season, episode)
	query := scraper.Query{
		Type:      req.Type,
		IMDBID:    imdbID,
		Season:    season,
		Episode:   episode,
		SearchKey: searchKey,
	}

	coordKey := search.Key{
		Service:       driver.ID(),
		Type:          req.Type,
		ID:            req.ID,
		ConfigSummary: req.ConfigSummary,
	}
	candidates, err := a.coordinator.Execute(ctx, coordKey, func(searchCtx context.Context) ([]scraper.Candidate, error) {
		found, err := a.fanout.Search(searchCtx, query, req.Languages)
		if err != nil {
			return nil, err
		}
		filtered := a.filter(found, meta, req.Type, season, episode)
		a.persistSnapshot(searchKey, filtered)
		return filtered, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Couldn't execute coordinated search: %v", err)
	}

	plan := admission.QuotaPlan{
		PerCategory:         a.quotas.PerCategory,
		PerCodecMax:         a.quotas.PerCodecMax,
		GlobalResolutionCap: a.quotas.GlobalResolutionCap,
		SeparatePackQuota:   a.quotas.SeparatePackQuota,
		SatisfiedByDB:       a.satisfiedByDB(driver.ID(), searchKey),
	}

	admitted, err := a.engine.Run(ctx, driver, candidates, plan, season, episode)
	if err != nil {
		return nil, fmt.Errorf("Couldn't run admission for service %v: %w", driver.ID(), err)
	}

	merged := a.merge(req.PersonalFiles, admitted)
	a.persistAdmissions(driver.ID(), searchKey, admitted)
	return merged, nil
}

// splitID splits "tt1234567:2:5" into its parts. Movies have no suffix.
func splitID(id string) (imdbID string, season, episode int, err error) {
	parts := strings.SplitN(id, ":", 3)
	imdbID = parts[0]
	if imdbID == "" {
		return "", 0, 0, fmt.Errorf("empty ID")
	}
	if len(parts) == 1 {
		return imdbID, 0, 0, nil
	}
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("ID %q is neither \"<imdbID>\" nor \"<imdbID>:<season>:<episode>\"", id)
	}
	season, err = strconv.Atoi(parts[1])
	if err == nil {
		episode, err = strconv.Atoi(parts[2])
	}
	if err != nil || season <= 0 || episode <= 0 {
		return "", 0, 0, fmt.Errorf("ID %q has a malformed season or episode", id)
	}
	return imdbID, season, episode, nil
}

func deriveSearchKey(meta cinemata.Meta, mediaType string, season, episode int) string {
	if mediaType == "movie" {
		if meta.Year > 0 {
			return fmt.Sprintf("%v %v", meta.Name, meta.Year)
		}
		return meta.Name
	}
	return fmt.Sprintf("%v s%02d e%02d", meta.Name, season, episode)
}

// filter drops candidates that don't belong to the searched title.
func (a *Aggregator) filter(candidates []scraper.Candidate, meta cinemata.Meta, mediaType string, season, episode int) []scraper.Candidate {
	var filtered []scraper.Candidate
	for _, candidate := range candidates {
		parsed := a.parser.Parse(candidate.Title)
		if mediaType == "series" {
			if !titles.MatchesSeriesTitle(parsed.Title, candidate.Title, meta.Name) {
				continue
			}
		} else {
			if !titles.MatchesMovieTitle(parsed, candidate.Title, meta.Name, meta.Year) {
				continue
			}
		}
		filtered = append(filtered, candidate)
	}
	a.logger.Debug("Filtered candidates", zap.Int("before", len(candidates)), zap.Int("after", len(filtered)), zap.String("title", meta.Name))
	return filtered
}

func (a *Aggregator) satisfiedByDB(service, searchKey string) map[string]map[string]int {
	if a.resultStore == nil {
		return nil
	}
	counts, err := a.resultStore.ReleaseCounts(service, searchKey)
	if err != nil {
		a.logger.Error("Couldn't read release counts, assuming none", zap.Error(err), zap.String("service", service))
		return nil
	}
	return counts.ByCategoryResolution
}

// merge puts personal files first and drops external admissions that share a
// hash with one.
func (a *Aggregator) merge(personal []PersonalFile, admitted []admission.Admitted) []admission.Admitted {
	merged := make([]admission.Admitted, 0, len(personal)+len(admitted))
	personalHashes := map[string]struct{}{}
	for _, file := range personal {
		infoHash := strings.ToLower(file.InfoHash)
		personalHashes[infoHash] = struct{}{}
		merged = append(merged, admission.Admitted{
			Candidate: scraper.Candidate{
				InfoHash: infoHash,
				Title:    file.Path,
				Size:     file.Size,
			},
			Source:   "personal",
			IsCached: true,
		})
	}
	for _, candidate := range admitted {
		if _, found := personalHashes[candidate.InfoHash]; found {
			continue
		}
		merged = append(merged, candidate)
	}
	return merged
}

// persistAdmissions schedules background upserts of the admitted candidates.
func (a *Aggregator) persistAdmissions(service, searchKey string, admitted []admission.Admitted) {
	if a.coalescer == nil || len(admitted) == 0 {
		return
	}
	records := make([]store.Record, 0, len(admitted))
	for _, candidate := range admitted {
		record := store.Record{
			Service:    service,
			Hash:       candidate.InfoHash,
			FileName:   candidate.Title,
			Size:       candidate.Size,
			Category:   candidate.Category,
			Resolution: candidate.Resolution,
			ReleaseKey: searchKey,
		}
		if candidate.EpisodeFileHint != nil {
			record.FileName = candidate.EpisodeFileHint.FilePath
			record.Size = candidate.EpisodeFileHint.FileBytes
			record.Data = map[string]string{
				"torrentId": candidate.EpisodeFileHint.TorrentID,
				"fileId":    candidate.EpisodeFileHint.FileID,
			}
		}
		records = append(records, record)
	}
	a.coalescer.EnqueueMany(records)
}

// persistSnapshot stores the filtered scraper output for one search key so
// repeat queries within the snapshot TTL have a warm starting point.
func (a *Aggregator) persistSnapshot(searchKey string, candidates []scraper.Candidate) {
	if a.resultStore == nil || len(candidates) == 0 {
		return
	}
	go func() {
		buf := bytes.Buffer{}
		if err := gob.NewEncoder(&buf).Encode(candidates); err != nil {
			a.logger.Error("Couldn't encode search snapshot", zap.Error(err), zap.String("searchKey", searchKey))
			return
		}
		if err := a.resultStore.PutSnapshot(searchKey, buf.Bytes(), 24*time.Hour); err != nil {
			a.logger.Error("Couldn't persist search snapshot", zap.Error(err), zap.String("searchKey", searchKey))
		}
	}()
}
