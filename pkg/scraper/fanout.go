package scraper

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fanout runs every configured scraper once per requested language, in
// parallel under one cancellation scope, and merges the results.
type Fanout struct {
	scrapers []Scraper
	logger   *zap.Logger
}

func NewFanout(scrapers []Scraper, logger *zap.Logger) *Fanout {
	return &Fanout{
		scrapers: scrapers,
		logger:   logger,
	}
}

// Search fans the query out to all scrapers, once per language (or once with
// an empty language when none are requested). All invocations run under one
// errgroup scope, so cancellation of the parent context stops them all.
// A failing or panicking scraper contributes an empty result list; its error
// is logged and folded into the returned error, which is non-nil only when
// *all* invocations failed. Candidates are deduplicated by info hash, first
// occurrence wins.
func (f *Fanout) Search(ctx context.Context, query Query, languages []string) ([]Candidate, error) {
	if len(languages) == 0 {
		languages = []string{""}
	}

	group, ctx := errgroup.WithContext(ctx)
	invocations := len(f.scrapers) * len(languages)

	var lock sync.Mutex
	var merged []Candidate
	seen := map[string]struct{}{}
	var combinedErr error
	errCount := 0

	for _, scraper := range f.scrapers {
		for _, language := range languages {
			scraper := scraper
			langQuery := query
			langQuery.Language = language
			group.Go(func() error {
				candidates, err := func() (result []Candidate, searchErr error) {
					defer func() {
						if r := recover(); r != nil {
							searchErr = fmt.Errorf("Scraper panicked: %v", r)
						}
					}()
					return scraper.Search(ctx, langQuery)
				}()
				lock.Lock()
				defer lock.Unlock()
				if err != nil {
					errCount++
					f.logger.Warn("Scraper failed, proceeding without its results", zap.Error(err), zap.String("scraperName", scraper.Name()))
					combinedErr = multierr.Append(combinedErr, fmt.Errorf("%v: %w", scraper.Name(), err))
					// Individual scraper failures don't cancel the siblings.
					return nil
				}
				for _, candidate := range candidates {
					if _, found := seen[candidate.InfoHash]; found {
						continue
					}
					seen[candidate.InfoHash] = struct{}{}
					merged = append(merged, candidate)
				}
				return nil
			})
		}
	}
	// Only the context can make an invocation return an error, and that error
	// surfaces via combinedErr too, so this return value is informational.
	_ = group.Wait()

	if errCount == invocations {
		return nil, fmt.Errorf("All scrapers failed: %w", combinedErr)
	}
	f.logger.Debug("Scraper fanout finished", zap.Int("candidateCount", len(merged)), zap.Int("scraperErrors", errCount))
	return merged, nil
}
