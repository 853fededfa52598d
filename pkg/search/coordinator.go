// Package search deduplicates concurrent identical searches and shares
// scraper output across debrid services for a short window.
package search

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
)

type CoordinatorOptions struct {
	// Hard cap on one coordinated search
	SearchTimeout time.Duration
	// How long scraper output is shared across services
	ShareTTL time.Duration
	// Size cap of the in-memory share cache
	ShareMaxEntries int
	SweepInterval   time.Duration
}

func NewCoordinatorOpts(searchTimeout, shareTTL time.Duration, shareMaxEntries int, sweepInterval time.Duration) CoordinatorOptions {
	return CoordinatorOptions{
		SearchTimeout:   searchTimeout,
		ShareTTL:        shareTTL,
		ShareMaxEntries: shareMaxEntries,
		SweepInterval:   sweepInterval,
	}
}

var DefaultCoordinatorOpts = CoordinatorOptions{
	SearchTimeout:   30 * time.Second,
	ShareTTL:        60 * time.Second,
	ShareMaxEntries: 500,
	SweepInterval:   60 * time.Second,
}

// Key identifies one in-flight aggregation. Two concurrent requests with the
// same key join the same search instead of running it twice.
type Key struct {
	Service string
	Type    string
	ID      string
	// Summary of the request options that influence scraper output,
	// e.g. selected languages and scraper set
	ConfigSummary string
}

// coordination covers all four fields, sharing only the service-independent ones.
func (k Key) coordination() string {
	return k.Service + "|" + k.share()
}

func (k Key) share() string {
	return k.Type + "|" + k.ID + "|" + k.ConfigSummary
}

// Coordinator deduplicates concurrent identical searches and reuses recent
// scraper output across services.
type Coordinator struct {
	group         singleflight.Group
	shareCache    ShareCache
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger
}

func NewCoordinator(opts CoordinatorOptions, shareCache ShareCache, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		shareCache:    shareCache,
		timeout:       opts.SearchTimeout,
		sweepInterval: opts.SweepInterval,
		logger:        logger,
	}
}

// Execute runs doSearch under the coordination key, joining an in-flight
// identical search if one exists. Before doSearch runs, the share cache is
// consulted with the service-independent part of the key; on success the
// scraper output is stored there for other services.
//
// The search runs with its own deadline, detached from the caller's
// cancellation, so a request that joined an in-flight search doesn't get
// killed when the initiating request goes away.
func (c *Coordinator) Execute(ctx context.Context, key Key, doSearch func(ctx context.Context) ([]scraper.Candidate, error)) ([]scraper.Candidate, error) {
	result, err, shared := c.group.Do(key.coordination(), func() (interface{}, error) {
		if candidates, found := c.shareCache.Get(ctx, key.share()); found {
			c.logger.Debug("Reusing shared scraper results", zap.String("shareKey", key.share()), zap.Int("candidateCount", len(candidates)))
			return candidates, nil
		}
		searchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		candidates, err := doSearch(searchCtx)
		if err != nil {
			return nil, err
		}
		c.shareCache.Set(ctx, key.share(), candidates)
		return candidates, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined an in-flight identical search", zap.String("coordinationKey", key.coordination()))
	}
	return result.([]scraper.Candidate), nil
}

// StartSweeper periodically sweeps the share cache until ctx is done.
// Meant to be called in a new goroutine.
func (c *Coordinator) StartSweeper(ctx context.Context) {
	c.logger.Debug("Starting share cache sweeper")
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Stopping share cache sweeper")
			return
		case <-ticker.C:
			c.shareCache.Sweep()
		}
	}
}

// Close drops the share cache. In-flight searches finish on their own.
func (c *Coordinator) Close() error {
	return c.shareCache.Close()
}
