// Package scraper contains the indexer drivers that discover release
// candidates for a movie or episode, and the fanout that runs them in
// parallel under one cancellation scope.
package scraper

import (
	"context"
	"regexp"
	"strings"
)

// Candidate is one discovered potential stream.
// The admission engine fills the derived fields before walking its tiers.
type Candidate struct {
	// 40-hex content identifier, lowercased during normalization
	InfoHash string
	// Raw release name
	Title     string
	Size      int64
	Tracker   string
	Seeders   int
	Languages []string
}

// Query describes one search against an indexer.
type Query struct {
	// "movie" or "series"
	Type   string
	IMDBID string
	// Season and Episode are set for series queries
	Season  int
	Episode int
	// Human-readable search key, e.g. "movie title 2019" or "show title s02 e05"
	SearchKey string
	// Language hint; empty means unfiltered
	Language string
}

// Scraper is the contract every indexer driver implements.
// Drivers must honor cancellation promptly and must never panic past the
// fanout; errors degrade to empty results there.
type Scraper interface {
	Name() string
	Search(ctx context.Context, query Query) ([]Candidate, error)
}

var magnetInfoHashRx = regexp.MustCompile(`(?i)btih:([0-9a-f]{40})`)

// infoHashFromMagnet extracts the lowercased info hash from a magnet URL.
func infoHashFromMagnet(magnetURL string) string {
	m := magnetInfoHashRx.FindStringSubmatch(magnetURL)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
