package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ Scraper = (*fakeScraper)(nil)

type fakeScraper struct {
	name       string
	candidates []Candidate
	err        error
	panics     bool

	lock    sync.Mutex
	queries []Query
}

func (s *fakeScraper) Name() string {
	return s.name
}

func (s *fakeScraper) Search(_ context.Context, query Query) ([]Candidate, error) {
	s.lock.Lock()
	s.queries = append(s.queries, query)
	s.lock.Unlock()
	if s.panics {
		panic("indexer response made no sense")
	}
	return s.candidates, s.err
}

func TestFanoutMergesAndDeduplicates(t *testing.T) {
	first := &fakeScraper{
		name: "first",
		candidates: []Candidate{
			{InfoHash: "aaa", Title: "Some.Show.S02E05.1080p", Tracker: "first"},
			{InfoHash: "aaa", Title: "Some.Show.S02E05.1080p.PROPER", Tracker: "first"},
			{InfoHash: "bbb", Title: "Some.Show.S02E05.720p", Tracker: "first"},
		},
	}
	second := &fakeScraper{
		name: "second",
		candidates: []Candidate{
			{InfoHash: "bbb", Title: "Some.Show.S02E05.720p", Tracker: "second"},
			{InfoHash: "ccc", Title: "Some.Show.S02E05.2160p", Tracker: "second"},
		},
	}

	fanout := NewFanout([]Scraper{first, second}, zap.NewNop())
	candidates, err := fanout.Search(context.Background(), Query{Type: "series", IMDBID: "tt0000001"}, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	byHash := map[string]Candidate{}
	for _, candidate := range candidates {
		byHash[candidate.InfoHash] = candidate
	}
	require.Contains(t, byHash, "aaa")
	require.Contains(t, byHash, "bbb")
	require.Contains(t, byHash, "ccc")
	// Within one scraper's results the first occurrence wins
	require.Equal(t, "Some.Show.S02E05.1080p", byHash["aaa"].Title)
}

func TestFanoutRunsPerLanguage(t *testing.T) {
	scraper := &fakeScraper{name: "only"}

	fanout := NewFanout([]Scraper{scraper}, zap.NewNop())
	_, err := fanout.Search(context.Background(), Query{Type: "movie", IMDBID: "tt0000001"}, []string{"en", "fr"})
	require.NoError(t, err)

	require.Len(t, scraper.queries, 2)
	languages := []string{scraper.queries[0].Language, scraper.queries[1].Language}
	require.ElementsMatch(t, []string{"en", "fr"}, languages)
}

func TestFanoutNoLanguagesMeansOneUnfilteredRun(t *testing.T) {
	scraper := &fakeScraper{name: "only"}

	fanout := NewFanout([]Scraper{scraper}, zap.NewNop())
	_, err := fanout.Search(context.Background(), Query{Type: "movie", IMDBID: "tt0000001"}, nil)
	require.NoError(t, err)

	require.Len(t, scraper.queries, 1)
	require.Empty(t, scraper.queries[0].Language)
}

func TestFanoutToleratesFailingScraper(t *testing.T) {
	failing := &fakeScraper{name: "failing", err: errors.New("indexer is down")}
	working := &fakeScraper{
		name:       "working",
		candidates: []Candidate{{InfoHash: "aaa", Title: "Some.Movie.2019.1080p"}},
	}

	fanout := NewFanout([]Scraper{failing, working}, zap.NewNop())
	candidates, err := fanout.Search(context.Background(), Query{Type: "movie", IMDBID: "tt0000001"}, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestFanoutToleratesPanickingScraper(t *testing.T) {
	panicking := &fakeScraper{name: "panicking", panics: true}
	working := &fakeScraper{
		name:       "working",
		candidates: []Candidate{{InfoHash: "aaa", Title: "Some.Movie.2019.1080p"}},
	}

	fanout := NewFanout([]Scraper{panicking, working}, zap.NewNop())
	candidates, err := fanout.Search(context.Background(), Query{Type: "movie", IMDBID: "tt0000001"}, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestFanoutAllScrapersFailing(t *testing.T) {
	first := &fakeScraper{name: "first", err: errors.New("indexer is down")}
	second := &fakeScraper{name: "second", err: errors.New("timeout")}

	fanout := NewFanout([]Scraper{first, second}, zap.NewNop())
	_, err := fanout.Search(context.Background(), Query{Type: "movie", IMDBID: "tt0000001"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "All scrapers failed")
}

func TestInfoHashFromMagnet(t *testing.T) {
	require.Equal(t,
		"0123456789abcdef0123456789abcdef01234567",
		infoHashFromMagnet("magnet:?xt=urn:btih:0123456789ABCDEF0123456789ABCDEF01234567&dn=Some.Movie"))
	require.Empty(t, infoHashFromMagnet("magnet:?xt=urn:btih:tooshort"))
	require.Empty(t, infoHashFromMagnet("https://example.com/not-a-magnet"))
}
