package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/admission"
	"github.com/sooti/stremio-addon-debrid-search/pkg/cinemata"
	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid/homemedia"
	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
	"github.com/sooti/stremio-addon-debrid-search/pkg/search"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

func hash(c byte) string {
	return strings.Repeat(string(c), 40)
}

var _ scraper.Scraper = (*fakeScraper)(nil)

type fakeScraper struct {
	candidates []scraper.Candidate
}

func (s *fakeScraper) Name() string {
	return "fake"
}

func (s *fakeScraper) Search(_ context.Context, _ scraper.Query) ([]scraper.Candidate, error) {
	return s.candidates, nil
}

func newTestAggregator(t *testing.T, metaJSON string, candidates []scraper.Candidate) *Aggregator {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(metaJSON))
	}))
	t.Cleanup(server.Close)

	logger := zap.NewNop()
	pool := httpclient.NewPool(httpclient.DefaultPoolOpts, nil, logger)
	t.Cleanup(pool.Close)
	meta := cinemata.NewClient(cinemata.NewClientOpts(server.URL, time.Minute), pool, logger)

	coordinator := search.NewCoordinator(search.DefaultCoordinatorOpts, search.NewGoCacheShareCache(time.Minute, 10), logger)
	t.Cleanup(func() { coordinator.Close() })

	fanout := scraper.NewFanout([]scraper.Scraper{&fakeScraper{candidates: candidates}}, logger)

	parser, err := titles.NewMemoParser(titles.NewParser(), titles.DefaultMemoSize)
	require.NoError(t, err)
	engine := admission.NewEngine(admission.DefaultOptions, parser, logger)

	quotas := QuotaTemplate{
		PerCategory: admission.DefaultPerCategory(2),
		PerCodecMax: map[string]int{admission.CodecH265: 1, admission.CodecH264: 1},
	}
	return NewAggregator(meta, coordinator, fanout, engine, parser, nil, nil, quotas, logger)
}

func TestSearchSeries(t *testing.T) {
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Some.Show.S02E05.1080p.WEB-DL", Size: 4 << 30},
		{InfoHash: hash('e'), Title: "Some.Show.S02E05.2160p.WEB-DL", Size: 9 << 30},
		// Wrong show, must be filtered before admission
		{InfoHash: hash('b'), Title: "Other.Show.S02E05.1080p.WEB-DL", Size: 4 << 30},
		// Right show but not cached on the service
		{InfoHash: hash('c'), Title: "Some.Show.S02E05.720p.WEB-DL", Size: 1 << 30},
	}
	aggregator := newTestAggregator(t, `{"meta":{"name":"Some Show","year":"2019-2021"}}`, candidates)

	driver := homemedia.NewClient([]homemedia.File{
		{InfoHash: hash('a'), Path: "shows/Some.Show.S02E05.1080p.mkv", Size: 4 << 30},
		{InfoHash: hash('e'), Path: "shows/Some.Show.S02E05.2160p.mkv", Size: 9 << 30},
	})

	req := Request{
		Type: "series",
		ID:   "tt0000001:2:5",
		PersonalFiles: []PersonalFile{
			{InfoHash: hash('d'), Path: "library/Some.Show.S02E05.mkv", Size: 3 << 30},
			// Shares a hash with an admitted candidate, the personal copy wins
			{InfoHash: hash('a'), Path: "library/Some.Show.S02E05.1080p.mkv", Size: 4 << 30},
		},
	}
	result, err := aggregator.Search(context.Background(), driver, req)
	require.NoError(t, err)

	require.Len(t, result, 3)
	require.Equal(t, hash('d'), result[0].InfoHash)
	require.Equal(t, "personal", result[0].Source)
	require.Equal(t, hash('a'), result[1].InfoHash)
	require.Equal(t, "personal", result[1].Source)
	require.Equal(t, hash('e'), result[2].InfoHash)
	require.Equal(t, "homemedia", result[2].Source)
	require.Equal(t, admission.FromBatch, result[2].From)
}

func TestSearchLowResOnlyMovie(t *testing.T) {
	// Web-only and low-res-only content has no Remux or BluRay candidates,
	// which must not suppress the result
	candidates := []scraper.Candidate{
		{InfoHash: hash('c'), Title: "Some.Movie.2019.720p.WEBRip", Size: 1 << 30},
	}
	aggregator := newTestAggregator(t, `{"meta":{"name":"Some Movie","year":"2019"}}`, candidates)
	driver := homemedia.NewClient([]homemedia.File{
		{InfoHash: hash('c'), Path: "movies/Some.Movie.2019.720p.mkv", Size: 1 << 30},
	})

	result, err := aggregator.Search(context.Background(), driver, Request{Type: "movie", ID: "tt0000001"})
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, hash('c'), result[0].InfoHash)
	require.Equal(t, admission.FromBatch, result[0].From)
}

func TestSearchMetadataFailureKeepsPersonalFiles(t *testing.T) {
	// An empty metadata body fails the lookup, which must degrade gracefully
	aggregator := newTestAggregator(t, "", nil)
	driver := homemedia.NewClient(nil)

	req := Request{
		Type: "movie",
		ID:   "tt0000001",
		PersonalFiles: []PersonalFile{
			{InfoHash: hash('d'), Path: "library/Some.Movie.2019.mkv", Size: 3 << 30},
		},
	}
	result, err := aggregator.Search(context.Background(), driver, req)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, "personal", result[0].Source)
}

func TestSplitID(t *testing.T) {
	imdbID, season, episode, err := splitID("tt0000001")
	require.NoError(t, err)
	require.Equal(t, "tt0000001", imdbID)
	require.Zero(t, season)
	require.Zero(t, episode)

	imdbID, season, episode, err = splitID("tt0000001:2:5")
	require.NoError(t, err)
	require.Equal(t, "tt0000001", imdbID)
	require.Equal(t, 2, season)
	require.Equal(t, 5, episode)

	_, _, _, err = splitID("")
	require.Error(t, err)
	_, _, _, err = splitID("tt0000001:2")
	require.Error(t, err)
	_, _, _, err = splitID("tt0000001:0:5")
	require.Error(t, err)
	_, _, _, err = splitID("tt0000001:two:five")
	require.Error(t, err)
}

func TestDeriveSearchKey(t *testing.T) {
	require.Equal(t, "Some Movie 2019", deriveSearchKey(cinemata.Meta{Name: "Some Movie", Year: 2019}, "movie", 0, 0))
	require.Equal(t, "Some Movie", deriveSearchKey(cinemata.Meta{Name: "Some Movie"}, "movie", 0, 0))
	require.Equal(t, "Some Show s02 e05", deriveSearchKey(cinemata.Meta{Name: "Some Show", Year: 2019}, "series", 2, 5))
}
