package admission

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

const gib = int64(1024 * 1024 * 1024)

func hash(c byte) string {
	return strings.Repeat(string(c), 40)
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	parser, err := titles.NewMemoParser(titles.NewParser(), titles.DefaultMemoSize)
	require.NoError(t, err)
	return NewEngine(opts, parser, zap.NewNop())
}

func defaultPlan() QuotaPlan {
	return QuotaPlan{
		PerCategory: DefaultPerCategory(2),
		PerCodecMax: map[string]int{CodecH265: 1, CodecH264: 1},
	}
}

func TestRunGoldenOnlyEpisode(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}, hash('b'): {}, hash('c'): {}, hash('d'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Show.S01E03.2160p.BluRay.REMUX", Size: 60 * gib},
		{InfoHash: hash('b'), Title: "Epic.Show.S01E03.1080p.BluRay.REMUX", Size: 20 * gib},
		{InfoHash: hash('c'), Title: "Epic.Show.S01E03.1080p.WEB-DL", Size: 8 * gib},
		{InfoHash: hash('d'), Title: "Epic.Show.S01E03.720p.WEBRip", Size: 700 * 1024 * 1024},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 1, 3)
	require.NoError(t, err)

	require.Len(t, admitted, 3)
	require.Equal(t, hash('a'), admitted[0].InfoHash)
	require.Equal(t, hash('b'), admitted[1].InfoHash)
	require.Equal(t, hash('c'), admitted[2].InfoHash)
	for _, candidate := range admitted {
		require.Equal(t, FromBatch, candidate.From)
		require.True(t, candidate.IsCached)
		require.Equal(t, "fake", candidate.Source)
	}
	require.Equal(t, 1, driver.cleanupCalls)
}

func TestRunWebDLOnlyContent(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.WEB-DL", Size: 8 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)

	// No Remux or BluRay release exists, which must not veto the walk
	require.Len(t, admitted, 1)
	require.Equal(t, hash('a'), admitted[0].InfoHash)
	require.Equal(t, FromBatch, admitted[0].From)
}

func TestRunLowResOnlyContent(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.720p.WEBRip", Size: 700 * 1024 * 1024},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)

	// Without any high-resolution contribution the low-res tiers still run
	require.Len(t, admitted, 1)
	require.Equal(t, hash('a'), admitted[0].InfoHash)
	require.Equal(t, Resolution720p, admitted[0].Resolution)
	require.Equal(t, FromBatch, admitted[0].From)
}

func TestRunUnknownResolutionEpisode(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('x'): {}},
		hints: map[string]*debrid.PackHint{
			hash('p'): {FilePath: "E05.mkv", FileBytes: 3 * gib},
		},
	}
	// None of the release names carries a resolution token
	candidates := []scraper.Candidate{
		{InfoHash: hash('p'), Title: "Epic Show S02 Remux", Size: 80 * gib},
		{InfoHash: hash('q'), Title: "Epic Show S02 WEB-DL", Size: 30 * gib},
		{InfoHash: hash('x'), Title: "Epic Show S02E05 WEB-DL", Size: 4 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 2, 5)
	require.NoError(t, err)

	require.Len(t, admitted, 2)
	require.Equal(t, hash('x'), admitted[0].InfoHash)
	require.Equal(t, FromBatch, admitted[0].From)
	require.Equal(t, ResolutionUnknown, admitted[0].Resolution)
	require.Equal(t, hash('p'), admitted[1].InfoHash)
	require.Equal(t, FromPack, admitted[1].From)
	require.NotNil(t, admitted[1].EpisodeFileHint)
	require.Equal(t, "E05.mkv", admitted[1].EpisodeFileHint.FilePath)
}

func TestRunPackInspection(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('x'): {}},
		hints: map[string]*debrid.PackHint{
			hash('p'): {FilePath: "E05.mkv", FileBytes: 3 * gib},
		},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('p'), Title: "Epic.Show.S02.2160p.BluRay.REMUX", Size: 120 * gib},
		{InfoHash: hash('q'), Title: "Epic.Show.S02.1080p.WEB-DL", Size: 30 * gib},
		{InfoHash: hash('x'), Title: "Epic.Show.S02E05.1080p.WEB-DL", Size: 4 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 2, 5)
	require.NoError(t, err)

	require.Len(t, admitted, 2)
	require.Equal(t, hash('x'), admitted[0].InfoHash)
	require.Equal(t, FromBatch, admitted[0].From)
	require.Equal(t, hash('p'), admitted[1].InfoHash)
	require.Equal(t, FromPack, admitted[1].From)
	require.NotNil(t, admitted[1].EpisodeFileHint)
	require.Equal(t, "E05.mkv", admitted[1].EpisodeFileHint.FilePath)

	// Both packs went into one inspection round, best-quality first
	require.Len(t, driver.inspectCalls, 1)
	require.Equal(t, []string{hash('p'), hash('q')}, driver.inspectCalls[0])
	require.Equal(t, 1, driver.cleanupCalls)
}

func TestRunDBsaturation(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}},
	}
	plan := defaultPlan()
	plan.SatisfiedByDB = map[string]map[string]int{
		CategoryRemux: {Resolution1080p: 2},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, plan, 0, 0)
	require.NoError(t, err)
	require.Empty(t, admitted)
}

func TestRunCodecDiversification(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}, hash('b'): {}, hash('c'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX.x265", Size: 40 * gib},
		{InfoHash: hash('b'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX.x265", Size: 35 * gib},
		{InfoHash: hash('c'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX.x264", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)

	require.Len(t, admitted, 2)
	require.Equal(t, hash('a'), admitted[0].InfoHash)
	require.Equal(t, hash('c'), admitted[1].InfoHash)
}

func TestRunLiveCheck(t *testing.T) {
	driver := &fakeDriver{
		liveCached: map[string]struct{}{hash('a'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)

	require.Len(t, admitted, 1)
	require.Equal(t, FromLive, admitted[0].From)
	require.Equal(t, []string{hash('a')}, driver.liveCalls)
}

func TestRunGlobalResolutionCap(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}, hash('b'): {}, hash('c'): {}},
	}
	plan := defaultPlan()
	plan.GlobalResolutionCap = 2
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 40 * gib},
		{InfoHash: hash('b'), Title: "Epic.Movie.2019.1080p.BluRay", Size: 30 * gib},
		{InfoHash: hash('c'), Title: "Epic.Movie.2019.1080p.WEB-DL", Size: 10 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, plan, 0, 0)
	require.NoError(t, err)

	require.Len(t, admitted, 2)
	for _, candidate := range admitted {
		require.Equal(t, Resolution1080p, candidate.Resolution)
	}
}

func TestRunDeduplicatesHashes(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
		{InfoHash: strings.ToUpper(hash('a')), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
}

func TestRunDeterministicOrder(t *testing.T) {
	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}, hash('b'): {}, hash('c'): {}, hash('d'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('d'), Title: "Epic.Movie.2019.720p.WEBRip", Size: 1 * gib},
		{InfoHash: hash('c'), Title: "Epic.Movie.2019.1080p.WEB-DL", Size: 8 * gib},
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.2160p.BluRay.REMUX", Size: 60 * gib},
		{InfoHash: hash('b'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 20 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	first, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)
	second, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRunBatchFailureDegrades(t *testing.T) {
	driver := &fakeDriver{
		batchErr:   errors.New("vendor hiccup"),
		liveCached: map[string]struct{}{hash('a'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	require.Equal(t, FromLive, admitted[0].From)
	require.Equal(t, 1, driver.cleanupCalls)
}

func TestRunAuthErrorSurfaces(t *testing.T) {
	driver := &fakeDriver{
		batchErr: debrid.ErrAuth,
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	admitted, err := engine.Run(context.Background(), driver, candidates, defaultPlan(), 0, 0)
	require.ErrorIs(t, err, debrid.ErrAuth)
	require.Empty(t, admitted)
	require.Equal(t, 1, driver.cleanupCalls)
}

func TestRunCancellationRunsCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	driver := &fakeDriver{
		cached: map[string]struct{}{hash('a'): {}},
	}
	candidates := []scraper.Candidate{
		{InfoHash: hash('a'), Title: "Epic.Movie.2019.1080p.BluRay.REMUX", Size: 30 * gib},
	}

	engine := newTestEngine(t, DefaultOptions)
	_, err := engine.Run(ctx, driver, candidates, defaultPlan(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, driver.cleanupCalls)
}

func TestClassifyCategory(t *testing.T) {
	require.Equal(t, CategoryRemux, ClassifyCategory("Epic.Movie.2019.1080p.BluRay.REMUX", true))
	require.Equal(t, CategoryWebRip, ClassifyCategory("Epic.Movie.2019.1080p.BRRip", true))
	require.Equal(t, CategoryWebRip, ClassifyCategory("Epic.Movie.2019.1080p.WEBRip", true))
	require.Equal(t, CategoryBluRay, ClassifyCategory("Epic.Movie.2019.1080p.BluRay.x264", true))
	require.Equal(t, CategoryBluRay, ClassifyCategory("Epic.Movie.2019.1080p.BDRip", true))
	require.Equal(t, CategoryWebDL, ClassifyCategory("Epic.Movie.2019.1080p.WEB-DL", true))
	require.Equal(t, CategoryAudioFocused, ClassifyCategory("Epic.Movie.2019.1080p.AAC", true))
	require.Equal(t, CategoryOther, ClassifyCategory("Epic.Movie.2019.1080p.AAC", false))
	require.Equal(t, CategoryOther, ClassifyCategory("Epic.Movie.2019.1080p.HDTV", true))
}

var (
	_ debrid.Service       = (*fakeDriver)(nil)
	_ debrid.LiveChecker   = (*fakeDriver)(nil)
	_ debrid.PackInspector = (*fakeDriver)(nil)
	_ debrid.Cleaner       = (*fakeDriver)(nil)
)

type fakeDriver struct {
	cached     map[string]struct{}
	liveCached map[string]struct{}
	hints      map[string]*debrid.PackHint
	batchErr   error

	liveCalls    []string
	inspectCalls [][]string
	cleanupCalls int
}

func (d *fakeDriver) ID() string {
	return "fake"
}

func (d *fakeDriver) CheckHashes(_ context.Context, infoHashes []string) (map[string]struct{}, error) {
	if d.batchErr != nil {
		return nil, d.batchErr
	}
	result := map[string]struct{}{}
	for _, infoHash := range infoHashes {
		if _, found := d.cached[infoHash]; found {
			result[infoHash] = struct{}{}
		}
	}
	return result, nil
}

func (d *fakeDriver) CheckHash(_ context.Context, infoHash string) (bool, error) {
	d.liveCalls = append(d.liveCalls, infoHash)
	_, found := d.liveCached[infoHash]
	return found, nil
}

func (d *fakeDriver) InspectPacks(_ context.Context, infoHashes []string, season, episode int) (map[string]*debrid.PackHint, error) {
	d.inspectCalls = append(d.inspectCalls, infoHashes)
	result := map[string]*debrid.PackHint{}
	for _, infoHash := range infoHashes {
		if hint, found := d.hints[infoHash]; found {
			result[infoHash] = hint
		}
	}
	return result, nil
}

func (d *fakeDriver) Cleanup(_ context.Context) error {
	d.cleanupCalls++
	return nil
}
