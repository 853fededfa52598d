package admission

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sooti/stremio-addon-debrid-search/pkg/debrid"
	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

// Provenance of an admission.
const (
	FromBatch = "API Batch"
	FromLive  = "API Live"
	FromPack  = "Batch Pack Inspection"
)

type Options struct {
	MaxPacksToInspect int
	MaxPackRounds     int
	// Hard drops
	SkipWebRip  bool
	SkipAACOpus bool
	// Reclassify AAC/Opus releases into Audio-Focused
	PenalizeAACOpus bool
	DiversifyCodecs bool
	// Max single-hash live checks per request
	LiveChecksPerRequest int
}

func NewOpts(maxPacksToInspect, maxPackRounds int, skipWebRip, skipAACOpus, penalizeAACOpus, diversifyCodecs bool, liveChecksPerRequest int) Options {
	return Options{
		MaxPacksToInspect:    maxPacksToInspect,
		MaxPackRounds:        maxPackRounds,
		SkipWebRip:           skipWebRip,
		SkipAACOpus:          skipAACOpus,
		PenalizeAACOpus:      penalizeAACOpus,
		DiversifyCodecs:      diversifyCodecs,
		LiveChecksPerRequest: liveChecksPerRequest,
	}
}

var DefaultOptions = Options{
	MaxPacksToInspect:    5,
	MaxPackRounds:        3,
	PenalizeAACOpus:      true,
	DiversifyCodecs:      true,
	LiveChecksPerRequest: 10,
}

// Admitted is one candidate that passed admission, tagged with its
// provenance.
type Admitted struct {
	scraper.Candidate
	Category   string
	Resolution string
	Codec      string
	// The driver's identifier
	Source   string
	IsCached bool
	// One of FromBatch, FromLive, FromPack
	From            string
	EpisodeFileHint *debrid.PackHint
}

// enriched is a candidate with its derived fields filled.
type enriched struct {
	scraper.Candidate
	category   string
	resolution string
	codec      string
}

// Engine walks the quality tiers and admits candidates that are cached on the
// active debrid service, within the request's quotas.
type Engine struct {
	opts   Options
	parser titles.Parser
	logger *zap.Logger
}

func NewEngine(opts Options, parser titles.Parser, logger *zap.Logger) *Engine {
	return &Engine{
		opts:   opts,
		parser: parser,
		logger: logger,
	}
}

// tier is one step of the quality walk.
type tier struct {
	name        string
	categories  []string
	resolutions []string
}

// Release names without a resolution token are common, so the unknown
// bucket is walked along with the hi-res ones instead of never being visited.
var (
	hiResTiers = []tier{
		{name: "Golden", categories: []string{CategoryRemux, CategoryBluRay, CategoryWebDL}, resolutions: []string{Resolution2160p, Resolution1080p, ResolutionUnknown}},
		{name: "Compromise-HiRes", categories: []string{CategoryWebRip}, resolutions: []string{Resolution2160p, Resolution1080p, ResolutionUnknown}},
		{name: "LastResort-HiRes", categories: []string{CategoryAudioFocused, CategoryOther}, resolutions: []string{Resolution2160p, Resolution1080p, ResolutionUnknown}},
	}
	lowResTiers = []tier{
		{name: "Fallback-LowRes", categories: []string{CategoryRemux, CategoryBluRay, CategoryWebDL}, resolutions: []string{Resolution720p}},
		{name: "Compromise-LowRes", categories: []string{CategoryWebRip}, resolutions: []string{Resolution720p}},
		{name: "LastResort-LowRes", categories: []string{CategoryAudioFocused, CategoryOther}, resolutions: []string{Resolution720p, Resolution480p}},
	}
)

// run holds the state of one engine invocation.
type run struct {
	engine    *Engine
	driver    debrid.Service
	plan      QuotaPlan
	season    int
	episode   int
	groups    map[string]map[string][]enriched
	preCached map[string]struct{}
	trk       *trackers
	// Buckets whose candidates have all been walked
	exhausted   map[string]map[string]bool
	liveLimiter *rate.Limiter
	admitted    []Admitted
	seen        map[string]struct{}
	logger      *zap.Logger
}

// Run admits candidates for one request. With a season/episode target set,
// only specific-episode releases and inspected season packs are admitted.
// On cancellation it returns the admissions gathered so far.
// The driver's cleanup runs exactly once on every exit path.
func (e *Engine) Run(ctx context.Context, driver debrid.Service, candidates []scraper.Candidate, plan QuotaPlan, season, episode int) ([]Admitted, error) {
	enrichedCandidates := e.enrich(candidates)
	if len(enrichedCandidates) == 0 {
		return nil, nil
	}

	// If the persisted records already satisfy every bucket, don't contact
	// the driver at all.
	if e.saturated(plan) {
		e.logger.Debug("All quotas satisfied by persisted records, skipping driver calls")
		return nil, nil
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			cleaner, ok := driver.(debrid.Cleaner)
			if !ok {
				return
			}
			// Runs even when ctx was cancelled
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := cleaner.Cleanup(cleanupCtx); err != nil {
				e.logger.Warn("Driver cleanup failed", zap.Error(err), zap.String("service", driver.ID()))
			}
		})
	}
	defer cleanup()

	hashes := make([]string, 0, len(enrichedCandidates))
	for _, candidate := range enrichedCandidates {
		hashes = append(hashes, candidate.InfoHash)
	}
	preCached, err := driver.CheckHashes(ctx, hashes)
	if err != nil {
		if errors.Is(err, debrid.ErrAuth) {
			return nil, err
		}
		e.logger.Warn("Batch cache check failed, proceeding with live checks only", zap.Error(err), zap.String("service", driver.ID()))
		preCached = map[string]struct{}{}
	}

	r := &run{
		engine:      e,
		driver:      driver,
		plan:        plan,
		season:      season,
		episode:     episode,
		groups:      group(enrichedCandidates),
		preCached:   preCached,
		trk:         newTrackers(),
		exhausted:   map[string]map[string]bool{},
		liveLimiter: rate.NewLimiter(rate.Every(time.Second), e.opts.LiveChecksPerRequest),
		seen:        map[string]struct{}{},
		logger:      e.logger,
	}

	// An early exit stops the tier walk but not the pack inspection:
	// a confirmed pack can still fill an episode slot no loose release could.
	// The strict variant is a boundary check between tiers, never a pre-walk
	// veto: the first tier always runs.
	stopped := false
	for i, t := range hiResTiers {
		if ctx.Err() != nil {
			return r.admitted, nil
		}
		if i > 0 && r.earlyExitStrict() {
			e.logger.Debug("Early exit: premium buckets satisfied or unreachable", zap.String("beforeTier", t.name))
			stopped = true
			break
		}
		if r.walkTier(ctx, t) {
			stopped = true
			break
		}
	}
	if ctx.Err() != nil {
		return r.admitted, nil
	}

	if season > 0 && episode > 0 {
		r.inspectPacks(ctx, enrichedCandidates)
	}

	if stopped || r.hiQualitySatisfied() {
		e.logger.Debug("High-quality buckets satisfied, skipping low-resolution tiers")
		return r.admitted, nil
	}
	for _, t := range lowResTiers {
		if ctx.Err() != nil {
			return r.admitted, nil
		}
		if r.walkTier(ctx, t) {
			return r.admitted, nil
		}
	}
	return r.admitted, nil
}

// enrich lowercases hashes, fills the derived fields and deduplicates.
// Candidates without both an info hash and a name are dropped.
func (e *Engine) enrich(candidates []scraper.Candidate) []enriched {
	var result []enriched
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		candidate.InfoHash = strings.ToLower(candidate.InfoHash)
		if candidate.InfoHash == "" || candidate.Title == "" {
			continue
		}
		if _, found := seen[candidate.InfoHash]; found {
			continue
		}
		seen[candidate.InfoHash] = struct{}{}
		if candidate.Size < 0 {
			candidate.Size = 0
		}
		parsed := e.parser.Parse(candidate.Title)
		resolution := parsed.Resolution
		if _, known := resolutionScores[resolution]; !known {
			resolution = ResolutionUnknown
		}
		codec := parsed.Codec
		if codec != CodecH265 && codec != CodecH264 {
			codec = CodecUnknown
		}
		result = append(result, enriched{
			Candidate:  candidate,
			category:   ClassifyCategory(candidate.Title, e.opts.PenalizeAACOpus),
			resolution: resolution,
			codec:      codec,
		})
	}
	return result
}

// saturated reports whether persisted records alone fill every bucket.
func (e *Engine) saturated(plan QuotaPlan) bool {
	resolutions := []string{Resolution2160p, Resolution1080p, Resolution720p, Resolution480p, ResolutionUnknown}
	for category := range plan.PerCategory {
		for _, resolution := range resolutions {
			if plan.remaining(category, resolution) > 0 {
				return false
			}
		}
	}
	return true
}

// group buckets candidates by (category, resolution), each bucket sorted by
// size descending. The hash tie-break keeps the admission order deterministic.
func group(candidates []enriched) map[string]map[string][]enriched {
	groups := map[string]map[string][]enriched{}
	for _, candidate := range candidates {
		if groups[candidate.category] == nil {
			groups[candidate.category] = map[string][]enriched{}
		}
		groups[candidate.category][candidate.resolution] = append(groups[candidate.category][candidate.resolution], candidate)
	}
	for _, byResolution := range groups {
		for _, bucket := range byResolution {
			sort.Slice(bucket, func(i, j int) bool {
				if bucket[i].Size != bucket[j].Size {
					return bucket[i].Size > bucket[j].Size
				}
				return bucket[i].InfoHash < bucket[j].InfoHash
			})
		}
	}
	return groups
}

// walkTier admits candidates of one tier. The returned bool requests a full
// stop (quota-met early exit).
func (r *run) walkTier(ctx context.Context, t tier) (stop bool) {
	if r.tierFilled(t) {
		return false
	}
	for _, category := range t.categories {
		for _, resolution := range t.resolutions {
			bucket := r.groups[category][resolution]
			for _, candidate := range bucket {
				if ctx.Err() != nil {
					return true
				}
				if r.earlyExitQuotaMet() {
					r.logger.Debug("Early exit: premium quotas met", zap.String("tier", t.name))
					return true
				}
				r.consider(ctx, candidate)
			}
			r.markExhausted(category, resolution)
		}
	}
	return false
}

// tierFilled reports whether every bucket the tier covers is already filled.
func (r *run) tierFilled(t tier) bool {
	for _, category := range t.categories {
		for _, resolution := range t.resolutions {
			if r.need(category, resolution) > 0 {
				return false
			}
		}
	}
	return true
}

func (r *run) need(category, resolution string) int {
	need := r.plan.remaining(category, resolution) - r.trk.count(category, resolution)
	if need < 0 {
		return 0
	}
	return need
}

func (r *run) markExhausted(category, resolution string) {
	if r.exhausted[category] == nil {
		r.exhausted[category] = map[string]bool{}
	}
	r.exhausted[category][resolution] = true
}

// consider runs the per-candidate admission checks and, if they pass,
// the cache membership check.
func (r *run) consider(ctx context.Context, candidate enriched) {
	opts := r.engine.opts
	if _, found := r.seen[candidate.InfoHash]; found {
		return
	}

	if r.season > 0 && r.episode > 0 {
		if titles.HasOtherEpisodeMarker(candidate.Title, r.season, r.episode) {
			return
		}
		// Packs are handled by inspection, not here
		if titles.IsSeasonPack(candidate.Title, r.season) || titles.IsRelevantMultiSeasonPack(candidate.Title, r.season) {
			return
		}
		if !titles.HasEpisodeMarker(candidate.Title, r.season, r.episode) {
			return
		}
	}

	if opts.SkipWebRip && candidate.category == CategoryWebRip {
		return
	}
	if opts.SkipAACOpus && audioRx.MatchString(candidate.Title) {
		return
	}
	if opts.DiversifyCodecs && candidate.codec != CodecUnknown &&
		r.trk.codecCount(candidate.resolution, candidate.codec) >= r.plan.PerCodecMax[candidate.codec] {
		return
	}
	if r.need(candidate.category, candidate.resolution) == 0 {
		return
	}
	if r.plan.GlobalResolutionCap > 0 && r.trk.byResolution[candidate.resolution] >= r.plan.GlobalResolutionCap {
		return
	}

	if _, cached := r.preCached[candidate.InfoHash]; cached {
		r.admit(candidate, FromBatch, nil, false)
		return
	}
	liveChecker, ok := r.driver.(debrid.LiveChecker)
	if !ok || !r.liveLimiter.Allow() {
		return
	}
	cached, err := liveChecker.CheckHash(ctx, candidate.InfoHash)
	if err != nil {
		r.logger.Warn("Live cache check failed", zap.Error(err), zap.String("infoHash", candidate.InfoHash), zap.String("service", r.driver.ID()))
		return
	}
	if cached {
		r.admit(candidate, FromLive, nil, false)
	}
}

func (r *run) admit(candidate enriched, from string, hint *debrid.PackHint, isPack bool) {
	r.seen[candidate.InfoHash] = struct{}{}
	r.trk.admit(candidate.category, candidate.resolution, candidate.codec, isPack, r.plan.SeparatePackQuota)
	r.admitted = append(r.admitted, Admitted{
		Candidate:       candidate.Candidate,
		Category:        candidate.category,
		Resolution:      candidate.resolution,
		Codec:           candidate.codec,
		Source:          r.driver.ID(),
		IsCached:        true,
		From:            from,
		EpisodeFileHint: hint,
	})
}

// earlyExitQuotaMet checks mid-tier whether the Remux and BluRay quotas are
// met at both premium resolutions, purely by counts.
func (r *run) earlyExitQuotaMet() bool {
	for _, category := range []string{CategoryRemux, CategoryBluRay} {
		for _, resolution := range []string{Resolution2160p, Resolution1080p} {
			if r.need(category, resolution) > 0 {
				return false
			}
		}
	}
	return true
}

// earlyExitStrict is evaluated at tier boundaries: a bucket also counts as
// satisfied when it has no candidates at all or was walked to the end,
// because no further admissions can come out of it. Content that never had
// any Remux or BluRay candidates must not trip this exit, so besides the
// pure quota condition it requires at least one premium bucket that was
// actually drained by walking.
func (r *run) earlyExitStrict() bool {
	if r.earlyExitQuotaMet() {
		return true
	}
	drained := false
	for _, category := range []string{CategoryRemux, CategoryBluRay} {
		for _, resolution := range []string{Resolution2160p, Resolution1080p} {
			if !r.bucketSatisfied(category, resolution) {
				return false
			}
			if r.exhausted[category][resolution] && len(r.groups[category][resolution]) > 0 {
				drained = true
			}
		}
	}
	return drained
}

func (r *run) bucketSatisfied(category, resolution string) bool {
	if r.need(category, resolution) == 0 {
		return true
	}
	if len(r.groups[category][resolution]) == 0 {
		return true
	}
	return r.exhausted[category][resolution]
}

// hiQualitySatisfied gates the low-resolution tiers: they only run when a
// premium bucket still has an open, reachable slot. Without any hi-res
// contribution at all, from this run or from persisted records, the gate
// stays open so low-res-only content can still produce a result.
func (r *run) hiQualitySatisfied() bool {
	contributed := r.trk.byResolution[Resolution2160p]+r.trk.byResolution[Resolution1080p] > 0
	for _, category := range []string{CategoryRemux, CategoryBluRay, CategoryWebDL} {
		for _, resolution := range []string{Resolution2160p, Resolution1080p} {
			if !r.bucketSatisfied(category, resolution) {
				return false
			}
			if r.plan.SatisfiedByDB[category][resolution] > 0 {
				contributed = true
			}
		}
	}
	return contributed
}

// inspectPacks drives the driver's pack inspection in rounds and admits the
// packs confirmed to contain the target episode.
func (r *run) inspectPacks(ctx context.Context, candidates []enriched) {
	inspector, ok := r.driver.(debrid.PackInspector)
	if !ok {
		return
	}
	opts := r.engine.opts

	var packs []enriched
	seenPacks := map[string]struct{}{}
	for _, candidate := range candidates {
		if _, found := r.seen[candidate.InfoHash]; found {
			continue
		}
		if _, found := seenPacks[candidate.InfoHash]; found {
			continue
		}
		if titles.HasOtherEpisodeMarker(candidate.Title, r.season, r.episode) {
			continue
		}
		if !titles.IsSeasonPack(candidate.Title, r.season) && !titles.IsRelevantMultiSeasonPack(candidate.Title, r.season) {
			continue
		}
		seenPacks[candidate.InfoHash] = struct{}{}
		packs = append(packs, candidate)
	}
	if len(packs) == 0 {
		return
	}
	sort.Slice(packs, func(i, j int) bool {
		if categoryScores[packs[i].category] != categoryScores[packs[j].category] {
			return categoryScores[packs[i].category] > categoryScores[packs[j].category]
		}
		if resolutionScores[packs[i].resolution] != resolutionScores[packs[j].resolution] {
			return resolutionScores[packs[i].resolution] > resolutionScores[packs[j].resolution]
		}
		if packs[i].Size != packs[j].Size {
			return packs[i].Size > packs[j].Size
		}
		return packs[i].InfoHash < packs[j].InfoHash
	})

	hints := map[string]*debrid.PackHint{}
	next := 0
	for round := 0; round < opts.MaxPackRounds && next < len(packs) && len(hints) < opts.MaxPacksToInspect; round++ {
		end := next + opts.MaxPacksToInspect
		if end > len(packs) {
			end = len(packs)
		}
		batch := packs[next:end]
		next = end
		batchHashes := make([]string, 0, len(batch))
		for _, pack := range batch {
			batchHashes = append(batchHashes, pack.InfoHash)
		}
		roundHints, err := inspector.InspectPacks(ctx, batchHashes, r.season, r.episode)
		if err != nil {
			r.logger.Warn("Pack inspection round failed", zap.Error(err), zap.Int("round", round), zap.String("service", r.driver.ID()))
			break
		}
		for infoHash, hint := range roundHints {
			hints[strings.ToLower(infoHash)] = hint
		}
	}

	for _, pack := range packs {
		hint, found := hints[pack.InfoHash]
		if !found {
			continue
		}
		count := r.trk.count(pack.category, pack.resolution)
		if r.plan.SeparatePackQuota {
			count = r.trk.packCount(pack.category, pack.resolution)
		}
		if count >= r.plan.remaining(pack.category, pack.resolution) {
			continue
		}
		if opts.DiversifyCodecs && pack.codec != CodecUnknown &&
			r.trk.codecCount(pack.resolution, pack.codec) >= r.plan.PerCodecMax[pack.codec] {
			continue
		}
		if r.plan.GlobalResolutionCap > 0 && r.trk.byResolution[pack.resolution] >= r.plan.GlobalResolutionCap {
			continue
		}
		r.admit(pack, FromPack, hint, true)
	}
}
