package admission

// QuotaPlan holds the resolved admission limits for one request.
type QuotaPlan struct {
	// Max admissions per category; a missing category means 0
	PerCategory map[string]int
	// satisfiedByDB: counts already contributed by persisted records or
	// personal files, keyed [category][resolution]. The engine subtracts
	// these before counting external admissions.
	SatisfiedByDB map[string]map[string]int
	// Max admissions per codec and resolution when diversification is on
	PerCodecMax map[string]int
	// Max admissions per resolution; 0 turns the cap off
	GlobalResolutionCap int
	// When true, season-pack admissions are counted separately from
	// specific-episode admissions instead of sharing one
	// (category, resolution) counter.
	SeparatePackQuota bool
}

// DefaultPerCategory returns the default per-category quotas, with
// maxPerQuality applied to the three premium categories.
func DefaultPerCategory(maxPerQuality int) map[string]int {
	return map[string]int{
		CategoryRemux:        maxPerQuality,
		CategoryBluRay:       maxPerQuality,
		CategoryWebDL:        maxPerQuality,
		CategoryWebRip:       1,
		CategoryAudioFocused: 1,
		CategoryOther:        10,
	}
}

// remaining is the number of external admissions still allowed in the
// (category, resolution) bucket before counting this request's admissions.
func (p QuotaPlan) remaining(category, resolution string) int {
	need := p.PerCategory[category] - p.SatisfiedByDB[category][resolution]
	if need < 0 {
		return 0
	}
	return need
}

// trackers holds the per-request admission counters.
type trackers struct {
	byCategoryResolution map[string]map[string]int
	byResolution         map[string]int
	byCodecPerResolution map[string]map[string]int
	// Pack admissions, counted separately only with SeparatePackQuota
	packsByCategoryResolution map[string]map[string]int
}

func newTrackers() *trackers {
	return &trackers{
		byCategoryResolution:      map[string]map[string]int{},
		byResolution:              map[string]int{},
		byCodecPerResolution:      map[string]map[string]int{},
		packsByCategoryResolution: map[string]map[string]int{},
	}
}

func (t *trackers) count(category, resolution string) int {
	return t.byCategoryResolution[category][resolution]
}

func (t *trackers) packCount(category, resolution string) int {
	return t.packsByCategoryResolution[category][resolution]
}

func (t *trackers) codecCount(resolution, codec string) int {
	return t.byCodecPerResolution[resolution][codec]
}

func (t *trackers) admit(category, resolution, codec string, isPack, separatePackQuota bool) {
	target := t.byCategoryResolution
	if isPack && separatePackQuota {
		target = t.packsByCategoryResolution
	}
	if target[category] == nil {
		target[category] = map[string]int{}
	}
	target[category][resolution]++
	t.byResolution[resolution]++
	if codec != CodecUnknown {
		if t.byCodecPerResolution[resolution] == nil {
			t.byCodecPerResolution[resolution] = map[string]int{}
		}
		t.byCodecPerResolution[resolution][codec]++
	}
}
