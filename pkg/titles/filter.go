package titles

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// franchiseSiblings lists titles that share a franchise prefix and regularly
// pollute each other's search results. A candidate matching a sibling but not
// the canonical title is rejected.
var franchiseSiblings = map[string][]string{
	"star trek": {
		"star trek discovery",
		"star trek picard",
		"star trek lower decks",
		"star trek prodigy",
		"star trek strange new worlds",
		"star trek enterprise",
		"star trek voyager",
		"star trek deep space nine",
		"star trek the next generation",
		"star trek the original series",
	},
	"star wars": {
		"star wars the clone wars",
		"star wars rebels",
		"star wars the bad batch",
		"star wars visions",
		"star wars andor",
	},
	"the walking dead": {
		"fear the walking dead",
		"the walking dead world beyond",
		"the walking dead dead city",
		"the walking dead daryl dixon",
	},
}

var (
	nonAlphaNumRx = regexp.MustCompile(`[^a-z0-9]+`)
	spaceRx       = regexp.MustCompile(`\s+`)

	diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Normalize strips diacritics, collapses non-alphanumerics to single spaces and lowercases.
func Normalize(title string) string {
	stripped, _, err := transform.String(diacriticStripper, title)
	if err != nil {
		stripped = title
	}
	normalized := nonAlphaNumRx.ReplaceAllString(strings.ToLower(stripped), " ")
	return strings.TrimSpace(spaceRx.ReplaceAllString(normalized, " "))
}

// significantWords returns the words of the normalized title with length >= 3,
// falling back to all words if none qualify.
func significantWords(normalizedTitle string) []string {
	words := strings.Fields(normalizedTitle)
	var significant []string
	for _, word := range words {
		if len(word) >= 3 {
			significant = append(significant, word)
		}
	}
	if len(significant) == 0 {
		return words
	}
	return significant
}

// MatchesSeriesTitle reports whether a candidate release name belongs to the
// canonical series. parsedTitle is the title the release-name parser extracted
// from the candidate; rawName is the full release name.
func MatchesSeriesTitle(parsedTitle, rawName, canonicalTitle string) bool {
	canonical := Normalize(canonicalTitle)
	parsed := Normalize(parsedTitle)
	raw := Normalize(rawName)

	if canonical == "" {
		return false
	}

	// Franchise disambiguation: a candidate that names a sibling of the
	// canonical title is a different show, even if all canonical words appear.
	for franchise, siblings := range franchiseSiblings {
		if !strings.HasPrefix(canonical, franchise) && canonical != franchise {
			continue
		}
		for _, sibling := range siblings {
			if sibling == canonical {
				continue
			}
			if strings.Contains(raw, sibling) {
				return false
			}
		}
	}

	if parsed == canonical {
		return true
	}
	for _, word := range significantWords(canonical) {
		if !containsWord(raw, word) {
			return false
		}
	}
	return true
}

// MatchesMovieTitle applies the movie rules: the candidate must not look like
// a series episode, its year must match the metadata year exactly (when both
// are known), and at least half of the canonical title's significant words
// must appear in the release name (all of them for short titles).
func MatchesMovieTitle(parsed ParsedTitle, rawName, canonicalTitle string, canonicalYear int) bool {
	if parsed.Season > 0 || parsed.Episode > 0 {
		return false
	}
	if canonicalYear > 0 && parsed.Year > 0 && parsed.Year != canonicalYear {
		return false
	}

	canonical := Normalize(canonicalTitle)
	raw := Normalize(rawName)
	words := significantWords(canonical)
	if len(words) == 0 {
		return false
	}
	matched := 0
	for _, word := range words {
		if containsWord(raw, word) {
			matched++
		}
	}
	if len(words) <= 2 {
		return matched == len(words)
	}
	return matched*2 >= len(words)
}

func containsWord(normalized, word string) bool {
	return strings.Contains(" "+normalized+" ", " "+word+" ")
}

var (
	seasonEpisodeWordsRx = regexp.MustCompile(`(?i)\bseason[ ._-]?(\d{1,2})[ ._-]?episode[ ._-]?(\d{1,3})\b`)
	epShortRx            = regexp.MustCompile(`(?i)\bep\.?[ _-]?(\d{1,3})\b`)
)

// HasEpisodeMarker reports whether the release name marks the specific episode.
// Accepted forms: SxxEyy, "season N episode M", NxMM, Ep.NN and zero-padded variants.
func HasEpisodeMarker(name string, season, episode int) bool {
	if season <= 0 || episode <= 0 {
		return false
	}
	for _, rx := range []*regexp.Regexp{seasonEpRx, crossEpRx, seasonEpisodeWordsRx} {
		for _, m := range rx.FindAllStringSubmatch(name, -1) {
			if atoiSafe(m[1]) == season && atoiSafe(m[2]) == episode {
				return true
			}
		}
	}
	for _, m := range epShortRx.FindAllStringSubmatch(name, -1) {
		if atoiSafe(m[1]) == episode {
			return true
		}
	}
	return false
}

// HasOtherEpisodeMarker reports whether the name carries an SxxEyy-style marker
// for a different episode than the target.
func HasOtherEpisodeMarker(name string, season, episode int) bool {
	for _, m := range seasonEpRx.FindAllStringSubmatch(name, -1) {
		s, e := atoiSafe(m[1]), atoiSafe(m[2])
		if s != season || e != episode {
			return true
		}
	}
	for _, m := range crossEpRx.FindAllStringSubmatch(name, -1) {
		s, e := atoiSafe(m[1]), atoiSafe(m[2])
		if s != season || e != episode {
			return true
		}
	}
	return false
}

// IsSeasonPack reports whether the name is a pack for the given season:
// "season N" or "sNN" alone, without any episode marker.
func IsSeasonPack(name string, season int) bool {
	if season <= 0 {
		return false
	}
	if seasonEpRx.MatchString(name) || crossEpRx.MatchString(name) {
		return false
	}
	for _, rx := range []*regexp.Regexp{seasonWordRx, seasonOnlyRx} {
		for _, m := range rx.FindAllStringSubmatch(name, -1) {
			if atoiSafe(m[1]) == season {
				return true
			}
		}
	}
	return false
}

// IsRelevantMultiSeasonPack reports whether the name is a multi-season pack
// ("seasons A-B" or "sA-sB") whose span covers the given season.
func IsRelevantMultiSeasonPack(name string, season int) bool {
	if season <= 0 {
		return false
	}
	m := seasonSpanRx.FindStringSubmatch(name)
	if m == nil {
		return false
	}
	first, last := m[1], m[2]
	if first == "" {
		first, last = m[3], m[4]
	}
	firstNum, lastNum := atoiSafe(first), atoiSafe(last)
	return firstNum > 0 && firstNum <= season && season <= lastNum
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
