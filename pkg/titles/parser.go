package titles

import (
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ParsedTitle holds the structured metadata extracted from a release name.
type ParsedTitle struct {
	Title      string
	Year       int
	Season     int
	Episode    int
	// First and last season for multi-season packs like "S01-S05"
	Seasons    []int
	Resolution string
	Codec      string
}

// Parser extracts structured metadata from a raw release name.
// Implementations must be pure functions of their input.
type Parser interface {
	Parse(releaseName string) ParsedTitle
}

var (
	yearRx        = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	seasonEpRx    = regexp.MustCompile(`(?i)\bs(\d{1,2})\s?e(\d{1,3})\b`)
	seasonWordRx  = regexp.MustCompile(`(?i)\bseason[ ._-]?(\d{1,2})\b`)
	episodeWordRx = regexp.MustCompile(`(?i)\bepisode[ ._-]?(\d{1,3})\b`)
	crossEpRx     = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	seasonOnlyRx  = regexp.MustCompile(`(?i)\bs(\d{1,2})\b`)
	seasonSpanRx  = regexp.MustCompile(`(?i)\bs(\d{1,2})\s?-\s?s?(\d{1,2})\b|\bseasons?[ ._-]?(\d{1,2})\s?-\s?(\d{1,2})\b`)
	resolutionRx  = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|480p|4k)\b`)
	h265Rx        = regexp.MustCompile(`(?i)\b(x265|h\.?265|hevc)\b`)
	h264Rx        = regexp.MustCompile(`(?i)\b(x264|h\.?264|avc)\b`)
	// Everything from the first tag-like token on is release junk, not title
	titleCutRx = regexp.MustCompile(`(?i)[. _\-\[(]+(19\d{2}|20\d{2}|2160p|1080p|720p|480p|4k|s\d{1,2}(\s?e\d{1,3})?|season)\b.*$`)
	separators = regexp.MustCompile(`[._]+`)
)

var _ Parser = (*defaultParser)(nil)

// defaultParser is a regex-driven release-name parser.
// It covers the patterns common in torrent and newsgroup release names.
type defaultParser struct{}

func NewParser() Parser {
	return defaultParser{}
}

func (defaultParser) Parse(releaseName string) ParsedTitle {
	result := ParsedTitle{}
	name := separators.ReplaceAllString(releaseName, " ")

	if m := yearRx.FindString(name); m != "" {
		result.Year, _ = strconv.Atoi(m)
	}

	if m := seasonSpanRx.FindStringSubmatch(name); m != nil {
		first, last := m[1], m[2]
		if first == "" {
			first, last = m[3], m[4]
		}
		firstNum, _ := strconv.Atoi(first)
		lastNum, _ := strconv.Atoi(last)
		if firstNum > 0 && lastNum >= firstNum {
			for s := firstNum; s <= lastNum; s++ {
				result.Seasons = append(result.Seasons, s)
			}
			result.Season = firstNum
		}
	}

	if m := seasonEpRx.FindStringSubmatch(name); m != nil {
		result.Season, _ = strconv.Atoi(m[1])
		result.Episode, _ = strconv.Atoi(m[2])
	} else if m := crossEpRx.FindStringSubmatch(name); m != nil {
		result.Season, _ = strconv.Atoi(m[1])
		result.Episode, _ = strconv.Atoi(m[2])
	} else {
		if m := seasonWordRx.FindStringSubmatch(name); m != nil {
			result.Season, _ = strconv.Atoi(m[1])
		} else if result.Season == 0 {
			if m := seasonOnlyRx.FindStringSubmatch(name); m != nil {
				result.Season, _ = strconv.Atoi(m[1])
			}
		}
		if m := episodeWordRx.FindStringSubmatch(name); m != nil {
			result.Episode, _ = strconv.Atoi(m[1])
		}
	}

	if m := resolutionRx.FindString(name); m != "" {
		result.Resolution = strings.ToLower(m)
		if result.Resolution == "4k" {
			result.Resolution = "2160p"
		}
	}

	if h265Rx.MatchString(name) {
		result.Codec = "h265"
	} else if h264Rx.MatchString(name) {
		result.Codec = "h264"
	}

	title := titleCutRx.ReplaceAllString(name, "")
	result.Title = strings.TrimSpace(strings.Trim(title, " -(["))

	return result
}

var _ Parser = (*MemoParser)(nil)

// MemoParser wraps a Parser with a bounded LRU.
// Parsing is a pure function of the release name, so stale evictions are harmless.
type MemoParser struct {
	inner Parser
	cache *lru.Cache[string, ParsedTitle]
}

const DefaultMemoSize = 2000

func NewMemoParser(inner Parser, size int) (*MemoParser, error) {
	if size <= 0 {
		size = DefaultMemoSize
	}
	cache, err := lru.New[string, ParsedTitle](size)
	if err != nil {
		return nil, err
	}
	return &MemoParser{
		inner: inner,
		cache: cache,
	}, nil
}

func (p *MemoParser) Parse(releaseName string) ParsedTitle {
	if parsed, ok := p.cache.Get(releaseName); ok {
		return parsed
	}
	parsed := p.inner.Parse(releaseName)
	p.cache.Add(releaseName, parsed)
	return parsed
}
