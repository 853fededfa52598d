// Package admission selects which discovered candidates are worth returning,
// by walking quality tiers under per-category quotas, optional codec
// diversification and season-pack inspection against the active debrid
// service.
package admission

import "regexp"

// Release categories, ordered by desirability.
const (
	CategoryRemux        = "Remux"
	CategoryBluRay       = "BluRay"
	CategoryWebDL        = "WEB/WEB-DL"
	CategoryWebRip       = "BRRip/WEBRip"
	CategoryAudioFocused = "Audio-Focused"
	CategoryOther        = "Other"
)

const (
	Resolution2160p   = "2160p"
	Resolution1080p   = "1080p"
	Resolution720p    = "720p"
	Resolution480p    = "480p"
	ResolutionUnknown = "unknown"
)

const (
	CodecH265    = "h265"
	CodecH264    = "h264"
	CodecUnknown = "unknown"
)

var (
	remuxRx  = regexp.MustCompile(`(?i)\bremux\b`)
	ripRx    = regexp.MustCompile(`(?i)\b(brrip|webrip|web-rip|hdrip|dvdrip)\b`)
	blurayRx = regexp.MustCompile(`(?i)\b(bluray|blu-ray|bdrip)\b`)
	webRx    = regexp.MustCompile(`(?i)\b(web-dl|webdl|web)\b`)
	audioRx  = regexp.MustCompile(`(?i)\b(aac|opus)\b`)
)

// ClassifyCategory derives the release category from the raw release name.
// Check order matters: "Show.2019.BRRip" must not land in BluRay, so rip
// tokens are tested before the BluRay ones.
func ClassifyCategory(rawTitle string, penalizeAudio bool) string {
	switch {
	case remuxRx.MatchString(rawTitle):
		return CategoryRemux
	case ripRx.MatchString(rawTitle):
		return CategoryWebRip
	case blurayRx.MatchString(rawTitle):
		return CategoryBluRay
	case webRx.MatchString(rawTitle):
		return CategoryWebDL
	case penalizeAudio && audioRx.MatchString(rawTitle):
		return CategoryAudioFocused
	default:
		return CategoryOther
	}
}

var resolutionScores = map[string]int{
	Resolution2160p: 4,
	Resolution1080p: 3,
	Resolution720p:  2,
	Resolution480p:  1,
}

var categoryScores = map[string]int{
	CategoryRemux:        5,
	CategoryBluRay:       4,
	CategoryWebDL:        3,
	CategoryWebRip:       2,
	CategoryOther:        1,
	CategoryAudioFocused: 0,
}
