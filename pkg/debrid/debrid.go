// Package debrid defines the narrow contract the cache-admission engine
// requires from a debrid service, plus the optional capabilities a vendor
// driver may declare. The engine never sees vendor payloads; each driver
// translates its vendor's HTTP shapes behind this contract.
package debrid

import (
	"context"
	"errors"
)

// ErrAuth marks authentication or authorization failures (401/403).
// Drivers wrap it so the facade can treat the error as terminal for the
// service while other services continue.
var ErrAuth = errors.New("debrid service rejected the credentials")

// PackHint points at the target episode's file inside a season pack.
// It's produced by pack inspection and carried by admitted candidates so the
// resolve step can pick the exact file without inspecting again.
type PackHint struct {
	FilePath  string
	FileBytes int64
	TorrentID string
	FileID    string
}

// Service is the minimal contract every debrid driver implements.
type Service interface {
	// ID returns a stable lowercase label used for logging and cache scoping.
	ID() string
	// CheckHashes returns the subset of the given info hashes the service
	// reports as already cached. It must be idempotent. Partial vendor
	// errors degrade to a smaller set, not an error.
	CheckHashes(ctx context.Context, infoHashes []string) (map[string]struct{}, error)
}

// LiveChecker is the optional slower single-hash fallback, used when the
// batch check didn't confirm a candidate the engine still wants.
type LiveChecker interface {
	CheckHash(ctx context.Context, infoHash string) (bool, error)
}

// PackInspector is the optional capability to look inside season packs.
// For each provided pack hash it reports whether the pack contains the target
// episode and, if so, a hint for later file resolution. Hashes whose packs
// don't contain the episode are simply absent from the returned map.
type PackInspector interface {
	InspectPacks(ctx context.Context, infoHashes []string, season, episode int) (map[string]*PackHint, error)
}

// Cleaner is the optional end-of-request hook. The engine invokes it exactly
// once per request, success or failure, and swallows its error.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}
