package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *ResultStore {
	t.Helper()
	store, err := NewResultStore(NewOpts(t.TempDir(), time.Hour, time.Hour), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestDefaultRecordTTL(t *testing.T) {
	// Library consumers relying on DefaultOptions get the same record
	// lifetime as the cacheTTLdays flag default
	require.Equal(t, 30*24*time.Hour, DefaultOptions.TTL)
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)

	record := Record{
		Service:    "realdebrid",
		Hash:       "0123456789abcdef0123456789abcdef01234567",
		FileName:   "Some.Movie.2019.1080p.mkv",
		Size:       1 << 30,
		Category:   "Remux",
		Resolution: "1080p",
	}
	require.NoError(t, store.Upsert(record))

	first, found, err := store.Record("realdebrid", record.Hash)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, first.CreatedAt.IsZero())
	require.False(t, first.ExpiresAt.IsZero())

	record.FileName = "Some.Movie.2019.1080p.PROPER.mkv"
	require.NoError(t, store.Upsert(record))

	second, found, err := store.Record("realdebrid", record.Hash)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "Some.Movie.2019.1080p.PROPER.mkv", second.FileName)
	require.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestKnownCached(t *testing.T) {
	store := newTestStore(t)

	fresh := Record{
		Service: "realdebrid",
		Hash:    "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
	expired := Record{
		Service:   "realdebrid",
		Hash:      "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.UpsertMany([]Record{fresh, expired}))

	// Uppercase input must still match the lowercased keys
	known, err := store.KnownCached("realdebrid", []string{
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		expired.Hash,
		"cccccccccccccccccccccccccccccccccccccccc",
	})
	require.NoError(t, err)
	require.Len(t, known, 1)
	require.Contains(t, known, fresh.Hash)
}

func TestReleaseCounts(t *testing.T) {
	store := newTestStore(t)

	release := "series|tt0000001:2:5|en"
	records := []Record{
		{Service: "realdebrid", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Category: "Remux", Resolution: "2160p", ReleaseKey: release},
		{Service: "realdebrid", Hash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Category: "Remux", Resolution: "1080p", ReleaseKey: release},
		{Service: "realdebrid", Hash: "cccccccccccccccccccccccccccccccccccccccc", Category: "WEB/WEB-DL", Resolution: "1080p", ReleaseKey: release},
		// Different release key, must not be counted
		{Service: "realdebrid", Hash: "dddddddddddddddddddddddddddddddddddddddd", Category: "Remux", Resolution: "1080p", ReleaseKey: "other"},
		// Expired, must not be counted
		{Service: "realdebrid", Hash: "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", Category: "Remux", Resolution: "1080p", ReleaseKey: release, ExpiresAt: time.Now().Add(-time.Minute)},
		// Other service, must not be counted
		{Service: "alldebrid", Hash: "ffffffffffffffffffffffffffffffffffffffff", Category: "Remux", Resolution: "1080p", ReleaseKey: release},
	}
	require.NoError(t, store.UpsertMany(records))

	counts, err := store.ReleaseCounts("realdebrid", release)
	require.NoError(t, err)
	expected := ReleaseCounts{
		ByCategory: map[string]int{"Remux": 2, "WEB/WEB-DL": 1},
		ByCategoryResolution: map[string]map[string]int{
			"Remux":      {"2160p": 1, "1080p": 1},
			"WEB/WEB-DL": {"1080p": 1},
		},
		Total: 3,
	}
	if diff := cmp.Diff(expected, counts); diff != "" {
		t.Fatalf("Release counts differ: %v", diff)
	}
}

func TestUpsertMovesReleaseIndex(t *testing.T) {
	store := newTestStore(t)

	record := Record{
		Service:    "realdebrid",
		Hash:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Category:   "Remux",
		Resolution: "1080p",
		ReleaseKey: "first",
	}
	require.NoError(t, store.Upsert(record))

	record.ReleaseKey = "second"
	require.NoError(t, store.Upsert(record))

	counts, err := store.ReleaseCounts("realdebrid", "first")
	require.NoError(t, err)
	require.Equal(t, 0, counts.Total)
	counts, err = store.ReleaseCounts("realdebrid", "second")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)
}

func TestSnapshot(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Snapshot("series|tt0000001:2:5")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.PutSnapshot("series|tt0000001:2:5", []byte("payload"), time.Hour))
	data, found, err := store.Snapshot("series|tt0000001:2:5")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), data)

	require.NoError(t, store.ClearSearchResults())
	_, found, err = store.Snapshot("series|tt0000001:2:5")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSweepExpired(t *testing.T) {
	store := newTestStore(t)

	records := []Record{
		{Service: "realdebrid", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ReleaseKey: "rel"},
		{Service: "realdebrid", Hash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ReleaseKey: "rel", ExpiresAt: time.Now().Add(-time.Minute)},
	}
	require.NoError(t, store.UpsertMany(records))
	require.NoError(t, store.SweepExpired())

	_, found, err := store.Record("realdebrid", records[0].Hash)
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = store.Record("realdebrid", records[1].Hash)
	require.NoError(t, err)
	require.False(t, found)

	counts, err := store.ReleaseCounts("realdebrid", "rel")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)
}

func TestClearService(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertMany([]Record{
		{Service: "realdebrid", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ReleaseKey: "rel"},
		{Service: "alldebrid", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ReleaseKey: "rel"},
	}))
	require.NoError(t, store.ClearService("realdebrid"))

	_, found, err := store.Record("realdebrid", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = store.Record("alldebrid", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.True(t, found)
}
