// Package store persists per-hash admission records and per-query search
// snapshots in an embedded BadgerDB, with TTL-based expiry and periodic
// sweeping.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/logadapter"
)

const (
	recordPrefix   = "rec:"
	releasePrefix  = "rel:"
	snapshotPrefix = "snap:"
)

// Record is the persisted entry for one (service, hash).
type Record struct {
	// Lowercased
	Service string
	// Lowercased 40-hex info hash
	Hash       string
	FileName   string
	Size       int64
	Category   string
	Resolution string
	// Opaque query key, groups all records of one search
	ReleaseKey string
	// Free-form driver payload
	Data      map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ReleaseCounts aggregates the non-expired records of one release key.
type ReleaseCounts struct {
	ByCategory           map[string]int
	ByCategoryResolution map[string]map[string]int
	Total                int
}

type Options struct {
	Path string
	// Records written without an explicit ExpiresAt live this long
	TTL           time.Duration
	SweepInterval time.Duration
}

func NewOpts(path string, ttl, sweepInterval time.Duration) Options {
	return Options{
		Path:          path,
		TTL:           ttl,
		SweepInterval: sweepInterval,
	}
}

var DefaultOptions = Options{
	Path:          "./data/store",
	TTL:           30 * 24 * time.Hour,
	SweepInterval: 30 * time.Minute,
}

// ResultStore is the BadgerDB-backed persistent result cache.
// Reads proceed concurrently with writes; conflicting upserts of the same
// (service, hash) are last-write-wins.
type ResultStore struct {
	db     *badger.DB
	ttl    time.Duration
	sweep  time.Duration
	logger *zap.Logger
}

func NewResultStore(opts Options, logger *zap.Logger) (*ResultStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).
		WithLogger(logadapter.NewBadger2Zap(logger)).
		WithSyncWrites(false)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("Couldn't open BadgerDB: %v", err)
	}
	return &ResultStore{
		db:     db,
		ttl:    opts.TTL,
		sweep:  opts.SweepInterval,
		logger: logger,
	}, nil
}

func recordKey(service, hash string) []byte {
	return []byte(recordPrefix + strings.ToLower(service) + ":" + strings.ToLower(hash))
}

func releaseKey(service, release, hash string) []byte {
	return []byte(releasePrefix + strings.ToLower(service) + ":" + release + ":" + strings.ToLower(hash))
}

// Upsert writes one record. An existing record's CreatedAt is preserved;
// everything else is overwritten. A zero ExpiresAt is filled from the
// configured TTL.
func (s *ResultStore) Upsert(record Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.upsertInTxn(txn, record)
	})
}

// UpsertMany writes records in one transaction where they fit, falling back
// to splitting when the transaction grows too big.
func (s *ResultStore) UpsertMany(records []Record) error {
	// WriteBatch would skip the read needed to preserve CreatedAt
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	for _, record := range records {
		err := s.upsertInTxn(txn, record)
		if err == badger.ErrTxnTooBig {
			if err = txn.Commit(); err != nil {
				return fmt.Errorf("Couldn't commit split transaction: %v", err)
			}
			txn = s.db.NewTransaction(true)
			err = s.upsertInTxn(txn, record)
		}
		if err != nil {
			return fmt.Errorf("Couldn't upsert record for hash %v: %v", record.Hash, err)
		}
	}
	return txn.Commit()
}

func (s *ResultStore) upsertInTxn(txn *badger.Txn, record Record) error {
	record.Service = strings.ToLower(record.Service)
	record.Hash = strings.ToLower(record.Hash)
	now := time.Now()
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(s.ttl)
	}

	key := recordKey(record.Service, record.Hash)
	var existing Record
	found, err := gobGetInTxn(txn, key, &existing)
	if err != nil {
		return err
	}
	if found {
		record.CreatedAt = existing.CreatedAt
		if existing.ReleaseKey != "" && existing.ReleaseKey != record.ReleaseKey {
			if err := txn.Delete(releaseKey(record.Service, existing.ReleaseKey, record.Hash)); err != nil {
				return err
			}
		}
	} else {
		record.CreatedAt = now
	}

	if err := gobSetInTxn(txn, key, record); err != nil {
		return err
	}
	if record.ReleaseKey != "" {
		// The index value is empty; counts read the full record.
		return txn.Set(releaseKey(record.Service, record.ReleaseKey, record.Hash), nil)
	}
	return nil
}

// KnownCached returns the subset of hashes that have a non-expired record for
// the service.
func (s *ResultStore) KnownCached(service string, hashes []string) (map[string]struct{}, error) {
	result := map[string]struct{}{}
	now := time.Now()
	err := s.db.View(func(txn *badger.Txn) error {
		for _, hash := range hashes {
			var record Record
			found, err := gobGetInTxn(txn, recordKey(service, hash), &record)
			if err != nil {
				return err
			}
			if found && !record.expired(now) {
				result[strings.ToLower(hash)] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Couldn't look up known hashes: %v", err)
	}
	return result, nil
}

// Record returns the non-expired record for (service, hash), if present.
func (s *ResultStore) Record(service, hash string) (Record, bool, error) {
	var record Record
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = gobGetInTxn(txn, recordKey(service, hash), &record)
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("Couldn't read record: %v", err)
	}
	if !found || record.expired(time.Now()) {
		return Record{}, false, nil
	}
	return record, true, nil
}

// ReleaseCounts aggregates the non-expired records carrying the release key.
func (s *ResultStore) ReleaseCounts(service, release string) (ReleaseCounts, error) {
	counts := ReleaseCounts{
		ByCategory:           map[string]int{},
		ByCategoryResolution: map[string]map[string]int{},
	}
	now := time.Now()
	prefix := []byte(releasePrefix + strings.ToLower(service) + ":" + release + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			indexKey := string(it.Item().Key())
			hash := indexKey[strings.LastIndex(indexKey, ":")+1:]
			var record Record
			found, err := gobGetInTxn(txn, recordKey(service, hash), &record)
			if err != nil {
				return err
			}
			if !found || record.expired(now) {
				continue
			}
			counts.ByCategory[record.Category]++
			if counts.ByCategoryResolution[record.Category] == nil {
				counts.ByCategoryResolution[record.Category] = map[string]int{}
			}
			counts.ByCategoryResolution[record.Category][record.Resolution]++
			counts.Total++
		}
		return nil
	})
	if err != nil {
		return ReleaseCounts{}, fmt.Errorf("Couldn't aggregate release counts: %v", err)
	}
	return counts, nil
}

// PutSnapshot stores a per-query search snapshot with the given TTL
// (0 uses the store's default).
func (s *ResultStore) PutSnapshot(key string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.ttl
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(snapshotPrefix+key), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// Snapshot returns a stored search snapshot, if present and unexpired.
func (s *ResultStore) Snapshot(key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Couldn't read snapshot: %v", err)
	}
	return data, true, nil
}

// ClearSearchResults drops all per-query search snapshots.
func (s *ResultStore) ClearSearchResults() error {
	return s.db.DropPrefix([]byte(snapshotPrefix))
}

// ClearService drops all records and release indexes of one service.
func (s *ResultStore) ClearService(service string) error {
	service = strings.ToLower(service)
	if err := s.db.DropPrefix([]byte(recordPrefix + service + ":")); err != nil {
		return err
	}
	return s.db.DropPrefix([]byte(releasePrefix + service + ":"))
}

// ClearAll drops everything.
func (s *ResultStore) ClearAll() error {
	return s.db.DropAll()
}

// SweepExpired deletes expired records together with their release indexes,
// then lets Badger reclaim value log space.
func (s *ResultStore) SweepExpired() error {
	now := time.Now()
	var expiredKeys [][]byte
	var expiredIndexKeys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record Record
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&record)
			})
			if err != nil {
				return err
			}
			if record.expired(now) {
				expiredKeys = append(expiredKeys, it.Item().KeyCopy(nil))
				if record.ReleaseKey != "" {
					expiredIndexKeys = append(expiredIndexKeys, releaseKey(record.Service, record.ReleaseKey, record.Hash))
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Couldn't scan for expired records: %v", err)
	}

	writeBatch := s.db.NewWriteBatch()
	defer writeBatch.Cancel()
	for _, key := range append(expiredKeys, expiredIndexKeys...) {
		if err := writeBatch.Delete(key); err != nil {
			return fmt.Errorf("Couldn't delete expired record: %v", err)
		}
	}
	if err := writeBatch.Flush(); err != nil {
		return fmt.Errorf("Couldn't flush expired record deletions: %v", err)
	}
	if len(expiredKeys) > 0 {
		s.logger.Info("Swept expired cache records", zap.Int("recordCount", len(expiredKeys)))
	}

	// ErrNoRewrite just means there was nothing worth compacting
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Warn("BadgerDB value log GC failed", zap.Error(err))
	}
	return nil
}

// StartSweeper runs SweepExpired periodically until ctx is done.
// Meant to be called in a new goroutine.
func (s *ResultStore) StartSweeper(ctx context.Context) {
	s.logger.Debug("Starting result store sweeper")
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Stopping result store sweeper")
			return
		case <-ticker.C:
			if err := s.SweepExpired(); err != nil {
				s.logger.Error("Couldn't sweep expired records", zap.Error(err))
			}
		}
	}
}

// Close closes the underlying BadgerDB.
func (s *ResultStore) Close() error {
	return s.db.Close()
}

func gobSetInTxn(txn *badger.Txn, key []byte, item interface{}) error {
	writer := bytes.Buffer{}
	if err := gob.NewEncoder(&writer).Encode(item); err != nil {
		return fmt.Errorf("Couldn't encode item: %v", err)
	}
	return txn.Set(key, writer.Bytes())
}

func gobGetInTxn(txn *badger.Txn, key []byte, target interface{}) (bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return gob.NewDecoder(bytes.NewReader(val)).Decode(target)
	})
	if err != nil {
		return true, fmt.Errorf("Couldn't decode item: %v", err)
	}
	return true, nil
}
