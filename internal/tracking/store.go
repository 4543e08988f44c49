// Package tracking implements the ephemeral per-deployment device set on
// BadgerDB. One set per command id; member removal is atomic per element, so
// concurrent removals of disjoint devices never lose updates.
package tracking

import (
	"context"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/fleetota/fleetota"
)

const keyPrefix = "track/"

var _ fleetota.TrackingStore = (*Store)(nil)

// Store is the badger-backed tracking store.
type Store struct {
	db *badger.DB
}

// Open opens a tracking store in dir. An empty dir selects in-memory mode,
// which is what tests use; production deployments point it at a directory so
// a clean restart at least keeps recently tracked sets (authoritative rebuild
// still comes from the record store).
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "tracking: open badger failed")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func memberKey(key string, deviceID int64) []byte {
	return []byte(keyPrefix + key + "/" + strconv.FormatInt(deviceID, 10))
}

func setPrefix(key string) []byte {
	return []byte(keyPrefix + key + "/")
}

func (s *Store) Seed(ctx context.Context, key string, deviceIDs []int64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, deviceID := range deviceIDs {
		if err := wb.Set(memberKey(key, deviceID), nil); err != nil {
			return errors.Wrap(err, "tracking: seed member failed")
		}
	}
	return errors.Wrap(wb.Flush(), "tracking: flush seed failed")
}

func (s *Store) Remove(ctx context.Context, key string, deviceIDs []int64) error {
	for _, deviceID := range deviceIDs {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(memberKey(key, deviceID))
		})
		if err != nil {
			return errors.Wrapf(err, "tracking: remove device %d failed", deviceID)
		}
	}
	return nil
}

func (s *Store) Members(ctx context.Context, key string) ([]int64, error) {
	var out []int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := setPrefix(key)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw := it.Item().Key()[len(prefix):]
			deviceID, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return errors.Wrapf(err, "tracking: malformed member key %q", it.Item().Key())
			}
			out = append(out, deviceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context, key string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = setPrefix(key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "tracking: size scan failed")
	}
	return count, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	members, err := s.Members(ctx, key)
	if err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, deviceID := range members {
		if err := wb.Delete(memberKey(key, deviceID)); err != nil {
			return errors.Wrap(err, "tracking: delete member failed")
		}
	}
	return errors.Wrap(wb.Flush(), "tracking: flush delete failed")
}
