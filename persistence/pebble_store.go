package persistence

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shamaton/msgpack/v2"

	"github.com/jacques-n/infinispan/commands"
)

// PebbleStore is a cache store backed by an embedded pebble database, one
// instance per cache.
type PebbleStore struct {
	db  *pebble.DB
	log zerolog.Logger
}

func NewPebbleStore(cacheName string, dataDir string) (*PebbleStore, error) {
	db, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble store at %s", dataDir)
	}

	return &PebbleStore{
		db: db,
		log: log.With().
			Str("component", "pebble-store").
			Str("cache", cacheName).
			Logger(),
	}, nil
}

// storedEntry is the on-disk shape of one cache entry.
type storedEntry struct {
	Value   []byte `msgpack:"value"`
	Version int64  `msgpack:"version"`
}

func (s *PebbleStore) Write(entry commands.CacheEntry) error {
	value, err := msgpack.Marshal(&storedEntry{
		Value:   entry.Value,
		Version: entry.Metadata.Version,
	})
	if err != nil {
		return errors.Wrap(err, "failed to serialize stored entry")
	}
	return s.db.Set([]byte(entry.Key), value, pebble.NoSync)
}

func (s *PebbleStore) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

func (s *PebbleStore) ProcessOnAllStores(ctx context.Context, filter KeyFilter, task StoreTask, fetchValue bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to iterate pebble store")
	}
	defer func() {
		if err := it.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close store iterator")
		}
	}()

	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := string(it.Key())
		if filter != nil && !filter(key) {
			continue
		}

		var value []byte
		if fetchValue {
			var entry storedEntry
			if err := msgpack.Unmarshal(it.Value(), &entry); err != nil {
				return errors.Wrapf(err, "failed to deserialize stored entry %s", key)
			}
			value = entry.Value
		}

		if err := task(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
