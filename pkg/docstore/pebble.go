package docstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// updateStripes is the number of key-hash mutex stripes serializing Update.
const updateStripes = 64

// Config holds PebbleKV configuration.
type Config struct {
	// Path is the database directory.
	Path string

	// CacheMB is the block cache size in megabytes.
	CacheMB int
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

// PebbleKV implements KV on PebbleDB.
type PebbleKV struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool

	// updateMu serializes read-modify-write cycles per key-hash stripe.
	updateMu [updateStripes]sync.Mutex
}

// NewPebbleKV opens a PebbleDB-backed key-value store.
func NewPebbleKV(cfg *Config, logger *zap.Logger) (*PebbleKV, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cacheMB := cfg.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}

	opts := &pebble.Options{
		Cache: pebble.NewCache(int64(cacheMB) << 20),
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PebbleKV{
		db:     db,
		logger: logger.Named("docstore"),
	}, nil
}

// Close closes the store and releases resources.
func (s *PebbleKV) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleKV) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Put stores a value with the given key.
func (s *PebbleKV) Put(ctx context.Context, key, value []byte) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Set(key, value, pebble.Sync)
}

// Get retrieves a value by key.
func (s *PebbleKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// Copy the value as it is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Delete removes a key-value pair.
func (s *PebbleKV) Delete(ctx context.Context, key []byte) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Delete(key, pebble.Sync)
}

// Has checks if a key exists.
func (s *PebbleKV) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Iterate iterates over keys with the given prefix.
func (s *PebbleKV) Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Copies: key and value are only valid until the next iteration
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if !fn(key, value) {
			break
		}
	}

	return iter.Error()
}

// stripeFor returns the mutex stripe for a key.
func (s *PebbleKV) stripeFor(key []byte) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return &s.updateMu[h.Sum32()%updateStripes]
}

// Update executes an atomic read-modify-write for key. Concurrent Updates
// for the same key are serialized by a key-hash mutex stripe.
func (s *PebbleKV) Update(ctx context.Context, key []byte, fn func(current []byte) ([]byte, error)) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	mu := s.stripeFor(key)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	return s.db.Set(key, next, pebble.Sync)
}

// PutIfAbsent writes value only if key does not exist.
func (s *PebbleKV) PutIfAbsent(ctx context.Context, key, value []byte) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}

	mu := s.stripeFor(key)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.Has(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyBatch applies the operations as a single durable write.
func (s *PebbleKV) ApplyBatch(ctx context.Context, ops []BatchOp) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		if op.Remove {
			if err := batch.Delete(op.Key, nil); err != nil {
				return err
			}
			continue
		}
		if err := batch.Set(op.Key, op.Value, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
