// Package cache provides the RPC response cache: an LRU memory tier over an
// optional pebble persistent tier, with per-entry TTLs and chain-reorg
// invalidation. Cache failures are never surfaced to callers; they degrade
// to misses.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aegis/internal/rpcerr"
)

// Config holds cache sizing. Path empty disables the persistent tier.
type Config struct {
	Enabled         bool
	Path            string
	MemEntries      int
	MaxReorgDepth   int
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MemEntries <= 0 {
		c.MemEntries = 100_000
	}
	if c.MaxReorgDepth <= 0 {
		c.MaxReorgDepth = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

type entry struct {
	Expiry    int64  `json:"exp"`
	Body      []byte `json:"body"`
	ChainID   string `json:"chain_id,omitempty"`
	BlockHash string `json:"block_hash,omitempty"`
	BlockNum  uint64 `json:"block_num,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	cfg    Config
	db     *pebble.DB
	mem    *lru.Cache[string, entry]
	sf     singleflight.Group
	logger *zap.Logger

	mu           sync.RWMutex
	blockHashes  map[string]map[uint64]string
	latestBlocks map[string]uint64
	latestHashes map[string]string

	hits   atomic.Int64
	misses atomic.Int64

	cleanupDone chan struct{}
	cleanupOnce sync.Once
}

// Open creates the store. A disabled config yields a store whose Get always
// misses and whose Put is a no-op.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:          cfg,
		logger:       logger,
		blockHashes:  make(map[string]map[uint64]string),
		latestBlocks: make(map[string]uint64),
		latestHashes: make(map[string]string),
		cleanupDone:  make(chan struct{}),
	}
	if !cfg.Enabled {
		return s, nil
	}

	mem, err := lru.New[string, entry](cfg.MemEntries)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInvalidConfig, "", err)
	}
	s.mem = mem

	if cfg.Path != "" {
		p := filepath.Clean(cfg.Path)
		if p == "." || p == "/" {
			return nil, rpcerr.New(rpcerr.KindInvalidConfig, "", "unsafe cache path %q", p)
		}
		db, err := pebble.Open(p, &pebble.Options{})
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindCache, "", err)
		}
		s.db = db
	}
	return s, nil
}

// Close stops the cleanup loop and closes the persistent tier.
func (s *Store) Close() error {
	s.cleanupOnce.Do(func() { close(s.cleanupDone) })
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartCleanup runs periodic expiry sweeps until Close.
func (s *Store) StartCleanup() {
	if !s.cfg.Enabled {
		return
	}
	t := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-s.cleanupDone:
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// Get retrieves a cached response. Expired or reorged entries are dropped
// lazily.
func (s *Store) Get(key string) ([]byte, bool) {
	if !s.cfg.Enabled {
		return nil, false
	}
	now := time.Now().UnixMilli()

	if e, ok := s.mem.Get(key); ok && e.Expiry >= now {
		if s.isBlockHashValid(e.ChainID, e.BlockHash, e.BlockNum) {
			s.hits.Add(1)
			return e.Body, true
		}
		s.mem.Remove(key)
	}

	if s.db != nil {
		val, closer, err := s.db.Get([]byte(key))
		if err == nil {
			defer closer.Close()
			var e entry
			if json.Unmarshal(val, &e) == nil && e.Expiry >= now {
				if s.isBlockHashValid(e.ChainID, e.BlockHash, e.BlockNum) {
					s.mem.Add(key, e)
					s.hits.Add(1)
					return e.Body, true
				}
				_ = s.db.Delete([]byte(key), pebble.Sync)
			}
		} else if err != pebble.ErrNotFound {
			s.logger.Warn("cache read failed, treating as miss", zap.Error(err))
		}
	}

	s.misses.Add(1)
	return nil, false
}

// Put stores a response under key for ttl. Entries are tagged with the chain
// tip at write time so a later reorg invalidates them.
func (s *Store) Put(key string, body []byte, ttl time.Duration, chainID string) {
	if !s.cfg.Enabled || ttl <= 0 {
		return
	}

	s.mu.RLock()
	blockHash := s.latestHashes[chainID]
	blockNum := s.latestBlocks[chainID]
	s.mu.RUnlock()

	e := entry{
		Expiry:    time.Now().Add(ttl).UnixMilli(),
		Body:      body,
		ChainID:   chainID,
		BlockHash: blockHash,
		BlockNum:  blockNum,
	}

	s.mem.Add(key, e)
	if s.db != nil {
		buf, err := json.Marshal(e)
		if err == nil {
			err = s.db.Set([]byte(key), buf, pebble.Sync)
		}
		if err != nil {
			s.logger.Warn("cache write failed", zap.Error(err))
		}
	}
}

// Do returns the cached value for key or executes fn once, coalescing
// concurrent callers for the same key.
func (s *Store) Do(key string, fn func() ([]byte, error)) ([]byte, error) {
	if b, ok := s.Get(key); ok {
		return b, nil
	}
	v, err, _ := s.sf.Do(key, func() (any, error) {
		if b, ok := s.Get(key); ok {
			return b, nil
		}
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Cleanup sweeps expired entries from both tiers.
func (s *Store) Cleanup() {
	if !s.cfg.Enabled {
		return
	}
	now := time.Now().UnixMilli()

	for _, key := range s.mem.Keys() {
		if e, ok := s.mem.Peek(key); ok && e.Expiry < now {
			s.mem.Remove(key)
		}
	}

	if s.db == nil {
		return
	}
	iter, err := s.db.NewIter(nil)
	if err != nil {
		s.logger.Warn("cache sweep failed", zap.Error(err))
		return
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var e entry
		if json.Unmarshal(iter.Value(), &e) == nil && e.Expiry < now {
			key := append([]byte(nil), iter.Key()...)
			_ = s.db.Delete(key, pebble.NoSync)
		}
	}
}

// HitRate reports the lifetime cache hit ratio in [0, 1].
func (s *Store) HitRate() float64 {
	h, m := s.hits.Load(), s.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Stats returns lifetime hit and miss counts.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// CanonicalKey derives the cache key from chain, method and canonicalized
// params. Two requests differing only in JSON whitespace share a key.
func CanonicalKey(chainID, method string, params json.RawMessage) (string, error) {
	h := sha256.New()
	h.Write([]byte(chainID))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	if len(params) > 0 {
		var anyParams any
		if err := json.Unmarshal(params, &anyParams); err != nil {
			return "", rpcerr.Wrap(rpcerr.KindCache, "", err)
		}
		min, _ := json.Marshal(anyParams)
		h.Write(min)
	}
	return fmt.Sprintf("v1:%x", h.Sum(nil)), nil
}
