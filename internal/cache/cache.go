// Package cache provides caching for score columns and neighbor graphs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cellsig/server/internal/knn"
)

// Config contains cache configuration.
type Config struct {
	ColumnCacheSizeMB int
	ColumnTTL         time.Duration
	GraphCacheSize    int
}

// Manager manages the column and graph caches. Score and smoothed columns
// are stored serialized in bigcache; decoded neighbor graphs are kept in an
// LRU since they are expensive to rebuild and reused across smoothing calls.
type Manager struct {
	columnCache *bigcache.BigCache
	graphCache  *lru.Cache[string, *knn.Graph]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	// bigcache pre-allocates Shards*MaxEntrySize of entry buffers at init
	// (8 MB here) and caps each shard's queue at HardMaxCacheSize/Shards,
	// which also bounds the largest storable column. 16 shards keep a
	// 1M-cell column (8 MB) storable under the default 256 MB cap;
	// MaxEntrySize only sizes the initial buffers, larger columns still fit.
	columnCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.ColumnTTL,
		CleanWindow:        cfg.ColumnTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // 64K cells per column
		HardMaxCacheSize:   cfg.ColumnCacheSizeMB,
		Verbose:            false,
	}

	columnCache, err := bigcache.New(context.Background(), columnCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create column cache: %w", err)
	}

	graphCache, err := lru.New[string, *knn.Graph](cfg.GraphCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}

	return &Manager{
		columnCache: columnCache,
		graphCache:  graphCache,
	}, nil
}

// GetColumn retrieves a cached column.
func (m *Manager) GetColumn(key string) ([]float64, bool) {
	data, err := m.columnCache.Get(key)
	if err != nil {
		return nil, false
	}
	col, err := DecodeColumn(data)
	if err != nil {
		return nil, false
	}
	return col, true
}

// SetColumn stores a column in cache.
func (m *Manager) SetColumn(key string, values []float64) error {
	return m.columnCache.Set(key, EncodeColumn(values))
}

// GetGraph retrieves a cached neighbor graph.
func (m *Manager) GetGraph(key string) (*knn.Graph, bool) {
	return m.graphCache.Get(key)
}

// SetGraph stores a neighbor graph in cache.
func (m *Manager) SetGraph(key string, g *knn.Graph) {
	m.graphCache.Add(key, g)
}

// InvalidateGraphs drops cached graphs; called when a dataset is removed.
func (m *Manager) InvalidateGraphs() {
	m.graphCache.Purge()
}

// ScoreColumnKey generates a cache key for one signature's score column.
// The signature tokens are hashed so the key stays bounded.
func ScoreColumnKey(dataset, signatureName string, tokens []string, maxRank int, negativeWeight float64) string {
	base := fmt.Sprintf("score:%s:%s:mr=%d:nw=%.6f", dataset, signatureName, maxRank, negativeWeight)
	h := sha256.New()
	h.Write([]byte(base))
	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	for _, tok := range sorted {
		h.Write([]byte(tok))
		h.Write([]byte{0})
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// GraphKey generates a cache key for a neighbor graph.
func GraphKey(dataset, embedding string, k, dims int, kernel string) string {
	return fmt.Sprintf("graph:%s:%s:k=%d:d=%d:%s", dataset, embedding, k, dims, kernel)
}

// SmoothedColumnKey generates a cache key for a smoothed column.
func SmoothedColumnKey(dataset, column, embedding string, k, dims int, kernel string) string {
	return fmt.Sprintf("smooth:%s:%s:%s:k=%d:d=%d:%s", dataset, column, embedding, k, dims, kernel)
}

// EncodeColumn serializes a float64 column for bigcache storage.
func EncodeColumn(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// DecodeColumn deserializes a column stored by EncodeColumn.
func DecodeColumn(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("column blob length %d not a multiple of 8", len(data))
	}
	values := make([]float64, len(data)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return values, nil
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"column_cache_len": m.columnCache.Len(),
		"column_cache_cap": m.columnCache.Capacity(),
		"graph_cache_len":  m.graphCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.columnCache.Close()
}
