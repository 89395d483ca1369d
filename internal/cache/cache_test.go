package cache

import (
	"runtime"
	"testing"
	"time"

	"github.com/cellsig/server/internal/knn"
)

func TestScoreColumnKey(t *testing.T) {
	t.Run("tokenOrderStable", func(t *testing.T) {
		k1 := ScoreColumnKey("pbmc", "tcell", []string{"CD3D", "CD8A", "CD4-"}, 1500, 1)
		k2 := ScoreColumnKey("pbmc", "tcell", []string{"CD4-", "CD3D", "CD8A"}, 1500, 1)
		if k1 != k2 {
			t.Fatalf("expected stable key, got %q vs %q", k1, k2)
		}
	})

	t.Run("tokensChangeKey", func(t *testing.T) {
		k1 := ScoreColumnKey("pbmc", "tcell", []string{"CD3D"}, 1500, 1)
		k2 := ScoreColumnKey("pbmc", "tcell", []string{"CD3D", "CD8A"}, 1500, 1)
		if k1 == k2 {
			t.Fatalf("expected different keys for different token sets")
		}
	})

	t.Run("optionsChangeKey", func(t *testing.T) {
		k1 := ScoreColumnKey("pbmc", "tcell", []string{"CD3D"}, 1500, 1)
		k2 := ScoreColumnKey("pbmc", "tcell", []string{"CD3D"}, 100, 1)
		if k1 == k2 {
			t.Fatalf("expected maxRank to change the key")
		}
	})
}

func TestColumnRoundTrip(t *testing.T) {
	m, err := NewManager(Config{ColumnCacheSizeMB: 4, ColumnTTL: time.Minute, GraphCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	values := []float64{0, 0.25, 0.5, 1}
	if err := m.SetColumn("k", values); err != nil {
		t.Fatalf("SetColumn failed: %v", err)
	}
	got, ok := m.GetColumn("k")
	if !ok {
		t.Fatal("GetColumn miss after set")
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value[%d] = %v, want %v", i, got[i], values[i])
		}
	}

	if _, ok := m.GetColumn("missing"); ok {
		t.Error("unexpected hit for missing key")
	}
}

func TestGraphCache(t *testing.T) {
	m, err := NewManager(Config{ColumnCacheSizeMB: 4, ColumnTTL: time.Minute, GraphCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	g := &knn.Graph{K: 1, Neighbors: [][]int{{1}, {0}}, Weights: [][]float64{{1}, {1}}}
	key := GraphKey("pbmc", "umap", 1, 0, "gaussian")
	m.SetGraph(key, g)

	got, ok := m.GetGraph(key)
	if !ok || got.K != 1 {
		t.Fatalf("graph cache miss or wrong graph: %v %v", got, ok)
	}

	m.InvalidateGraphs()
	if _, ok := m.GetGraph(key); ok {
		t.Error("graph survived invalidation")
	}
}

func TestColumnLargerThanInitialBuffer(t *testing.T) {
	m, err := NewManager(Config{ColumnCacheSizeMB: 256, ColumnTTL: time.Minute, GraphCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	// 1M cells = 8 MB serialized, well past the shard's initial buffer.
	values := make([]float64, 1<<20)
	for i := range values {
		values[i] = float64(i)
	}
	if err := m.SetColumn("big", values); err != nil {
		t.Fatalf("SetColumn failed: %v", err)
	}
	got, ok := m.GetColumn("big")
	if !ok || len(got) != len(values) {
		t.Fatalf("large column miss or truncated: ok=%v len=%d", ok, len(got))
	}
	if got[0] != 0 || got[len(got)-1] != float64(len(values)-1) {
		t.Errorf("large column corrupted: first=%v last=%v", got[0], got[len(got)-1])
	}
}

func TestNewManagerFootprint(t *testing.T) {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	m, err := NewManager(Config{ColumnCacheSizeMB: 16, ColumnTTL: time.Minute, GraphCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	runtime.GC()
	runtime.ReadMemStats(&after)

	// The shard buffers dominate the idle footprint; an empty manager must
	// stay far below the configured hard cap, not gigabytes above it.
	const limit = 256 << 20
	if after.HeapAlloc > before.HeapAlloc {
		if grown := after.HeapAlloc - before.HeapAlloc; grown > limit {
			t.Errorf("empty manager allocated %d MB, want < %d MB", grown>>20, limit>>20)
		}
	}
}

func TestDecodeColumn_BadLength(t *testing.T) {
	if _, err := DecodeColumn(make([]byte, 12)); err == nil {
		t.Error("expected error for non-multiple-of-8 blob")
	}
}
