package indexer

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/keyword"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
)

const testDim = 8

// fakeExtractor returns fixed vectors per path, or a deterministic vector derived
// from the path. Errors can be planted per path.
type fakeExtractor struct {
	dim int

	mu    sync.Mutex
	vecs  map[string][]float32
	errs  map[string]error
	calls []string
}

func newFakeExtractor(dim int) *fakeExtractor {
	return &fakeExtractor{dim: dim, vecs: map[string][]float32{}, errs: map[string]error{}}
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	if v, ok := f.vecs[path]; ok {
		return append([]float32(nil), v...), nil
	}
	return pathVector(path, f.dim), nil
}

func (f *fakeExtractor) Dimensions() int { return f.dim }

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExtractor) set(path string, v []float32) {
	f.mu.Lock()
	f.vecs[path] = v
	f.mu.Unlock()
}

func (f *fakeExtractor) fail(path string, err error) {
	f.mu.Lock()
	f.errs[path] = err
	f.mu.Unlock()
}

// pathVector is a unit vector seeded by the path.
func pathVector(path string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, dim)
	var sum float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		sum += float64(v[i]) * float64(v[i])
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

type testEnv struct {
	idx       *Indexer
	store     *storage.SQLiteStorage
	vectors   *vector.MemoryIndex
	extractor *fakeExtractor
	keyword   *keyword.BleveIndex
	dir       string
	indexPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{dir: dir, indexPath: filepath.Join(dir, "index", "vectors.mvec")}
	env.store = openStore(t, filepath.Join(dir, "catalog.db"))
	vecs, err := vector.NewMemoryIndex(testDim)
	if err != nil {
		t.Fatal(err)
	}
	env.vectors = vecs
	env.extractor = newFakeExtractor(testDim)
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	env.keyword = kw
	env.idx, err = NewIndexer(env.store, env.vectors, env.extractor, env.indexPath,
		WithLogger(zap.NewNop()), WithKeywordIndex(kw))
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func openStore(t *testing.T, path string) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func product(id string) *models.Product {
	return &models.Product{
		ID:          models.ProductID(id),
		Name:        "Product " + id,
		Attributes:  map[string]any{"color": "red"},
		Price:       decimal.NewFromInt(10),
		Description: "test product " + id,
	}
}

// assertInvariant fails unless both stores agree and positions are exactly 0..N-1.
func assertInvariant(t *testing.T, env *testEnv) {
	t.Helper()
	n := env.vectors.Size()
	if rows := env.store.RowCount(); rows != int64(n) {
		t.Fatalf("invariant broken: %d vectors, %d rows", n, rows)
	}
	positions, err := env.store.Positions(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != n {
		t.Fatalf("got %d positions, want %d", len(positions), n)
	}
	for i, p := range positions {
		if p != int64(i) {
			t.Fatalf("positions = %v, want 0..%d", positions, n-1)
		}
	}
}
