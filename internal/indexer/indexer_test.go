package indexer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/e"
)

func TestAdd_AssignsDensePositions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	got, err := env.idx.Add(ctx, product("p1"), []string{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int64{0, 1}) {
		t.Errorf("first add positions = %v, want [0 1]", got)
	}
	got, err = env.idx.Add(ctx, product("p2"), []string{"c.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int64{2}) {
		t.Errorf("second add positions = %v, want [2]", got)
	}
	if env.vectors.Size() != 3 {
		t.Errorf("Size = %d, want 3", env.vectors.Size())
	}
	assertInvariant(t, env)

	entry, err := env.store.Get(ctx, 2)
	if err != nil || entry.ProductID != "p2" || entry.ImagePath != "c.jpg" {
		t.Errorf("row 2 = %+v, %v", entry, err)
	}
	if _, err := os.Stat(env.indexPath); err != nil {
		t.Errorf("vector file not saved after add: %v", err)
	}
	if env.idx.Stats().Dirty {
		t.Error("index dirty after a successful add")
	}
}

func TestAdd_SameProductAccumulatesImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.idx.Add(ctx, product("p1"), []string{"a.jpg"})
	updated := product("p1")
	updated.Name = "Renamed"
	if _, err := env.idx.Add(ctx, updated, []string{"b.jpg"}); err != nil {
		t.Fatal(err)
	}
	detail, err := env.idx.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Product.Name != "Renamed" || len(detail.Images) != 2 {
		t.Errorf("detail = %+v with %d images", detail.Product, len(detail.Images))
	}
	assertInvariant(t, env)
}

func TestAdd_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	negative := product("p1")
	negative.Price = decimal.NewFromInt(-1)

	tests := []struct {
		name   string
		p      *models.Product
		images []string
	}{
		{"nil product", nil, []string{"a.jpg"}},
		{"no images", product("p1"), nil},
		{"blank path", product("p1"), []string{"a.jpg", "  "}},
		{"empty id", product(""), []string{"a.jpg"}},
		{"negative price", negative, []string{"a.jpg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.idx.Add(ctx, tt.p, tt.images); !errors.Is(err, e.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
	if env.extractor.Calls() != 0 {
		t.Errorf("extractor called %d times for invalid input", env.extractor.Calls())
	}
	assertInvariant(t, env)
}

func TestAdd_ExtractionFailureCommitsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.idx.Add(ctx, product("p0"), []string{"seed.jpg"})

	env.extractor.fail("2.jpg", fmt.Errorf("%w: provider down", e.ErrExtractionFailed))
	_, err := env.idx.Add(ctx, product("p1"), []string{"1.jpg", "2.jpg", "3.jpg"})
	if !errors.Is(err, e.ErrExtractionFailed) {
		t.Fatalf("got %v, want ErrExtractionFailed", err)
	}
	if env.vectors.Size() != 1 || env.store.RowCount() != 1 {
		t.Errorf("size=%d rows=%d after failed add, want 1 and 1", env.vectors.Size(), env.store.RowCount())
	}
	if _, err := env.store.GetProduct(ctx, "p1"); !errors.Is(err, e.ErrNotFound) {
		t.Errorf("product of failed add was stored: %v", err)
	}
	assertInvariant(t, env)
}

func TestAdd_InvalidImage(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.fail("bad.gif", fmt.Errorf("%w: garbage", e.ErrInvalidImage))
	_, err := env.idx.Add(context.Background(), product("p1"), []string{"bad.gif"})
	if !errors.Is(err, e.ErrInvalidImage) {
		t.Errorf("got %v, want ErrInvalidImage", err)
	}
	assertInvariant(t, env)
}

// failingStore makes PutBatch fail after delegating nothing.
type failingStore struct {
	storage.Storage
}

func (f failingStore) PutBatch(context.Context, *models.Product, []*models.ImageEntry) error {
	return errors.New("disk I/O error")
}

func TestAdd_MappingWriteFailureRollsBackVectors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.idx.Add(ctx, product("p0"), []string{"seed.jpg"})

	idx, err := NewIndexer(failingStore{env.store}, env.vectors, env.extractor, env.indexPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Add(ctx, product("p1"), []string{"a.jpg", "b.jpg"}); err == nil {
		t.Fatal("expected mapping write failure")
	}
	if env.vectors.Size() != 1 {
		t.Errorf("vectors not rolled back: size=%d", env.vectors.Size())
	}
	assertInvariant(t, env)
}

func TestAdd_SaveFailureKeepsStateAndIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	blocker := filepath.Join(env.dir, "blocker")
	if err := os.WriteFile(blocker, []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}
	idx, err := NewIndexer(env.store, env.vectors, env.extractor, filepath.Join(blocker, "vectors.mvec"))
	if err != nil {
		t.Fatal(err)
	}

	positions, err := idx.Add(ctx, product("p1"), []string{"a.jpg", "b.jpg"})
	if !errors.Is(err, e.ErrPersistence) {
		t.Fatalf("got %v, want ErrPersistence", err)
	}
	var pe *e.PersistenceError
	if !errors.As(err, &pe) || !reflect.DeepEqual(pe.Positions, []int64{0, 1}) {
		t.Errorf("PersistenceError = %+v", pe)
	}
	if !reflect.DeepEqual(positions, []int64{0, 1}) {
		t.Errorf("positions = %v, want [0 1]", positions)
	}
	if !idx.Stats().Dirty {
		t.Error("index should be dirty after a failed save")
	}
	assertInvariant(t, env)

	if err := idx.Save(ctx); !errors.Is(err, e.ErrPersistence) {
		t.Errorf("Save with blocked path: got %v", err)
	}
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := idx.Save(ctx); err != nil {
		t.Fatalf("retried Save: %v", err)
	}
	if idx.Stats().Dirty {
		t.Error("dirty flag not cleared by successful Save")
	}
}

func TestAdd_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.idx.Add(ctx, product("p1"), []string{"a.jpg"}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	assertInvariant(t, env)
	if env.vectors.Size() != 0 {
		t.Error("cancelled add committed vectors")
	}
}

func TestAdd_ConcurrentWritersGetDistinctPositions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	results := make([][]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.idx.Add(ctx, product(fmt.Sprintf("p%02d", i)), []string{fmt.Sprintf("img-%d.jpg", i)})
		}(i)
	}
	wg.Wait()

	var all []int64
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("add %d: %v", i, errs[i])
		}
		all = append(all, results[i]...)
	}
	sort.Slice(all, func(a, b int) bool { return all[a] < all[b] })
	for i, p := range all {
		if p != int64(i) {
			t.Fatalf("positions = %v, want 0..%d", all, n-1)
		}
	}
	assertInvariant(t, env)
}

func TestSearch_ConcurrentWithAddSeesWholeAdds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const products = 25

	done := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string
	report := func(format string, args ...any) {
		mu.Lock()
		failures = append(failures, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if st := env.idx.Stats(); int64(st.Vectors) != st.Rows {
					report("stats snapshot: %d vectors, %d rows", st.Vectors, st.Rows)
				}
				results, err := env.idx.Search(ctx, "query.jpg", 1000)
				if err != nil {
					report("search: %v", err)
					return
				}
				perProduct := map[models.ProductID]int{}
				for i, res := range results {
					perProduct[res.Product.ID]++
					if i > 0 && res.Similarity > results[i-1].Similarity {
						report("results out of order at rank %d", i)
					}
				}
				for id, n := range perProduct {
					if n != 2 {
						report("product %s visible with %d of 2 images", id, n)
					}
				}
			}
		}()
	}

	for i := 0; i < products; i++ {
		id := fmt.Sprintf("p%02d", i)
		if _, err := env.idx.Add(ctx, product(id), []string{id + "-a.jpg", id + "-b.jpg"}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	close(done)
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("%d mixed snapshots, first: %s", len(failures), failures[0])
	}
	results, err := env.idx.Search(ctx, "query.jpg", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2*products {
		t.Errorf("final search returned %d hits, want %d", len(results), 2*products)
	}
	assertInvariant(t, env)
}

func TestSearch_EmptyStore(t *testing.T) {
	env := newTestEnv(t)
	results, err := env.idx.Search(context.Background(), "q.jpg", 5)
	if err != nil {
		t.Fatal(err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("results = %v, want empty non-nil", results)
	}
}

func TestSearch_Validation(t *testing.T) {
	env := newTestEnv(t)
	for _, k := range []int{0, -3} {
		if _, err := env.idx.Search(context.Background(), "q.jpg", k); !errors.Is(err, e.ErrValidation) {
			t.Errorf("k=%d: got %v, want ErrValidation", k, err)
		}
	}
	if _, err := env.idx.Search(context.Background(), "", 3); !errors.Is(err, e.ErrValidation) {
		t.Errorf("empty path: got %v, want ErrValidation", err)
	}
}

func TestSearch_RanksBySimilarityThenPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.extractor.set("x.jpg", axis(testDim, 0))
	env.extractor.set("x2.jpg", axis(testDim, 0))
	env.extractor.set("y.jpg", axis(testDim, 1))
	_, _ = env.idx.Add(ctx, product("far"), []string{"y.jpg"})
	_, _ = env.idx.Add(ctx, product("near1"), []string{"x.jpg"})
	_, _ = env.idx.Add(ctx, product("near2"), []string{"x2.jpg"})

	env.extractor.set("q.jpg", axis(testDim, 0))
	results, err := env.idx.Search(ctx, "q.jpg", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	order := []models.ProductID{results[0].Product.ID, results[1].Product.ID, results[2].Product.ID}
	if !reflect.DeepEqual(order, []models.ProductID{"near1", "near2", "far"}) {
		t.Errorf("order = %v", order)
	}
	if results[0].Similarity != 1 || results[1].Similarity != 1 {
		t.Errorf("exact matches similarity = %f, %f; want 1", results[0].Similarity, results[1].Similarity)
	}
	// Orthogonal unit vectors are at squared distance 2.
	if diff := results[2].Similarity - 1.0/3.0; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("far similarity = %f, want 1/3", results[2].Similarity)
	}
	for i, r := range results {
		if r.Rank != i+1 {
			t.Errorf("rank[%d] = %d", i, r.Rank)
		}
	}

	top1, _ := env.idx.Search(ctx, "q.jpg", 1)
	if len(top1) != 1 || top1[0].Product.ID != "near1" {
		t.Errorf("k=1 results = %+v", top1)
	}
}

func TestSearch_SkipsVectorWithoutMappingRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.extractor.set("a.jpg", axis(testDim, 2))
	_, _ = env.idx.Add(ctx, product("p1"), []string{"a.jpg"})
	// Simulate a crash between append and mapping write.
	if _, err := env.vectors.Append(ctx, axis(testDim, 3)); err != nil {
		t.Fatal(err)
	}
	env.extractor.set("q.jpg", axis(testDim, 3))
	results, err := env.idx.Search(ctx, "q.jpg", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Product.ID != "p1" {
		t.Errorf("results = %+v, want only p1", results)
	}
}

func TestSearch_SelfMatchWithRealExtractor(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, filepath.Join(dir, "db.sqlite"))
	vecs, _ := vector.NewMemoryIndex(32)
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	x, err := embedding.NewFeatureExtractor(embedding.NewMockProvider(32), 32, embedding.WithSleeper(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := NewIndexer(store, vecs, x, filepath.Join(dir, "v.mvec"))
	if err != nil {
		t.Fatal(err)
	}

	red := writeImage(t, dir, "red.png", color.RGBA{R: 255, A: 255})
	blue := writeImage(t, dir, "blue.png", color.RGBA{B: 255, A: 255})
	ctx := context.Background()
	if _, err := idx.Add(ctx, product("red"), []string{red}); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Add(ctx, product("blue"), []string{blue}); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, red, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Product.ID != "red" {
		t.Fatalf("results = %+v, want red", results)
	}
	if results[0].Similarity < 1-1e-5 {
		t.Errorf("self similarity = %f", results[0].Similarity)
	}
	if results[0].ImagePath != red {
		t.Errorf("image path = %q", results[0].ImagePath)
	}
}

func writeImage(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSaveLoad_RoundTripPreservesSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := env.idx.Add(ctx, product(fmt.Sprintf("p%d", i)), []string{fmt.Sprintf("%d.jpg", i)}); err != nil {
			t.Fatal(err)
		}
	}
	before, err := env.idx.Search(ctx, "3.jpg", 5)
	if err != nil {
		t.Fatal(err)
	}

	fresh, _ := vector.NewMemoryIndex(testDim)
	idx2, err := NewIndexer(env.store, fresh, env.extractor, env.indexPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := idx2.Reconcile(ctx)
	if err != nil || !report.Consistent {
		t.Fatalf("reconcile after load: %+v, %v", report, err)
	}
	after, err := idx2.Search(ctx, "3.jpg", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("len before=%d after=%d", len(before), len(after))
	}
	for i := range before {
		if before[i].Product.ID != after[i].Product.ID || before[i].Similarity != after[i].Similarity {
			t.Errorf("result %d differs: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestLoad_WrongDimension(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.idx.Add(ctx, product("p1"), []string{"a.jpg"})

	other, _ := vector.NewMemoryIndex(testDim + 1)
	idx2, err := NewIndexer(env.store, other, newFakeExtractor(testDim+1), env.indexPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx2.Load(ctx); !errors.Is(err, e.ErrDimensionMismatch) {
		t.Errorf("got %v, want ErrDimensionMismatch", err)
	}
}

func TestNewIndexer_DimensionMismatch(t *testing.T) {
	env := newTestEnv(t)
	if _, err := NewIndexer(env.store, env.vectors, newFakeExtractor(testDim+2), env.indexPath); !errors.Is(err, e.ErrDimensionMismatch) {
		t.Errorf("got %v, want ErrDimensionMismatch", err)
	}
}

func TestAdd_RefusesWhenStoresDisagree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.vectors.Append(ctx, axis(testDim, 0))
	if _, err := env.idx.Add(ctx, product("p1"), []string{"a.jpg"}); !errors.Is(err, e.ErrConsistencyViolation) {
		t.Errorf("got %v, want ErrConsistencyViolation", err)
	}
}

func TestListProducts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		_, _ = env.idx.Add(ctx, product(id), []string{id + ".jpg"})
	}
	list, err := env.idx.ListProducts(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "a" {
		t.Errorf("list = %v", list)
	}
	if _, err := env.idx.ListProducts(ctx, -1, 10); !errors.Is(err, e.ErrValidation) {
		t.Errorf("negative offset: got %v", err)
	}
	if _, err := env.idx.GetProduct(ctx, "zzz"); !errors.Is(err, e.ErrNotFound) {
		t.Errorf("missing product: got %v", err)
	}
	n, _ := env.idx.CountProducts(ctx)
	if n != 3 {
		t.Errorf("CountProducts = %d", n)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.idx.Add(context.Background(), product("p1"), []string{"a.jpg", "b.jpg"})
	s := env.idx.Stats()
	want := Stats{Vectors: 2, Rows: 2, Dimensions: testDim, IndexType: "memory", IndexPath: env.indexPath}
	if s != want {
		t.Errorf("Stats = %+v, want %+v", s, want)
	}
}
