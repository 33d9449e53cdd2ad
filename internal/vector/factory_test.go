package vector

import (
	"context"
	"math"
	"testing"
)

func TestNewVectorIndex_Memory(t *testing.T) {
	idx, err := NewVectorIndex("memory", 3)
	if err != nil {
		t.Fatalf("NewVectorIndex(memory): %v", err)
	}
	defer idx.Close()

	pos, err := idx.Append(context.Background(), []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if pos != 0 || idx.Size() != 1 {
		t.Errorf("pos=%d size=%d, want 0 and 1", pos, idx.Size())
	}
	if idx.Type() != "memory" || idx.Dimensions() != 3 {
		t.Errorf("Type=%q Dimensions=%d", idx.Type(), idx.Dimensions())
	}
}

func TestNewVectorIndex_Empty(t *testing.T) {
	idx, err := NewVectorIndex("", 3)
	if err != nil {
		t.Fatalf("NewVectorIndex(''): %v", err)
	}
	defer idx.Close()
	if idx.Type() != "memory" {
		t.Errorf("default type = %q, want memory", idx.Type())
	}
}

func TestNewVectorIndex_Unknown(t *testing.T) {
	if _, err := NewVectorIndex("hnsw", 3); err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestNewVectorIndex_BadDimensions(t *testing.T) {
	if _, err := NewVectorIndex("memory", 0); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestParseIndexType(t *testing.T) {
	tests := []struct {
		in      string
		want    IndexType
		wantErr bool
	}{
		{"", IndexTypeMemory, false},
		{"memory", IndexTypeMemory, false},
		{" FAISS ", IndexTypeFAISS, false},
		{"hnsw", "", true},
	}
	for _, tt := range tests {
		got, err := ParseIndexType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseIndexType(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestNewVectorIndex_FAISS(t *testing.T) {
	if !IsFAISSAvailable() {
		t.Skip("FAISS not available (build with -tags=faiss)")
	}
	idx, err := NewVectorIndex("faiss", 3)
	if err != nil {
		t.Fatalf("NewVectorIndex(faiss): %v", err)
	}
	defer idx.Close()
	if _, err := idx.Append(context.Background(), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("Size=%d, want 1", idx.Size())
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 0},
		{[]float32{1, 0}, []float32{0, 1}, 2},
		{[]float32{1, 0}, []float32{-1, 0}, 4},
	}
	for _, tt := range tests {
		if got := SquaredL2(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("SquaredL2(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity(0); got != 1 {
		t.Errorf("Similarity(0) = %f, want 1", got)
	}
	if got := Similarity(1); got != 0.5 {
		t.Errorf("Similarity(1) = %f, want 0.5", got)
	}
	if Similarity(4) >= Similarity(2) {
		t.Error("Similarity must decrease with distance")
	}
	if got := Similarity(1e9); got <= 0 {
		t.Errorf("Similarity(1e9) = %f, must stay positive", got)
	}
}
