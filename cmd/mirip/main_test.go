package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/server"
)

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{"flags after image are moved first", []string{"query.jpg", "-k", "3"}, []string{"-k", "3", "query.jpg"}},
		{"flags first returns unchanged", []string{"-k", "3", "query.jpg"}, []string{"-k", "3", "query.jpg"}},
		{"flags on both sides of image", []string{"-config", "c", "img", "-k", "3"}, []string{"-config", "c", "-k", "3", "img"}},
		{"bool flag takes no value", []string{"-debug", "img", "-format", "json"}, []string{"-debug", "-format", "json", "img"}},
		{"inline value", []string{"img", "-k=3"}, []string{"-k=3", "img"}},
		{"double dash ends flags", []string{"-k", "1", "--", "-odd.jpg"}, []string{"-k", "1", "-odd.jpg"}},
		{"positional only returns unchanged", []string{"a.jpg", "b.jpg"}, []string{"a.jpg", "b.jpg"}},
		{"empty args returns unchanged", []string{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("search", flag.ContinueOnError)
			fs.String("config", "", "")
			fs.Bool("debug", false, "")
			fs.Int("k", 0, "")
			fs.String("format", "text", "")
			if got := argsReorder(fs, tt.args); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("argsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestArgsReorder_ParsesSearchCommandLine(t *testing.T) {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", "", "")
	k := fs.Int("k", 0, "")
	format := fs.String("format", "text", "")
	args := []string{"-config", "c.yaml", "img.png", "-k", "1", "-format", "json"}
	if err := fs.Parse(argsReorder(fs, args)); err != nil {
		t.Fatal(err)
	}
	if *configPath != "c.yaml" || *k != 1 || *format != "json" {
		t.Errorf("config=%q k=%d format=%q", *configPath, *k, *format)
	}
	if fs.NArg() != 1 || fs.Arg(0) != "img.png" {
		t.Errorf("positional = %v, want [img.png]", fs.Args())
	}
}

func TestBuildProduct(t *testing.T) {
	p, err := buildProduct(" SKU-1 ", "Tee", "19.90", "cotton", []string{"color=red"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "SKU-1" || p.Price.String() != "19.9" || p.Attributes["color"] != "red" {
		t.Errorf("product = %+v", p)
	}
	if _, err := buildProduct("", "Tee", "1", "", nil); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := buildProduct("p1", "Tee", "cheap", "", nil); err == nil {
		t.Error("expected error for bad price")
	}
	if _, err := buildProduct("p1", "Tee", "1", "", []string{"color"}); err == nil {
		t.Error("expected error for bad attribute")
	}
}

func TestAttrFlag(t *testing.T) {
	var a attrFlag
	_ = a.Set("color=red")
	_ = a.Set("size=M")
	if a.String() != "color=red,size=M" {
		t.Errorf("String() = %q", a.String())
	}
}

func TestNewProvider(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	cfg := config.Default()
	cfg.Vector.Dimensions = 8

	cfg.Embedding.Provider = "mock"
	p, err := newProvider(cfg)
	if err != nil || p.Name() != "mock" || p.Dimensions() != 8 {
		t.Errorf("mock provider: %v, %v", p, err)
	}

	cfg.Embedding.Provider = "dashscope"
	cfg.Embedding.APIKey = ""
	if _, err := newProvider(cfg); err == nil || !strings.Contains(err.Error(), config.APIKeyEnv) {
		t.Errorf("dashscope without key: got %v", err)
	}
	cfg.Embedding.APIKey = "sk-test"
	if p, err := newProvider(cfg); err != nil || !strings.HasPrefix(p.Name(), "dashscope/") {
		t.Errorf("dashscope provider: %v, %v", p, err)
	}

	cfg.Embedding.Provider = "onnx"
	cfg.Embedding.ModelPath = ""
	if _, err := newProvider(cfg); err == nil {
		t.Error("onnx without model_path should fail")
	}

	cfg.Embedding.Provider = "clip"
	if _, err := newProvider(cfg); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	p := policyFromConfig(cfg)
	if p.MaxAttempts != 3 || p.BaseDelay != 5*time.Second || p.PacingMin != time.Second || p.PacingMax != 3*time.Second {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, used, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if used != path || cfg.Server.Port != 9999 {
		t.Errorf("loadConfig = %d from %s", cfg.Server.Port, used)
	}
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing path should fail")
	}
}

func TestLoadConfig_DefaultPathPrefersWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 7777\n"), 0600); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, used, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7777 || filepath.Base(used) != "config.yaml" {
		t.Errorf("loadConfig = %d from %s", cfg.Server.Port, used)
	}
}

// testWorkspace writes a config using the mock provider and fast pacing.
func testWorkspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./data/catalog.db"
  index_path: "./data/vectors.mvec"
server:
  upload_dir: "./uploads"
vector:
  dimensions: 8
embedding:
  provider: mock
extraction:
  pacing_min: "1ms"
  pacing_max: "2ms"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return dir, cfgPath
}

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func capture(t *testing.T, fn func() error) string {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	defer func() { stdout = prev }()
	if err := fn(); err != nil {
		t.Fatalf("command failed: %v\noutput: %s", err, buf.String())
	}
	return buf.String()
}

func TestCommands_AddSearchStatus(t *testing.T) {
	dir, cfgPath := testWorkspace(t)
	red := filepath.Join(dir, "red.png")
	blue := filepath.Join(dir, "blue.png")
	writePNG(t, red, color.RGBA{R: 255, A: 255})
	writePNG(t, blue, color.RGBA{B: 255, A: 255})

	out := capture(t, func() error {
		return runAdd([]string{"-config", cfgPath, "-id", "p1", "-name", "Red Floral Tee", "-attr", "color=red", red})
	})
	if !strings.Contains(out, "Product p1 added at positions [0]") {
		t.Errorf("add output: %s", out)
	}
	capture(t, func() error {
		return runAdd([]string{"-config", cfgPath, "-id", "p2", "-name", "Blue Shirt", blue})
	})

	out = capture(t, func() error {
		return runSearch([]string{"-config", cfgPath, red, "-k", "1", "-format", "json"})
	})
	var resp models.SearchResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("search output not JSON: %v\n%s", err, out)
	}
	if resp.Total != 1 || resp.Results[0].Product.ID != "p1" || resp.Results[0].Similarity < 1-1e-6 {
		t.Errorf("search = %+v", resp)
	}

	out = capture(t, func() error {
		return runSearchText([]string{"-config", cfgPath, "-format", "json", "floral"})
	})
	var text models.TextSearchResponse
	if err := json.Unmarshal([]byte(out), &text); err != nil {
		t.Fatalf("search-text output not JSON: %v\n%s", err, out)
	}
	if text.Total != 1 || text.Results[0].Product.ID != "p1" {
		t.Errorf("search-text = %+v", text)
	}

	out = capture(t, func() error { return runStatus([]string{"-config", cfgPath, "-format", "json"}) })
	var status map[string]any
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatal(err)
	}
	if status["vectors"] != float64(2) || status["products"] != float64(2) || status["consistent"] != true {
		t.Errorf("status = %v", status)
	}

	out = capture(t, func() error { return runReconcile([]string{"-config", cfgPath}) })
	if !strings.Contains(out, "Index consistent: 2 vectors, 2 mapping rows") {
		t.Errorf("reconcile output: %s", out)
	}
}

func TestCommands_AddRejectsMissingID(t *testing.T) {
	_, cfgPath := testWorkspace(t)
	if err := runAdd([]string{"-config", cfgPath, "x.png"}); err == nil {
		t.Error("expected error without -id")
	}
	if err := runSearch([]string{"-config", cfgPath}); err == nil {
		t.Error("expected usage error without image")
	}
}

func TestCommands_Import(t *testing.T) {
	dir, cfgPath := testWorkspace(t)
	writePNG(t, filepath.Join(dir, "images", "Tee", "1.png"), color.RGBA{G: 255, A: 255})
	catalog := filepath.Join(dir, "catalog.csv")
	csv := "名称,货号,图案,尺寸,颜色\nTee,T1,碎花,M,红\nGone,G1,素色,S,白\n"
	if err := os.WriteFile(catalog, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}
	out := capture(t, func() error {
		return runImport([]string{"-config", cfgPath, "-images", filepath.Join(dir, "images"), catalog})
	})
	if !strings.Contains(out, "Imported 1 of 2 products (1 skipped without images, 0 failed)") {
		t.Errorf("import output: %s", out)
	}
	if err := runImport([]string{"-config", cfgPath, "-images", dir, filepath.Join(dir, "catalog.txt")}); err == nil {
		t.Error("expected error for non-catalog file")
	}
}

func TestRemoteSearchAndStatus(t *testing.T) {
	dir, cfgPath := testWorkspace(t)
	img := filepath.Join(dir, "green.png")
	writePNG(t, img, color.RGBA{G: 255, A: 255})
	capture(t, func() error {
		return runAdd([]string{"-config", cfgPath, "-id", "g1", "-name", "Green Dress", img})
	})

	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	components, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer components.Close()
	ts := httptest.NewServer(server.NewServer(components.Indexer, cfg, zap.NewNop()).Handler())
	defer ts.Close()

	resp, err := searchViaHTTP(ts.URL+"/", img, 1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Results[0].Product.ID != "g1" {
		t.Errorf("remote search = %+v", resp)
	}
	status, err := statusViaHTTP(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	if status["vectors"] != float64(1) {
		t.Errorf("remote status = %v", status)
	}
	if _, err := searchTextViaHTTP(ts.URL, &models.TextQuery{}); err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("empty remote text query: got %v", err)
	}
}
