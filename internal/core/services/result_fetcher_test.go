package services

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/parsers"
)

func resultsTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	if err := tw.WriteHeader(&tar.Header{Name: "output/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := tw.WriteHeader(&tar.Header{Name: n, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(files[n]))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(files[n])); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type countingParser struct {
	mu      sync.Mutex
	seen    []string
	failing string
}

func (p *countingParser) Parse(ctx context.Context, req parsers.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req.Timestamp)
	if req.Timestamp == p.failing {
		return errors.New("broken result")
	}
	return nil
}

func newTestFetcher(t *testing.T, store *memStore, parser parsers.Parser) (*ResultFetcher, string) {
	t.Helper()
	reg := parsers.NewRegistry(store)
	reg.MustRegister("COUNT", "Counting", parser)
	work := t.TempDir()
	return NewResultFetcher(store, reg, ResultFetcherConfig{
		HelperImage: "registry.local/scanners/helper:85",
		OutputRoot:  "/scanners_eu1/output",
		WorkDir:     work,
	}), work
}

func TestFetch_PartialFailureIsolation(t *testing.T) {
	rec := &recorder{}
	store := newMemStore(rec)
	store.jobs[5] = &domain.JobDefinition{ID: 5, Name: "nmap-top", Image: "nmap", Parser: "COUNT"}
	parser := &countingParser{failing: "200"}
	fetcher, work := newTestFetcher(t, store, parser)

	engine := newFakeEngine(rec)
	engine.helperOut["list"] = "MARK\n/output/5_nmap/100/a.txt\n"
	engine.helperOut["clean"] = "MARK\n"
	engine.archive = resultsTar(t, map[string]string{
		"output/5_nmap/100/a.txt": "a",
		"output/5_nmap/200/b.txt": "b",
		"output/5_nmap/300/c.txt": "c",
	})

	host := activeHost()
	if err := fetcher.Fetch(context.Background(), host, engine); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if strings.Join(parser.seen, ",") != "100,200,300" {
		t.Errorf("parser saw %v, want all three directories", parser.seen)
	}

	specs := engine.specs()
	if len(specs) != 3 {
		t.Fatalf("helper containers = %d, want list, download and clean", len(specs))
	}
	clean := specs[2]
	if strings.Join(clean.Command, " ") != "clean /todel.txt" {
		t.Errorf("clean command = %v", clean.Command)
	}
	if clean.Binds[0] != "/scanners_eu1/output/:/output:rw" || specs[0].Binds[0] != "/scanners_eu1/output/:/output:ro" {
		t.Errorf("binds = %v / %v", specs[0].Binds, clean.Binds)
	}

	put := readTarGz(t, engine.puts["c3"])
	want := "/output/5_nmap/100/a.txt\n/output/5_nmap/200/b.txt\n/output/5_nmap/300/c.txt\n"
	if put["todel.txt"] != want {
		t.Errorf("todel.txt = %q, want %q", put["todel.txt"], want)
	}

	// parsing finished before anything was deleted
	if rec.index("put:c3:/") < rec.index("getarchive:c2:/output/") {
		t.Errorf("delete request before download: %v", rec.list())
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if rec.index("remove:"+id) < 0 {
			t.Errorf("helper %s not removed", id)
		}
	}

	left, _ := os.ReadDir(work)
	if len(left) != 0 {
		t.Errorf("temporary directory left behind: %v", left)
	}
}

func TestFetch_NothingListed(t *testing.T) {
	rec := &recorder{}
	store := newMemStore(rec)
	fetcher, work := newTestFetcher(t, store, &countingParser{})

	engine := newFakeEngine(rec)
	engine.helperOut["list"] = "MARK\n"

	if err := fetcher.Fetch(context.Background(), activeHost(), engine); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if rec.count("getarchive:") != 0 {
		t.Errorf("downloaded although nothing was listed")
	}
	if left, _ := os.ReadDir(work); len(left) != 0 {
		t.Errorf("temporary directory created: %v", left)
	}
}

func TestFetch_BadListing(t *testing.T) {
	rec := &recorder{}
	fetcher, _ := newTestFetcher(t, newMemStore(rec), &countingParser{})
	engine := newFakeEngine(rec)
	engine.helperOut["list"] = "ls: cannot access '/output'\n"

	err := fetcher.Fetch(context.Background(), activeHost(), engine)
	if !errors.Is(err, ErrHelperOutput) {
		t.Errorf("Fetch() err = %v, want ErrHelperOutput", err)
	}
	if rec.count("getarchive:") != 0 {
		t.Errorf("downloaded after a bad listing")
	}
}

func TestParseResultsDir(t *testing.T) {
	rec := &recorder{}
	store := newMemStore(rec)
	store.jobs[5] = &domain.JobDefinition{ID: 5, Name: "nmap-top", Image: "nmap"}
	fetcher, _ := newTestFetcher(t, store, &countingParser{})

	root := t.TempDir()
	dir := filepath.Join(root, "5_nmap")
	for _, p := range []string{"100/out.txt", "200/nested/shot.json"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "300"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := fetcher.ParseResultsDir(context.Background(), nil, dir); err != nil {
		t.Fatalf("ParseResultsDir() error = %v", err)
	}
	// empty parser key uses RAW
	if len(store.results) != 2 {
		t.Errorf("raw results = %d, want 2", len(store.results))
	}

	var perr *ParseError
	if err := fetcher.ParseResultsDir(context.Background(), nil, filepath.Join(root, "results")); !errors.As(err, &perr) || !errors.Is(err, ErrInvalidResultDir) {
		t.Errorf("invalid dir err = %v", err)
	}
	if err := fetcher.ParseResultsDir(context.Background(), nil, filepath.Join(root, "9_gone")); !errors.Is(err, ErrUnknownResultJob) {
		t.Errorf("unknown scanner err = %v", err)
	}
}
