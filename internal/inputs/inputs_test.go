package inputs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCollect(t *testing.T) {
	tests := []struct {
		name     string
		gen      Generator
		expected string
		count    int
	}{
		{name: "empty", gen: Empty, expected: "", count: 0},
		{name: "static", gen: Static("1.1.1.1", "example.com"), expected: "1.1.1.1\nexample.com\n", count: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, count, err := Collect(context.Background(), tt.gen)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if string(payload) != tt.expected || count != tt.count {
				t.Errorf("Collect() = %q, %d; want %q, %d", payload, count, tt.expected, tt.count)
			}
		})
	}
}

func TestRegisterDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hosts.txt"), []byte("a.example.com\n\n  b.example.com \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.csv"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	n, err := RegisterDir(r, dir)
	if err != nil {
		t.Fatalf("RegisterDir() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RegisterDir() registered %d, want 1", n)
	}

	g, ok := r.Lookup("HOSTS")
	if !ok {
		t.Fatal("HOSTS input not registered")
	}
	payload, count, err := Collect(context.Background(), g)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if count != 2 || string(payload) != "a.example.com\nb.example.com\n" {
		t.Errorf("Collect() = %q, %d", payload, count)
	}

	unknown, _ := r.Lookup("NOPE")
	if _, count, _ := Collect(context.Background(), unknown); count != 0 {
		t.Errorf("unknown input yielded %d items", count)
	}
}
