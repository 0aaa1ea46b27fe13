package objectstore_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/groundplane/groundplane/internal/objectstore"
)

func TestStagingKey(t *testing.T) {
	got := objectstore.StagingKey("eng-1", "deadbeef", "report.pdf")
	want := "eng-1/deadbeef-report.pdf"
	if got != want {
		t.Errorf("StagingKey() = %q, want %q", got, want)
	}
}

func TestExportKey(t *testing.T) {
	got := objectstore.ExportKey("exp-42")
	if got != "exports/exp-42.csv" {
		t.Errorf("ExportKey() = %q, want %q", got, "exports/exp-42.csv")
	}
}

func TestMemoryPutGet(t *testing.T) {
	s := objectstore.NewMemory()
	ctx := context.Background()

	url, err := s.Put(ctx, "eng-1/hash-a.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if url != "mem://eng-1/hash-a.txt" {
		t.Errorf("Put() url = %q, want %q", url, "mem://eng-1/hash-a.txt")
	}

	r, err := s.Get(ctx, "eng-1/hash-a.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "hello" {
		t.Errorf("Get() = %q, want %q", data, "hello")
	}

	if _, err := s.Get(ctx, "missing"); err == nil {
		t.Error("Get(missing) should return error, got nil")
	}
}

func TestMemoryListAndDeleteAll(t *testing.T) {
	s := objectstore.NewMemory()
	ctx := context.Background()

	s.Put(ctx, "eng-1/a", "text/plain", strings.NewReader("a"))
	s.Put(ctx, "eng-1/b", "text/plain", strings.NewReader("b"))
	s.Put(ctx, "eng-2/c", "text/plain", strings.NewReader("c"))

	keys, err := s.List(ctx, objectstore.EnginePrefix("eng-1"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List(eng-1/) returned %d keys, want 2", len(keys))
	}
	if keys[0] != "eng-1/a" || keys[1] != "eng-1/b" {
		t.Errorf("List() = %v, want sorted [eng-1/a eng-1/b]", keys)
	}

	deleted, err := s.DeleteAll(ctx, "eng-1/")
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("DeleteAll() = %d, want 2", deleted)
	}

	remaining, _ := s.List(ctx, "")
	if len(remaining) != 1 || remaining[0] != "eng-2/c" {
		t.Errorf("After DeleteAll, remaining = %v, want [eng-2/c]", remaining)
	}
}
