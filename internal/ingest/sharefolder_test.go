package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/pkg/models"
)

func newShare(t *testing.T, srv *httptest.Server, raw string) (*ShareFolder, *objectstore.MemoryStore) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse share url: %v", err)
	}
	objects := objectstore.NewMemory()
	sf, err := NewShareFolder(context.Background(), config.ShareConfig{}, Deps{Objects: objects, HTTP: srv.Client()}, u, "eng-1")
	if err != nil {
		t.Fatalf("NewShareFolder: %v", err)
	}
	sf.BaseURL = srv.URL
	return sf, objects
}

func TestShareFolderWalk(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/root:/docs:/children", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"value":[
			{"id":"1","name":"guide.txt","file":{"mimeType":"text/plain"},"@microsoft.graph.downloadUrl":"%s/dl/guide.txt"},
			{"id":"2","name":"sub","folder":{"childCount":1}}
		]}`, base)
	})
	mux.HandleFunc("/drive/root:/docs/sub:/children", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"value":[{"id":"3","name":"notes.md","file":{"mimeType":""}}]}`)
	})
	mux.HandleFunc("/dl/guide.txt", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "guide body")
	})
	mux.HandleFunc("/drive/items/3/content", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "notes body")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	sf, objects := newShare(t, srv, "shpt://share.example/docs")

	var got []models.SourceFile
	err := sf.Walk(context.Background(), func(f models.SourceFile) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(got), got)
	}

	if got[0].Name != "guide.txt" || got[0].MimeType != "text/plain" {
		t.Errorf("first file = %q (%s), want guide.txt (text/plain)", got[0].Name, got[0].MimeType)
	}
	if got[0].SourceURL != "shpt://share.example/docs/guide.txt" {
		t.Errorf("first source url = %q", got[0].SourceURL)
	}
	if got[1].SourceURL != "shpt://share.example/docs/sub/notes.md" {
		t.Errorf("second source url = %q", got[1].SourceURL)
	}
	if got[1].MimeType != "text/markdown" {
		t.Errorf("second mime = %q, want text/markdown", got[1].MimeType)
	}

	r, err := objects.Get(context.Background(), got[1].StagingPath)
	if err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "notes body" {
		t.Errorf("staged payload = %q, want notes body", data)
	}
}

func TestShareFolderPagination(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/root:/docs:/children", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":[{"id":"1","name":"a.txt","file":{"mimeType":"text/plain"},"@microsoft.graph.downloadUrl":"%s/dl/a"}],"@odata.nextLink":"%s/page2"}`, base, base)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":[{"id":"2","name":"b.txt","file":{"mimeType":"text/plain"},"@microsoft.graph.downloadUrl":"%s/dl/b"}]}`, base)
	})
	mux.HandleFunc("/dl/a", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "aaa") })
	mux.HandleFunc("/dl/b", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "bbb") })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	sf, _ := newShare(t, srv, "shpt://share.example/docs")

	var names []string
	err := sf.Walk(context.Background(), func(f models.SourceFile) error {
		names = append(names, f.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("names = %v, want [a.txt b.txt]", names)
	}
}

func TestShareFolderAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sf, _ := newShare(t, srv, "shpt://share.example/docs")
	err := sf.Walk(context.Background(), func(models.SourceFile) error { return nil })
	if !faults.IsCode(err, faults.SourceAuth) {
		t.Fatalf("err = %v, want SOURCE_AUTH", err)
	}
}

func TestShareFolderMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sf, _ := newShare(t, srv, "shpt://share.example/docs")
	err := sf.Walk(context.Background(), func(models.SourceFile) error { return nil })
	if !faults.IsCode(err, faults.SourceNotFound) {
		t.Fatalf("err = %v, want SOURCE_NOT_FOUND", err)
	}
}

func TestShareFolderSkipsFailedDownload(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/root:/docs:/children", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":[
			{"id":"1","name":"gone.txt","file":{"mimeType":"text/plain"},"@microsoft.graph.downloadUrl":"%s/dl/gone"},
			{"id":"2","name":"kept.txt","file":{"mimeType":"text/plain"},"@microsoft.graph.downloadUrl":"%s/dl/kept"}
		]}`, base, base)
	})
	mux.HandleFunc("/dl/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/dl/kept", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "kept body")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	sf, _ := newShare(t, srv, "shpt://share.example/docs")

	var names []string
	err := sf.Walk(context.Background(), func(f models.SourceFile) error {
		names = append(names, f.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(names) != 1 || names[0] != "kept.txt" {
		t.Fatalf("names = %v, want [kept.txt]", names)
	}
}
