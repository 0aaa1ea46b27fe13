// Package ingest discovers and stages source documents for an engine
// build. Each URL scheme has an adapter: http/https crawls a site, shpt
// walks a share folder, gs lists an object-store prefix. Adapters stream
// SourceFiles to the build coordinator through Walk and never decide
// pipeline policy (dedup across builds, manifests, tolerances) themselves.
package ingest

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// Source streams the documents reachable from one source URL. Walk calls
// yield once per discovered file; a non-nil error from yield aborts the
// walk and is returned unchanged.
type Source interface {
	Kind() string
	Walk(ctx context.Context, yield func(models.SourceFile) error) error
}

// Deps carries the collaborators adapters stage content through. GCS may
// be nil when no gs:// sources are configured.
type Deps struct {
	Objects contracts.ObjectStore
	GCS     *storage.Client
	HTTP    *http.Client
}

func (d Deps) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

// ForURL selects the source adapter for rawURL.
func ForURL(ctx context.Context, cfg *config.Config, deps Deps, rawURL, engineID string, depth int) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, faults.Errorf(faults.Validation, "invalid source url %q", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		return NewCrawler(deps, u, engineID, depth, cfg.Build.FetchTimeout), nil
	case "shpt":
		return NewShareFolder(ctx, cfg.Share, deps, u, engineID)
	case "gs":
		if deps.GCS == nil {
			return nil, faults.New(faults.SourceUnreachable, "object store client not configured for gs:// sources")
		}
		return NewBucketPrefix(deps.GCS, u, engineID)
	default:
		return nil, faults.Errorf(faults.Validation, "unsupported source scheme %q", u.Scheme)
	}
}

// ── Payload access ──────────────────────────────────────────

// Opener reads back the payload a SourceFile points at: staged copies come
// from the staging bucket, gs:// sources are read in place.
type Opener struct {
	Objects contracts.ObjectStore
	GCS     *storage.Client
}

// Open returns the file's content. Callers must close the reader.
func (o *Opener) Open(ctx context.Context, src models.SourceFile) (io.ReadCloser, error) {
	switch {
	case src.StagingPath != "":
		return o.Objects.Get(ctx, src.StagingPath)
	case strings.HasPrefix(src.ObjectPath, "gs://"):
		if o.GCS == nil {
			return nil, faults.New(faults.SourceUnreachable, "object store client not configured")
		}
		bucket, name, err := splitGS(src.ObjectPath)
		if err != nil {
			return nil, err
		}
		r, err := o.GCS.Bucket(bucket).Object(name).NewReader(ctx)
		if err != nil {
			return nil, faults.Wrap(faults.SourceUnreachable, "read bucket object", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("ingest: source %s has no readable location", src.ID)
	}
}

// splitGS parses gs://bucket/name into its parts.
func splitGS(raw string) (bucket, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "gs" || u.Host == "" {
		return "", "", faults.Errorf(faults.Validation, "invalid gs url %q", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// mimeFromName guesses a mime type from the file extension, defaulting to
// plain text so unknown extensions still flow through the text decoder.
func mimeFromName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".html", ".htm":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", "":
		return "text/plain"
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "text/plain"
}
