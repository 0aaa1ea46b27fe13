package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

// BucketPrefix lists blobs under gs://bucket/prefix. Blobs are referenced
// in place through ObjectPath, never copied to staging.
type BucketPrefix struct {
	gcs      *storage.Client
	bucket   string
	prefix   string
	engineID string
}

func NewBucketPrefix(gcs *storage.Client, u *url.URL, engineID string) (*BucketPrefix, error) {
	if u.Host == "" {
		return nil, faults.Errorf(faults.Validation, "bucket url %q has no bucket name", u.String())
	}
	return &BucketPrefix{
		gcs:      gcs,
		bucket:   u.Host,
		prefix:   strings.TrimPrefix(u.Path, "/"),
		engineID: engineID,
	}, nil
}

func (b *BucketPrefix) Kind() string { return "bucket" }

// Walk yields one SourceFile per blob under the prefix. Directory
// placeholder objects are skipped; an unreadable blob is logged and
// skipped, a failed listing aborts the walk.
func (b *BucketPrefix) Walk(ctx context.Context, yield func(models.SourceFile) error) error {
	it := b.gcs.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: b.prefix})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return faults.Errorf(faults.SourceNotFound, "bucket %s does not exist", b.bucket)
			}
			return faults.Wrap(faults.SourceUnreachable, "list gs://"+b.bucket+"/"+b.prefix, err)
		}
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			continue
		}

		hash, err := b.hashObject(ctx, attrs.Name)
		if err != nil {
			log.Warn().Err(err).Str("object", attrs.Name).Msg("bucket object unreadable, skipping")
			continue
		}

		mimeType := attrs.ContentType
		if mimeType == "" {
			mimeType = mimeFromName(attrs.Name)
		}

		objPath := "gs://" + b.bucket + "/" + attrs.Name
		sf := models.SourceFile{
			ID:          uuid.NewString(),
			EngineID:    b.engineID,
			Name:        path.Base(attrs.Name),
			SourceURL:   objPath,
			ObjectPath:  objPath,
			MimeType:    mimeType,
			ContentHash: hash,
			CreatedAt:   time.Now().UTC(),
		}
		if err := yield(sf); err != nil {
			return err
		}
	}
	return nil
}

func (b *BucketPrefix) hashObject(ctx context.Context, name string) (string, error) {
	r, err := b.gcs.Bucket(b.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return "", faults.Wrap(faults.SourceUnreachable, "open bucket object", err)
	}
	defer r.Close()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", faults.Wrap(faults.SourceUnreachable, "read bucket object", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
