package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// ShareFolder walks a file-share folder addressed as shpt://host/path.
// The share speaks a Graph-style REST dialect: folders are listed with
// GET {base}/drive/root:{path}:/children and files carry a download URL
// in their listing entry. When client credentials are configured every
// request carries an OAuth2 bearer token.
type ShareFolder struct {
	objects  contracts.ObjectStore
	client   *http.Client
	host     string
	folder   string
	engineID string

	// BaseURL is the share's API root, https://{host} unless overridden.
	BaseURL string
}

// NewShareFolder builds a share walker for u. The token endpoint is only
// contacted on the first request, so a missing credential config fails at
// walk time, not here.
func NewShareFolder(ctx context.Context, cfg config.ShareConfig, deps Deps, u *url.URL, engineID string) (*ShareFolder, error) {
	if u.Host == "" {
		return nil, faults.Errorf(faults.Validation, "share url %q has no host", u.String())
	}
	client := deps.httpClient()
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, client))
	}
	return &ShareFolder{
		objects:  deps.Objects,
		client:   client,
		host:     u.Host,
		folder:   strings.TrimSuffix(u.Path, "/"),
		engineID: engineID,
		BaseURL:  "https://" + u.Host,
	}, nil
}

func (s *ShareFolder) Kind() string { return "share" }

// driveItem is one listing entry. Exactly one of Folder and File is set.
type driveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	DownloadURL string `json:"@microsoft.graph.downloadUrl"`
}

type drivePage struct {
	Value []driveItem `json:"value"`
	Next  string      `json:"@odata.nextLink"`
}

// Walk lists the folder tree and stages every file. Listing failures
// abort the walk; a single file that fails to download is logged and
// skipped unless the failure is a credential error.
func (s *ShareFolder) Walk(ctx context.Context, yield func(models.SourceFile) error) error {
	return s.walkFolder(ctx, s.folder, yield)
}

func (s *ShareFolder) walkFolder(ctx context.Context, folder string, yield func(models.SourceFile) error) error {
	listURL := s.childrenURL(folder)
	for listURL != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page drivePage
		if err := s.getJSON(ctx, listURL, &page); err != nil {
			return err
		}
		for _, it := range page.Value {
			if err := ctx.Err(); err != nil {
				return err
			}
			if it.Folder != nil {
				if err := s.walkFolder(ctx, folder+"/"+it.Name, yield); err != nil {
					return err
				}
				continue
			}

			data, err := s.download(ctx, it)
			if err != nil {
				if faults.IsCode(err, faults.SourceAuth) {
					return err
				}
				log.Warn().Err(err).Str("name", it.Name).Msg("share file download failed, skipping")
				continue
			}

			sum := sha256.Sum256(data)
			hash := hex.EncodeToString(sum[:])
			mimeType := ""
			if it.File != nil {
				mimeType = it.File.MimeType
			}
			if mimeType == "" {
				mimeType = mimeFromName(it.Name)
			}

			key := objectstore.StagingKey(s.engineID, hash, it.Name)
			if _, err := s.objects.Put(ctx, key, mimeType, bytes.NewReader(data)); err != nil {
				return faults.Wrap(faults.Internal, "stage share file", err)
			}

			sf := models.SourceFile{
				ID:          uuid.NewString(),
				EngineID:    s.engineID,
				Name:        it.Name,
				SourceURL:   "shpt://" + s.host + folder + "/" + it.Name,
				StagingPath: key,
				MimeType:    mimeType,
				ContentHash: hash,
				CreatedAt:   time.Now().UTC(),
			}
			if err := yield(sf); err != nil {
				return err
			}
		}
		listURL = page.Next
	}
	return nil
}

// childrenURL builds the listing endpoint for a drive-relative folder.
func (s *ShareFolder) childrenURL(folder string) string {
	if folder == "" || folder == "/" {
		return s.BaseURL + "/drive/root/children"
	}
	return s.BaseURL + "/drive/root:" + folder + ":/children"
}

func (s *ShareFolder) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return faults.Retry(rctx, func() error {
		req, err := http.NewRequestWithContext(rctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return faults.Wrap(faults.Validation, "build share request", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return faults.Wrap(faults.SourceUnreachable, "list share folder", err)
		}
		defer resp.Body.Close()
		if err := shareStatus(resp.StatusCode, rawURL); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return faults.Wrap(faults.SourceUnreachable, "decode share listing", err)
		}
		return nil
	})
}

func (s *ShareFolder) download(ctx context.Context, it driveItem) ([]byte, error) {
	dlURL := it.DownloadURL
	if dlURL == "" {
		dlURL = s.BaseURL + "/drive/items/" + it.ID + "/content"
	}
	dctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var body []byte
	err := faults.Retry(dctx, func() error {
		req, err := http.NewRequestWithContext(dctx, http.MethodGet, dlURL, nil)
		if err != nil {
			return faults.Wrap(faults.Validation, "build download request", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return faults.Wrap(faults.SourceUnreachable, "download "+it.Name, err)
		}
		defer resp.Body.Close()
		if err := shareStatus(resp.StatusCode, dlURL); err != nil {
			return err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return faults.Wrap(faults.SourceUnreachable, "read "+it.Name, err)
		}
		body = data
		return nil
	})
	return body, err
}

// shareStatus maps a share response status to a fault. Auth failures are
// permanent; server-side trouble stays retryable.
func shareStatus(code int, rawURL string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return faults.Errorf(faults.SourceAuth, "share %s: status %d", rawURL, code)
	case code == http.StatusNotFound:
		return faults.Errorf(faults.SourceNotFound, "share folder %s: status %d", rawURL, code)
	default:
		return faults.Errorf(faults.SourceUnreachable, "share %s: status %d", rawURL, code)
	}
}
