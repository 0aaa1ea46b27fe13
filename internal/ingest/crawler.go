package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

const (
	crawlerUserAgent = "groundplane-crawler/1.0"

	// maxFetchBytes bounds a single page or document download.
	maxFetchBytes = 16 << 20
)

// Crawler walks a site breadth-first from a root URL, staying on the
// root's host and honoring robots.txt. Pages are staged to the object
// store keyed by content hash; duplicate payloads are yielded once.
type Crawler struct {
	objects      contracts.ObjectStore
	client       *http.Client
	root         *url.URL
	engineID     string
	depth        int
	fetchTimeout time.Duration
}

// NewCrawler builds a crawler rooted at root that descends depth levels
// of same-host links (depth 0 fetches only the root).
func NewCrawler(deps Deps, root *url.URL, engineID string, depth int, fetchTimeout time.Duration) *Crawler {
	if fetchTimeout <= 0 {
		fetchTimeout = 300 * time.Second
	}
	return &Crawler{
		objects:      deps.Objects,
		client:       deps.httpClient(),
		root:         root,
		engineID:     engineID,
		depth:        depth,
		fetchTimeout: fetchTimeout,
	}
}

func (c *Crawler) Kind() string { return "crawler" }

// Walk fetches the root and descends into discovered links. A root that
// cannot be fetched fails the walk; deeper pages that fail are logged and
// skipped.
func (c *Crawler) Walk(ctx context.Context, yield func(models.SourceFile) error) error {
	robots := c.fetchRobots(ctx)

	type item struct {
		u     *url.URL
		depth int
	}
	queue := []item{{c.root, 0}}
	visited := map[string]bool{canonicalURL(c.root): true}
	seenHash := make(map[string]bool)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := queue[0]
		queue = queue[1:]

		if robots != nil && !robots.TestAgent(it.u.Path, crawlerUserAgent) {
			if it.depth == 0 {
				return faults.Errorf(faults.SourceUnreachable, "crawl root %s blocked by robots.txt", it.u)
			}
			log.Debug().Str("url", it.u.String()).Msg("page blocked by robots.txt, skipping")
			continue
		}

		body, mimeType, err := c.fetch(ctx, it.u)
		if err != nil {
			if it.depth == 0 {
				return err
			}
			log.Warn().Err(err).Str("url", it.u.String()).Msg("page fetch failed, skipping")
			continue
		}

		if it.depth < c.depth && strings.HasPrefix(mimeType, "text/html") {
			for _, link := range extractLinks(it.u, body) {
				if link.Host != c.root.Host {
					continue
				}
				key := canonicalURL(link)
				if visited[key] {
					continue
				}
				visited[key] = true
				queue = append(queue, item{link, it.depth + 1})
			}
		}

		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		if seenHash[hash] {
			continue
		}
		seenHash[hash] = true

		name := pageName(it.u)
		key := objectstore.StagingKey(c.engineID, hash, name)
		if _, err := c.objects.Put(ctx, key, mimeType, bytes.NewReader(body)); err != nil {
			return faults.Wrap(faults.Internal, "stage crawled page", err)
		}

		sf := models.SourceFile{
			ID:          uuid.NewString(),
			EngineID:    c.engineID,
			Name:        name,
			SourceURL:   it.u.String(),
			StagingPath: key,
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

// fetch downloads one page within the per-page deadline, retrying
// transient failures.
func (c *Crawler) fetch(ctx context.Context, u *url.URL) ([]byte, string, error) {
	fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	var body []byte
	var mimeType string
	err := faults.Retry(fctx, func() error {
		req, err := http.NewRequestWithContext(fctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return faults.Wrap(faults.Validation, "build request", err)
		}
		req.Header.Set("User-Agent", crawlerUserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return faults.Wrap(faults.SourceUnreachable, "fetch "+u.String(), err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return faults.Errorf(faults.SourceNotFound, "fetch %s: status %d", u, resp.StatusCode)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return faults.Errorf(faults.SourceAuth, "fetch %s: status %d", u, resp.StatusCode)
		default:
			return faults.Errorf(faults.SourceUnreachable, "fetch %s: status %d", u, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return faults.Wrap(faults.SourceUnreachable, "read "+u.String(), err)
		}
		body = data
		mimeType = contentType(resp, u)
		return nil
	})
	return body, mimeType, err
}

// fetchRobots loads the host's robots.txt. Any failure reads as "no
// policy" and the crawl proceeds unrestricted.
func (c *Crawler) fetchRobots(ctx context.Context) *robotstxt.RobotsData {
	u := *c.root
	u.Path, u.RawQuery, u.Fragment = "/robots.txt", "", ""

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", crawlerUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("host", c.root.Host).Msg("robots.txt unavailable, crawling unrestricted")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	robots, err := robotstxt.FromBytes(data)
	if err != nil {
		return nil
	}
	return robots
}

// extractLinks returns the absolute http(s) targets of every anchor in
// the document, fragments stripped.
func extractLinks(base *url.URL, body []byte) []*url.URL {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []*url.URL
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					break
				}
				abs := base.ResolveReference(ref)
				if abs.Scheme == "http" || abs.Scheme == "https" {
					abs.Fragment = ""
					links = append(links, abs)
				}
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func canonicalURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

// contentType picks the payload's mime type from the response header,
// falling back to the URL's extension.
func contentType(resp *http.Response, u *url.URL) string {
	ct := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if ct = strings.TrimSpace(ct); ct != "" {
		return ct
	}
	return mimeFromName(path.Base(u.Path))
}

// pageName derives the staged file name for a crawled URL.
func pageName(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "" || base == "/" || base == "." {
		return "index.html"
	}
	return base
}
