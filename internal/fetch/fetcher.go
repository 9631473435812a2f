// Package fetch retrieves venue homepages and keyword-matched subpages,
// writing one page snapshot per successful fetch.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plateworks/venuewatch/internal/pace"
	"github.com/plateworks/venuewatch/internal/snapshot"
	"github.com/plateworks/venuewatch/internal/storage"
)

// Options configures a Fetcher.
type Options struct {
	Timeout         time.Duration
	Workers         int
	Delay           time.Duration
	PageCap         int
	Keywords        []string
	UserAgent       string
	MaxContentBytes int64
}

// Summary aggregates the outcome of one fetch stage across all venues.
type Summary struct {
	PagesFetched int
	PagesCached  int
	PagesFailed  int
	// Unreachable lists venues where not a single page could be fetched.
	Unreachable []string
}

// Fetcher downloads venue pages with bounded parallelism across venues and
// a shared politeness delay across all requests.
type Fetcher struct {
	client *http.Client
	store  *snapshot.Store
	pacer  *pace.Pacer
	opts   Options
	logger *slog.Logger
}

// New creates a Fetcher writing into the given snapshot store.
func New(store *snapshot.Store, opts Options) *Fetcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PageCap < 1 {
		opts.PageCap = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = 2 << 20
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		store:  store,
		pacer:  pace.New(opts.Delay),
		opts:   opts,
		logger: slog.Default(),
	}
}

// FetchAll processes venues concurrently with a bounded worker pool.
// Individual page failures never abort the stage; a venue with zero
// successful pages is reported as unreachable. Context cancellation is
// not a page failure: it aborts the stage with the context's error so a
// killed run is never mistaken for a world of dead venues.
func (f *Fetcher) FetchAll(ctx context.Context, venues []storage.Venue) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Workers)

	for _, venue := range venues {
		if venue.Website == "" {
			f.logger.Debug("venue has no website, skipping", "venue", venue.ID)
			continue
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			res, err := f.fetchVenue(gCtx, venue)
			mu.Lock()
			summary.PagesFetched += res.fetched
			summary.PagesCached += res.cached
			summary.PagesFailed += res.failed
			if err == nil && res.fetched+res.cached == 0 {
				summary.Unreachable = append(summary.Unreachable, venue.ID)
			}
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

type venueResult struct {
	fetched int
	cached  int
	failed  int
}

// fetchVenue retrieves the homepage, discovers keyword-matched same-origin
// links in it, and fetches those up to the page cap. A non-nil error means
// the context was cancelled, never an ordinary fetch failure.
func (f *Fetcher) fetchVenue(ctx context.Context, venue storage.Venue) (venueResult, error) {
	var res venueResult

	home, cached, err := f.fetchPage(ctx, venue.ID, venue.Website)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		f.logger.Warn("homepage fetch failed", "venue", venue.ID, "url", venue.Website, "error", err)
		res.failed++
		return res, nil
	}
	if cached {
		res.cached++
	} else {
		res.fetched++
	}

	links, err := DiscoverLinks(venue.Website, home.Content, f.opts.Keywords, f.opts.PageCap-1)
	if err != nil {
		f.logger.Warn("link discovery failed", "venue", venue.ID, "error", err)
		return res, nil
	}

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, cached, err := f.fetchPage(ctx, venue.ID, link)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			f.logger.Warn("subpage fetch failed", "venue", venue.ID, "url", link, "error", err)
			res.failed++
			continue
		}
		if cached {
			res.cached++
		} else {
			res.fetched++
		}
	}
	return res, nil
}

// fetchPage returns the page snapshot for venue+url, fetching over the
// network only when today's set has no snapshot yet. The bool result
// reports whether the cached copy was used.
func (f *Fetcher) fetchPage(ctx context.Context, venueID, url string) (snapshot.Page, bool, error) {
	if f.store.HasPage(venueID, url) {
		p, err := f.store.ReadPage(venueID, url)
		if err == nil {
			f.logger.Debug("page cached for today", "venue", venueID, "url", url)
			return p, true, nil
		}
		// Unreadable cache entry falls through to a refetch.
	}

	if err := f.pacer.Wait(ctx); err != nil {
		return snapshot.Page{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return snapshot.Page{}, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return snapshot.Page{}, false, fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return snapshot.Page{}, false, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxContentBytes+1))
	if err != nil {
		return snapshot.Page{}, false, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.opts.MaxContentBytes {
		return snapshot.Page{}, false, fmt.Errorf("content exceeds %d bytes", f.opts.MaxContentBytes)
	}

	page := snapshot.Page{
		URL:         url,
		ContentType: resp.Header.Get("Content-Type"),
		Hash:        snapshot.ContentHash(body),
		FetchedAt:   time.Now().UTC(),
		Content:     body,
	}
	if err := f.store.WritePage(venueID, page); err != nil {
		return snapshot.Page{}, false, fmt.Errorf("writing snapshot: %w", err)
	}
	return page, false, nil
}
