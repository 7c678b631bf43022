// Package extract walks a registry's search pages and fetches every trial
// on them, yielding raw records lazily.
package extract

import (
	"context"
	"encoding/json"
	"iter"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ohdsi/load-euctr/internal/fetcher"
	"github.com/ohdsi/load-euctr/internal/resilience"
	"github.com/ohdsi/load-euctr/internal/source"
)

// RawRecord is one trial payload as returned by the registry.
type RawRecord struct {
	Key         string
	URL         string
	ExtractedAt time.Time
	Data        json.RawMessage
}

// Options tunes an Extractor.
type Options struct {
	// MaxConcurrency caps in-flight detail fetches per page. Zero means one
	// per item on the page.
	MaxConcurrency int
	// StrictPages turns a failed search page into an error that aborts the
	// run instead of ending extraction quietly.
	StrictPages bool
	// Now stamps ExtractedAt; defaults to time.Now.
	Now func() time.Time
}

// Stats counts extraction progress. Safe for concurrent reads.
type Stats struct {
	Pages       atomic.Int64
	Extracted   atomic.Int64
	Skipped     atomic.Int64
	FailedPages atomic.Int64
}

// Extractor produces the trials of one source.
type Extractor struct {
	src     source.Source
	fetcher fetcher.Fetcher
	opts    Options
	stats   Stats
}

// New creates an Extractor for src.
func New(src source.Source, f fetcher.Fetcher, opts Options) *Extractor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Extractor{src: src, fetcher: f, opts: opts}
}

// Stats returns the live counters.
func (e *Extractor) Stats() *Stats { return &e.stats }

type result struct {
	rec RawRecord
	ok  bool
}

// Trials returns a lazy sequence over every trial, optionally restricted to
// those decided or updated on or after since. Pages are requested in order
// and a page is fully drained before the next is requested. Within a page
// records arrive in completion order. Failed or keyless details are skipped.
func (e *Extractor) Trials(ctx context.Context, since *time.Time) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		log := zap.L().With(zap.String("component", "extract"), zap.String("source", e.src.Name()))

		for page := source.FirstPage; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(RawRecord{}, eris.Wrap(err, "extract: cancelled"))
				return
			}

			p, err := e.fetchPage(ctx, page, since)
			if err != nil {
				if ctx.Err() != nil {
					yield(RawRecord{}, eris.Wrap(ctx.Err(), "extract: cancelled"))
					return
				}
				e.stats.FailedPages.Add(1)
				log.Error("search page failed, stopping extraction",
					zap.Int("page", page),
					zap.String("class", resilience.ClassifyError(err)),
					zap.Error(err),
				)
				if e.opts.StrictPages {
					yield(RawRecord{}, eris.Wrapf(err, "extract: page %d", page))
				}
				return
			}
			e.stats.Pages.Add(1)

			if p.Entries == 0 {
				log.Info("empty page, extraction done", zap.Int("page", page))
				return
			}
			if len(p.Items) == 0 {
				log.Warn("page has no usable identifiers, skipping",
					zap.Int("page", page),
					zap.Int("entries", p.Entries),
					zap.Bool("has_next", p.HasNext),
				)
				e.stats.Skipped.Add(int64(p.Entries))
				if p.HasNext {
					continue
				}
				return
			}
			if skipped := p.Entries - len(p.Items); skipped > 0 {
				log.Warn("entries without identifiers skipped", zap.Int("page", page), zap.Int("count", skipped))
				e.stats.Skipped.Add(int64(skipped))
			}

			if !e.drainPage(ctx, log, p.Items, yield) {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(RawRecord{}, eris.Wrap(err, "extract: cancelled"))
				return
			}
			if !p.HasNext {
				log.Info("last page reached", zap.Int("page", page))
				return
			}
		}
	}
}

func (e *Extractor) fetchPage(ctx context.Context, page int, since *time.Time) (source.Page, error) {
	req := e.src.SearchRequest(page, since)
	payload, err := e.fetcher.FetchJSON(ctx, req)
	if err != nil {
		return source.Page{}, err
	}
	p, err := e.src.ParsePage(payload)
	if err != nil {
		return source.Page{}, resilience.NewDecodeError(req.FullURL(), err)
	}
	return p, nil
}

// drainPage fetches every item concurrently and yields results as they
// complete. It returns false when the consumer stopped early.
func (e *Extractor) drainPage(ctx context.Context, log *zap.Logger, items []source.Item, yield func(RawRecord, error) bool) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := len(items)
	if e.opts.MaxConcurrency > 0 && e.opts.MaxConcurrency < limit {
		limit = e.opts.MaxConcurrency
	}

	results := make(chan result, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	go func() {
		defer close(results)
		for _, item := range items {
			g.Go(func() error {
				rec, ok := e.fetchDetail(gctx, log, item)
				results <- result{rec: rec, ok: ok}
				return nil
			})
		}
		_ = g.Wait()
	}()

	for r := range results {
		if !r.ok {
			e.stats.Skipped.Add(1)
			continue
		}
		e.stats.Extracted.Add(1)
		if !yield(r.rec, nil) {
			cancel()
			for range results {
			}
			return false
		}
	}
	return true
}

func (e *Extractor) fetchDetail(ctx context.Context, log *zap.Logger, item source.Item) (RawRecord, bool) {
	req := e.src.DetailRequest(item)
	data, err := e.fetcher.FetchJSON(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("detail fetch failed, skipping",
				zap.String("key", item.Key),
				zap.String("url", req.FullURL()),
				zap.String("class", resilience.ClassifyError(err)),
				zap.Error(err),
			)
		}
		return RawRecord{}, false
	}

	key, ok := source.NaturalKey(e.src, data)
	if !ok {
		log.Warn("detail has no natural key, skipping", zap.String("url", req.FullURL()))
		return RawRecord{}, false
	}

	return RawRecord{
		Key:         key,
		URL:         req.FullURL(),
		ExtractedAt: e.opts.Now().UTC(),
		Data:        data,
	}, true
}
