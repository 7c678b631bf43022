// Package pipeline runs one load: extract trials from a registry, append
// them to Bronze and upsert Silver, all inside a single sink transaction.
package pipeline

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ohdsi/load-euctr/internal/bronze"
	"github.com/ohdsi/load-euctr/internal/config"
	"github.com/ohdsi/load-euctr/internal/extract"
	"github.com/ohdsi/load-euctr/internal/fetcher"
	"github.com/ohdsi/load-euctr/internal/runlog"
	"github.com/ohdsi/load-euctr/internal/sink"
	"github.com/ohdsi/load-euctr/internal/source"
	"github.com/ohdsi/load-euctr/internal/transform"
)

var errLoadAborted = eris.New("pipeline: bronze load aborted")

// Mode selects a full or incremental load.
type Mode string

const (
	Full  Mode = "FULL"
	Delta Mode = "DELTA"
)

// ParseMode accepts FULL or DELTA in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case Full, Delta:
		return m, nil
	default:
		return "", eris.Errorf("pipeline: unknown mode %q (valid: FULL, DELTA)", s)
	}
}

// Options selects what one run loads.
type Options struct {
	Source source.Source
	Mode   Mode
	// Since overrides the DELTA resume date. Ignored for FULL.
	Since *time.Time
}

// Result summarises a committed run.
type Result struct {
	LoadID    string
	Source    string
	Mode      Mode
	Since     *time.Time
	Pages     int64
	Extracted int64
	Loaded    int64
	Upserted  int64
	Skipped   int64
	Elapsed   time.Duration
}

func (r *Result) counts() runlog.Counts {
	return runlog.Counts{Extracted: r.Extracted, Loaded: r.Loaded, Upserted: r.Upserted, Skipped: r.Skipped}
}

// Pipeline wires the extractor, the Bronze encoder and the transformer to a
// sink backend.
type Pipeline struct {
	backend sink.Backend
	fetcher fetcher.Fetcher
	runs    *runlog.Log
	cfg     config.LoadConfig
	version string
	newID   func() string
}

// New creates a Pipeline. version is stamped on every Bronze row.
func New(backend sink.Backend, f fetcher.Fetcher, cfg config.LoadConfig, version string) *Pipeline {
	return &Pipeline{
		backend: backend,
		fetcher: f,
		runs:    runlog.New(backend, cfg.MetaSchema),
		cfg:     cfg,
		version: version,
		newID:   uuid.NewString,
	}
}

// RunLog returns the run log the pipeline writes to.
func (p *Pipeline) RunLog() *runlog.Log { return p.runs }

func (p *Pipeline) transformer(src source.Source) *transform.Transformer {
	return transform.New(transform.NewTarget(src, p.cfg.BronzeSchema, p.cfg.BronzeTable(src.Name()), p.cfg.SilverSchema))
}

// Prepare creates the run log and every table of src without loading data.
func (p *Pipeline) Prepare(ctx context.Context, src source.Source) error {
	if err := p.runs.Create(ctx); err != nil {
		return eris.Wrap(err, "pipeline: prepare run log")
	}
	tr := p.transformer(src)
	if err := p.backend.WithTx(ctx, tr.Prepare); err != nil {
		return eris.Wrapf(err, "pipeline: prepare %s", src.Name())
	}
	return nil
}

// Run executes one load. The Bronze append and the Silver upsert commit
// together or not at all; the run log records the outcome either way.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Source == nil {
		return nil, eris.New("pipeline: no source")
	}
	if opts.Mode == "" {
		opts.Mode = Delta
	}
	if opts.Mode == Full {
		opts.Since = nil
	}

	res := &Result{LoadID: p.newID(), Source: opts.Source.Name(), Mode: opts.Mode}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("load_id", res.LoadID),
		zap.String("source", res.Source),
		zap.String("mode", string(res.Mode)),
	)

	if err := p.runs.Create(ctx); err != nil {
		return nil, eris.Wrap(err, "pipeline: prepare run log")
	}
	if err := p.runs.Start(ctx, res.LoadID, res.Source, string(res.Mode), opts.Since); err != nil {
		return nil, eris.Wrap(err, "pipeline: start run log")
	}

	start := time.Now()
	log.Info("run started")
	err := p.backend.WithTx(ctx, func(ctx context.Context, s sink.Sink) error {
		return p.load(ctx, s, opts, res, log)
	})
	res.Elapsed = time.Since(start)

	if err != nil {
		log.Error("run failed, rolled back", zap.Error(err), zap.Duration("elapsed", res.Elapsed))
		if logErr := p.runs.Fail(context.WithoutCancel(ctx), res.LoadID, res.counts(), err); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return nil, err
	}

	if logErr := p.runs.Complete(ctx, res.LoadID, res.counts()); logErr != nil {
		log.Error("failed to record run completion", zap.Error(logErr))
	}
	log.Info("run complete",
		zap.Int64("pages", res.Pages),
		zap.Int64("extracted", res.Extracted),
		zap.Int64("loaded", res.Loaded),
		zap.Int64("skipped", res.Skipped),
		zap.Int64("upserted", res.Upserted),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (p *Pipeline) load(ctx context.Context, s sink.Sink, opts Options, res *Result, log *zap.Logger) error {
	tr := p.transformer(opts.Source)

	if err := tr.Prepare(ctx, s); err != nil {
		return eris.Wrap(err, "pipeline: prepare")
	}

	since := opts.Since
	if opts.Mode == Delta && since == nil {
		last, err := tr.LastDeltaDate(ctx, s)
		if err != nil {
			return eris.Wrap(err, "pipeline: resolve since")
		}
		since = last
	}
	res.Since = since
	if since != nil {
		log.Info("extracting since", zap.String("since", since.Format(source.DateLayout)))
	} else {
		log.Info("extracting everything")
	}

	ex := extract.New(opts.Source, p.fetcher, extract.Options{
		MaxConcurrency: p.cfg.MaxConcurrency,
		StrictPages:    p.cfg.StrictPages,
	})
	defer func() {
		st := ex.Stats()
		res.Pages = st.Pages.Load()
		res.Extracted = st.Extracted.Load()
		res.Skipped = st.Skipped.Load()
	}()

	// The producer runs on its own context so a failed COPY stops extraction.
	produceCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var extractErr error
	records := p.records(ex.Trials(produceCtx, since), res.LoadID, log, &extractErr)

	stream := bronze.Pipe(produceCtx, records)
	loaded, err := s.BulkLoad(ctx, tr.Target().Bronze, stream, bronze.Columns, bronze.Delimiter)
	if err != nil {
		stop(errLoadAborted)
	}
	_ = stream.Close()
	streamErr := stream.Err()

	// cancellations caused by stopping the producer are not extraction errors
	stopped := func(e error) bool {
		return errors.Is(context.Cause(produceCtx), errLoadAborted) && errors.Is(e, context.Canceled)
	}
	switch {
	case extractErr != nil && !stopped(extractErr):
		return eris.Wrap(extractErr, "pipeline: extract")
	case streamErr != nil && !stopped(streamErr):
		return eris.Wrap(streamErr, "pipeline: bronze encode")
	case err != nil:
		return eris.Wrap(err, "pipeline: bronze load")
	}
	res.Loaded = loaded
	log.Info("bronze load complete", zap.Int64("rows", loaded), zap.String("table", tr.Target().Bronze.String()))

	upserted, err := tr.Upsert(ctx, s, res.LoadID)
	if err != nil {
		return eris.Wrap(err, "pipeline: transform")
	}
	res.Upserted = upserted
	return nil
}

// records wraps raw trials as Bronze records and logs progress. The first
// extraction error is stored in errOut before it is passed on.
func (p *Pipeline) records(trials iter.Seq2[extract.RawRecord, error], loadID string, log *zap.Logger, errOut *error) iter.Seq2[bronze.Record, error] {
	every := int64(p.cfg.ProgressEvery)
	return func(yield func(bronze.Record, error) bool) {
		var n int64
		for raw, err := range trials {
			if err != nil {
				*errOut = err
				yield(bronze.Record{}, err)
				return
			}
			n++
			if every > 0 && n%every == 0 {
				log.Info("progress", zap.Int64("records", n))
			}
			if !yield(bronze.New(loadID, raw.URL, p.version, raw.ExtractedAt, raw.Data), nil) {
				return
			}
		}
	}
}
