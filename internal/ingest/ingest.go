// Package ingest pulls raw alerts from configured sources, normalizes them
// into canonical events and stages them for the aggregation engine. Each
// source is fetched in isolation: one slow or broken vendor contributes zero
// events for the run and an error count, never a failed run.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/source"
)

// ErrUnknownSource means a push referenced a source that is not configured
// or not active.
var ErrUnknownSource = xerrors.New("unknown or inactive source")

// Store is the slice of persistence the ingestor needs.
type Store interface {
	ListActiveSources(ctx context.Context) ([]*alert.Source, error)
	GetSource(ctx context.Context, sourceID string) (*alert.Source, bool, error)
	InsertEvents(ctx context.Context, events []*alert.Event) error
}

// Stats summarizes one ingestion pass.
type Stats struct {
	Sources  int
	Fetched  int
	Ingested int
	Skipped  int
	Errors   int
}

// Ingestor fetches, normalizes and stages events.
type Ingestor struct {
	registry     *source.Registry
	store        Store
	logger       log.Logger
	fetchTimeout time.Duration
	now          func() time.Time
}

// New creates an ingestor. fetchTimeout bounds each source's fetch; zero
// means 30s.
func New(registry *source.Registry, store Store, logger log.Logger, fetchTimeout time.Duration) *Ingestor {
	if logger == nil {
		logger = log.Nop()
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Ingestor{
		registry:     registry,
		store:        store,
		logger:       logger,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
	}
}

type sourceResult struct {
	fetched  int
	ingested int
	skipped  int
	failed   bool
}

// Run polls every active source concurrently and stages the normalized
// events. It never returns a per-source error; those are logged and counted.
func (i *Ingestor) Run(ctx context.Context) (Stats, error) {
	sources, err := i.store.ListActiveSources(ctx)
	if err != nil {
		return Stats{}, err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stats   = Stats{Sources: len(sources)}
		results []sourceResult
	)

	for _, src := range sources {
		wg.Add(1)
		go func(src *alert.Source) {
			defer wg.Done()
			res := i.runSource(ctx, src)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	for _, res := range results {
		stats.Fetched += res.fetched
		stats.Ingested += res.ingested
		stats.Skipped += res.skipped
		if res.failed {
			stats.Errors++
		}
	}
	return stats, nil
}

func (i *Ingestor) runSource(ctx context.Context, src *alert.Source) sourceResult {
	L := i.logger.With("source_id", src.SourceID, "adapter", src.AdapterType)

	adapter, err := i.registry.New(src)
	if err != nil {
		L.Error(ctx, err, "adapter resolution failed")
		return sourceResult{failed: true}
	}

	fctx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	defer cancel()

	raws, err := adapter.FetchAlerts(fctx)
	if err != nil {
		if errors.Is(err, alert.ErrAuthentication) {
			L.Error(ctx, err, "source authentication failed, skipping for this run")
		} else {
			L.Error(ctx, err, "fetch failed, treating as zero events")
		}
		return sourceResult{failed: true}
	}
	if len(raws) == 0 {
		return sourceResult{}
	}

	events, skipped := i.normalizeBatch(ctx, raws, src)
	res := sourceResult{fetched: len(raws), skipped: skipped}

	if len(events) > 0 {
		if err := i.store.InsertEvents(ctx, events); err != nil {
			L.Error(ctx, err, "staging events failed", "events", len(events))
			return sourceResult{fetched: len(raws), skipped: skipped, failed: true}
		}
		res.ingested = len(events)
	}

	L.Info(ctx, "source ingested",
		"fetched", res.fetched,
		"ingested", res.ingested,
		"skipped", res.skipped,
	)
	return res
}

// normalizeBatch converts a raw batch, skipping malformed items so one bad
// payload never aborts the rest.
func (i *Ingestor) normalizeBatch(ctx context.Context, raws []alert.RawAlert, src *alert.Source) (events []*alert.Event, skipped int) {
	now := i.now()
	for _, raw := range raws {
		ev, err := Normalize(raw, src, now)
		if err != nil {
			var nerr *alert.NormalizationError
			if errors.As(err, &nerr) {
				i.logger.Warn(ctx, "skipping malformed raw alert",
					"source_id", src.SourceID,
					"field", nerr.Field,
					"reason", nerr.Reason,
				)
				skipped++
				continue
			}
			i.logger.Error(ctx, err, "normalize failed", "source_id", src.SourceID)
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}

// Accept handles a pushed batch for one source: authenticate against the
// source's shared secret, then normalize and stage. Returns the number of
// events accepted and the number skipped for normalization failures.
func (i *Ingestor) Accept(ctx context.Context, sourceID, secret string, raws []alert.RawAlert) (accepted, skipped int, err error) {
	src, ok, err := i.store.GetSource(ctx, sourceID)
	if err != nil {
		return 0, 0, err
	}
	if !ok || !src.IsActive {
		return 0, 0, ErrUnknownSource
	}

	adapter, err := i.registry.New(src)
	if err != nil {
		return 0, 0, err
	}
	if err := adapter.Authenticate(ctx, secret); err != nil {
		return 0, 0, err
	}

	events, skipped := i.normalizeBatch(ctx, raws, src)
	if len(events) == 0 {
		return 0, skipped, nil
	}
	if err := i.store.InsertEvents(ctx, events); err != nil {
		return 0, skipped, err
	}
	return len(events), skipped, nil
}
