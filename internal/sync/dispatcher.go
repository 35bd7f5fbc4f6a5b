package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// DefaultDispatchWorkers is the number of upsert batches in flight when
// none is configured.
const DefaultDispatchWorkers = 4

// Pending is a mapped record waiting to be written to the target.
type Pending struct {
	SourceID   string
	Email      string
	ModifiedAt time.Time // source modification time, used for the watermark
	Record     crm.Record
}

// Result is the outcome of one Pending record, in the same position.
type Result struct {
	ID         string // target-system ID
	SourceID   string
	Email      string
	ModifiedAt time.Time
	Created    bool
	Err        error
}

// UpsertDispatcher submits mapped records to a direction's target in
// batches, several batches at a time.
type UpsertDispatcher struct {
	endpoints *Endpoints
	batchSize int
	workers   int
	logger    *slog.Logger
}

// NewUpsertDispatcher creates a dispatcher. Non-positive sizes fall back to
// DefaultBatchSize and DefaultDispatchWorkers.
func NewUpsertDispatcher(endpoints *Endpoints, batchSize, workers int, logger *slog.Logger) *UpsertDispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if workers <= 0 {
		workers = DefaultDispatchWorkers
	}

	return &UpsertDispatcher{
		endpoints: endpoints,
		batchSize: batchSize,
		workers:   workers,
		logger:    logger,
	}
}

// Dispatch upserts pending into dir's target and returns one Result per
// input, in input order. A failed Upsert call fails every record of its
// batch and nothing else. Nothing is retried.
func (d *UpsertDispatcher) Dispatch(ctx context.Context, dir crm.Direction, pending []Pending) []Result {
	results := make([]Result, len(pending))
	for i := range pending {
		results[i] = Result{
			SourceID:   pending[i].SourceID,
			Email:      pending[i].Email,
			ModifiedAt: pending[i].ModifiedAt,
		}
	}

	port := d.endpoints.For(dir.Target()).Port

	var g errgroup.Group
	g.SetLimit(d.workers)

	for start := 0; start < len(pending); start += d.batchSize {
		end := min(start+d.batchSize, len(pending))

		// Each goroutine writes a disjoint slice of results.
		g.Go(func() error {
			d.dispatchBatch(ctx, dir, port, pending[start:end], results[start:end])
			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (d *UpsertDispatcher) dispatchBatch(ctx context.Context, dir crm.Direction, port crm.Port, batch []Pending, out []Result) {
	records := make([]crm.Record, len(batch))
	for i := range batch {
		records[i] = batch[i].Record
	}

	res, err := port.Upsert(ctx, records)
	if err == nil && len(res) != len(batch) {
		err = fmt.Errorf("sync: target returned %d results for %d records: %w", len(res), len(batch), crm.ErrTransient)
	}

	if err != nil {
		d.logger.Warn("upsert batch failed",
			slog.String("direction", dir.String()),
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()),
		)

		for i := range out {
			out[i].Err = err
		}

		return
	}

	for i := range out {
		out[i].ID = res[i].ID
		out[i].Created = res[i].Created
		out[i].Err = res[i].Err
	}
}
