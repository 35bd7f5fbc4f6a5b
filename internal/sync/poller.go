package sync

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// DefaultBatchSize is the page and upsert batch size when none is configured.
const DefaultBatchSize = 200

// Endpoint binds one CRM to the engine: the port to talk through, the user
// identity the engine writes as, and the placeholder account used by the
// assignDummyAccount policy.
type Endpoint struct {
	Port            crm.Port
	IntegrationUser string
	DummyAccountID  string
}

// Endpoints holds both sides of the synchronization.
type Endpoints struct {
	A Endpoint
	B Endpoint
}

// For returns the endpoint of sys.
func (e *Endpoints) For(sys crm.System) *Endpoint {
	if sys == crm.SystemB {
		return &e.B
	}

	return &e.A
}

// ChangePoller pages changed records out of the source CRM of a direction.
type ChangePoller struct {
	endpoints *Endpoints
	pageSize  int
	logger    *slog.Logger
	locks     map[crm.Direction]*semaphore.Weighted
}

// NewChangePoller creates a poller reading pageSize records per query.
func NewChangePoller(endpoints *Endpoints, pageSize int, logger *slog.Logger) *ChangePoller {
	if pageSize <= 0 {
		pageSize = DefaultBatchSize
	}

	locks := make(map[crm.Direction]*semaphore.Weighted, len(crm.Directions))
	for _, d := range crm.Directions {
		locks[d] = semaphore.NewWeighted(1)
	}

	return &ChangePoller{
		endpoints: endpoints,
		pageSize:  pageSize,
		logger:    logger,
		locks:     locks,
	}
}

// Poll returns the records of dir's source system modified at or after
// since, ordered by (ModifiedAt, ID). Pages are fetched as the sequence is
// consumed. Records last written by the source's integration user are
// skipped, since they are the engine's own writes from the other direction.
//
// Iterations for the same direction are serialized: a second consumer
// blocks until the first finishes or its ctx is done. A query failure is
// yielded once as the error value and ends the sequence.
func (p *ChangePoller) Poll(ctx context.Context, dir crm.Direction, since time.Time) iter.Seq2[crm.Record, error] {
	return p.PollFrom(ctx, dir, crm.Cursor{ModifiedAt: since})
}

// PollFrom is Poll resuming from a stored keyset position: records at
// from.ModifiedAt are yielded only when they sort after from.ID. An empty
// ID makes it identical to Poll(from.ModifiedAt).
func (p *ChangePoller) PollFrom(ctx context.Context, dir crm.Direction, from crm.Cursor) iter.Seq2[crm.Record, error] {
	return func(yield func(crm.Record, error) bool) {
		sem := p.locks[dir]
		if err := sem.Acquire(ctx, 1); err != nil {
			yield(crm.Record{}, fmt.Errorf("sync: waiting for %s poll: %w", dir, err))
			return
		}
		defer sem.Release(1)

		src := p.endpoints.For(dir.Source())
		filter := crm.Filter{
			Since:             from.ModifiedAt,
			Limit:             p.pageSize,
			ExcludeModifiedBy: src.IntegrationUser,
		}

		if from.ID != "" {
			filter.After = &from
		}

		for page := 1; ; page++ {
			records, err := src.Port.Query(ctx, filter)
			if err != nil {
				yield(crm.Record{}, fmt.Errorf("sync: polling %s page %d: %w", dir, page, err))
				return
			}

			p.logger.Debug("polled page",
				slog.String("direction", dir.String()),
				slog.Int("page", page),
				slog.Int("records", len(records)),
			)

			for i := range records {
				if !yield(records[i], nil) {
					return
				}
			}

			if len(records) < p.pageSize {
				return
			}

			filter.After = crm.CursorOf(&records[len(records)-1])
		}
	}
}
