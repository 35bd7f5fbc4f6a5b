package crmhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// Query lists contacts matching f, ordered by (modified_at, id) ascending.
func (c *Client) Query(ctx context.Context, f crm.Filter) ([]crm.Record, error) {
	path := "/contacts?" + queryParams(f).Encode()

	var resp queryResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, maxRetries); err != nil {
		return nil, fmt.Errorf("crmhttp: querying contacts: %w", err)
	}

	records := make([]crm.Record, 0, len(resp.Records))
	for i := range resp.Records {
		records = append(records, resp.Records[i].toRecord())
	}

	c.logger.Debug("queried contacts",
		slog.Time("since", f.Since),
		slog.Int("records", len(records)),
	)

	return records, nil
}

func queryParams(f crm.Filter) url.Values {
	q := url.Values{}
	q.Set("since", f.Since.UTC().Format(time.RFC3339Nano))

	if f.After != nil {
		q.Set("after_modified", f.After.ModifiedAt.UTC().Format(time.RFC3339Nano))
		q.Set("after_id", f.After.ID)
	}

	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	if f.Email != "" {
		q.Set("email", f.Email)
	}

	if f.ExcludeModifiedBy != "" {
		q.Set("exclude_modified_by", f.ExcludeModifiedBy)
	}

	return q
}

// Upsert writes batch keyed by email. Per-record failures are returned in
// the matching UpsertResult; an error means the call as a whole failed.
// The batch is sent once: a failed call is retried by the next sync cycle,
// since the server may already have applied it.
func (c *Client) Upsert(ctx context.Context, batch []crm.Record) ([]crm.UpsertResult, error) {
	req := upsertRequest{Records: make([]wireUpsertRecord, len(batch))}
	for i := range batch {
		req.Records[i] = wireUpsertRecord{ID: batch[i].ID, Fields: batch[i].Fields}
	}

	var resp upsertResponse
	if err := c.doJSON(ctx, http.MethodPost, "/contacts/upsert", req, &resp, 0); err != nil {
		return nil, fmt.Errorf("crmhttp: upserting %d contacts: %w", len(batch), err)
	}

	if len(resp.Results) != len(batch) {
		return nil, fmt.Errorf("crmhttp: upsert returned %d results for %d records", len(resp.Results), len(batch))
	}

	results := make([]crm.UpsertResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = crm.UpsertResult{ID: r.ID, Created: r.Created, Err: recordError(r.Error)}
	}

	return results, nil
}
