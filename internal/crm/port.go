package crm

import "context"

// Port is the contract between the sync engine and a CRM. Implemented by
// the adapters in crmhttp and crmfile, and by Memory.
//
// Query returns native records matching the filter ordered by
// (ModifiedAt, ID) ascending; at most Limit when Limit > 0.
//
// Upsert writes a batch keyed by email: a record whose email already exists
// updates that record in place (its ID is preserved), otherwise a record is
// inserted. The returned slice has one result per submitted record in the
// same order; per-record failures are reported in UpsertResult.Err. A
// non-nil error means the whole call failed and no result is meaningful.
//
// FindOrCreateAccount returns the ID of the account with the given name,
// creating it if none exists. It must be idempotent across retries.
type Port interface {
	Query(ctx context.Context, f Filter) ([]Record, error)
	Upsert(ctx context.Context, batch []Record) ([]UpsertResult, error)
	FindOrCreateAccount(ctx context.Context, name string) (string, error)
}
