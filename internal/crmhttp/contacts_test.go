package crmhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crmsync/internal/crm"
)

func TestQuery_EncodesFilterAndDecodesRecords(t *testing.T) {
	since := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	after := time.Date(2024, 3, 1, 9, 30, 0, 500, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/contacts", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "2024-03-01T09:00:00Z", q.Get("since"))
		assert.Equal(t, "2024-03-01T09:30:00.0000005Z", q.Get("after_modified"))
		assert.Equal(t, "003X", q.Get("after_id"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "steve@acme.com", q.Get("email"))
		assert.Equal(t, "sync-a", q.Get("exclude_modified_by"))

		_, _ = w.Write([]byte(`{"records":[
			{"id":"003Y","modified_at":"2024-03-01T10:00:00+01:00","modified_by":"alice",
			 "fields":{"Email":"steve@acme.com","LastName":"Smith"}},
			{"id":"003Z","modified_at":"2024-03-01T09:45:00Z"}
		]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/api")
	records, err := client.Query(context.Background(), crm.Filter{
		Since:             since,
		After:             &crm.Cursor{ModifiedAt: after, ID: "003X"},
		Limit:             50,
		Email:             "steve@acme.com",
		ExcludeModifiedBy: "sync-a",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "003Y", records[0].ID)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), records[0].ModifiedAt)
	assert.Equal(t, time.UTC, records[0].ModifiedAt.Location())
	assert.Equal(t, "alice", records[0].ModifiedBy)
	assert.Equal(t, "Smith", records[0].Field("LastName"))

	assert.NotNil(t, records[1].Fields)
}

func TestQuery_OmitsUnsetParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1970-01-01T00:00:00Z", q.Get("since"))

		for _, k := range []string{"after_modified", "after_id", "limit", "email", "exclude_modified_by"} {
			assert.False(t, q.Has(k), k)
		}

		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	records, err := client.Query(context.Background(), crm.Filter{Since: time.Unix(0, 0)})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQuery_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"records":`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Query(context.Background(), crm.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestUpsert_PerRecordResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/contacts/upsert", r.URL.Path)

		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Records, 4)
		assert.Equal(t, "a@acme.com", req.Records[0].Fields["EMAIL_ADDR"])
		assert.Empty(t, req.Records[0].ID)

		_, _ = w.Write([]byte(`{"results":[
			{"id":"1-A","created":true},
			{"id":"1-B","created":false},
			{"error":{"code":"validation","field":"LAST_NAME","message":"required"}},
			{"error":{"code":"transient","message":"lock timeout"}}
		]}`))
	}))
	defer srv.Close()

	batch := []crm.Record{
		{Fields: map[string]string{"EMAIL_ADDR": "a@acme.com"}},
		{Fields: map[string]string{"EMAIL_ADDR": "b@acme.com"}},
		{Fields: map[string]string{"EMAIL_ADDR": "c@acme.com"}},
		{Fields: map[string]string{"EMAIL_ADDR": "d@acme.com"}},
	}

	client := newTestClient(t, srv.URL)
	results, err := client.Upsert(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, crm.UpsertResult{ID: "1-A", Created: true}, results[0])
	assert.Equal(t, crm.UpsertResult{ID: "1-B"}, results[1])

	var verr *crm.ValidationError
	require.ErrorAs(t, results[2].Err, &verr)
	assert.Equal(t, "LAST_NAME", verr.Field)
	assert.Equal(t, crm.ErrorSkip, crm.Classify(results[2].Err))

	assert.ErrorIs(t, results[3].Err, crm.ErrTransient)
	assert.Equal(t, crm.ErrorRetryable, crm.Classify(results[3].Err))
}

func TestUpsert_UnknownRecordErrorCodeIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"error":{"code":"duplicate_rule","message":"blocked"}}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	results, err := client.Upsert(context.Background(), []crm.Record{{Fields: map[string]string{}}})
	require.NoError(t, err)

	var recErr *RecordError
	require.ErrorAs(t, results[0].Err, &recErr)
	assert.Equal(t, "duplicate_rule", recErr.Code)
	assert.Equal(t, crm.ErrorRetryable, crm.Classify(results[0].Err))
}

func TestUpsert_ResultCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":"1"}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Upsert(context.Background(), []crm.Record{{}, {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 results for 2 records")
}

func TestUpsert_WholeCallFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Upsert(context.Background(), []crm.Record{{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrUnauthorized)
	assert.Equal(t, crm.ErrorFatal, crm.Classify(err))
}

func TestUpsert_NotRetriedWithinCall(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"results":[{"id":"1-X","created":true}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Upsert(context.Background(), []crm.Record{{Fields: map[string]string{"Email Address": "x@a.com"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrTransient)
	assert.Equal(t, crm.ErrorRetryable, crm.Classify(err))
	assert.Equal(t, int32(1), calls.Load(), "the next sync cycle retries, not the adapter")
}

func TestUpsert_NetworkErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url)
	client.sleepFunc = func(context.Context, time.Duration) error {
		t.Fatal("upsert must not back off and retry")
		return nil
	}

	_, err := client.Upsert(context.Background(), []crm.Record{{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrTransient)
}

func TestQuery_RetriedWithinCall(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Query(context.Background(), crm.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFindOrCreateAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/find-or-create", r.URL.Path)

		var req accountRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Acme Corp", req.Name)

		_, _ = w.Write([]byte(`{"id":"001ACME"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	id, err := client.FindOrCreateAccount(context.Background(), "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, "001ACME", id)
}

func TestFindOrCreateAccount_EmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FindOrCreateAccount(context.Background(), "Acme Corp")
	assert.ErrorIs(t, err, ErrEmptyAccountID)
}
