package crmfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crmsync/internal/crm"
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var testStart = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func steppingClock() func() time.Time {
	now := testStart

	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	s, err := Open(dir, crm.SystemA, "sync-a", testLogger(t))
	require.NoError(t, err)
	s.SetClock(steppingClock())

	return s
}

func contactA(email, last string) crm.Record {
	return crm.Record{Fields: map[string]string{"Email": email, "LastName": last}}
}

func TestStore_EmptyDirectoryIsEmptyCRM(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "nested", "a"))

	records, err := s.Query(context.Background(), crm.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "queries never create the document")
}

func TestStore_UpsertPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	res, err := s.Upsert(ctx, []crm.Record{contactA("steve@acme.com", "Smith")})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	assert.True(t, res[0].Created)

	reopened := newTestStore(t, dir)
	records, err := reopened.Query(ctx, crm.Filter{Email: "STEVE@acme.com"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, res[0].ID, records[0].ID)
	assert.Equal(t, "sync-a", records[0].ModifiedBy)
	assert.Equal(t, testStart.Add(time.Second), records[0].ModifiedAt)
	assert.Equal(t, "Smith", records[0].Field("LastName"))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())
}

func TestStore_UpsertUpdatesByEmail(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ctx := context.Background()

	first, err := s.Upsert(ctx, []crm.Record{contactA("x@acme.com", "One")})
	require.NoError(t, err)

	second, err := s.Upsert(ctx, []crm.Record{contactA("X@ACME.com", "Two")})
	require.NoError(t, err)
	assert.False(t, second[0].Created)
	assert.Equal(t, first[0].ID, second[0].ID)

	records, err := s.Query(ctx, crm.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Two", records[0].Field("LastName"))
}

func TestStore_AllRejectedLeavesDocumentUntouched(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	res, err := s.Upsert(context.Background(), []crm.Record{contactA("no-at-sign", "Smith")})
	require.NoError(t, err)
	assert.ErrorIs(t, res[0].Err, crm.ErrValidation)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStore_HandEditsAreSeen(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	doc := `{"records":[{"id":"003HAND","modified_at":"2024-06-01T10:00:00Z","modified_by":"alice",
		"fields":{"Email":"hand@acme.com","LastName":"Edited"}}],"accounts":[]}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(doc), filePerms))

	records, err := s.Query(context.Background(), crm.Filter{ExcludeModifiedBy: "sync-a"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "003HAND", records[0].ID)
	assert.Equal(t, "alice", records[0].ModifiedBy)
}

func TestStore_CorruptDocument(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"records":[`), filePerms))

	_, err := s.Query(context.Background(), crm.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestStore_FindOrCreateAccount(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	id, err := s.FindOrCreateAccount(ctx, "Acme Corp")
	require.NoError(t, err)

	again, err := newTestStore(t, dir).FindOrCreateAccount(ctx, "acme  corp")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestStore_PutAccountAndLinkedUpsert(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.PutAccount(crm.Account{ID: "0012000001AOHJWAA5", Name: "Unassigned"}))

	rec := contactA("linked@acme.com", "Linked")
	rec.Fields["AccountId"] = "0012000001AOHJWAA5"

	res, err := s.Upsert(ctx, []crm.Record{rec})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)

	records, err := s.Query(ctx, crm.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Unassigned", records[0].Field("Account.Name"))
}

func TestStore_EnsureAccount(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	dummy := crm.Account{ID: "0012000001AOHJWAA5", Name: "Unassigned"}

	require.NoError(t, s.EnsureAccount(dummy))

	before, err := os.Stat(s.Path())
	require.NoError(t, err)

	// Existing ID: no rewrite, and the stored name wins.
	require.NoError(t, s.EnsureAccount(crm.Account{ID: dummy.ID, Name: "Renamed"}))

	after, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	id, err := s.FindOrCreateAccount(context.Background(), "Unassigned")
	require.NoError(t, err)
	assert.Equal(t, dummy.ID, id)
}

func TestStore_CreateKeepsAuthor(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	rec := contactA("human@acme.com", "Human")
	rec.ModifiedBy = "alice"

	id, err := s.Create(rec)
	require.NoError(t, err)

	records, err := s.Query(context.Background(), crm.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, "alice", records[0].ModifiedBy)
}

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open("", crm.SystemA, "sync-a", testLogger(t))
	require.Error(t, err)
}
