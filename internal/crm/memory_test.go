package crm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock returns a clock that advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	t := start

	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func recordB(email, first, last string) Record {
	return Record{Fields: map[string]string{
		"Email Address": email,
		"First Name":    first,
		"Last Name":     last,
	}}
}

func TestMemory_Upsert_InsertThenUpdatePreservesID(t *testing.T) {
	m := NewMemory(SystemB, MemoryOptions{Writer: "integration"})
	ctx := context.Background()

	res, err := m.Upsert(ctx, []Record{recordB("x@a.com", "Steve", "Smith")})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.NoError(t, res[0].Err)
	assert.True(t, res[0].Created)

	id := res[0].ID

	res, err = m.Upsert(ctx, []Record{recordB("X@A.com", "Steven", "Smith")})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	assert.False(t, res[0].Created)
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Steven", got.Field("First Name"))
	assert.Equal(t, "integration", got.ModifiedBy)
}

func TestMemory_Upsert_PartialBatch(t *testing.T) {
	m := NewMemory(SystemB, MemoryOptions{})

	res, err := m.Upsert(context.Background(), []Record{
		recordB("bad-address", "No", "Email"),
		recordB("ok@a.com", "Ok", "Person"),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.ErrorIs(t, res[0].Err, ErrValidation)
	assert.NoError(t, res[1].Err)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_Upsert_UnknownAccountRejected(t *testing.T) {
	m := NewMemory(SystemB, MemoryOptions{})
	r := recordB("x@a.com", "Steve", "Smith")
	r.Fields["Account Id"] = "1-NOPE"

	res, err := m.Upsert(context.Background(), []Record{r})
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, res[0].Err, &verr)
	assert.Equal(t, "Account Id", verr.Field)
}

func TestMemory_Upsert_RequireAccount(t *testing.T) {
	m := NewMemory(SystemB, MemoryOptions{RequireAccount: true})
	m.PutAccount(Account{ID: "1-C4QJ", Name: "Dummy"})

	res, err := m.Upsert(context.Background(), []Record{recordB("x@a.com", "Steve", "Smith")})
	require.NoError(t, err)
	assert.ErrorIs(t, res[0].Err, ErrValidation)

	linked := recordB("x@a.com", "Steve", "Smith")
	linked.Fields["Account Id"] = "1-C4QJ"

	res, err = m.Upsert(context.Background(), []Record{linked})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)

	got, ok := m.Get(res[0].ID)
	require.True(t, ok)
	assert.Equal(t, "Dummy", got.Field("Account"), "account name is joined from the account")
}

func TestMemory_Query_OrderSinceAndCursor(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(SystemA, MemoryOptions{})
	m.SetClock(steppingClock(start))

	for _, e := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		_, err := m.Create(Record{Fields: map[string]string{"Email": e, "LastName": "L"}})
		require.NoError(t, err)
	}

	ctx := context.Background()

	all, err := m.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a@x.com", all[0].Field("Email"))
	assert.Equal(t, "c@x.com", all[2].Field("Email"))

	// Since is inclusive.
	since, err := m.Query(ctx, Filter{Since: all[1].ModifiedAt})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	page, err := m.Query(ctx, Filter{After: CursorOf(&all[0]), Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b@x.com", page[0].Field("Email"))
}

func TestMemory_Query_ExcludeModifiedByAndEmail(t *testing.T) {
	m := NewMemory(SystemA, MemoryOptions{Writer: "integration"})
	ctx := context.Background()

	_, err := m.Create(Record{ModifiedBy: "alice", Fields: map[string]string{"Email": "a@x.com", "LastName": "A"}})
	require.NoError(t, err)

	_, err = m.Upsert(ctx, []Record{{Fields: map[string]string{"Email": "b@x.com", "LastName": "B"}}})
	require.NoError(t, err)

	got, err := m.Query(ctx, Filter{ExcludeModifiedBy: "integration"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a@x.com", got[0].Field("Email"))

	got, err = m.Query(ctx, Filter{Email: "B@X.COM"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b@x.com", got[0].Field("Email"))
}

func TestMemory_FindOrCreateAccount_Idempotent(t *testing.T) {
	m := NewMemory(SystemA, MemoryOptions{})
	ctx := context.Background()

	id1, err := m.FindOrCreateAccount(ctx, "Acme Corp")
	require.NoError(t, err)

	id2, err := m.FindOrCreateAccount(ctx, "  acme   CORP ")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, m.AccountCount())

	_, err = m.FindOrCreateAccount(ctx, "   ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory(SystemA, MemoryOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Query(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = m.Upsert(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_CreateRejectsDuplicateEmail(t *testing.T) {
	m := NewMemory(SystemA, MemoryOptions{})

	_, err := m.Create(Record{Fields: map[string]string{"Email": "dup@x.com", "LastName": "A"}})
	require.NoError(t, err)

	_, err = m.Create(Record{Fields: map[string]string{"Email": "DUP@x.com", "LastName": "B"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemory_EditStampsUser(t *testing.T) {
	m := NewMemory(SystemB, MemoryOptions{Writer: "sync-b"})
	m.SetClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	res, err := m.Upsert(context.Background(), []Record{recordB("x@a.com", "Steve", "Smith")})
	require.NoError(t, err)

	id := res[0].ID
	before, _ := m.Get(id)

	require.NoError(t, m.Edit(id, "alice", map[string]string{"First Name": "Steven"}))

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Steven", got.Field("First Name"))
	assert.Equal(t, "Smith", got.Field("Last Name"))
	assert.Equal(t, "alice", got.ModifiedBy)
	assert.True(t, got.ModifiedAt.After(before.ModifiedAt))

	err = m.Edit(id, "alice", map[string]string{"Email Address": "other@a.com"})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Error(t, m.Edit("missing", "alice", nil))
}

func TestMemory_SnapshotRestore_PreservesIDsAndStamps(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	m := NewMemory(SystemB, MemoryOptions{Writer: "sync-b"})
	m.SetClock(steppingClock(start))
	m.PutAccount(Account{ID: "1-C4QJ", Name: "Dummy"})

	_, err := m.Upsert(context.Background(), []Record{
		recordB("b@a.com", "Bea", "Two"),
		recordB("a@a.com", "Al", "One"),
	})
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "b@a.com", snap.Records[0].Field("Email Address"), "records are in modification order")
	assert.Equal(t, []Account{{ID: "1-C4QJ", Name: "Dummy"}}, snap.Accounts)

	other := NewMemory(SystemB, MemoryOptions{})
	require.NoError(t, other.Restore(snap))
	assert.Equal(t, snap, other.Snapshot())

	got, ok := other.FindByEmail("A@A.COM")
	require.True(t, ok)
	assert.Equal(t, snap.Records[1].ID, got.ID)
	assert.Equal(t, "sync-b", got.ModifiedBy)
	assert.Equal(t, start.Add(2*time.Second), got.ModifiedAt)

	id, err := other.FindOrCreateAccount(context.Background(), "dummy")
	require.NoError(t, err)
	assert.Equal(t, "1-C4QJ", id)
}

func TestMemory_Restore_RejectsDuplicateEmail(t *testing.T) {
	m := NewMemory(SystemB, MemoryOptions{})
	_, err := m.Create(recordB("keep@a.com", "Keep", "Me"))
	require.NoError(t, err)

	dup := recordB("x@a.com", "X", "One")
	dup.ID = "1"
	dup2 := recordB("X@a.com", "X", "Two")
	dup2.ID = "2"

	err = m.Restore(Snapshot{Records: []Record{dup, dup2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
	assert.Equal(t, 1, m.Len(), "failed restore leaves the store unchanged")
}
