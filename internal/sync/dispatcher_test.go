package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// upsertPort wraps a Port and fails Upsert calls whose first record matches
// failEmail. It also tracks the peak number of concurrent calls.
type upsertPort struct {
	crm.Port
	failEmail string
	delay     time.Duration

	mu       stdsync.Mutex
	calls    int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *upsertPort) Upsert(ctx context.Context, batch []crm.Record) ([]crm.UpsertResult, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	if p.failEmail != "" && len(batch) > 0 && batch[0].Field("Email Address") == p.failEmail {
		return nil, fmt.Errorf("connection reset: %w", crm.ErrTransient)
	}

	return p.Port.Upsert(ctx, batch)
}

func pendingB(emails ...string) []Pending {
	out := make([]Pending, len(emails))
	for i, e := range emails {
		out[i] = Pending{
			SourceID:   fmt.Sprintf("src-%d", i),
			Email:      e,
			ModifiedAt: testEpoch.Add(time.Duration(i) * time.Second),
			Record: crm.Record{Fields: map[string]string{
				"Email Address": e,
				"Last Name":     "L",
			}},
		}
	}

	return out
}

func TestDispatch_ResultsInInputOrder(t *testing.T) {
	b := crm.NewMemory(crm.SystemB, crm.MemoryOptions{})
	port := &upsertPort{Port: b}
	d := NewUpsertDispatcher(&Endpoints{B: Endpoint{Port: port}}, 2, 3, testLogger(t))

	in := pendingB("a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com")
	res := d.Dispatch(context.Background(), crm.AToB, in)

	require.Len(t, res, 5)

	for i := range res {
		require.NoError(t, res[i].Err)
		assert.Equal(t, in[i].Email, res[i].Email)
		assert.Equal(t, in[i].SourceID, res[i].SourceID)
		assert.True(t, res[i].Created)

		got, ok := b.Get(res[i].ID)
		require.True(t, ok)
		assert.Equal(t, in[i].Email, got.Field("Email Address"))
	}

	assert.Equal(t, 3, port.calls)
}

func TestDispatch_PerRecordValidationDoesNotAbortBatch(t *testing.T) {
	b := crm.NewMemory(crm.SystemB, crm.MemoryOptions{})
	d := NewUpsertDispatcher(&Endpoints{B: Endpoint{Port: b}}, 10, 1, testLogger(t))

	in := pendingB("ok1@x.com", "not-an-email", "ok2@x.com")
	res := d.Dispatch(context.Background(), crm.AToB, in)

	assert.NoError(t, res[0].Err)
	assert.ErrorIs(t, res[1].Err, crm.ErrValidation)
	assert.NoError(t, res[2].Err)
	assert.Equal(t, 2, b.Len())
}

func TestDispatch_BatchErrorAttributedToItsRecordsOnly(t *testing.T) {
	b := crm.NewMemory(crm.SystemB, crm.MemoryOptions{})
	port := &upsertPort{Port: b, failEmail: "c@x.com"}
	d := NewUpsertDispatcher(&Endpoints{B: Endpoint{Port: port}}, 2, 2, testLogger(t))

	res := d.Dispatch(context.Background(), crm.AToB, pendingB("a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"))

	assert.NoError(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.ErrorIs(t, res[2].Err, crm.ErrTransient)
	assert.ErrorIs(t, res[3].Err, crm.ErrTransient)
	assert.NoError(t, res[4].Err)
	assert.Equal(t, 3, b.Len())
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	port := &upsertPort{Port: crm.NewMemory(crm.SystemB, crm.MemoryOptions{}), delay: 10 * time.Millisecond}
	d := NewUpsertDispatcher(&Endpoints{B: Endpoint{Port: port}}, 1, 2, testLogger(t))

	emails := make([]string, 8)
	for i := range emails {
		emails[i] = fmt.Sprintf("c%d@x.com", i)
	}

	d.Dispatch(context.Background(), crm.AToB, pendingB(emails...))

	assert.LessOrEqual(t, port.peak.Load(), int32(2))
	assert.Equal(t, 8, port.calls)
}

func TestDispatch_Empty(t *testing.T) {
	d := NewUpsertDispatcher(&Endpoints{}, 0, 0, testLogger(t))
	assert.Empty(t, d.Dispatch(context.Background(), crm.AToB, nil))
}
