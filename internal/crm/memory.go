package crm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// defaultQueryLimit caps a query without an explicit Limit.
const defaultQueryLimit = 2000

// MemoryOptions configures a Memory CRM.
type MemoryOptions struct {
	// Writer is the user identity stamped as ModifiedBy on Upsert. The sync
	// engine excludes this identity when polling, so it should match the
	// configured integration user.
	Writer string
	// RequireAccount rejects contacts without an account link, mirroring
	// CRMs that make the account mandatory.
	RequireAccount bool
}

// Memory is an in-process CRM that implements Port. It backs the "memory"
// backend and is the collaborator used by engine tests.
type Memory struct {
	mu       stdsync.Mutex
	schema   *Schema
	opts     MemoryOptions
	records  map[string]*Record // by ID
	byKey    map[string]string  // email key → ID
	accounts map[string]Account // by ID
	byName   map[string]string  // name key → account ID

	nowFunc func() time.Time // injectable for deterministic tests
	idFunc  func() string
}

// NewMemory creates an empty in-memory CRM for the given system.
func NewMemory(sys System, opts MemoryOptions) *Memory {
	return &Memory{
		schema:   SchemaFor(sys),
		opts:     opts,
		records:  make(map[string]*Record),
		byKey:    make(map[string]string),
		accounts: make(map[string]Account),
		byName:   make(map[string]string),
		nowFunc:  time.Now,
		idFunc:   func() string { return uuid.NewString() },
	}
}

// SetClock replaces the clock used to stamp ModifiedAt. Tests use it to make
// watermark arithmetic deterministic.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nowFunc = now
}

// Schema returns the system schema the store speaks.
func (m *Memory) Schema() *Schema {
	return m.schema
}

// PutAccount stores an account with a caller-chosen ID (e.g. a configured
// dummy account).
func (m *Memory) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts[a.ID] = a
	m.byName[NameKey(a.Name)] = a.ID
}

// Account returns an account by ID.
func (m *Memory) Account(id string) (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]

	return a, ok
}

// AccountCount returns the number of stored accounts.
func (m *Memory) AccountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.accounts)
}

// Create inserts a record as an interactive user would, bypassing the upsert
// key. The record keeps its ModifiedBy; ModifiedAt is stamped from the clock
// when zero. Returns the new ID.
func (m *Memory) Create(r Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.schema.Validate(&r); err != nil {
		return "", err
	}

	key := m.schema.Key(&r)
	if _, ok := m.byKey[key]; ok {
		return "", &ValidationError{Field: m.schema.Name(FieldEmail), Reason: "duplicate email"}
	}

	rec := cloneRecord(&r)
	rec.ID = m.idFunc()

	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = m.nowFunc()
	}

	m.joinAccount(rec)
	m.records[rec.ID] = rec
	m.byKey[key] = rec.ID

	return rec.ID, nil
}

// Edit changes fields of an existing contact as an interactive user would,
// stamping ModifiedBy with by and ModifiedAt from the clock.
func (m *Memory) Edit(id, by string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("crm: no contact %s", id)
	}

	next := cloneRecord(rec)
	for k, v := range fields {
		next.Fields[k] = v
	}

	if err := m.schema.Validate(next); err != nil {
		return err
	}

	if m.schema.Key(next) != m.schema.Key(rec) {
		return &ValidationError{Field: m.schema.Name(FieldEmail), Reason: "email is the join key and cannot change"}
	}

	next.ModifiedAt = m.nowFunc()
	next.ModifiedBy = by
	m.joinAccount(next)
	m.records[id] = next

	return nil
}

// Get returns a copy of the record with the given ID.
func (m *Memory) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}

	return *cloneRecord(r), true
}

// FindByEmail returns a copy of the record with the given email.
func (m *Memory) FindByEmail(email string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[EmailKey(email)]
	if !ok {
		return Record{}, false
	}

	return *cloneRecord(m.records[id]), true
}

// Len returns the number of stored contacts.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}

// Delete removes a contact. The engine never deletes; this exists for
// fixture cleanup.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return
	}

	delete(m.byKey, m.schema.Key(r))
	delete(m.records, id)
}

// Snapshot is a point-in-time copy of a Memory's contents, in (ModifiedAt,
// ID) order for records and ID order for accounts.
type Snapshot struct {
	Records  []Record
	Accounts []Account
}

// Snapshot copies the store's contents.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Records:  make([]Record, 0, len(m.records)),
		Accounts: make([]Account, 0, len(m.accounts)),
	}

	for _, r := range m.records {
		s.Records = append(s.Records, *cloneRecord(r))
	}

	for _, a := range m.accounts {
		s.Accounts = append(s.Accounts, a)
	}

	sortRecords(s.Records)
	slices.SortFunc(s.Accounts, func(a, b Account) int { return strings.Compare(a.ID, b.ID) })

	return s
}

// Restore replaces the store's contents with s, keeping IDs and
// modification stamps. A snapshot holding an ID without an email, or two
// records with the same email key, is rejected and leaves the store
// unchanged.
func (m *Memory) Restore(s Snapshot) error {
	records := make(map[string]*Record, len(s.Records))
	byKey := make(map[string]string, len(s.Records))

	for i := range s.Records {
		r := cloneRecord(&s.Records[i])
		if r.ID == "" {
			return fmt.Errorf("crm: restoring record %d: missing id", i)
		}

		key := m.schema.Key(r)
		if key == "" {
			return fmt.Errorf("crm: restoring record %s: missing email", r.ID)
		}

		if other, dup := byKey[key]; dup {
			return fmt.Errorf("crm: restoring record %s: email already used by %s", r.ID, other)
		}

		records[r.ID] = r
		byKey[key] = r.ID
	}

	accounts := make(map[string]Account, len(s.Accounts))
	byName := make(map[string]string, len(s.Accounts))

	for _, a := range s.Accounts {
		accounts[a.ID] = a
		byName[NameKey(a.Name)] = a.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records, m.byKey = records, byKey
	m.accounts, m.byName = accounts, byName

	return nil
}

// Query implements Port.
func (m *Memory) Query(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0)

	for _, r := range m.records {
		if m.schema.Matches(&f, r) {
			out = append(out, *cloneRecord(r))
		}
	}

	sortRecords(out)

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// Upsert implements Port.
func (m *Memory) Upsert(ctx context.Context, batch []Record) ([]UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]UpsertResult, len(batch))
	for i := range batch {
		results[i] = m.upsertOne(&batch[i])
	}

	return results, nil
}

// upsertOne applies one record. Caller holds m.mu.
func (m *Memory) upsertOne(in *Record) UpsertResult {
	if err := m.schema.Validate(in); err != nil {
		return UpsertResult{Err: err}
	}

	acctField := m.schema.Name(FieldAccountID)
	acctID := in.Field(acctField)

	if acctID != "" {
		if _, ok := m.accounts[acctID]; !ok {
			return UpsertResult{Err: &ValidationError{Field: acctField, Reason: fmt.Sprintf("unknown account %s", acctID)}}
		}
	}

	key := m.schema.Key(in)
	id, exists := m.byKey[key]

	if m.opts.RequireAccount && acctID == "" && (!exists || m.records[id].Field(acctField) == "") {
		return UpsertResult{Err: &ValidationError{Field: acctField, Reason: "required"}}
	}

	now := m.nowFunc()

	if exists {
		rec := m.records[id]
		for k, v := range in.Fields {
			rec.Fields[k] = v
		}

		rec.ModifiedAt = now
		rec.ModifiedBy = m.opts.Writer
		m.joinAccount(rec)

		return UpsertResult{ID: id}
	}

	rec := cloneRecord(in)
	rec.ID = m.idFunc()
	rec.ModifiedAt = now
	rec.ModifiedBy = m.opts.Writer
	m.joinAccount(rec)
	m.records[rec.ID] = rec
	m.byKey[key] = rec.ID

	return UpsertResult{ID: rec.ID, Created: true}
}

// joinAccount fills the account-name field from the linked account, the way
// a CRM query joins the account object. Caller holds m.mu.
func (m *Memory) joinAccount(r *Record) {
	id := r.Field(m.schema.Name(FieldAccountID))
	if id == "" {
		return
	}

	if a, ok := m.accounts[id]; ok {
		r.Fields[m.schema.Name(FieldAccountName)] = a.Name
	}
}

// FindOrCreateAccount implements Port.
func (m *Memory) FindOrCreateAccount(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if NameKey(name) == "" {
		return "", &ValidationError{Field: m.schema.Name(FieldAccountName), Reason: "required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byName[NameKey(name)]; ok {
		return id, nil
	}

	a := Account{ID: m.idFunc(), Name: name}
	m.accounts[a.ID] = a
	m.byName[NameKey(name)] = a.ID

	return a.ID, nil
}

func sortRecords(rs []Record) {
	slices.SortFunc(rs, func(a, b Record) int {
		switch {
		case Less(&a, &b):
			return -1
		case Less(&b, &a):
			return 1
		default:
			return 0
		}
	})
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Fields = maps.Clone(r.Fields)

	if c.Fields == nil {
		c.Fields = make(map[string]string)
	}

	return &c
}
