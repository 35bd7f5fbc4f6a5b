// Package crmfile implements crm.Port over a JSON document in a local
// directory. It backs the "file" backend: a CRM that operators and tests
// can inspect and edit by hand, with fsnotify-driven change notification.
package crmfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// FileName is the name of the document inside the store directory.
const FileName = "crm.json"

const (
	filePerms = 0o600
	dirPerms  = 0o700
)

type fileRecord struct {
	ID         string            `json:"id"`
	ModifiedAt time.Time         `json:"modified_at"`
	ModifiedBy string            `json:"modified_by,omitempty"`
	Fields     map[string]string `json:"fields"`
}

type fileAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// document is the on-disk format.
type document struct {
	Records  []fileRecord  `json:"records"`
	Accounts []fileAccount `json:"accounts"`
}

// Store is a file-backed CRM. The document on disk is the source of truth:
// every call reads it, so edits made by hand between calls are honored, and
// every mutating call rewrites it atomically.
type Store struct {
	path   string
	sys    crm.System
	writer string
	logger *slog.Logger

	mu      stdsync.Mutex
	nowFunc func() time.Time // injectable for deterministic tests
}

var _ crm.Port = (*Store)(nil)

// Open prepares a store in dir for the given system, creating dir if
// needed. writer is stamped as ModifiedBy on every upsert and should be the
// configured integration user.
func Open(dir string, sys crm.System, writer string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("crmfile: empty directory")
	}

	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("crmfile: creating directory %s: %w", dir, err)
	}

	logger.Debug("opened file CRM",
		slog.String("system", sys.String()),
		slog.String("path", filepath.Join(dir, FileName)),
	)

	return &Store{
		path:    filepath.Join(dir, FileName),
		sys:     sys,
		writer:  writer,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// SetClock replaces the clock used to stamp ModifiedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nowFunc = now
}

// Query implements crm.Port.
func (s *Store) Query(ctx context.Context, f crm.Filter) ([]crm.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.load()
	if err != nil {
		return nil, err
	}

	return mem.Query(ctx, f)
}

// Upsert implements crm.Port. The document is rewritten only when at least
// one record was written; a failed rewrite fails the whole call.
func (s *Store) Upsert(ctx context.Context, batch []crm.Record) ([]crm.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.load()
	if err != nil {
		return nil, err
	}

	results, err := mem.Upsert(ctx, batch)
	if err != nil {
		return nil, err
	}

	written := 0

	for _, r := range results {
		if r.Err == nil {
			written++
		}
	}

	if written == 0 {
		return results, nil
	}

	if err := s.save(mem); err != nil {
		return nil, err
	}

	s.logger.Debug("file CRM upsert",
		slog.String("system", s.sys.String()),
		slog.Int("written", written),
		slog.Int("rejected", len(results)-written),
	)

	return results, nil
}

// FindOrCreateAccount implements crm.Port.
func (s *Store) FindOrCreateAccount(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.load()
	if err != nil {
		return "", err
	}

	before := mem.AccountCount()

	id, err := mem.FindOrCreateAccount(ctx, name)
	if err != nil {
		return "", err
	}

	if mem.AccountCount() != before {
		if err := s.save(mem); err != nil {
			return "", err
		}

		s.logger.Info("file CRM created account",
			slog.String("system", s.sys.String()),
			slog.String("account_id", id),
		)
	}

	return id, nil
}

// PutAccount stores an account with a caller-chosen ID, such as a
// configured dummy account.
func (s *Store) PutAccount(a crm.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.load()
	if err != nil {
		return err
	}

	mem.PutAccount(a)

	return s.save(mem)
}

// EnsureAccount stores a unless an account with its ID already exists. The
// document is left untouched when nothing changes, so a watching Notifier
// does not fire on every start-up.
func (s *Store) EnsureAccount(a crm.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := mem.Account(a.ID); ok {
		return nil
	}

	mem.PutAccount(a)

	return s.save(mem)
}

// Create inserts a record as an interactive user would. Returns the new ID.
func (s *Store) Create(r crm.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.load()
	if err != nil {
		return "", err
	}

	id, err := mem.Create(r)
	if err != nil {
		return "", err
	}

	return id, s.save(mem)
}

// load reads the document into a fresh Memory. A missing document is an
// empty CRM. Caller holds s.mu.
func (s *Store) load() (*crm.Memory, error) {
	mem := crm.NewMemory(s.sys, crm.MemoryOptions{Writer: s.writer})
	mem.SetClock(s.nowFunc)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return mem, nil
	}

	if err != nil {
		return nil, fmt.Errorf("crmfile: reading %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("crmfile: decoding %s: %w", s.path, err)
	}

	if err := mem.Restore(doc.snapshot()); err != nil {
		return nil, fmt.Errorf("crmfile: loading %s: %w", s.path, err)
	}

	return mem, nil
}

// save writes mem to disk atomically (write-to-temp + rename). Caller holds
// s.mu.
func (s *Store) save(mem *crm.Memory) error {
	data, err := json.MarshalIndent(documentOf(mem.Snapshot()), "", "  ")
	if err != nil {
		return fmt.Errorf("crmfile: encoding: %w", err)
	}

	dir := filepath.Dir(s.path)

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".crm-*.tmp")
	if err != nil {
		return fmt.Errorf("crmfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("crmfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("crmfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("crmfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crmfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("crmfile: renaming: %w", err)
	}

	success = true

	return nil
}

func (d *document) snapshot() crm.Snapshot {
	snap := crm.Snapshot{
		Records:  make([]crm.Record, len(d.Records)),
		Accounts: make([]crm.Account, len(d.Accounts)),
	}

	for i, r := range d.Records {
		snap.Records[i] = crm.Record{ID: r.ID, ModifiedAt: r.ModifiedAt.UTC(), ModifiedBy: r.ModifiedBy, Fields: r.Fields}
	}

	for i, a := range d.Accounts {
		snap.Accounts[i] = crm.Account{ID: a.ID, Name: a.Name}
	}

	return snap
}

func documentOf(snap crm.Snapshot) document {
	doc := document{
		Records:  make([]fileRecord, len(snap.Records)),
		Accounts: make([]fileAccount, len(snap.Accounts)),
	}

	for i, r := range snap.Records {
		doc.Records[i] = fileRecord{ID: r.ID, ModifiedAt: r.ModifiedAt, ModifiedBy: r.ModifiedBy, Fields: r.Fields}
	}

	for i, a := range snap.Accounts {
		doc.Accounts[i] = fileAccount{ID: a.ID, Name: a.Name}
	}

	return doc
}
