// Package crm defines the domain types shared by the sync engine and the CRM
// adapters: systems and sync directions, the canonical Contact model, the
// system-native Record field bag, the account-linking policy, the error
// taxonomy, and the Port interface every CRM adapter implements.
//
// This is a leaf package; adapters (crmhttp, crmfile) and the engine (sync)
// import it, never the other way around.
package crm

import (
	"fmt"
	"time"
)

// System identifies one side of the synchronization.
type System int

// The two synchronized systems. A carries the Salesforce-shaped schema and B
// the Siebel-shaped schema (see schema.go).
const (
	SystemA System = iota
	SystemB
)

// String returns "a" or "b".
func (s System) String() string {
	switch s {
	case SystemA:
		return "a"
	case SystemB:
		return "b"
	default:
		return fmt.Sprintf("system(%d)", int(s))
	}
}

// ParseSystem parses "a" or "b" (case-sensitive, as written by String).
func ParseSystem(s string) (System, error) {
	switch s {
	case "a":
		return SystemA, nil
	case "b":
		return SystemB, nil
	default:
		return 0, fmt.Errorf("crm: unknown system %q (want a or b)", s)
	}
}

// Direction is a sync direction. Each direction has its own watermark and
// runs as its own batch job.
type Direction int

// Sync directions.
const (
	AToB Direction = iota
	BToA
)

// Directions lists both directions in a stable order.
var Directions = []Direction{AToB, BToA}

// String returns the flow name of the direction ("a-to-b" or "b-to-a"),
// which is also the key under which its watermark is persisted.
func (d Direction) String() string {
	switch d {
	case AToB:
		return "a-to-b"
	case BToA:
		return "b-to-a"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses the flow name produced by String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "a-to-b":
		return AToB, nil
	case "b-to-a":
		return BToA, nil
	default:
		return 0, fmt.Errorf("crm: unknown direction %q (want a-to-b or b-to-a)", s)
	}
}

// Source returns the system records are read from.
func (d Direction) Source() System {
	if d == BToA {
		return SystemB
	}

	return SystemA
}

// Target returns the system records are written to.
func (d Direction) Target() System {
	if d == BToA {
		return SystemA
	}

	return SystemB
}

// AccountRef links a contact to an account. Either field may be empty: a
// record read from a CRM may carry only the account name (joined from the
// account object) or only its ID.
type AccountRef struct {
	ID   string
	Name string
}

// Account is an account object in one CRM.
type Account struct {
	ID   string
	Name string
}

// Contact is the canonical, system-neutral contact. Known fields are typed;
// source fields the mapper does not know are carried in Extra and never
// exported to the other system.
type Contact struct {
	ID             string // system-specific ID in the system the contact was read from
	Email          string
	FirstName      string
	LastName       string
	MailingCountry string
	Account        *AccountRef // nil means "no account link"
	ModifiedAt     time.Time
	ModifiedBy     string
	Extra          map[string]string
}

// Key returns the cross-system join key for the contact (see EmailKey).
func (c *Contact) Key() string {
	return EmailKey(c.Email)
}

// Record is the system-native representation of a contact: the field bag a
// Port reads and writes, keyed by the system's own field names.
type Record struct {
	ID         string
	ModifiedAt time.Time
	ModifiedBy string
	Fields     map[string]string
}

// Field returns the named field, or "" if absent.
func (r *Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}

	return r.Fields[name]
}

// Filter narrows a Port query. Since is inclusive. After, when set, is a
// keyset cursor: only records strictly after (ModifiedAt, ID) are returned.
// Results are ordered by (ModifiedAt, ID) ascending.
type Filter struct {
	Since             time.Time
	After             *Cursor
	Limit             int    // 0 = adapter default
	Email             string // exact match on the join key; "" = any
	ExcludeModifiedBy string // skip records last written by this user; "" = none
}

// Cursor is a keyset position in the (ModifiedAt, ID) order.
type Cursor struct {
	ModifiedAt time.Time
	ID         string
}

// CursorOf returns the cursor positioned at r.
func CursorOf(r *Record) *Cursor {
	return &Cursor{ModifiedAt: r.ModifiedAt, ID: r.ID}
}

// Before reports whether c sorts before o in the (ModifiedAt, ID) order.
func (c Cursor) Before(o Cursor) bool {
	return Less(&Record{ModifiedAt: c.ModifiedAt, ID: c.ID}, &Record{ModifiedAt: o.ModifiedAt, ID: o.ID})
}

// Less reports whether a sorts before b in the (ModifiedAt, ID) order.
func Less(a, b *Record) bool {
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		return a.ModifiedAt.Before(b.ModifiedAt)
	}

	return a.ID < b.ID
}

// UpsertResult is a Port's answer for one record of an Upsert batch, in the
// same position as the submitted record. Err is nil on success.
type UpsertResult struct {
	ID      string // target-system ID (preserved on update, minted on insert)
	Created bool
	Err     error
}
