package crm

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Field is a canonical contact field.
type Field int

// Canonical contact fields known to both schemas.
const (
	FieldEmail Field = iota
	FieldFirstName
	FieldLastName
	FieldMailingCountry
	FieldAccountID
	FieldAccountName
)

// Fields lists every canonical field in table order.
var Fields = []Field{
	FieldEmail, FieldFirstName, FieldLastName,
	FieldMailingCountry, FieldAccountID, FieldAccountName,
}

func (f Field) String() string {
	switch f {
	case FieldEmail:
		return "email"
	case FieldFirstName:
		return "first_name"
	case FieldLastName:
		return "last_name"
	case FieldMailingCountry:
		return "mailing_country"
	case FieldAccountID:
		return "account_id"
	case FieldAccountName:
		return "account_name"
	default:
		return "unknown"
	}
}

// maxFieldLength bounds any single field value. Both CRMs reject longer
// text fields; checking here turns the rejection into a ValidationError
// before the network round trip.
const maxFieldLength = 255

// Schema names the canonical fields in one system.
type Schema struct {
	System System
	names  map[Field]string
	fields map[string]Field // reverse of names
}

func newSchema(sys System, names map[Field]string) *Schema {
	rev := make(map[string]Field, len(names))
	for f, n := range names {
		rev[n] = f
	}

	return &Schema{System: sys, names: names, fields: rev}
}

var (
	schemaA = newSchema(SystemA, map[Field]string{
		FieldEmail:          "Email",
		FieldFirstName:      "FirstName",
		FieldLastName:       "LastName",
		FieldMailingCountry: "MailingCountry",
		FieldAccountID:      "AccountId",
		FieldAccountName:    "Account.Name",
	})

	schemaB = newSchema(SystemB, map[Field]string{
		FieldEmail:          "Email Address",
		FieldFirstName:      "First Name",
		FieldLastName:       "Last Name",
		FieldMailingCountry: "Country",
		FieldAccountID:      "Account Id",
		FieldAccountName:    "Account",
	})
)

// SchemaFor returns the fixed schema of a system.
func SchemaFor(sys System) *Schema {
	if sys == SystemB {
		return schemaB
	}

	return schemaA
}

// Name returns the system-native name of a canonical field.
func (s *Schema) Name(f Field) string {
	return s.names[f]
}

// Lookup returns the canonical field for a system-native name.
func (s *Schema) Lookup(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Key returns the join key of a native record (its case-folded email).
func (s *Schema) Key(r *Record) string {
	return EmailKey(r.Field(s.names[FieldEmail]))
}

// Validate checks the constraints every adapter enforces before a write:
// an email and a last name are mandatory and values fit the field limit.
func (s *Schema) Validate(r *Record) error {
	email := s.names[FieldEmail]
	if strings.TrimSpace(r.Field(email)) == "" {
		return &ValidationError{Field: email, Reason: "required"}
	}

	if !strings.Contains(r.Field(email), "@") {
		return &ValidationError{Field: email, Reason: "not an email address"}
	}

	last := s.names[FieldLastName]
	if strings.TrimSpace(r.Field(last)) == "" {
		return &ValidationError{Field: last, Reason: "required"}
	}

	for name, v := range r.Fields {
		if utf8.RuneCountInString(v) > maxFieldLength {
			return &ValidationError{Field: name, Reason: "value too long"}
		}
	}

	return nil
}

// Matches reports whether a native record passes the filter.
func (s *Schema) Matches(f *Filter, r *Record) bool {
	if r.ModifiedAt.Before(f.Since) {
		return false
	}

	if f.After != nil && !Less(&Record{ModifiedAt: f.After.ModifiedAt, ID: f.After.ID}, r) {
		return false
	}

	if f.Email != "" && s.Key(r) != EmailKey(f.Email) {
		return false
	}

	if f.ExcludeModifiedBy != "" && r.ModifiedBy == f.ExcludeModifiedBy {
		return false
	}

	return true
}

// EmailKey normalizes an email into the cross-system join key: trimmed and
// Unicode case-folded, so "Steve@Example.com" and "steve@example.com" join.
// A Caser is stateful, so each call builds its own.
func EmailKey(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// NameKey normalizes an account name for find-or-create matching.
func NameKey(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}
