package sync

import (
	"github.com/tonimelisma/crmsync/internal/crm"
)

// Decode converts a native record of sys into a canonical contact. Fields
// the schema does not know are kept in Extra.
func Decode(sys crm.System, r *crm.Record) crm.Contact {
	s := crm.SchemaFor(sys)

	c := crm.Contact{
		ID:         r.ID,
		ModifiedAt: r.ModifiedAt,
		ModifiedBy: r.ModifiedBy,
	}

	var acct crm.AccountRef

	for name, v := range r.Fields {
		f, ok := s.Lookup(name)
		if !ok {
			if c.Extra == nil {
				c.Extra = make(map[string]string)
			}

			c.Extra[name] = v

			continue
		}

		switch f {
		case crm.FieldEmail:
			c.Email = v
		case crm.FieldFirstName:
			c.FirstName = v
		case crm.FieldLastName:
			c.LastName = v
		case crm.FieldMailingCountry:
			c.MailingCountry = v
		case crm.FieldAccountID:
			acct.ID = v
		case crm.FieldAccountName:
			acct.Name = v
		}
	}

	if acct.ID != "" || acct.Name != "" {
		c.Account = &acct
	}

	return c
}

// Encode converts a canonical contact into a native record of sys. Empty
// fields are omitted so an upsert never blanks a target value, and Extra is
// dropped. The record carries no ID: the target keys upserts by email.
func Encode(sys crm.System, c *crm.Contact) crm.Record {
	s := crm.SchemaFor(sys)
	fields := make(map[string]string, len(crm.Fields))

	put := func(f crm.Field, v string) {
		if v != "" {
			fields[s.Name(f)] = v
		}
	}

	put(crm.FieldEmail, c.Email)
	put(crm.FieldFirstName, c.FirstName)
	put(crm.FieldLastName, c.LastName)
	put(crm.FieldMailingCountry, c.MailingCountry)

	if c.Account != nil {
		put(crm.FieldAccountID, c.Account.ID)
		put(crm.FieldAccountName, c.Account.Name)
	}

	return crm.Record{Fields: fields}
}

// ToTarget encodes c into the target system of dir.
func ToTarget(c *crm.Contact, dir crm.Direction) crm.Record {
	return Encode(dir.Target(), c)
}

// Translate maps a source-native record of dir straight into a
// target-native record, carrying the account fields through as-is.
func Translate(r *crm.Record, dir crm.Direction) crm.Record {
	c := Decode(dir.Source(), r)
	out := ToTarget(&c, dir)
	out.ModifiedAt = r.ModifiedAt

	return out
}
