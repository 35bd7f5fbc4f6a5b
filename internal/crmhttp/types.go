package crmhttp

import (
	"time"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// wireRecord is a contact as the REST API serializes it.
type wireRecord struct {
	ID         string            `json:"id,omitempty"`
	ModifiedAt time.Time         `json:"modified_at"`
	ModifiedBy string            `json:"modified_by,omitempty"`
	Fields     map[string]string `json:"fields"`
}

type queryResponse struct {
	Records []wireRecord `json:"records"`
}

// wireUpsertRecord omits the server-owned modification stamps.
type wireUpsertRecord struct {
	ID     string            `json:"id,omitempty"`
	Fields map[string]string `json:"fields"`
}

type upsertRequest struct {
	Records []wireUpsertRecord `json:"records"`
}

type wireError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type wireUpsertResult struct {
	ID      string     `json:"id"`
	Created bool       `json:"created"`
	Error   *wireError `json:"error,omitempty"`
}

type upsertResponse struct {
	Results []wireUpsertResult `json:"results"`
}

type accountRequest struct {
	Name string `json:"name"`
}

type accountResponse struct {
	ID string `json:"id"`
}

// toRecord converts a wire record into the domain Record.
func (w *wireRecord) toRecord() crm.Record {
	fields := w.Fields
	if fields == nil {
		fields = make(map[string]string)
	}

	return crm.Record{
		ID:         w.ID,
		ModifiedAt: w.ModifiedAt.UTC(),
		ModifiedBy: w.ModifiedBy,
		Fields:     fields,
	}
}
