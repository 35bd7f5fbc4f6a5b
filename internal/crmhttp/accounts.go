package crmhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrEmptyAccountID is returned when the API answers find-or-create
// without an account ID.
var ErrEmptyAccountID = errors.New("crmhttp: find-or-create returned no account id")

// FindOrCreateAccount returns the ID of the account named name, creating it
// if none exists. The endpoint is idempotent, so retries never duplicate.
func (c *Client) FindOrCreateAccount(ctx context.Context, name string) (string, error) {
	var resp accountResponse
	if err := c.doJSON(ctx, http.MethodPost, "/accounts/find-or-create", accountRequest{Name: name}, &resp, maxRetries); err != nil {
		return "", fmt.Errorf("crmhttp: find-or-create account %q: %w", name, err)
	}

	if resp.ID == "" {
		return "", ErrEmptyAccountID
	}

	return resp.ID, nil
}
