package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"

	"github.com/tonimelisma/crmsync/internal/crm"
)

var errNoDummyAccount = errors.New("no dummy account configured for target system")

// AccountResolver decides the target-system account link of each contact
// according to a fixed policy. A resolver lives for one job: syncAccount
// lookups are memoized by case-folded name for its lifetime.
type AccountResolver struct {
	policy    crm.AccountPolicy
	endpoints *Endpoints
	logger    *slog.Logger

	mu     stdsync.Mutex
	memo   map[crm.Direction]map[string]string // direction → name key → target account ID
	warned map[crm.Direction]bool
}

// NewAccountResolver creates a resolver for one job.
func NewAccountResolver(policy crm.AccountPolicy, endpoints *Endpoints, logger *slog.Logger) *AccountResolver {
	return &AccountResolver{
		policy:    policy,
		endpoints: endpoints,
		logger:    logger,
		memo:      make(map[crm.Direction]map[string]string),
		warned:    make(map[crm.Direction]bool),
	}
}

// Policy returns the policy the resolver applies.
func (r *AccountResolver) Policy() crm.AccountPolicy {
	return r.policy
}

// Resolve returns the account reference c should carry in dir's target
// system, or nil for no link. Every failure is an *crm.AccountResolutionError.
func (r *AccountResolver) Resolve(ctx context.Context, c *crm.Contact, dir crm.Direction) (*crm.AccountRef, error) {
	target := r.endpoints.For(dir.Target())

	switch r.policy {
	case crm.PolicyAssignDummyAccount:
		if target.DummyAccountID == "" {
			return nil, &crm.AccountResolutionError{Err: errNoDummyAccount}
		}

		return &crm.AccountRef{ID: target.DummyAccountID}, nil

	case crm.PolicySyncAccount:
		return r.syncAccount(ctx, c, dir, target.Port)

	default:
		return nil, nil
	}
}

func (r *AccountResolver) syncAccount(ctx context.Context, c *crm.Contact, dir crm.Direction, port crm.Port) (*crm.AccountRef, error) {
	if c.Account == nil || crm.NameKey(c.Account.Name) == "" {
		return nil, nil
	}

	name := c.Account.Name
	key := crm.NameKey(name)

	r.mu.Lock()
	if dir == crm.BToA && !r.warned[dir] {
		r.warned[dir] = true
		r.logger.Warn("syncAccount from system B to system A has not been validated against the real systems",
			slog.String("direction", dir.String()),
		)
	}

	if id, ok := r.memo[dir][key]; ok {
		r.mu.Unlock()
		return &crm.AccountRef{ID: id}, nil
	}
	r.mu.Unlock()

	id, err := port.FindOrCreateAccount(ctx, name)
	if err != nil {
		return nil, &crm.AccountResolutionError{Name: name, Err: err}
	}

	r.mu.Lock()
	if r.memo[dir] == nil {
		r.memo[dir] = make(map[string]string)
	}
	r.memo[dir][key] = id
	r.mu.Unlock()

	r.logger.Debug("resolved account",
		slog.String("direction", dir.String()),
		slog.String("name", name),
		slog.String("account_id", id),
	)

	return &crm.AccountRef{ID: id}, nil
}
