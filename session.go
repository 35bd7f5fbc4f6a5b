package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/tonimelisma/crmsync/internal/config"
	"github.com/tonimelisma/crmsync/internal/crm"
	"github.com/tonimelisma/crmsync/internal/crmfile"
	"github.com/tonimelisma/crmsync/internal/crmhttp"
	"github.com/tonimelisma/crmsync/internal/sync"
)

// defaultIntegrationUser is the writer identity for backends whose config
// leaves integration_user empty. It must be stable across runs: it is the
// identity excluded when polling.
const defaultIntegrationUser = "crmsync"

// dummyAccountName names the placeholder account seeded into file and
// memory backends under assignDummyAccount.
const dummyAccountName = "Unassigned (crmsync)"

// Session holds the connected endpoints of both CRMs and their optional
// change notifiers, built once from the resolved config.
type Session struct {
	Endpoints *sync.Endpoints
	Notifiers map[crm.System]sync.ChangeNotifier
}

// NewSession connects both systems according to their configured backend.
func NewSession(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*Session, error) {
	s := &Session{
		Endpoints: &sync.Endpoints{},
		Notifiers: make(map[crm.System]sync.ChangeNotifier),
	}

	for _, sys := range []crm.System{crm.SystemA, crm.SystemB} {
		if err := s.connect(ctx, cfg, sys, logger); err != nil {
			return nil, fmt.Errorf("connecting system %s: %w", sys, err)
		}
	}

	return s, nil
}

func (s *Session) connect(ctx context.Context, cfg *config.Resolved, sys crm.System, logger *slog.Logger) error {
	sc := cfg.System(sys)
	ep := s.Endpoints.For(sys)

	ep.IntegrationUser = sc.IntegrationUser
	if ep.IntegrationUser == "" {
		ep.IntegrationUser = defaultIntegrationUser
	}

	ep.DummyAccountID = cfg.DummyAccountID(sys)

	sysLogger := logger.With(slog.String("system", sys.String()), slog.String("backend", sc.Backend))

	switch sc.Backend {
	case config.BackendHTTP:
		return s.connectHTTP(ctx, cfg, sys, sc, sysLogger)
	case config.BackendFile:
		return s.connectFile(cfg, sys, sc, sysLogger)
	case config.BackendMemory:
		mem := crm.NewMemory(sys, crm.MemoryOptions{Writer: ep.IntegrationUser})
		if ep.DummyAccountID != "" {
			mem.PutAccount(crm.Account{ID: ep.DummyAccountID, Name: dummyAccountName})
		}

		ep.Port = mem
		sysLogger.Debug("using in-process CRM")

		return nil
	default:
		return fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

func (s *Session) connectHTTP(
	ctx context.Context, cfg *config.Resolved, sys crm.System, sc *config.SystemConfig, logger *slog.Logger,
) error {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	var ts crmhttp.TokenSource

	if sc.TokenURL != "" {
		secret := os.Getenv(sc.ClientSecretEnv)
		if secret == "" {
			return fmt.Errorf("client secret variable %s is not set", sc.ClientSecretEnv)
		}

		ts = crmhttp.NewTokenSource(ctx, crmhttp.ClientCredentials{
			TokenURL:     sc.TokenURL,
			ClientID:     sc.ClientID,
			ClientSecret: secret,
		}, httpClient, logger)
	}

	s.Endpoints.For(sys).Port = crmhttp.NewClient(sc.BaseURL, httpClient, ts, cfg.UserAgent, logger)

	if sc.NotifyURL != "" {
		s.Notifiers[sys] = crmhttp.NewNotifier(sc.NotifyURL, ts, cfg.UserAgent, logger)
	}

	logger.Debug("using HTTP CRM",
		slog.String("base_url", sc.BaseURL),
		slog.Bool("oauth2", ts != nil),
		slog.Bool("notify", sc.NotifyURL != ""),
	)

	return nil
}

func (s *Session) connectFile(cfg *config.Resolved, sys crm.System, sc *config.SystemConfig, logger *slog.Logger) error {
	ep := s.Endpoints.For(sys)

	store, err := crmfile.Open(sc.Dir, sys, ep.IntegrationUser, logger)
	if err != nil {
		return err
	}

	if ep.DummyAccountID != "" && cfg.Policy == crm.PolicyAssignDummyAccount {
		if err := store.EnsureAccount(crm.Account{ID: ep.DummyAccountID, Name: dummyAccountName}); err != nil {
			return fmt.Errorf("seeding dummy account: %w", err)
		}
	}

	ep.Port = store
	s.Notifiers[sys] = crmfile.NewNotifier(sc.Dir, logger)

	return nil
}
