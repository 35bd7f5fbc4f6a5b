package crmhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentials configures the OAuth2 client-credentials grant used to
// authenticate the integration user against a CRM.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewTokenSource returns a TokenSource for the client-credentials grant.
// Tokens are cached and renewed by the oauth2 library when they expire.
// httpClient, when non-nil, is used for token requests.
//
// The returned TokenSource binds ctx to the underlying oauth2 token source;
// ctx must outlive it. Callers pass context.Background() for long-lived
// sessions.
func NewTokenSource(ctx context.Context, cc ClientCredentials, httpClient *http.Client, logger *slog.Logger) TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
		AuthStyle:    oauth2.AuthStyleAutoDetect,
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	logger.Info("using client-credentials auth",
		slog.String("token_url", cc.TokenURL),
		slog.String("client_id", cc.ClientID),
	)

	return &tokenBridge{src: cfg.TokenSource(ctx), logger: logger}
}

// tokenBridge adapts oauth2.TokenSource to crmhttp.TokenSource.
// Logs every token acquisition so refresh activity is visible.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("crmhttp: obtaining token: %w", err)
	}

	b.logger.Debug("token acquired",
		slog.Time("expiry", t.Expiry),
		slog.Bool("valid", t.Valid()),
	)

	return t.AccessToken, nil
}
