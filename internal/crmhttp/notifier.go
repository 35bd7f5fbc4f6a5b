package crmhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// changeObjectContact is the object type whose change messages trigger a
// poll. Messages about other objects are ignored.
const changeObjectContact = "contact"

type changeMessage struct {
	Object string `json:"object"`
}

// Notifier listens to a CRM's websocket change feed. It implements
// sync.ChangeNotifier.
type Notifier struct {
	url       string
	token     TokenSource
	userAgent string
	logger    *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewNotifier creates a Notifier for the feed at url (ws:// or wss://).
func NewNotifier(url string, token TokenSource, userAgent string, logger *slog.Logger) *Notifier {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Notifier{
		url:       url,
		token:     token,
		userAgent: userAgent,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// Watch calls notify once per contact change message until ctx is done.
// A dropped or failed connection is redialed with exponential backoff, and
// every successful connection notifies once, since the feed does not replay
// changes made while disconnected. Returns ctx.Err() on cancellation.
func (n *Notifier) Watch(ctx context.Context, notify func()) error {
	attempt := 0

	for {
		connected, err := n.session(ctx, notify)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			attempt = 0
		}

		backoff := reconnectBackoff(attempt)
		n.logger.Warn("change feed disconnected",
			slog.String("url", n.url),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := n.sleepFunc(ctx, backoff); sleepErr != nil {
			return sleepErr
		}

		attempt++
	}
}

// session runs one connection. connected reports whether the dial
// succeeded; the returned error is never nil.
func (n *Notifier) session(ctx context.Context, notify func()) (connected bool, err error) {
	hdr := http.Header{}
	hdr.Set("User-Agent", n.userAgent)

	if n.token != nil {
		tok, tokErr := n.token.Token()
		if tokErr != nil {
			return false, tokErr
		}

		hdr.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := websocket.Dial(ctx, n.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return false, fmt.Errorf("crmhttp: dialing change feed: %w", err)
	}
	defer conn.CloseNow()

	n.logger.Info("change feed connected", slog.String("url", n.url))
	notify()

	for {
		var msg changeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return true, fmt.Errorf("crmhttp: reading change feed: %w", err)
		}

		if msg.Object != changeObjectContact {
			n.logger.Debug("ignoring change message", slog.String("object", msg.Object))
			continue
		}

		notify()
	}
}

// reconnectBackoff doubles from baseBackoff up to maxBackoff.
func reconnectBackoff(attempt int) time.Duration {
	d := baseBackoff
	for range attempt {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}

	return d
}
