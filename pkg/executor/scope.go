package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"aaronromeo.com/tabellarium/pkg/base"
	"aaronromeo.com/tabellarium/pkg/utils"
	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DialFunc opens an unauthenticated connection for cfg.
type DialFunc func(cfg Config) (base.Client, error)

func defaultDial(cfg Config) (base.Client, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout()}
	if cfg.Secure {
		c, err := imapclient.DialWithDialerTLS(dialer, cfg.Address(), cfg.TLSConfig)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := imapclient.DialWithDialer(dialer, cfg.Address())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// session is one open folder. Handles created from it expire when it closes.
type session struct {
	client base.Client
	folder string
	open   bool
}

func (s *session) isOpen() bool {
	return s.open
}

func (s *session) fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqset, items, messages)
	}()

	var msgs []*imap.Message
	for msg := range messages {
		msgs = append(msgs, msg)
	}

	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "fetch")
	}
	return msgs, nil
}

// withFolder connects, opens cfg.Folder read-write, runs body and always
// closes the connection again. The folder is expunged on close unless body
// failed structurally.
func (e *Executor) withFolder(ctx context.Context, op string, cfg Config, body func(ctx context.Context, s *session) error) error {
	logger := e.logger.With(slog.String("op", op), slog.String("folder", cfg.Folder))

	c, err := e.dial(cfg)
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Failed to connect to %s", cfg.Address()), slog.Any("error", utils.WrapError(err)))
		return newTaskError(ErrConnection, op, err)
	}

	if err := e.login(ctx, logger, c, cfg); err != nil {
		e.logout(ctx, logger, c)
		return newTaskError(ErrConnection, op, err)
	}
	defer e.logout(ctx, logger, c)

	if err := e.ensureFolder(c, op, cfg.Folder); err != nil {
		logger.ErrorContext(ctx, err.Error(), slog.Any("error", utils.WrapError(err)))
		return err
	}

	if _, err := c.Select(cfg.Folder, false); err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Failed to select %s", cfg.Folder), slog.Any("error", utils.WrapError(err)))
		return newTaskError(ErrScan, op, errors.Wrapf(err, "select %s", cfg.Folder))
	}

	s := &session{client: c, folder: cfg.Folder, open: true}
	err = body(ctx, s)
	s.open = false

	e.closeFolder(ctx, logger, c, !structural(err))
	return err
}

func (e *Executor) login(ctx context.Context, logger *slog.Logger, c base.Client, cfg Config) error {
	switch c.State() {
	case imap.NotAuthenticatedState:
		if err := c.Login(cfg.Username, cfg.Password); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Failed to login: %v", err), slog.Any("error", utils.WrapError(err)))
			return errors.Wrapf(err, "login as %s", cfg.Username)
		}
		logger.DebugContext(ctx, "Login success")
	case imap.AuthenticatedState, imap.SelectedState:
		logger.DebugContext(ctx, "Already authenticated")
	default:
		return errors.Errorf("unexpected connection state %v", c.State())
	}
	return nil
}

func (e *Executor) logout(ctx context.Context, logger *slog.Logger, c base.Client) {
	if err := c.Logout(); err != nil {
		e.closeFailed(ctx, logger, "logout", err)
	}
}

func (e *Executor) ensureFolder(c base.Client, op, folder string) error {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", folder, mailboxes)
	}()

	found := false
	for m := range mailboxes {
		if m.Name == folder || (strings.EqualFold(folder, "INBOX") && strings.EqualFold(m.Name, "INBOX")) {
			found = true
		}
	}

	if err := <-done; err != nil {
		return newTaskError(ErrScan, op, errors.Wrapf(err, "list %s", folder))
	}
	if !found {
		return newTaskError(ErrConfiguration, op, errors.Errorf("folder %q does not exist", folder))
	}
	return nil
}

// closeFolder releases the selected folder. CLOSE expunges, UNSELECT does
// not. Servers without UNSELECT keep the folder selected until LOGOUT, which
// never expunges.
func (e *Executor) closeFolder(ctx context.Context, logger *slog.Logger, c base.Client, expunge bool) {
	if expunge {
		if err := c.Close(); err != nil {
			e.closeFailed(ctx, logger, "close", err)
		}
		return
	}

	if err := c.Unselect(); err != nil && !errors.Is(err, imapclient.ErrExtensionUnsupported) {
		e.closeFailed(ctx, logger, "unselect", err)
	}
}

func (e *Executor) closeFailed(ctx context.Context, logger *slog.Logger, step string, err error) {
	logger.WarnContext(ctx, fmt.Sprintf("Failed to %s", step), slog.Any("error", utils.WrapError(err)))
	e.instruments.closeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}
