package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	// idleListenerSleep is the backoff duration after an error before retrying IDLE.
	idleListenerSleep = 10 * time.Second
	// idlePollInterval is used when the server doesn't support IDLE.
	idlePollInterval = 5 * time.Second

	idleFolder = "INBOX"
)

var errNeedsReauth = errors.New("mailbox needs re-authentication")

// Enqueuer schedules an on-demand sync. Implemented by *scheduler.Scheduler.
type Enqueuer interface {
	EnqueueSync(mailboxID string)
}

// MailboxGetter loads mailboxes. Implemented by *db.Store.
type MailboxGetter interface {
	GetMailbox(ctx context.Context, mailboxID string) (*models.Mailbox, error)
}

// IdleWatcher keeps one listener connection per mailbox IDLEing on the INBOX
// and enqueues a sync whenever new messages arrive.
type IdleWatcher struct {
	mailboxes MailboxGetter
	resolver  AuthResolver
	enqueuer  Enqueuer
	log       zerolog.Logger

	// Backoff is the pause between listener connections.
	Backoff time.Duration
}

// NewIdleWatcher creates a new IdleWatcher.
func NewIdleWatcher(mailboxes MailboxGetter, resolver AuthResolver, enqueuer Enqueuer, log zerolog.Logger) *IdleWatcher {
	return &IdleWatcher{
		mailboxes: mailboxes,
		resolver:  resolver,
		enqueuer:  enqueuer,
		log:       log.With().Str("component", "imap_idle").Logger(),
		Backoff:   idleListenerSleep,
	}
}

// Run watches every mailbox until ctx is cancelled.
func (w *IdleWatcher) Run(ctx context.Context, mailboxIDs []string) {
	var wg conc.WaitGroup
	for _, id := range mailboxIDs {
		wg.Go(func() {
			w.Watch(ctx, id)
		})
	}
	wg.Wait()
}

// Watch runs the IDLE loop for one mailbox. It blocks until ctx is cancelled or the
// mailbox needs re-authentication.
func (w *IdleWatcher) Watch(ctx context.Context, mailboxID string) {
	log := w.log.With().Str("mailbox_id", mailboxID).Logger()

	for {
		err := w.listen(ctx, mailboxID, log)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errNeedsReauth) || errors.Is(err, ErrAuthenticationFailed) {
			log.Info().Err(err).Msg("Stopped watching mailbox")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("IDLE loop ended")
		}

		// Small backoff before trying again.
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.Backoff):
		}
	}
}

// listen opens a listener connection and IDLEs until the connection drops or ctx ends.
func (w *IdleWatcher) listen(ctx context.Context, mailboxID string, log zerolog.Logger) error {
	mailbox, err := w.mailboxes.GetMailbox(ctx, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to get mailbox: %w", err)
	}
	if mailbox.NeedsReauth {
		return errNeedsReauth
	}

	auth, err := w.resolver.Authenticator(ctx, mailbox)
	if err != nil {
		return err
	}

	sess := NewSession(log)
	defer func() {
		_ = sess.Close()
	}()

	if err := sess.Connect(ctx, EndpointFor(mailbox)); err != nil {
		return err
	}
	if err := sess.Authenticate(ctx, auth); err != nil {
		return err
	}

	c := sess.client()
	if _, err := c.Select(idleFolder, true); err != nil {
		return fmt.Errorf("failed to select %s: %w", idleFolder, err)
	}

	// IDLE waits on the server for minutes at a time.
	c.Timeout = 0
	sess.settle()

	// Create a channel to receive mailbox updates.
	updates := make(chan imapclient.Update, 10)
	c.Updates = updates

	idleClient := idle.NewClient(c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollInterval)
	}()

	log.Debug().Msg("Listening for new mail")

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case err := <-done:
			return err
		case update := <-updates:
			w.handleUpdate(mailbox.ID, update, log)
		}
	}
}

// handleUpdate enqueues a sync when the INBOX reports messages.
func (w *IdleWatcher) handleUpdate(mailboxID string, update imapclient.Update, log zerolog.Logger) {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return
	}

	status := mboxUpdate.Mailbox
	if status.Name != idleFolder || status.Messages == 0 {
		return
	}

	log.Debug().Uint32("messages", status.Messages).Msg("New mail, enqueuing sync")
	w.enqueuer.EnqueueSync(mailboxID)
}
