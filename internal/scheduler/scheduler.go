// Package scheduler runs mailbox syncs concurrently: a global cap through a pool of
// worker handles, at most one sync per mailbox at a time, a recurring cycle over all
// mailboxes, and on-demand syncs of single mailboxes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/vdavid/mailsync/internal/imap"
)

const (
	// defaultInterval is the recurring cycle period.
	defaultInterval = 24 * time.Hour
	// defaultQueueSize bounds pending on-demand syncs.
	defaultQueueSize = 256
)

// MailboxSyncer syncs one mailbox on a session. Implemented by *imap.Service.
type MailboxSyncer interface {
	SyncMailbox(ctx context.Context, sess imap.ProtocolSession, mailboxID string) (*imap.SyncStats, error)
}

// MailboxLister lists the mailboxes of a recurring cycle. Implemented by *db.Store.
type MailboxLister interface {
	ListMailboxIDs(ctx context.Context) ([]string, error)
}

// Options configures a Scheduler.
type Options struct {
	// Interval between recurring cycles. Defaults to 24h.
	Interval time.Duration
	// SyncOnStart runs a cycle right away instead of after the first interval.
	SyncOnStart bool
	// QueueSize bounds pending on-demand syncs. Defaults to 256.
	QueueSize int
}

// CycleReport summarizes a RunCycle call.
type CycleReport struct {
	// Started is the number of mailboxes a sync was started for.
	Started int
	// Skipped mailboxes were already being synced, or the cycle was cancelled first.
	Skipped int
	// Failed syncs returned an error or panicked.
	Failed   int
	Duration time.Duration
}

// Scheduler runs mailbox syncs.
type Scheduler struct {
	syncer  MailboxSyncer
	lister  MailboxLister
	pool    *WorkerPool
	claims  *claims
	log     zerolog.Logger
	options Options

	triggers chan string

	mu       sync.Mutex
	cancel   context.CancelFunc
	loops    conc.WaitGroup
	onDemand conc.WaitGroup
}

// New creates a Scheduler. The pool size is the concurrency cap.
func New(syncer MailboxSyncer, lister MailboxLister, pool *WorkerPool, options Options, log zerolog.Logger) *Scheduler {
	if options.Interval <= 0 {
		options.Interval = defaultInterval
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}

	return &Scheduler{
		syncer:   syncer,
		lister:   lister,
		pool:     pool,
		claims:   newClaims(),
		log:      log.With().Str("component", "scheduler").Logger(),
		options:  options,
		triggers: make(chan string, options.QueueSize),
	}
}

// RunCycle syncs the given mailboxes, at most pool-size at a time, and waits for all of
// them. Mailboxes already being synced by another call are skipped, not queued.
// Cancelling ctx stops starting new syncs and aborts running ones.
func (s *Scheduler) RunCycle(ctx context.Context, mailboxIDs []string) CycleReport {
	start := time.Now()
	var report CycleReport
	var failed atomic.Int64
	var wg conc.WaitGroup

	for i, id := range mailboxIDs {
		if ctx.Err() != nil {
			report.Skipped += len(mailboxIDs) - i
			break
		}

		if !s.claims.tryClaim(id) {
			s.log.Debug().Str("mailbox_id", id).Msg("Mailbox is already syncing, skipping")
			report.Skipped++
			continue
		}

		worker, err := s.pool.Acquire(ctx)
		if err != nil {
			s.claims.release(id)
			report.Skipped += len(mailboxIDs) - i
			break
		}

		report.Started++
		wg.Go(func() {
			defer s.claims.release(id)
			defer s.pool.Release(worker)

			if err := s.syncOne(ctx, worker, id); err != nil {
				failed.Add(1)
			}
		})
	}

	if recovered := wg.WaitAndRecover(); recovered != nil {
		s.log.Error().Str("panic", fmt.Sprint(recovered.Value)).Str("stack", string(recovered.Stack)).Msg("Mailbox sync panicked")
		failed.Add(1)
	}

	report.Failed = int(failed.Load())
	report.Duration = time.Since(start)
	return report
}

func (s *Scheduler) syncOne(ctx context.Context, worker *Worker, mailboxID string) error {
	log := s.log.With().Str("mailbox_id", mailboxID).Int("worker", worker.ID).Logger()
	log.Debug().Msg("Syncing mailbox")

	stats, err := s.syncer.SyncMailbox(ctx, worker.Session, mailboxID)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Msg("Mailbox sync cancelled")
		} else {
			log.Error().Err(err).Msg("Mailbox sync failed")
		}
		return err
	}

	if stats != nil {
		log.Debug().Int("mails", stats.Mails).Int("folders", stats.Folders).Msg("Mailbox sync finished")
	}
	return nil
}

// EnqueueSync asks for an on-demand sync of one mailbox. It never blocks; when the
// queue is full the request is dropped.
func (s *Scheduler) EnqueueSync(mailboxID string) {
	select {
	case s.triggers <- mailboxID:
	default:
		s.log.Warn().Str("mailbox_id", mailboxID).Msg("Sync queue is full, dropping request")
	}
}

// Start runs the recurring cycle and the on-demand queue in the background until ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.loops.Go(func() {
		s.runRecurring(ctx)
	})
	s.loops.Go(func() {
		s.consumeTriggers(ctx)
	})

	s.log.Info().
		Dur("interval", s.options.Interval).
		Int("workers", s.pool.Size()).
		Bool("sync_on_start", s.options.SyncOnStart).
		Msg("Scheduler started")
}

// Stop cancels running syncs and waits for them to unwind, at most timeout.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.onDemand.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.pool.Close()
		s.log.Info().Msg("Scheduler stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for %d syncs", timeout, s.claims.active())
	}
}

func (s *Scheduler) runRecurring(ctx context.Context) {
	if s.options.SyncOnStart {
		s.runAll(ctx)
	}

	ticker := time.NewTicker(s.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

// runAll runs one cycle over every known mailbox.
func (s *Scheduler) runAll(ctx context.Context) {
	ids, err := s.lister.ListMailboxIDs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list mailboxes")
		return
	}

	report := s.RunCycle(ctx, ids)
	s.log.Info().
		Int("mailboxes", len(ids)).
		Int("started", report.Started).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Sync cycle finished")
}

func (s *Scheduler) consumeTriggers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.triggers:
			// Each request runs on its own so a long cycle doesn't hold up the queue.
			s.onDemand.Go(func() {
				report := s.RunCycle(ctx, []string{id})
				if report.Skipped > 0 {
					s.log.Debug().Str("mailbox_id", id).Msg("On-demand sync skipped")
				}
			})
		}
	}
}
