package scheduler

import (
	"context"
	"time"

	"github.com/vdavid/mailsync/internal/imap"
)

// Worker is a reusable sync handle. It owns one protocol session, which is only ever
// used by the goroutine holding the worker.
type Worker struct {
	ID      int
	Session imap.ProtocolSession

	lastUsed time.Time
}

// LastUsed returns when the worker was last released.
func (w *Worker) LastUsed() time.Time {
	return w.lastUsed
}

// WorkerPool is a fixed set of workers handed out one owner at a time.
// Its size is the global cap on concurrent mailbox syncs.
//
// Thread safety: Acquire blocks until a worker is free, and Release hands it back.
// A worker is never held by two goroutines at once.
type WorkerPool struct {
	workers chan *Worker
	size    int
}

// NewWorkerPool creates size workers, each with a session from newSession.
func NewWorkerPool(size int, newSession func(id int) imap.ProtocolSession) *WorkerPool {
	if size < 1 {
		size = 1
	}

	p := &WorkerPool{
		workers: make(chan *Worker, size),
		size:    size,
	}
	for i := 0; i < size; i++ {
		p.workers <- &Worker{ID: i, Session: newSession(i)}
	}
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Available returns the number of idle workers.
func (p *WorkerPool) Available() int {
	return len(p.workers)
}

// Acquire takes an idle worker, blocking until one is released or ctx is done.
func (p *WorkerPool) Acquire(ctx context.Context) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case w := <-p.workers:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a worker to the pool. It must be called exactly once per Acquire.
func (p *WorkerPool) Release(w *Worker) {
	w.lastUsed = time.Now()
	p.workers <- w
}

// Close closes the sessions of all idle workers. Workers still held are closed by
// their sync when it finishes. Sessions reconnect on their next use.
func (p *WorkerPool) Close() {
	idle := make([]*Worker, 0, p.size)
	for {
		select {
		case w := <-p.workers:
			_ = w.Session.Close()
			idle = append(idle, w)
		default:
			for _, w := range idle {
				p.workers <- w
			}
			return
		}
	}
}
