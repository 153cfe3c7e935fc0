// Package delivery implements the outbound envelope queue: once the
// session manager has produced encrypted envelope bytes, this package
// is responsible for getting them to the transport, retrying with
// backoff on failure, without ever touching ratchet state again. A
// retry resends the exact bytes produced the first time encryption
// succeeded.
package delivery

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/kaelmesh/whisperlink/internal/transport"
)

// Ticket tracks one envelope's delivery attempts.
type Ticket struct {
	PeerID   string
	Envelope []byte
	Attempts int
	NextTry  time.Time
}

const (
	maxAttempts  = 8
	baseBackoff  = 250 * time.Millisecond
	maxBackoff   = 30 * time.Second
)

// Queue fans envelopes out to per-destination goroutines, each
// retrying its own backlog independently so a stalled peer never
// blocks delivery to others.
type Queue struct {
	transport transport.StreamTransport
	logger    *log.Logger

	mu   sync.Mutex
	subs map[string]chan *Ticket
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue builds a delivery queue that sends through the given
// transport. Call Close to stop all per-destination workers.
func NewQueue(t transport.StreamTransport) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		transport: t,
		logger:    log.New(log.Writer(), "[DELIVERY] ", log.Ldate|log.Ltime|log.LUTC),
		subs:      make(map[string]chan *Ticket),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue submits an already-encrypted envelope for delivery to
// peerID. The envelope bytes are fixed by the caller; Enqueue and its
// retries never re-invoke encryption.
func (q *Queue) Enqueue(peerID string, envelope []byte) {
	ticket := &Ticket{PeerID: peerID, Envelope: envelope, NextTry: time.Now()}

	q.mu.Lock()
	ch, ok := q.subs[peerID]
	if !ok {
		ch = make(chan *Ticket, 256)
		q.subs[peerID] = ch
		q.wg.Add(1)
		go q.worker(peerID, ch)
	}
	q.mu.Unlock()

	ch <- ticket
}

func (q *Queue) worker(peerID string, ch chan *Ticket) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case ticket := <-ch:
			q.deliver(ticket, ch)
		}
	}
}

func (q *Queue) deliver(ticket *Ticket, ch chan *Ticket) {
	if wait := time.Until(ticket.NextTry); wait > 0 {
		select {
		case <-time.After(wait):
		case <-q.ctx.Done():
			return
		}
	}

	err := q.transport.Send(q.ctx, ticket.PeerID, ticket.Envelope)
	if err == nil {
		return
	}

	ticket.Attempts++
	if ticket.Attempts >= maxAttempts {
		q.logger.Printf("giving up on envelope to %s after %d attempts: %v", ticket.PeerID, ticket.Attempts, err)
		return
	}

	backoff := baseBackoff << uint(ticket.Attempts)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	ticket.NextTry = time.Now().Add(backoff + jitter)

	q.logger.Printf("retrying envelope to %s (attempt %d): %v", ticket.PeerID, ticket.Attempts, err)

	select {
	case ch <- ticket:
	case <-q.ctx.Done():
	}
}

// Close stops every per-destination worker and waits for them to
// finish their current attempt.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
