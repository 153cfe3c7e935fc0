package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type alwaysFailTransport struct {
	calls int
}

func (a *alwaysFailTransport) Send(ctx context.Context, peerID string, envelope []byte) error {
	a.calls++
	return errors.New("boom")
}

func (a *alwaysFailTransport) Receive(ctx context.Context) (string, []byte, error) {
	return "", nil, errors.New("not implemented")
}

func (a *alwaysFailTransport) Close() error { return nil }

// TestDeliverGivesUpAfterMaxAttempts drives deliver directly (bypassing
// the worker goroutine's real backoff sleep) so the give-up bound can
// be asserted without waiting out the exponential backoff schedule.
func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	transport := &alwaysFailTransport{}
	q := NewQueue(transport)
	defer q.Close()

	ticket := &Ticket{PeerID: "bob", Envelope: []byte("hi"), NextTry: time.Now()}
	ch := make(chan *Ticket, maxAttempts+1)

	for i := 0; i < maxAttempts; i++ {
		ticket.NextTry = time.Now()
		q.deliver(ticket, ch)
	}

	require.Equal(t, maxAttempts, ticket.Attempts)
	require.Equal(t, maxAttempts, transport.calls)
}
