package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaelmesh/whisperlink/internal/delivery"
)

// flakyTransport fails a configurable number of times before
// succeeding, recording every envelope it was handed so a test can
// assert the bytes were never regenerated between retries.
type flakyTransport struct {
	mu        sync.Mutex
	failTimes int
	calls     [][]byte
	done      chan struct{}
}

func newFlakyTransport(failTimes int) *flakyTransport {
	return &flakyTransport{failTimes: failTimes, done: make(chan struct{}, 1)}
}

func (f *flakyTransport) Send(ctx context.Context, peerID string, envelope []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]byte(nil), envelope...))
	if len(f.calls) <= f.failTimes {
		return context.DeadlineExceeded
	}
	select {
	case f.done <- struct{}{}:
	default:
	}
	return nil
}

func (f *flakyTransport) Receive(ctx context.Context) (string, []byte, error) {
	<-ctx.Done()
	return "", nil, ctx.Err()
}

func (f *flakyTransport) Close() error { return nil }

func TestQueueRetriesUntilTransportSucceedsWithUnchangedBytes(t *testing.T) {
	ft := newFlakyTransport(2)
	queue := delivery.NewQueue(ft)
	defer queue.Close()

	envelope := []byte("encrypted envelope bytes")
	queue.Enqueue("bob", envelope)

	select {
	case <-ft.done:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never succeeded")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.GreaterOrEqual(t, len(ft.calls), 3)
	for _, got := range ft.calls {
		require.Equal(t, envelope, got)
	}
}

func TestQueueSendsWhenSeveralPeersEnqueued(t *testing.T) {
	ft := newFlakyTransport(0)
	queue := delivery.NewQueue(ft)
	defer queue.Close()

	queue.Enqueue("alice", []byte("to alice"))
	queue.Enqueue("bob", []byte("to bob"))

	select {
	case <-ft.done:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never invoked")
	}
}
