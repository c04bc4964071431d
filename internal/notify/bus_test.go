package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e := <-s.C():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_TopicFiltering(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	approvals := b.Subscribe(TopicApprovalPending)
	all := b.Subscribe()

	b.Publish(Event{Topic: TopicResearchComplete, Message: "done"})
	b.Publish(Event{Topic: TopicApprovalPending, Message: "needs review"})

	got := recv(t, approvals)
	assert.Equal(t, TopicApprovalPending, got.Topic)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())

	assert.Equal(t, TopicResearchComplete, recv(t, all).Topic)
	assert.Equal(t, TopicApprovalPending, recv(t, all).Topic)
	assert.Empty(t, approvals.C())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus(1)
	defer b.Close()
	s := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Topic: TopicRiskChange})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, s.C(), 1)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := NewBus(0)
	s := b.Subscribe()
	s.Close()
	s.Close()

	b.Close()
	b.Close()
	b.Publish(Event{Topic: TopicRiskChange})

	late := b.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_Attach(t *testing.T) {
	b := NewBus(8)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	wait := b.Attach(ctx, sink, TopicResearchError)

	b.Publish(Event{Topic: TopicResearchError, Message: "step failed"})
	b.Publish(Event{Topic: TopicApprovalResolved})

	assert.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	wait()
	b.Close()

	assert.Equal(t, "step failed", sink.events[0].Message)
}

func TestWebhookSink_Deliver(t *testing.T) {
	var received atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Deliver(context.Background(), Event{ID: "e1", Topic: TopicApprovalPending, Severity: "info"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, TopicApprovalPending, got.Topic)
}

func TestWebhookSink_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Deliver(context.Background(), Event{Topic: TopicRiskChange})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestWebhookSink_NoURL(t *testing.T) {
	assert.NoError(t, NewWebhookSink("").Deliver(context.Background(), Event{}))
}
