package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEventStore struct {
	appended []string
	err      error
}

func (f *fakeEventStore) Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, jobID+":"+eventType)
	return nil
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	var seen []string
	b.Subscribe(EventAnalysisCompleted, func(e Event) error {
		seen = append(seen, e.Name())
		return nil
	})

	require.NoError(t, b.Publish(JobEvent{EventName: EventAnalysisCompleted, JobID: "j1", Repo: "acme/foo"}))
	require.Equal(t, []string{EventAnalysisCompleted}, seen)
}

func TestPublishSkipsUnrelatedSubscribers(t *testing.T) {
	b := NewBus()
	called := false
	b.Subscribe(EventAnalysisAborted, func(Event) error {
		called = true
		return nil
	})

	require.NoError(t, b.Publish(SimpleEvent{E: EventAnalysisCompleted}))
	require.False(t, called)
}

func TestPublishRoutesHandlerFailureToDLQ(t *testing.T) {
	dlq := NewDeadLetterQueue()
	b := NewBus().WithDeadLetterQueue(dlq)
	b.Subscribe(EventFindingRecorded, func(Event) error {
		return errors.New("sink unavailable")
	})

	err := b.Publish(JobEvent{EventName: EventFindingRecorded, JobID: "j2"})
	require.Error(t, err)
	require.Equal(t, 1, dlq.Count())

	failed := dlq.GetAll()
	require.Len(t, failed, 1)
	require.Equal(t, EventFindingRecorded, failed[0].Event.Name())

	dlq.Clear()
	require.Equal(t, 0, dlq.Count())
}

func TestPublishPersistsToEventStore(t *testing.T) {
	store := &fakeEventStore{}
	b := NewBusWithEventStore(store)

	require.NoError(t, b.Publish(JobEvent{EventName: EventAnalysisRequeued, JobID: "j3"}))
	require.Equal(t, []string{"j3:" + EventAnalysisRequeued}, store.appended)
}

func TestPublishEventStoreFailureGoesToDLQNotCaller(t *testing.T) {
	store := &fakeEventStore{err: errors.New("db closed")}
	dlq := NewDeadLetterQueue()
	b := NewBusWithEventStore(store).WithDeadLetterQueue(dlq)

	require.NoError(t, b.Publish(JobEvent{EventName: EventAnalysisAborted, JobID: "j4"}))
	require.Equal(t, 1, dlq.Count())
}
