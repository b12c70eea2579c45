package broadcast

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"faz/internal/domain"
	"faz/internal/events"
)

func evt(id int64, evtType string) domain.Event {
	return domain.Event{
		ID:        id,
		Type:      evtType,
		ProjectID: "p1",
		TS:        "2026-01-02T03:00:00Z",
	}
}

// drain reads until the queue is empty.
func drain(t *testing.T, s *Subscriber, n int) []domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]domain.Event, 0, n)
	for len(out) < n {
		e, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v (got %d of %d)", err, len(out), n)
		}
		out = append(out, e)
	}
	return out
}

func noReplay(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
	return nil, nil
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(noReplay)
	sub, err := b.Subscribe(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	for i := int64(1); i <= 5; i++ {
		b.Publish(evt(i, events.TypeRunStarted))
	}
	got := drain(t, sub, 5)
	for i, e := range got {
		if e.ID != int64(i+1) {
			t.Fatalf("event %d: got id %d", i, e.ID)
		}
	}
}

func TestPublishIgnoresOtherProjects(t *testing.T) {
	b := New(noReplay)
	sub, err := b.Subscribe(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	other := evt(1, events.TypeRunStarted)
	other.ProjectID = "p2"
	b.Publish(other)
	b.Publish(evt(2, events.TypeRunCompleted))

	got := drain(t, sub, 1)
	if got[0].ID != 2 {
		t.Fatalf("got id %d, want 2", got[0].ID)
	}
}

func TestOverflowDropsDroppableFirst(t *testing.T) {
	b := New(noReplay)
	b.queueSize = 4
	sub, err := b.Subscribe(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	b.Publish(evt(1, events.TypeRunStarted))
	b.Publish(evt(2, events.TypeFileWritten))
	b.Publish(evt(3, events.TypeTokenUsage))
	b.Publish(evt(4, events.TypeRunCompleted))
	// Queue is full; the oldest droppable events yield their slots.
	b.Publish(evt(5, events.TypeGateOpened))
	b.Publish(evt(6, events.TypeGateResolved))

	got := drain(t, sub, 4)
	ids := make([]int64, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	want := []int64{1, 4, 5, 6}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestOverflowOfCriticalEventsClosesSubscriber(t *testing.T) {
	b := New(noReplay)
	b.queueSize = 2
	sub, err := b.Subscribe(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	b.Publish(evt(1, events.TypeRunStarted))
	b.Publish(evt(2, events.TypeGateOpened))
	b.Publish(evt(3, events.TypeGateResolved)) // nothing droppable

	got := drain(t, sub, 2)
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("got ids %d,%d", got[0].ID, got[1].ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestResumeReplaysWithoutGapsOrDuplicates(t *testing.T) {
	stored := []domain.Event{
		evt(1, events.TypeRunStarted),
		evt(2, events.TypeRunCompleted),
		evt(3, events.TypePhaseChanged),
		evt(4, events.TypeGateOpened),
	}
	replay := func(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
		var out []domain.Event
		for _, e := range stored {
			if e.ID > after && len(out) < limit {
				out = append(out, e)
			}
		}
		return out, nil
	}
	b := New(replay)
	sub, err := b.Subscribe(context.Background(), "p1", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	// A live publish that raced the replay: id 4 arrives both ways.
	b.Publish(evt(4, events.TypeGateOpened))
	b.Publish(evt(5, events.TypeGateResolved))

	got := drain(t, sub, 3)
	ids := make([]int64, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	want := []int64{3, 4, 5}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("resume mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayPagesThroughLongBacklogs(t *testing.T) {
	var stored []domain.Event
	for i := int64(1); i <= 450; i++ {
		stored = append(stored, evt(i, events.TypeTokenUsage))
	}
	calls := 0
	replay := func(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
		calls++
		var out []domain.Event
		for _, e := range stored {
			if e.ID > after && len(out) < limit {
				out = append(out, e)
			}
		}
		return out, nil
	}
	b := New(replay)
	b.queueSize = 1024
	sub, err := b.Subscribe(context.Background(), "p1", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	if calls < 3 {
		t.Fatalf("expected paged replay, got %d calls", calls)
	}
	got := drain(t, sub, 449)
	if got[0].ID != 2 || got[len(got)-1].ID != 450 {
		t.Fatalf("got range %d..%d, want 2..450", got[0].ID, got[len(got)-1].ID)
	}
}

func TestReplayErrorDetachesSubscriber(t *testing.T) {
	replay := func(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
		return nil, fmt.Errorf("db gone")
	}
	b := New(replay)
	if _, err := b.Subscribe(context.Background(), "p1", 7); err == nil {
		t.Fatal("expected replay error")
	}
	if n := b.SubscriberCount("p1"); n != 0 {
		t.Fatalf("got %d subscribers, want 0", n)
	}
}

func TestUnsubscribeDrainsThenCloses(t *testing.T) {
	b := New(noReplay)
	sub, err := b.Subscribe(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	b.Publish(evt(1, events.TypeRunStarted))
	b.Unsubscribe(sub)

	got := drain(t, sub, 1)
	if got[0].ID != 1 {
		t.Fatalf("got id %d, want 1", got[0].ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if n := b.SubscriberCount("p1"); n != 0 {
		t.Fatalf("got %d subscribers, want 0", n)
	}
}
