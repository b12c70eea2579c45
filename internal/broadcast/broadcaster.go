// Package broadcast fans out project events to connected subscribers.
//
// Delivery contract: events for one project are delivered in publish order;
// a slow subscriber never blocks publication to others. When a subscriber's
// queue overflows, the oldest droppable event (file writes, token ticks) is
// discarded first. Critical events are never dropped; if the queue is full of
// them the subscriber is closed so the client reconnects and replays from its
// last-seen sequence number against the durable event log.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"faz/internal/domain"
	"faz/internal/events"
)

// ErrClosed is returned by Next once a subscriber is detached.
var ErrClosed = errors.New("subscriber closed")

const defaultQueueSize = 256

// droppable events can be reconstructed from Run/Artifact state; losing one
// under backpressure is acceptable.
var droppable = map[string]bool{
	events.TypeFileWritten: true,
	events.TypeTokenUsage:  true,
}

// ReplayFunc pages persisted events with IDs greater than the cursor, in
// ascending order.
type ReplayFunc func(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error)

type Broadcaster struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscriber]struct{}
	replay    ReplayFunc
	queueSize int
}

func New(replay ReplayFunc) *Broadcaster {
	return &Broadcaster{
		subs:      make(map[string]map[*Subscriber]struct{}),
		replay:    replay,
		queueSize: defaultQueueSize,
	}
}

// Publish delivers an event to every subscriber of its project. Never blocks.
func (b *Broadcaster) Publish(evt domain.Event) {
	b.mu.Lock()
	targets := make([]*Subscriber, 0, len(b.subs[evt.ProjectID]))
	for s := range b.subs[evt.ProjectID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	for _, s := range targets {
		s.enqueue(evt)
	}
}

// Subscribe registers a subscriber for a project. When resumeAfter is
// non-zero, persisted events with sequence numbers greater than it are
// replayed before live delivery, with the seam deduplicated so the client
// sees no gaps and no repeats.
func (b *Broadcaster) Subscribe(ctx context.Context, projectID string, resumeAfter int64) (*Subscriber, error) {
	s := &Subscriber{
		projectID: projectID,
		b:         b,
		notify:    make(chan struct{}, 1),
		lastSeq:   resumeAfter,
		max:       b.queueSize,
		replaying: resumeAfter > 0,
	}
	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*Subscriber]struct{})
	}
	b.subs[projectID][s] = struct{}{}
	b.mu.Unlock()

	if s.replaying {
		if err := b.replayInto(ctx, s, resumeAfter); err != nil {
			b.Unsubscribe(s)
			return nil, err
		}
	}
	return s, nil
}

func (b *Broadcaster) replayInto(ctx context.Context, s *Subscriber, after int64) error {
	const page = 200
	var replayed []domain.Event
	cursor := after
	for {
		batch, err := b.replay(ctx, s.projectID, cursor, page)
		if err != nil {
			return err
		}
		replayed = append(replayed, batch...)
		if len(batch) < page {
			break
		}
		cursor = batch[len(batch)-1].ID
	}
	s.finishReplay(replayed)
	return nil
}

// Unsubscribe detaches and closes a subscriber.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[s.projectID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.projectID)
		}
	}
	b.mu.Unlock()
	s.close()
}

// SubscriberCount reports the live subscribers for a project.
func (b *Broadcaster) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}

// Subscriber is one connected client's delivery queue.
type Subscriber struct {
	projectID string
	b         *Broadcaster

	mu        sync.Mutex
	queue     []domain.Event
	buffered  []domain.Event // live events held back while replaying
	replaying bool
	lastSeq   int64
	max       int
	closed    bool
	notify    chan struct{}
}

// LastSeq returns the sequence number of the last enqueued event.
func (s *Subscriber) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Subscriber) enqueue(evt domain.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.replaying {
		s.buffered = append(s.buffered, evt)
		s.mu.Unlock()
		return
	}
	s.push(evt)
	s.mu.Unlock()
	s.wake()
}

// push appends under s.mu, applying the dedupe and overflow policy.
func (s *Subscriber) push(evt domain.Event) {
	if evt.ID != 0 && evt.ID <= s.lastSeq {
		return
	}
	if len(s.queue) >= s.max {
		if !s.dropOldestDroppable() {
			// Queue full of critical events: the client is too far behind to
			// guarantee gap-free live delivery, so force a reconnect+replay.
			s.closed = true
			return
		}
	}
	s.queue = append(s.queue, evt)
	if evt.ID > s.lastSeq {
		s.lastSeq = evt.ID
	}
}

func (s *Subscriber) dropOldestDroppable() bool {
	for i, evt := range s.queue {
		if droppable[evt.Type] {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Subscriber) finishReplay(replayed []domain.Event) {
	s.mu.Lock()
	for _, evt := range replayed {
		s.push(evt)
	}
	buffered := s.buffered
	s.buffered = nil
	s.replaying = false
	for _, evt := range buffered {
		s.push(evt)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Next blocks until an event is available, the subscriber is closed, or ctx
// is done. After close, queued events are still drained before ErrClosed.
func (s *Subscriber) Next(ctx context.Context) (domain.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return domain.Event{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}
