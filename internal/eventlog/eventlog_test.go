package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

type mockEventStore struct {
	mu         sync.RWMutex
	events     map[string][]*types.Event
	failNext   error
	steal      bool
	maxQueries int
}

func newMockEventStore() *mockEventStore {
	return &mockEventStore{events: make(map[string][]*types.Event)}
}

func (m *mockEventStore) AppendEvent(ctx context.Context, event *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if m.steal {
		// Simulate another process writing the id first.
		m.steal = false
		m.events[event.Channel] = append(m.events[event.Channel], &types.Event{Channel: event.Channel, EventID: event.EventID})
		return fmt.Errorf("event %d: %w", event.EventID, interfaces.ErrAlreadyExists)
	}
	for _, e := range m.events[event.Channel] {
		if e.EventID == event.EventID {
			return interfaces.ErrAlreadyExists
		}
	}
	m.events[event.Channel] = append(m.events[event.Channel], event)
	return nil
}

func (m *mockEventStore) UpdateEventContent(ctx context.Context, channelID string, eventID int64, content json.RawMessage, edited time.Time) error {
	return nil
}

func (m *mockEventStore) GetEvent(ctx context.Context, channelID string, eventID int64) (*types.Event, error) {
	return nil, interfaces.ErrNotFound
}

func (m *mockEventStore) FetchEvents(ctx context.Context, channelID string, beforeID int64, count int, skipMembership bool) ([]*types.Event, error) {
	return nil, nil
}

func (m *mockEventStore) MaxEventID(ctx context.Context, channelID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxQueries++
	var last int64
	for _, e := range m.events[channelID] {
		if e.EventID > last {
			last = e.EventID
		}
	}
	return last, nil
}

func (m *mockEventStore) MaxNonMemberEventID(ctx context.Context, channelID string) (int64, error) {
	return 0, nil
}

func (m *mockEventStore) ids(channelID string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for _, e := range m.events[channelID] {
		out = append(out, e.EventID)
	}
	return out
}

func message(sender string) Draft {
	return Draft{EventType: types.EventTypeMessage, Sender: sender, Content: json.RawMessage(`{"type":"text","body":"hi"}`)}
}

func TestLanes_SerializesPerKey(t *testing.T) {
	lanes := NewLanes()
	var running, maxRunning int32
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := lanes.Do(context.Background(), "k", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("Expected at most one task running per key, got %d", maxRunning)
	}
	if len(order) != 20 {
		t.Errorf("Expected 20 tasks to run, got %d", len(order))
	}
	if lanes.Active() != 0 {
		t.Errorf("Expected idle lanes to exit, got %d active", lanes.Active())
	}
}

func TestLanes_KeysRunConcurrently(t *testing.T) {
	lanes := NewLanes()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = lanes.Do(context.Background(), "a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- lanes.Do(context.Background(), "b", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Do() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Lane b was blocked by lane a")
	}
	close(release)
}

func TestLanes_ErrorsAndPanics(t *testing.T) {
	lanes := NewLanes()
	want := errors.New("boom")

	if err := lanes.Do(context.Background(), "k", func(ctx context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Expected task error, got %v", err)
	}

	err := lanes.Do(context.Background(), "k", func(ctx context.Context) error { panic("bad") })
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "bad" || len(pe.Stack) == 0 {
		t.Errorf("Expected PanicError, got %v", err)
	}

	// The lane keeps working after a panic.
	if err := lanes.Do(context.Background(), "k", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Do() after panic error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	if err := lanes.Do(ctx, "k", func(ctx context.Context) error { ran = true; return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if ran {
		t.Error("Task with cancelled context should not run")
	}
}

func TestSequencer_GaplessUnderConcurrency(t *testing.T) {
	store := newMockEventStore()
	store.events["c1"] = []*types.Event{{Channel: "c1", EventID: 1}, {Channel: "c1", EventID: 2}}

	var mu sync.Mutex
	var published []int64
	seq := NewSequencer(store, nil, func(ctx context.Context, e *types.Event) {
		mu.Lock()
		published = append(published, e.EventID)
		mu.Unlock()
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := seq.Append(context.Background(), "c1", message(fmt.Sprintf("u%d", i))); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	ids := store.ids("c1")
	if len(ids) != 52 {
		t.Fatalf("Expected 52 events, got %d", len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("Expected gapless ids, position %d has %d", i, id)
		}
	}
	for i, id := range published {
		if id != int64(i+3) {
			t.Fatalf("Expected publish in id order, position %d has %d", i, id)
		}
	}
	if store.maxQueries != 1 {
		t.Errorf("Expected the counter to be seeded once, got %d queries", store.maxQueries)
	}
}

func TestSequencer_FailedWriteKeepsID(t *testing.T) {
	store := newMockEventStore()
	var published int
	seq := NewSequencer(store, nil, func(context.Context, *types.Event) { published++ }, nil)
	ctx := context.Background()

	store.failNext = errors.New("disk full")
	if _, err := seq.Append(ctx, "c1", message("u1")); err == nil {
		t.Fatal("Expected append error")
	}
	if published != 0 {
		t.Error("Failed append must not be published")
	}

	event, err := seq.Append(ctx, "c1", message("u1"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if event.EventID != 1 {
		t.Errorf("Expected id 1 after failed write, got %d", event.EventID)
	}
}

func TestSequencer_ConflictReseeds(t *testing.T) {
	store := newMockEventStore()
	seq := NewSequencer(store, nil, nil, nil)
	ctx := context.Background()

	if _, err := seq.Append(ctx, "c1", message("u1")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	store.steal = true
	event, err := seq.Append(ctx, "c1", message("u1"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if event.EventID != 3 {
		t.Errorf("Expected id 3 after conflict on 2, got %d", event.EventID)
	}
	if stats := seq.Stats(); stats["conflicts"].(uint64) != 1 {
		t.Errorf("Expected one conflict, got %v", stats["conflicts"])
	}
}

func TestSequencer_BatchPublishesAfterFn(t *testing.T) {
	store := newMockEventStore()
	var log []string
	seq := NewSequencer(store, nil, func(ctx context.Context, e *types.Event) {
		log = append(log, fmt.Sprintf("event %d", e.EventID))
	}, nil)

	want := errors.New("late failure")
	err := seq.Do(context.Background(), "c1", func(ctx context.Context, b *Batch) error {
		next, err := b.NextID(ctx)
		if err != nil || next != 1 {
			t.Errorf("NextID() = %d, %v", next, err)
		}
		if _, err := b.Append(ctx, message("u1")); err != nil {
			return err
		}
		if _, err := b.Append(ctx, message("u2")); err != nil {
			return err
		}
		log = append(log, "reply")
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected fn error, got %v", err)
	}

	expected := []string{"reply", "event 1", "event 2"}
	if fmt.Sprint(log) != fmt.Sprint(expected) {
		t.Errorf("Expected %v, got %v", expected, log)
	}

	next, err := seq.NextEventID(context.Background(), "c1")
	if err != nil || next != 3 {
		t.Errorf("NextEventID() = %d, %v", next, err)
	}

	if _, err := seq.Append(context.Background(), "c1", Draft{}); !errors.Is(err, ErrEmptyEventType) {
		t.Errorf("Expected ErrEmptyEventType, got %v", err)
	}
}
