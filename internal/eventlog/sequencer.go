package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Draft is an event before it has an id.
type Draft struct {
	EventType string
	Sender    string
	Content   json.RawMessage
	Replaces  *int64
}

// PublishFunc hands a persisted event to the fan-out.
type PublishFunc func(ctx context.Context, event *types.Event)

// Sequencer is the single writer of every channel's event log. All appends
// to a channel go through that channel's lane, so ids are assigned and
// published in one order.
type Sequencer struct {
	store   interfaces.EventStore
	lanes   *Lanes
	publish PublishFunc
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	next map[string]int64

	appended  atomic.Uint64
	conflicts atomic.Uint64
}

// NewSequencer creates a sequencer. Lanes may be shared with other users
// of the same keys; channel lanes are keyed "chat:<channel>".
func NewSequencer(store interfaces.EventStore, lanes *Lanes, publish PublishFunc, logger *slog.Logger) *Sequencer {
	if lanes == nil {
		lanes = NewLanes()
	}
	if publish == nil {
		publish = func(context.Context, *types.Event) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		store:   store,
		lanes:   lanes,
		publish: publish,
		logger:  logger.With("component", "sequencer"),
		now:     time.Now,
		next:    make(map[string]int64),
	}
}

// LaneKey is the lane a channel's appends run on.
func LaneKey(channelID string) string {
	return "chat:" + channelID
}

// Batch collects the events appended during one Do call.
type Batch struct {
	s       *Sequencer
	channel string
	events  []*types.Event
}

// Channel returns the channel the batch appends to.
func (b *Batch) Channel() string { return b.channel }

// Events returns the events appended so far.
func (b *Batch) Events() []*types.Event { return b.events }

// Append persists the next event of the channel. The id is only consumed
// when the write succeeds.
func (b *Batch) Append(ctx context.Context, d Draft) (*types.Event, error) {
	if d.EventType == "" {
		return nil, ErrEmptyEventType
	}

	for attempt := 0; attempt < 2; attempt++ {
		id, err := b.s.nextID(ctx, b.channel)
		if err != nil {
			return nil, err
		}

		event := &types.Event{
			Channel:   b.channel,
			EventID:   id,
			EventType: d.EventType,
			Sender:    d.Sender,
			Replaces:  d.Replaces,
			Content:   d.Content,
			Timestamp: b.s.now().UTC(),
		}
		err = b.s.store.AppendEvent(ctx, event)
		if err == nil {
			b.s.advance(b.channel, id)
			b.s.appended.Add(1)
			b.events = append(b.events, event)
			return event, nil
		}
		if !errors.Is(err, interfaces.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to append event to %s: %w", b.channel, err)
		}

		// Another writer got there first; reseed from the store.
		b.s.conflicts.Add(1)
		b.s.Forget(b.channel)
		b.s.logger.Warn("event id conflict, reseeding", "channel", b.channel, "event_id", id)
	}
	return nil, ErrSequenceConflict
}

// NextID returns the id the next Append will use.
func (b *Batch) NextID(ctx context.Context) (int64, error) {
	return b.s.nextID(ctx, b.channel)
}

// Do runs fn on the channel's lane. Events appended through the batch are
// published in id order after fn returns, including when fn fails after a
// successful append.
func (s *Sequencer) Do(ctx context.Context, channelID string, fn func(ctx context.Context, b *Batch) error) error {
	return s.lanes.Do(ctx, LaneKey(channelID), func(ctx context.Context) error {
		b := &Batch{s: s, channel: channelID}
		defer func() {
			for _, event := range b.events {
				s.publish(ctx, event)
			}
		}()
		return fn(ctx, b)
	})
}

// Append is Do with a single append.
func (s *Sequencer) Append(ctx context.Context, channelID string, d Draft) (*types.Event, error) {
	var event *types.Event
	err := s.Do(ctx, channelID, func(ctx context.Context, b *Batch) error {
		var err error
		event, err = b.Append(ctx, d)
		return err
	})
	return event, err
}

// NextEventID returns the next id of a channel, read on its lane. It must
// not be called from inside Do for the same channel; use Batch.NextID.
func (s *Sequencer) NextEventID(ctx context.Context, channelID string) (int64, error) {
	var id int64
	err := s.lanes.Do(ctx, LaneKey(channelID), func(ctx context.Context) error {
		var err error
		id, err = s.nextID(ctx, channelID)
		return err
	})
	return id, err
}

// Forget drops the cached counter of a channel.
func (s *Sequencer) Forget(channelID string) {
	s.mu.Lock()
	delete(s.next, channelID)
	s.mu.Unlock()
}

func (s *Sequencer) nextID(ctx context.Context, channelID string) (int64, error) {
	s.mu.Lock()
	id, ok := s.next[channelID]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	last, err := s.store.MaxEventID(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to seed sequence of %s: %w", channelID, err)
	}
	s.mu.Lock()
	s.next[channelID] = last + 1
	s.mu.Unlock()
	return last + 1, nil
}

func (s *Sequencer) advance(channelID string, used int64) {
	s.mu.Lock()
	s.next[channelID] = used + 1
	s.mu.Unlock()
}

// Stats reports sequencer counters.
func (s *Sequencer) Stats() map[string]any {
	s.mu.Lock()
	channels := len(s.next)
	s.mu.Unlock()
	return map[string]any{
		"appended":        s.appended.Load(),
		"conflicts":       s.conflicts.Load(),
		"cached_channels": channels,
		"active_lanes":    s.lanes.Active(),
	}
}
