package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbconfig "liveroom/pkg/database"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

// seedWorld creates world "sample" with one room "r1".
func seedWorld(t *testing.T, m *Manager) *types.Room {
	t.Helper()
	ctx := context.Background()

	world := &types.World{
		ID:    "sample",
		Title: "Sample",
		Roles: map[string][]types.Permission{"attendee": {types.PermWorldView}},
		TraitGrants: map[string]types.TraitGrant{
			"attendee": {},
		},
	}
	if err := m.UpsertWorld(ctx, world); err != nil {
		t.Fatalf("UpsertWorld failed: %v", err)
	}
	room := &types.Room{
		ID:      "r1",
		WorldID: "sample",
		Name:    "Main",
		Modules: []types.Module{{Type: types.ModuleChatNative, Config: map[string]any{"volatile": false}}},
	}
	if err := m.UpsertRoom(ctx, room); err != nil {
		t.Fatalf("UpsertRoom failed: %v", err)
	}
	return room
}

func createUser(t *testing.T, m *Manager, clientID string) *types.User {
	t.Helper()
	user, _, err := m.FindOrCreateUser(context.Background(), "sample", interfaces.UserKey{ClientID: clientID}, nil)
	if err != nil {
		t.Fatalf("FindOrCreateUser(%s) failed: %v", clientID, err)
	}
	return user
}

func TestManager_WorldsAndRooms(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	room := seedWorld(t, m)

	world, err := m.GetWorld(ctx, "sample")
	if err != nil {
		t.Fatalf("GetWorld failed: %v", err)
	}
	if world.Title != "Sample" {
		t.Errorf("Expected title Sample, got %s", world.Title)
	}
	if len(world.Roles["attendee"]) != 1 {
		t.Errorf("Expected roles to round-trip, got %v", world.Roles)
	}

	if _, err := m.GetWorld(ctx, "missing"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	ch1, err := m.EnsureRoomChannel(ctx, room)
	if err != nil {
		t.Fatalf("EnsureRoomChannel failed: %v", err)
	}
	ch2, err := m.EnsureRoomChannel(ctx, room)
	if err != nil {
		t.Fatalf("EnsureRoomChannel failed: %v", err)
	}
	if ch1.ID != ch2.ID {
		t.Errorf("Expected a stable room channel, got %s and %s", ch1.ID, ch2.ID)
	}

	rooms, err := m.ListRooms(ctx, "sample")
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ChannelID != ch1.ID {
		t.Fatalf("Expected one room with channel %s, got %+v", ch1.ID, rooms)
	}
	if mod, ok := rooms[0].Module(types.ModuleChatNative); !ok || mod.Bool("volatile", true) {
		t.Errorf("Expected chat module with volatile false to round-trip")
	}

	got, err := m.GetChannel(ctx, "sample", ch1.ID)
	if err != nil || got.RoomID != "r1" {
		t.Errorf("GetChannel returned %+v, %v", got, err)
	}
	if _, err := m.GetChannel(ctx, "other", ch1.ID); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Channel must not be visible from another world, got %v", err)
	}
}

func TestManager_FindOrCreateUser(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedWorld(t, m)

	u1, created, err := m.FindOrCreateUser(ctx, "sample", interfaces.UserKey{ClientID: "c1"}, nil)
	if err != nil || !created {
		t.Fatalf("Expected new user, got created=%v err=%v", created, err)
	}
	u2, created, err := m.FindOrCreateUser(ctx, "sample", interfaces.UserKey{ClientID: "c1"}, nil)
	if err != nil || created {
		t.Fatalf("Expected existing user, got created=%v err=%v", created, err)
	}
	if u1.ID != u2.ID {
		t.Errorf("Same client id should resolve to the same user")
	}

	t1, _, err := m.FindOrCreateUser(ctx, "sample", interfaces.UserKey{TokenID: "sub"}, []string{"a"})
	if err != nil {
		t.Fatalf("FindOrCreateUser failed: %v", err)
	}
	t2, _, err := m.FindOrCreateUser(ctx, "sample", interfaces.UserKey{TokenID: "sub"}, []string{"b"})
	if err != nil {
		t.Fatalf("FindOrCreateUser failed: %v", err)
	}
	if t1.ID != t2.ID || len(t2.Traits) != 1 || t2.Traits[0] != "b" {
		t.Errorf("Expected traits refreshed from token, got %+v", t2)
	}

	stored, err := m.GetUser(ctx, "sample", t1.ID)
	if err != nil || stored.Traits[0] != "b" {
		t.Errorf("Expected stored traits [b], got %+v (%v)", stored, err)
	}

	if _, _, err := m.FindOrCreateUser(ctx, "sample", interfaces.UserKey{}, nil); err == nil {
		t.Error("Expected error without client or token id")
	}
}

func TestManager_UpdateUserAndBlocks(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedWorld(t, m)
	a := createUser(t, m, "a")
	b := createUser(t, m, "b")

	if _, err := m.SetModerationState(ctx, "sample", a.ID, types.ModerationSilenced); err != nil {
		t.Fatalf("SetModerationState failed: %v", err)
	}
	if _, err := m.SetTraits(ctx, "sample", a.ID, []string{"speaker"}); err != nil {
		t.Fatalf("SetTraits failed: %v", err)
	}
	updated, err := m.UpdateProfile(ctx, "sample", a.ID, map[string]any{"display_name": "Alice"})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if updated.DisplayName() != "Alice" || !updated.IsSilenced() || len(updated.Traits) != 1 {
		t.Errorf("Expected the profile written next to the other columns, got %+v", updated)
	}
	got, _ := m.GetUser(ctx, "sample", a.ID)
	if got.DisplayName() != "Alice" || !got.IsSilenced() {
		t.Errorf("Expected updated profile and moderation state, got %+v", got)
	}
	if _, err := m.UpdateProfile(ctx, "sample", "missing", map[string]any{}); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a missing user, got %v", err)
	}

	users, err := m.GetUsers(ctx, "sample", []string{a.ID, b.ID, "missing"})
	if err != nil || len(users) != 2 {
		t.Errorf("Expected 2 users, got %d (%v)", len(users), err)
	}

	if err := m.AddBlock(ctx, "sample", a.ID, b.ID); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	if err := m.AddBlock(ctx, "sample", a.ID, b.ID); err != nil {
		t.Fatalf("Repeated AddBlock should be a no-op: %v", err)
	}
	blocked, _ := m.ListBlocked(ctx, "sample", a.ID)
	if len(blocked) != 1 || blocked[0] != b.ID {
		t.Errorf("Expected [%s], got %v", b.ID, blocked)
	}
	by, _ := m.BlockedBy(ctx, "sample", b.ID)
	if len(by) != 1 || by[0] != a.ID {
		t.Errorf("Expected blocked by [%s], got %v", a.ID, by)
	}

	removed, err := m.RemoveBlock(ctx, "sample", a.ID, b.ID)
	if err != nil || !removed {
		t.Errorf("Expected block removed, got %v (%v)", removed, err)
	}
	removed, _ = m.RemoveBlock(ctx, "sample", a.ID, b.ID)
	if removed {
		t.Error("Second RemoveBlock should report nothing removed")
	}
}

func TestManager_EventLog(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	room := seedWorld(t, m)
	channel, _ := m.EnsureRoomChannel(ctx, room)

	now := time.Now().UTC()
	for i := int64(1); i <= 5; i++ {
		eventType := types.EventTypeMessage
		if i%2 == 1 {
			eventType = types.EventTypeMember
		}
		err := m.AppendEvent(ctx, &types.Event{
			Channel:   channel.ID,
			EventID:   i,
			EventType: eventType,
			Sender:    "u",
			Content:   json.RawMessage(`{"type":"text","body":"x"}`),
			Timestamp: now,
		})
		if err != nil {
			t.Fatalf("AppendEvent(%d) failed: %v", i, err)
		}
	}

	dup := &types.Event{Channel: channel.ID, EventID: 3, EventType: types.EventTypeMessage, Sender: "u", Timestamp: now}
	if err := m.AppendEvent(ctx, dup); !errors.Is(err, interfaces.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for duplicate id, got %v", err)
	}

	maxID, _ := m.MaxEventID(ctx, channel.ID)
	if maxID != 5 {
		t.Errorf("Expected max id 5, got %d", maxID)
	}
	maxMsg, _ := m.MaxNonMemberEventID(ctx, channel.ID)
	if maxMsg != 4 {
		t.Errorf("Expected max message id 4, got %d", maxMsg)
	}

	tests := []struct {
		name     string
		before   int64
		count    int
		skip     bool
		expected []int64
	}{
		{"newest first", 6, 3, false, []int64{5, 4, 3}},
		{"before id", 3, 10, false, []int64{2, 1}},
		{"skip membership", 6, 10, true, []int64{4, 2}},
		{"empty", 1, 10, false, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := m.FetchEvents(ctx, channel.ID, tt.before, tt.count, tt.skip)
			if err != nil {
				t.Fatalf("FetchEvents failed: %v", err)
			}
			if len(events) != len(tt.expected) {
				t.Fatalf("Expected %d events, got %d", len(tt.expected), len(events))
			}
			for i, e := range events {
				if e.EventID != tt.expected[i] {
					t.Errorf("Expected event %d at %d, got %d", tt.expected[i], i, e.EventID)
				}
			}
		})
	}

	edited := time.Now().UTC()
	if err := m.UpdateEventContent(ctx, channel.ID, 2, json.RawMessage(`{"type":"deleted"}`), edited); err != nil {
		t.Fatalf("UpdateEventContent failed: %v", err)
	}
	e, err := m.GetEvent(ctx, channel.ID, 2)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if e.Edited == nil || string(e.Content) != `{"type":"deleted"}` {
		t.Errorf("Expected edited content, got %s (edited %v)", e.Content, e.Edited)
	}
	if _, err := m.GetEvent(ctx, channel.ID, 99); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_Memberships(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	room := seedWorld(t, m)
	channel, _ := m.EnsureRoomChannel(ctx, room)
	u := createUser(t, m, "a")

	created, err := m.AddMembership(ctx, channel.ID, u.ID, true)
	if err != nil || !created {
		t.Fatalf("Expected membership created, got %v (%v)", created, err)
	}
	created, _ = m.AddMembership(ctx, channel.ID, u.ID, false)
	if created {
		t.Error("Second join should not create a membership")
	}
	ms, err := m.GetMembership(ctx, channel.ID, u.ID)
	if err != nil || ms.Volatile {
		t.Errorf("Expected membership upgraded to persistent, got %+v (%v)", ms, err)
	}
	_, _ = m.AddMembership(ctx, channel.ID, u.ID, true)
	ms, _ = m.GetMembership(ctx, channel.ID, u.ID)
	if ms.Volatile {
		t.Error("Persistent membership must not become volatile")
	}

	channels, _ := m.ListChannelsForUser(ctx, "sample", u.ID, false)
	if len(channels) != 1 || channels[0] != channel.ID {
		t.Errorf("Expected [%s], got %v", channel.ID, channels)
	}

	removed, _ := m.RemoveMembership(ctx, channel.ID, u.ID)
	if !removed {
		t.Error("Expected membership removed")
	}
	if _, err := m.GetMembership(ctx, channel.ID, u.ID); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := m.SetReadPointer(ctx, u.ID, channel.ID, 3); err != nil {
		t.Fatalf("SetReadPointer failed: %v", err)
	}
	if err := m.SetReadPointer(ctx, u.ID, channel.ID, 7); err != nil {
		t.Fatalf("SetReadPointer failed: %v", err)
	}
	pointers, _ := m.ReadPointers(ctx, u.ID)
	if pointers[channel.ID] != 7 {
		t.Errorf("Expected read pointer 7, got %v", pointers)
	}
}

func TestManager_DirectChannelConcurrentCreate(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedWorld(t, m)
	a := createUser(t, m, "a")
	b := createUser(t, m, "b")

	var wg sync.WaitGroup
	ids := make([]string, 10)
	createdCount := 0
	var mu sync.Mutex
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users := []string{a.ID, b.ID}
			if i%2 == 0 {
				users = []string{b.ID, a.ID}
			}
			ch, created, err := m.GetOrCreateDirectChannel(ctx, "sample", users)
			if err != nil {
				t.Errorf("GetOrCreateDirectChannel failed: %v", err)
				return
			}
			mu.Lock()
			ids[i] = ch.ID
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one creation, got %d", createdCount)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("Expected a single channel id, got %v", ids)
		}
	}

	members, _ := m.ListMembers(ctx, ids[0])
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %v", members)
	}
	ch, _ := m.GetChannel(ctx, "sample", ids[0])
	if !ch.IsDirect() {
		t.Error("Expected a direct channel")
	}
}

func TestManager_Questions(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedWorld(t, m)

	for _, id := range []string{"q1", "q2"} {
		q := &types.Question{ID: id, WorldID: "sample", RoomID: "r1", SenderID: "u",
			Content: "why?", State: types.QuestionVisible, Timestamp: time.Now().UTC()}
		if err := m.CreateQuestion(ctx, q); err != nil {
			t.Fatalf("CreateQuestion failed: %v", err)
		}
	}

	score, err := m.SetQuestionVote(ctx, "q1", "u1", true)
	if err != nil || score != 1 {
		t.Errorf("Expected score 1, got %d (%v)", score, err)
	}
	score, _ = m.SetQuestionVote(ctx, "q1", "u1", true)
	if score != 1 {
		t.Errorf("Repeated vote should keep score 1, got %d", score)
	}
	score, _ = m.SetQuestionVote(ctx, "q1", "u2", true)
	if score != 2 {
		t.Errorf("Expected score 2, got %d", score)
	}
	score, _ = m.SetQuestionVote(ctx, "q1", "u1", false)
	if score != 1 {
		t.Errorf("Expected score 1 after unvote, got %d", score)
	}
	voted, _ := m.VotedQuestions(ctx, "r1", "u2")
	if !voted["q1"] || voted["q2"] {
		t.Errorf("Expected only q1 voted, got %v", voted)
	}

	if err := m.PinQuestion(ctx, "r1", "q1"); err != nil {
		t.Fatalf("PinQuestion failed: %v", err)
	}
	if err := m.PinQuestion(ctx, "r1", "q2"); err != nil {
		t.Fatalf("PinQuestion failed: %v", err)
	}
	questions, _ := m.ListQuestions(ctx, "r1")
	pinned := 0
	for _, q := range questions {
		if q.IsPinned {
			pinned++
			if q.ID != "q2" {
				t.Errorf("Expected q2 pinned, got %s", q.ID)
			}
		}
	}
	if pinned != 1 {
		t.Errorf("Expected exactly one pinned question, got %d", pinned)
	}
	if err := m.PinQuestion(ctx, "r1", "missing"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := m.DeleteQuestion(ctx, "r1", "q1"); err != nil {
		t.Fatalf("DeleteQuestion failed: %v", err)
	}
	if _, err := m.GetQuestion(ctx, "r1", "q1"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestManager_Polls(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedWorld(t, m)

	p := &types.Poll{
		ID: "p1", WorldID: "sample", RoomID: "r1", Content: "Pick", State: types.PollOpen,
		Options: []types.PollOption{
			{ID: "o2", Content: "B", Order: 2},
			{ID: "o1", Content: "A", Order: 1},
		},
		Timestamp: time.Now().UTC(),
	}
	if err := m.CreatePoll(ctx, p); err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}

	got, err := m.GetPoll(ctx, "r1", "p1")
	if err != nil {
		t.Fatalf("GetPoll failed: %v", err)
	}
	if len(got.Options) != 2 || got.Options[0].ID != "o1" {
		t.Errorf("Expected options ordered by order, got %+v", got.Options)
	}
	if got.CachedResults != nil {
		t.Errorf("Expected no cached results, got %v", got.CachedResults)
	}

	if err := m.SetPollVote(ctx, "p1", "u1", "o1"); err != nil {
		t.Fatalf("SetPollVote failed: %v", err)
	}
	if err := m.SetPollVote(ctx, "p1", "u1", "o2"); err != nil {
		t.Fatalf("SetPollVote failed: %v", err)
	}
	votes, _ := m.PollVotes(ctx, "p1")
	if len(votes) != 1 || votes["u1"] != "o2" {
		t.Errorf("Expected vote replaced with o2, got %v", votes)
	}

	got.State = types.PollClosed
	got.CachedResults = map[string]int{"o1": 0, "o2": 1}
	got.Options = []types.PollOption{{ID: "o2", Content: "B", Order: 1}}
	if err := m.UpdatePoll(ctx, got); err != nil {
		t.Fatalf("UpdatePoll failed: %v", err)
	}
	polls, err := m.ListPolls(ctx, "r1")
	if err != nil || len(polls) != 1 {
		t.Fatalf("Expected one poll, got %d (%v)", len(polls), err)
	}
	if polls[0].CachedResults["o2"] != 1 || len(polls[0].Options) != 1 {
		t.Errorf("Expected frozen results and pruned options, got %+v", polls[0])
	}

	if err := m.PinPoll(ctx, "r1", "p1"); err != nil {
		t.Fatalf("PinPoll failed: %v", err)
	}
	if err := m.UnpinPolls(ctx, "r1"); err != nil {
		t.Fatalf("UnpinPolls failed: %v", err)
	}
	if err := m.DeletePoll(ctx, "r1", "p1"); err != nil {
		t.Fatalf("DeletePoll failed: %v", err)
	}
	votes, _ = m.PollVotes(ctx, "p1")
	if len(votes) != 0 {
		t.Errorf("Expected votes removed with poll, got %v", votes)
	}
}

func TestManager_PollOptionsStayWithTheirPoll(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedWorld(t, m)

	victim := &types.Poll{
		ID: "p1", WorldID: "sample", RoomID: "r1", Content: "Pick", State: types.PollOpen,
		Options:   []types.PollOption{{ID: "o1", Content: "A"}},
		Timestamp: time.Now().UTC(),
	}
	if err := m.CreatePoll(ctx, victim); err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}

	other := &types.Poll{
		ID: "p2", WorldID: "sample", RoomID: "r1", Content: "Other", State: types.PollDraft,
		Options:   []types.PollOption{{ID: "o1", Content: "Hijacked"}},
		Timestamp: time.Now().UTC(),
	}
	if err := m.CreatePoll(ctx, other); !errors.Is(err, interfaces.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for a foreign option id, got %v", err)
	}

	got, err := m.GetPoll(ctx, "r1", "p1")
	if err != nil {
		t.Fatalf("GetPoll failed: %v", err)
	}
	if len(got.Options) != 1 || got.Options[0].Content != "A" {
		t.Errorf("Expected the option untouched, got %+v", got.Options)
	}
	if _, err := m.GetPoll(ctx, "r1", "p2"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected the failed poll rolled back, got %v", err)
	}
}

func TestManager_ClearWorldData(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	room := seedWorld(t, m)
	channel, _ := m.EnsureRoomChannel(ctx, room)
	u := createUser(t, m, "a")
	_, _ = m.AddMembership(ctx, channel.ID, u.ID, false)

	if err := m.ClearWorldData(ctx, "sample"); err != nil {
		t.Fatalf("ClearWorldData failed: %v", err)
	}
	if _, err := m.GetUser(ctx, "sample", u.ID); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected users cleared, got %v", err)
	}
	rooms, _ := m.ListRooms(ctx, "sample")
	if len(rooms) != 1 || rooms[0].ChannelID != "" {
		t.Errorf("Expected room kept without channel, got %+v", rooms)
	}
}

func TestManager_HealthAndClose(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close should be a no-op: %v", err)
	}
	if err := m.AddBlock(ctx, "sample", "a", "b"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestManager_WriteCancelledContext(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.UnpinPolls(ctx, "r1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
