package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"liveroom/pkg/types"
)

// WorldStore is the read side of the world/room configuration store plus
// the seed and maintenance writes the core is allowed to perform.
type WorldStore interface {
	GetWorld(ctx context.Context, worldID string) (*types.World, error)
	ListRooms(ctx context.Context, worldID string) ([]*types.Room, error)
	GetChannel(ctx context.Context, worldID, channelID string) (*types.Channel, error)

	UpsertWorld(ctx context.Context, world *types.World) error
	UpsertRoom(ctx context.Context, room *types.Room) error
	// EnsureRoomChannel returns the chat channel of a room, creating it when
	// the room has none yet.
	EnsureRoomChannel(ctx context.Context, room *types.Room) (*types.Channel, error)
	// ClearWorldData removes users, channels, events, questions and polls of
	// a world while keeping its configuration and rooms.
	ClearWorldData(ctx context.Context, worldID string) error
}

// UserKey identifies a login: exactly one of ClientID and TokenID is set.
type UserKey struct {
	ClientID string
	TokenID  string
}

// UserStore persists world-scoped users and block relationships.
type UserStore interface {
	GetUser(ctx context.Context, worldID, userID string) (*types.User, error)
	GetUsers(ctx context.Context, worldID string, userIDs []string) ([]*types.User, error)
	FindOrCreateUser(ctx context.Context, worldID string, key UserKey, traits []string) (*types.User, bool, error)
	// The updates below write a single column and return the stored user.
	UpdateProfile(ctx context.Context, worldID, userID string, profile map[string]any) (*types.User, error)
	SetTraits(ctx context.Context, worldID, userID string, traits []string) (*types.User, error)
	SetModerationState(ctx context.Context, worldID, userID, state string) (*types.User, error)

	AddBlock(ctx context.Context, worldID, blockerID, blockedID string) error
	RemoveBlock(ctx context.Context, worldID, blockerID, blockedID string) (bool, error)
	ListBlocked(ctx context.Context, worldID, blockerID string) ([]string, error)
	// BlockedBy returns the users that blocked userID.
	BlockedBy(ctx context.Context, worldID, userID string) ([]string, error)
}

// EventStore is the append-only chat event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *types.Event) error
	UpdateEventContent(ctx context.Context, channelID string, eventID int64, content json.RawMessage, edited time.Time) error
	GetEvent(ctx context.Context, channelID string, eventID int64) (*types.Event, error)
	// FetchEvents returns at most count events with ids below beforeID,
	// newest first.
	FetchEvents(ctx context.Context, channelID string, beforeID int64, count int, skipMembership bool) ([]*types.Event, error)
	MaxEventID(ctx context.Context, channelID string) (int64, error)
	MaxNonMemberEventID(ctx context.Context, channelID string) (int64, error)
}

// MembershipStore persists durable channel memberships and read pointers.
type MembershipStore interface {
	// AddMembership creates the membership. An existing volatile membership
	// is made persistent when volatile is false. The bool reports creation.
	AddMembership(ctx context.Context, channelID, userID string, volatile bool) (bool, error)
	RemoveMembership(ctx context.Context, channelID, userID string) (bool, error)
	GetMembership(ctx context.Context, channelID, userID string) (*types.Membership, error)
	ListMembers(ctx context.Context, channelID string) ([]string, error)
	ListChannelsForUser(ctx context.Context, worldID, userID string, includeVolatile bool) ([]string, error)
	// GetOrCreateDirectChannel atomically resolves the direct channel of
	// exactly the given participant set. The bool reports creation.
	GetOrCreateDirectChannel(ctx context.Context, worldID string, userIDs []string) (*types.Channel, bool, error)

	SetReadPointer(ctx context.Context, userID, channelID string, eventID int64) error
	ReadPointers(ctx context.Context, userID string) (map[string]int64, error)
}

// ChatStore combines the event log and the membership store.
type ChatStore interface {
	EventStore
	MembershipStore
}

// QuestionStore persists room questions and their votes.
type QuestionStore interface {
	CreateQuestion(ctx context.Context, q *types.Question) error
	UpdateQuestion(ctx context.Context, q *types.Question) error
	GetQuestion(ctx context.Context, roomID, questionID string) (*types.Question, error)
	ListQuestions(ctx context.Context, roomID string) ([]*types.Question, error)
	DeleteQuestion(ctx context.Context, roomID, questionID string) error
	// SetQuestionVote adds or removes the user's up-vote and returns the
	// resulting score.
	SetQuestionVote(ctx context.Context, questionID, userID string, vote bool) (int, error)
	VotedQuestions(ctx context.Context, roomID, userID string) (map[string]bool, error)
	// PinQuestion pins one question and unpins every other one in the room.
	PinQuestion(ctx context.Context, roomID, questionID string) error
	UnpinQuestions(ctx context.Context, roomID string) error
}

// PollStore persists room polls, options and votes.
type PollStore interface {
	CreatePoll(ctx context.Context, p *types.Poll) error
	UpdatePoll(ctx context.Context, p *types.Poll) error
	GetPoll(ctx context.Context, roomID, pollID string) (*types.Poll, error)
	ListPolls(ctx context.Context, roomID string) ([]*types.Poll, error)
	DeletePoll(ctx context.Context, roomID, pollID string) error
	// SetPollVote replaces the user's choice on a single-choice poll.
	SetPollVote(ctx context.Context, pollID, userID, optionID string) error
	// PollVotes maps user id to the chosen option id.
	PollVotes(ctx context.Context, pollID string) (map[string]string, error)
	PinPoll(ctx context.Context, roomID, pollID string) error
	UnpinPolls(ctx context.Context, roomID string) error
}

// HealthChecker reports store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
