package types

import (
	"encoding/json"
	"time"
)

// Module types a room may be configured with.
const (
	ModuleChatNative = "chat.native"
	ModuleQuestion   = "question"
	ModulePoll       = "poll"
	ModuleLivestream = "livestream.native"
)

// Chat event types.
const (
	EventTypeMessage = "channel.message"
	EventTypeMember  = "channel.member"
)

// Moderation states of a user within a world.
const (
	ModerationNone     = ""
	ModerationSilenced = "silenced"
	ModerationBanned   = "banned"
)

// World is a tenant. Rooms, users and channels are always scoped to one.
type World struct {
	ID          string                  `json:"id" yaml:"id"`
	Title       string                  `json:"title" yaml:"title"`
	Config      WorldConfig             `json:"config" yaml:"config"`
	Roles       map[string][]Permission `json:"roles,omitempty" yaml:"roles"`
	TraitGrants map[string]TraitGrant   `json:"trait_grants,omitempty" yaml:"trait_grants"`
	UpdatedAt   time.Time               `json:"updated_at" yaml:"-"`
}

// WorldConfig is the part of a world's configuration the realtime core reads.
type WorldConfig struct {
	Locale        string         `json:"locale,omitempty" yaml:"locale"`
	Timezone      string         `json:"timezone,omitempty" yaml:"timezone"`
	JWTSecrets    []JWTSecret    `json:"JWT_secrets,omitempty" yaml:"jwt_secrets"`
	ProfileFields []ProfileField `json:"profile_fields,omitempty" yaml:"profile_fields"`
}

// JWTSecret is one accepted token issuer for a world.
type JWTSecret struct {
	Issuer   string `json:"issuer" yaml:"issuer"`
	Audience string `json:"audience" yaml:"audience"`
	Secret   string `json:"secret" yaml:"secret"`
}

// ProfileField describes an additional profile attribute shown to users.
type ProfileField struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
	Type  string `json:"type" yaml:"type"`
}

// Room belongs to exactly one world. Its module list decides which
// commands are valid in it.
type Room struct {
	ID          string                `json:"id" yaml:"id"`
	WorldID     string                `json:"world_id" yaml:"-"`
	Name        string                `json:"name" yaml:"name"`
	SortOrder   int                   `json:"sort_order" yaml:"sort_order"`
	Modules     []Module              `json:"modules" yaml:"modules"`
	TraitGrants map[string]TraitGrant `json:"trait_grants,omitempty" yaml:"trait_grants"`
	Deleted     bool                  `json:"deleted" yaml:"deleted"`
	ChannelID   string                `json:"channel,omitempty" yaml:"channel"`
}

// Module is one configured feature of a room.
type Module struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// Module returns the first module of the given type.
func (r *Room) Module(moduleType string) (*Module, bool) {
	for i := range r.Modules {
		if r.Modules[i].Type == moduleType {
			return &r.Modules[i], true
		}
	}
	return nil, false
}

// Bool reads a boolean module option, falling back to def when the option
// is missing or not a boolean.
func (m *Module) Bool(key string, def bool) bool {
	if m == nil || m.Config == nil {
		return def
	}
	if v, ok := m.Config[key].(bool); ok {
		return v
	}
	return def
}

// User is a world-scoped identity, created on first login.
type User struct {
	ID              string         `json:"id"`
	WorldID         string         `json:"world_id"`
	ClientID        string         `json:"-"`
	TokenID         string         `json:"-"`
	Profile         map[string]any `json:"profile"`
	Traits          []string       `json:"traits"`
	ModerationState string         `json:"moderation_state"`
	CreatedAt       time.Time      `json:"created_at"`
}

// PublicUser is what other users may see about a user.
type PublicUser struct {
	ID      string         `json:"id"`
	Profile map[string]any `json:"profile"`
}

// Public returns the public projection of the user.
func (u *User) Public() PublicUser {
	profile := u.Profile
	if profile == nil {
		profile = map[string]any{}
	}
	return PublicUser{ID: u.ID, Profile: profile}
}

// DisplayName returns profile.display_name or "".
func (u *User) DisplayName() string {
	if u.Profile == nil {
		return ""
	}
	name, _ := u.Profile["display_name"].(string)
	return name
}

func (u *User) IsBanned() bool   { return u.ModerationState == ModerationBanned }
func (u *User) IsSilenced() bool { return u.ModerationState == ModerationSilenced }

// Channel is the unit of broadcast: one per chat room or one per
// direct-message participant set.
type Channel struct {
	ID        string    `json:"id"`
	WorldID   string    `json:"world_id"`
	RoomID    string    `json:"room_id,omitempty"`
	DirectKey string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// IsDirect reports whether the channel is a direct-message channel.
func (c *Channel) IsDirect() bool { return c.RoomID == "" }

// Membership is the durable join relationship between a user and a channel.
type Membership struct {
	ChannelID string `json:"channel"`
	UserID    string `json:"user"`
	Volatile  bool   `json:"volatile"`
}

// Event is an immutable, sequence-numbered record appended to a channel.
// Only Content and Edited change, and only through an edit.
type Event struct {
	Channel   string          `json:"channel"`
	EventID   int64           `json:"event_id"`
	EventType string          `json:"event_type"`
	Sender    string          `json:"sender"`
	Edited    *time.Time      `json:"edited"`
	Replaces  *int64          `json:"replaces"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// Question states.
const (
	QuestionModQueue = "mod_queue"
	QuestionVisible  = "visible"
	QuestionAnswered = "answered"
	QuestionArchived = "archived"
)

// Question belongs to a room.
type Question struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	WorldID   string    `json:"-"`
	SenderID  string    `json:"-"`
	Content   string    `json:"content"`
	State     string    `json:"state"`
	IsPinned  bool      `json:"is_pinned"`
	Score     int       `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON adds the derived answered flag.
func (q Question) MarshalJSON() ([]byte, error) {
	type plain Question
	return json.Marshal(struct {
		plain
		Answered bool `json:"answered"`
	}{plain(q), q.State == QuestionAnswered})
}

// Visible reports whether non-moderators may see the question.
func (q *Question) Visible() bool {
	return q.State == QuestionVisible || q.State == QuestionAnswered
}

// Poll states.
const (
	PollDraft  = "draft"
	PollOpen   = "open"
	PollClosed = "closed"
)

// Poll belongs to a room.
type Poll struct {
	ID            string         `json:"id"`
	RoomID        string         `json:"room_id"`
	WorldID       string         `json:"-"`
	Content       string         `json:"content"`
	State         string         `json:"state"`
	PollType      string         `json:"poll_type,omitempty"`
	IsPinned      bool           `json:"is_pinned"`
	Options       []PollOption   `json:"options"`
	CachedResults map[string]int `json:"-"`
	Timestamp     time.Time      `json:"timestamp"`
}

// PollOption is one choice of a poll.
type PollOption struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Order   int    `json:"order"`
}

// HasOption reports whether id names one of the poll's options.
func (p *Poll) HasOption(id string) bool {
	for _, o := range p.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}
