package types

// Permission is a capability string resolved from traits through roles.
type Permission string

const (
	PermWorldView        Permission = "world:view"
	PermWorldUpdate      Permission = "world:update"
	PermWorldChatDirect  Permission = "world:chat.direct"
	PermWorldUsersList   Permission = "world:users.list"
	PermWorldUsersManage Permission = "world:users.manage"
	PermRoomView         Permission = "room:view"
	PermRoomChatRead     Permission = "room:chat.read"
	PermRoomChatJoin     Permission = "room:chat.join"
	PermRoomChatSend     Permission = "room:chat.send"
	PermRoomChatModerate Permission = "room:chat.moderate"
	PermRoomQuestionRead Permission = "room:question.read"
	PermRoomQuestionAsk  Permission = "room:question.ask"
	PermRoomQuestionVote Permission = "room:question.vote"
	PermRoomQuestionMod  Permission = "room:question.moderate"
	PermRoomPollRead     Permission = "room:poll.read"
	PermRoomPollVote     Permission = "room:poll.vote"
	PermRoomPollManage   Permission = "room:poll.manage"
)

// SilencedPermissions caps what a silenced user may still do.
var SilencedPermissions = map[Permission]bool{
	PermWorldView:        true,
	PermRoomView:         true,
	PermRoomChatRead:     true,
	PermRoomQuestionRead: true,
	PermRoomPollRead:     true,
}

// SystemRoles are used when a world does not define a role of that name.
var SystemRoles = map[string][]Permission{
	"viewer": {
		PermWorldView,
		PermRoomView,
	},
	"participant": {
		PermWorldView,
		PermWorldChatDirect,
		PermRoomView,
		PermRoomChatRead,
		PermRoomChatJoin,
		PermRoomChatSend,
		PermRoomQuestionRead,
		PermRoomQuestionAsk,
		PermRoomQuestionVote,
		PermRoomPollRead,
		PermRoomPollVote,
	},
	"moderator": {
		PermWorldView,
		PermRoomView,
		PermRoomChatRead,
		PermRoomChatJoin,
		PermRoomChatSend,
		PermRoomChatModerate,
		PermRoomQuestionRead,
		PermRoomQuestionAsk,
		PermRoomQuestionVote,
		PermRoomQuestionMod,
		PermRoomPollRead,
		PermRoomPollVote,
		PermRoomPollManage,
	},
	"admin": {
		PermWorldView,
		PermWorldUpdate,
		PermWorldChatDirect,
		PermWorldUsersList,
		PermWorldUsersManage,
		PermRoomView,
		PermRoomChatRead,
		PermRoomChatJoin,
		PermRoomChatSend,
		PermRoomChatModerate,
		PermRoomQuestionRead,
		PermRoomQuestionAsk,
		PermRoomQuestionVote,
		PermRoomQuestionMod,
		PermRoomPollRead,
		PermRoomPollVote,
		PermRoomPollManage,
	},
}
