package auth

import (
	"liveroom/internal/authz"
	"liveroom/internal/directory"
	"liveroom/pkg/types"
)

// WorldConfig is the client-facing world configuration. It never carries
// token secrets.
type WorldConfig struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Locale        string               `json:"locale,omitempty"`
	Timezone      string               `json:"timezone,omitempty"`
	ProfileFields []types.ProfileField `json:"profile_fields"`
	Permissions   []types.Permission   `json:"permissions"`
	Rooms         []RoomConfig         `json:"rooms"`
}

// RoomConfig is one room as a user sees it.
type RoomConfig struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Channel     string             `json:"channel,omitempty"`
	SortOrder   int                `json:"sort_order"`
	Modules     []types.Module     `json:"modules"`
	Permissions []types.Permission `json:"permissions"`
}

// BuildWorldConfig renders the world for user, listing only the rooms the
// user may view.
func BuildWorldConfig(gate *authz.Gate, snapshot *directory.Snapshot, user *types.User) WorldConfig {
	world := snapshot.World
	cfg := WorldConfig{
		ID:            world.ID,
		Title:         world.Title,
		Locale:        world.Config.Locale,
		Timezone:      world.Config.Timezone,
		ProfileFields: world.Config.ProfileFields,
		Permissions:   gate.Permissions(world, nil, user),
		Rooms:         []RoomConfig{},
	}
	if cfg.ProfileFields == nil {
		cfg.ProfileFields = []types.ProfileField{}
	}

	for _, room := range snapshot.Rooms {
		if room.Deleted || !gate.HasPermission(world, room, user, types.PermRoomView) {
			continue
		}
		modules := room.Modules
		if modules == nil {
			modules = []types.Module{}
		}
		cfg.Rooms = append(cfg.Rooms, RoomConfig{
			ID:          room.ID,
			Name:        room.Name,
			Channel:     room.ChannelID,
			SortOrder:   room.SortOrder,
			Modules:     modules,
			Permissions: gate.Permissions(world, room, user),
		})
	}
	return cfg
}
