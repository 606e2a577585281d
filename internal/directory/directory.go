// Package directory is the read-mostly lookup service for worlds, rooms
// and channels. Snapshots are loaded from the store once, cached, and
// replaced only through Invalidate.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

var (
	ErrUnknownWorld   = errors.New("unknown world")
	ErrUnknownRoom    = errors.New("unknown room")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Snapshot is an immutable view of one world and its rooms. Callers must
// not modify it.
type Snapshot struct {
	World *types.World  `json:"world"`
	Rooms []*types.Room `json:"rooms"`

	rooms     map[string]*types.Room
	byChannel map[string]*types.Room
}

func (s *Snapshot) index() {
	s.rooms = make(map[string]*types.Room, len(s.Rooms))
	s.byChannel = make(map[string]*types.Room, len(s.Rooms))
	for _, room := range s.Rooms {
		s.rooms[room.ID] = room
		if room.ChannelID != "" {
			s.byChannel[room.ChannelID] = room
		}
	}
}

// Room returns a non-deleted room of the world.
func (s *Snapshot) Room(roomID string) (*types.Room, bool) {
	room, ok := s.rooms[roomID]
	if !ok || room.Deleted {
		return nil, false
	}
	return room, true
}

// RoomByChannel returns the room owning a room channel.
func (s *Snapshot) RoomByChannel(channelID string) (*types.Room, bool) {
	room, ok := s.byChannel[channelID]
	if !ok || room.Deleted {
		return nil, false
	}
	return room, true
}

// Directory resolves worlds, rooms and channels through a cache.
type Directory struct {
	store  interfaces.WorldStore
	cache  Cache
	group  singleflight.Group
	logger *slog.Logger
	loads  atomic.Uint64
}

// New creates a directory over store. A nil cache means an in-process one.
func New(store interfaces.WorldStore, cache Cache, logger *slog.Logger) *Directory {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  store,
		cache:  cache,
		logger: logger.With("component", "directory"),
	}
}

// World returns the snapshot of a world or ErrUnknownWorld.
func (d *Directory) World(ctx context.Context, worldID string) (*Snapshot, error) {
	var cached Snapshot
	hit, err := d.cache.Get(ctx, worldID, &cached)
	if err != nil {
		d.logger.Warn("directory cache read failed", "world", worldID, "error", err)
	}
	if hit && cached.World != nil {
		cached.index()
		return &cached, nil
	}

	v, err, _ := d.group.Do(worldID, func() (any, error) {
		return d.load(ctx, worldID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (d *Directory) load(ctx context.Context, worldID string) (*Snapshot, error) {
	d.loads.Add(1)

	world, err := d.store.GetWorld(ctx, worldID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUnknownWorld
		}
		return nil, fmt.Errorf("failed to load world %s: %w", worldID, err)
	}

	rooms, err := d.store.ListRooms(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms of world %s: %w", worldID, err)
	}

	for _, room := range rooms {
		if _, ok := room.Module(types.ModuleChatNative); !ok || room.ChannelID != "" {
			continue
		}
		if _, err := d.store.EnsureRoomChannel(ctx, room); err != nil {
			return nil, fmt.Errorf("failed to create channel for room %s: %w", room.ID, err)
		}
	}

	snapshot := &Snapshot{World: world, Rooms: rooms}
	snapshot.index()

	if err := d.cache.Set(ctx, worldID, snapshot); err != nil {
		d.logger.Warn("directory cache write failed", "world", worldID, "error", err)
	}
	d.logger.Debug("world loaded", "world", worldID, "rooms", len(rooms))
	return snapshot, nil
}

// Invalidate drops the cached snapshot of a world.
func (d *Directory) Invalidate(ctx context.Context, worldID string) error {
	d.group.Forget(worldID)
	return d.cache.Delete(ctx, worldID)
}

// Room resolves a room of a world.
func (d *Directory) Room(ctx context.Context, worldID, roomID string) (*Snapshot, *types.Room, error) {
	snapshot, err := d.World(ctx, worldID)
	if err != nil {
		return nil, nil, err
	}
	room, ok := snapshot.Room(roomID)
	if !ok {
		return snapshot, nil, ErrUnknownRoom
	}
	return snapshot, room, nil
}

// Channel resolves a channel of a world. The room is nil for direct
// channels.
func (d *Directory) Channel(ctx context.Context, snapshot *Snapshot, channelID string) (*types.Channel, *types.Room, error) {
	if room, ok := snapshot.RoomByChannel(channelID); ok {
		return &types.Channel{ID: channelID, WorldID: snapshot.World.ID, RoomID: room.ID}, room, nil
	}

	channel, err := d.store.GetChannel(ctx, snapshot.World.ID, channelID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, nil, ErrUnknownChannel
		}
		return nil, nil, fmt.Errorf("failed to load channel %s: %w", channelID, err)
	}
	if !channel.IsDirect() {
		// Room channel of a deleted or unknown room.
		return nil, nil, ErrUnknownChannel
	}
	return channel, nil, nil
}

// Stats reports cache and load counters.
func (d *Directory) Stats() map[string]any {
	return map[string]any{
		"loads": d.loads.Load(),
		"cache": d.cache.Stats(),
	}
}
