package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// GetWorld loads a world's configuration.
func (m *Manager) GetWorld(ctx context.Context, worldID string) (*types.World, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, title, config, roles, trait_grants, updated_at
		FROM worlds
		WHERE id = ?
	`, worldID)

	var world types.World
	var config, roles, grants string
	if err := row.Scan(&world.ID, &world.Title, &config, &roles, &grants, &world.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	if err := unmarshalColumn(config, &world.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal world config: %w", err)
	}
	if err := unmarshalColumn(roles, &world.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal world roles: %w", err)
	}
	if err := unmarshalColumn(grants, &world.TraitGrants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal world trait grants: %w", err)
	}
	return &world, nil
}

// ListRooms returns the non-deleted rooms of a world in sort order, each
// with its chat channel id when it has one.
func (m *Manager) ListRooms(ctx context.Context, worldID string) ([]*types.Room, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT r.id, r.world_id, r.name, r.sort_order, r.modules, r.trait_grants, r.deleted, c.id
		FROM rooms r
		LEFT JOIN channels c ON c.room_id = r.id
		WHERE r.world_id = ? AND r.deleted = 0
		ORDER BY r.sort_order, r.id
	`, worldID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []*types.Room
	for rows.Next() {
		var room types.Room
		var modules, grants string
		var channelID sql.NullString
		if err := rows.Scan(&room.ID, &room.WorldID, &room.Name, &room.SortOrder,
			&modules, &grants, &room.Deleted, &channelID); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		if err := unmarshalColumn(modules, &room.Modules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal modules of room %s: %w", room.ID, err)
		}
		if err := unmarshalColumn(grants, &room.TraitGrants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trait grants of room %s: %w", room.ID, err)
		}
		room.ChannelID = channelID.String
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// GetChannel loads a channel of the given world.
func (m *Manager) GetChannel(ctx context.Context, worldID, channelID string) (*types.Channel, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, world_id, room_id, direct_key, created_at
		FROM channels
		WHERE id = ? AND world_id = ?
	`, channelID, worldID)
	return scanChannel(row)
}

func scanChannel(row rowScanner) (*types.Channel, error) {
	var channel types.Channel
	var roomID, directKey sql.NullString
	if err := row.Scan(&channel.ID, &channel.WorldID, &roomID, &directKey, &channel.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	channel.RoomID = roomID.String
	channel.DirectKey = directKey.String
	return &channel, nil
}

// UpsertWorld inserts or replaces a world's configuration.
func (m *Manager) UpsertWorld(ctx context.Context, world *types.World) error {
	config, err := marshalColumn(world.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal world config: %w", err)
	}
	roles, err := marshalColumn(world.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal world roles: %w", err)
	}
	grants, err := marshalColumn(world.TraitGrants)
	if err != nil {
		return fmt.Errorf("failed to marshal world trait grants: %w", err)
	}
	world.UpdatedAt = time.Now().UTC()

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO worlds (id, title, config, roles, trait_grants, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				config = excluded.config,
				roles = excluded.roles,
				trait_grants = excluded.trait_grants,
				updated_at = excluded.updated_at
		`, world.ID, world.Title, config, roles, grants, world.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert world %s: %w", world.ID, err)
		}
		return nil
	})
}

// UpsertRoom inserts or replaces a room's configuration.
func (m *Manager) UpsertRoom(ctx context.Context, room *types.Room) error {
	modules, err := marshalColumn(room.Modules)
	if err != nil {
		return fmt.Errorf("failed to marshal room modules: %w", err)
	}
	grants, err := marshalColumn(room.TraitGrants)
	if err != nil {
		return fmt.Errorf("failed to marshal room trait grants: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (id, world_id, name, sort_order, modules, trait_grants, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				sort_order = excluded.sort_order,
				modules = excluded.modules,
				trait_grants = excluded.trait_grants,
				deleted = excluded.deleted
		`, room.ID, room.WorldID, room.Name, room.SortOrder, modules, grants, room.Deleted)
		if err != nil {
			return fmt.Errorf("failed to upsert room %s: %w", room.ID, err)
		}
		return nil
	})
}

// EnsureRoomChannel returns the room's channel, creating it on first use.
func (m *Manager) EnsureRoomChannel(ctx context.Context, room *types.Room) (*types.Channel, error) {
	var channel *types.Channel
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, world_id, room_id, direct_key, created_at
			FROM channels
			WHERE room_id = ?
		`, room.ID)
		existing, err := scanChannel(row)
		if err == nil {
			channel = existing
			return nil
		}
		if err != interfaces.ErrNotFound {
			return fmt.Errorf("failed to look up channel of room %s: %w", room.ID, err)
		}

		channel = &types.Channel{
			ID:        uuid.NewString(),
			WorldID:   room.WorldID,
			RoomID:    room.ID,
			CreatedAt: time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channels (id, world_id, room_id, created_at)
			VALUES (?, ?, ?, ?)
		`, channel.ID, channel.WorldID, channel.RoomID, channel.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create channel for room %s: %w", room.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	room.ChannelID = channel.ID
	return channel, nil
}

// ClearWorldData deletes all runtime data of a world. Configuration and
// rooms stay.
func (m *Manager) ClearWorldData(ctx context.Context, worldID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM channels WHERE world_id = ?",
			"DELETE FROM questions WHERE world_id = ?",
			"DELETE FROM polls WHERE world_id = ?",
			"DELETE FROM user_blocks WHERE world_id = ?",
			"DELETE FROM users WHERE world_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, worldID); err != nil {
				return fmt.Errorf("failed to clear world %s: %w", worldID, err)
			}
		}
		return nil
	})
}
