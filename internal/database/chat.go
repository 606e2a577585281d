package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

const eventColumns = `channel_id, event_id, event_type, sender, content, replaces, edited, timestamp`

func scanEvent(row rowScanner) (*types.Event, error) {
	var event types.Event
	var content string
	var replaces sql.NullInt64
	var edited sql.NullTime
	if err := row.Scan(&event.Channel, &event.EventID, &event.EventType, &event.Sender,
		&content, &replaces, &edited, &event.Timestamp); err != nil {
		return nil, notFound(err)
	}
	event.Content = json.RawMessage(content)
	if replaces.Valid {
		event.Replaces = &replaces.Int64
	}
	if edited.Valid {
		event.Edited = &edited.Time
	}
	return &event, nil
}

// AppendEvent inserts an event. The caller assigns EventID.
func (m *Manager) AppendEvent(ctx context.Context, event *types.Event) error {
	content := string(event.Content)
	if content == "" {
		content = "{}"
	}
	var replaces sql.NullInt64
	if event.Replaces != nil {
		replaces = sql.NullInt64{Int64: *event.Replaces, Valid: true}
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO chat_events (channel_id, event_id, event_type, sender, content, replaces, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, event.Channel, event.EventID, event.EventType, event.Sender, content, replaces, event.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("event %d of channel %s: %w", event.EventID, event.Channel, interfaces.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	})
}

// UpdateEventContent rewrites the content of an existing event in place.
func (m *Manager) UpdateEventContent(ctx context.Context, channelID string, eventID int64, content json.RawMessage, edited time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE chat_events SET content = ?, edited = ?
			WHERE channel_id = ? AND event_id = ?
		`, string(content), edited, channelID, eventID)
		if err != nil {
			return fmt.Errorf("failed to update event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// GetEvent loads a single event.
func (m *Manager) GetEvent(ctx context.Context, channelID string, eventID int64) (*types.Event, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM chat_events WHERE channel_id = ? AND event_id = ?`,
		channelID, eventID)
	return scanEvent(row)
}

// FetchEvents returns up to count events below beforeID, newest first.
func (m *Manager) FetchEvents(ctx context.Context, channelID string, beforeID int64, count int, skipMembership bool) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM chat_events WHERE channel_id = ? AND event_id < ?`
	args := []any{channelID, beforeID}
	if skipMembership {
		query += ` AND event_type != ?`
		args = append(args, types.EventTypeMember)
	}
	query += ` ORDER BY event_id DESC LIMIT ?`
	args = append(args, count)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*types.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MaxEventID returns the highest event id of a channel, 0 when empty.
func (m *Manager) MaxEventID(ctx context.Context, channelID string) (int64, error) {
	var id int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM chat_events WHERE channel_id = ?`, channelID).Scan(&id)
	return id, err
}

// MaxNonMemberEventID returns the highest id of a non-membership event.
func (m *Manager) MaxNonMemberEventID(ctx context.Context, channelID string) (int64, error) {
	var id int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM chat_events WHERE channel_id = ? AND event_type != ?`,
		channelID, types.EventTypeMember).Scan(&id)
	return id, err
}

// AddMembership creates a membership. A persistent join upgrades an
// existing volatile one; the reverse never happens.
func (m *Manager) AddMembership(ctx context.Context, channelID, userID string, volatile bool) (bool, error) {
	var created bool
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var existing bool
		err := tx.QueryRowContext(ctx,
			`SELECT volatile FROM memberships WHERE channel_id = ? AND user_id = ?`,
			channelID, userID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO memberships (channel_id, user_id, volatile, created_at)
				VALUES (?, ?, ?, ?)
			`, channelID, userID, volatile, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to add membership: %w", err)
			}
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to read membership: %w", err)
		}

		if existing && !volatile {
			_, err = tx.ExecContext(ctx,
				`UPDATE memberships SET volatile = 0 WHERE channel_id = ? AND user_id = ?`,
				channelID, userID)
			if err != nil {
				return fmt.Errorf("failed to upgrade membership: %w", err)
			}
		}
		return nil
	})
	return created, err
}

// RemoveMembership deletes a membership and reports whether one existed.
func (m *Manager) RemoveMembership(ctx context.Context, channelID, userID string) (bool, error) {
	var removed bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM memberships WHERE channel_id = ? AND user_id = ?`, channelID, userID)
		if err != nil {
			return fmt.Errorf("failed to remove membership: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// GetMembership loads a membership or returns ErrNotFound.
func (m *Manager) GetMembership(ctx context.Context, channelID, userID string) (*types.Membership, error) {
	membership := types.Membership{ChannelID: channelID, UserID: userID}
	err := m.db.QueryRowContext(ctx,
		`SELECT volatile FROM memberships WHERE channel_id = ? AND user_id = ?`,
		channelID, userID).Scan(&membership.Volatile)
	if err != nil {
		return nil, notFound(err)
	}
	return &membership, nil
}

// ListMembers returns the user ids of a channel's members.
func (m *Manager) ListMembers(ctx context.Context, channelID string) ([]string, error) {
	return m.queryStrings(ctx,
		`SELECT user_id FROM memberships WHERE channel_id = ? ORDER BY created_at, user_id`, channelID)
}

// ListChannelsForUser returns the channel ids a user is a member of.
func (m *Manager) ListChannelsForUser(ctx context.Context, worldID, userID string, includeVolatile bool) ([]string, error) {
	query := `
		SELECT m.channel_id FROM memberships m
		JOIN channels c ON c.id = m.channel_id
		WHERE c.world_id = ? AND m.user_id = ?`
	if !includeVolatile {
		query += ` AND m.volatile = 0`
	}
	query += ` ORDER BY m.created_at, m.channel_id`
	return m.queryStrings(ctx, query, worldID, userID)
}

// DirectKey is the canonical identity of a direct-message participant set.
func DirectKey(worldID string, userIDs []string) string {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	return worldID + ":" + strings.Join(ids, ",")
}

// GetOrCreateDirectChannel finds the channel of exactly this participant
// set or creates it with persistent memberships for all participants.
func (m *Manager) GetOrCreateDirectChannel(ctx context.Context, worldID string, userIDs []string) (*types.Channel, bool, error) {
	key := DirectKey(worldID, userIDs)

	var channel *types.Channel
	var created bool
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, world_id, room_id, direct_key, created_at
			FROM channels
			WHERE direct_key = ?
		`, key)
		existing, err := scanChannel(row)
		if err == nil {
			channel = existing
			return nil
		}
		if err != interfaces.ErrNotFound {
			return fmt.Errorf("failed to look up direct channel: %w", err)
		}

		now := time.Now().UTC()
		channel = &types.Channel{ID: uuid.NewString(), WorldID: worldID, DirectKey: key, CreatedAt: now}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, world_id, direct_key, created_at)
			VALUES (?, ?, ?, ?)
		`, channel.ID, worldID, key, now); err != nil {
			return fmt.Errorf("failed to create direct channel: %w", err)
		}
		for _, userID := range userIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memberships (channel_id, user_id, volatile, created_at)
				VALUES (?, ?, 0, ?)
			`, channel.ID, userID, now); err != nil {
				return fmt.Errorf("failed to add direct member %s: %w", userID, err)
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return channel, created, nil
}

// SetReadPointer stores the last event a user has read in a channel.
func (m *Manager) SetReadPointer(ctx context.Context, userID, channelID string, eventID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO read_pointers (user_id, channel_id, event_id)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id, channel_id) DO UPDATE SET event_id = excluded.event_id
		`, userID, channelID, eventID)
		if err != nil {
			return fmt.Errorf("failed to store read pointer: %w", err)
		}
		return nil
	})
}

// ReadPointers returns channel id to last read event id for a user.
func (m *Manager) ReadPointers(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT channel_id, event_id FROM read_pointers WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query read pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pointers := make(map[string]int64)
	for rows.Next() {
		var channelID string
		var eventID int64
		if err := rows.Scan(&channelID, &eventID); err != nil {
			return nil, err
		}
		pointers[channelID] = eventID
	}
	return pointers, rows.Err()
}
