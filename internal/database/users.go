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

const userColumns = `id, world_id, client_id, token_id, profile, traits, moderation_state, created_at`

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	var clientID, tokenID sql.NullString
	var profile, traits string
	if err := row.Scan(&user.ID, &user.WorldID, &clientID, &tokenID,
		&profile, &traits, &user.ModerationState, &user.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	user.ClientID = clientID.String
	user.TokenID = tokenID.String
	if err := unmarshalColumn(profile, &user.Profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile of user %s: %w", user.ID, err)
	}
	if err := unmarshalColumn(traits, &user.Traits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal traits of user %s: %w", user.ID, err)
	}
	if user.Profile == nil {
		user.Profile = map[string]any{}
	}
	return &user, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetUser loads a user of a world.
func (m *Manager) GetUser(ctx context.Context, worldID, userID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ? AND world_id = ?`, userID, worldID)
	return scanUser(row)
}

// GetUsers loads the users that exist among userIDs. Missing ids are skipped.
func (m *Manager) GetUsers(ctx context.Context, worldID string, userIDs []string) ([]*types.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	args := append([]any{worldID}, stringArgs(userIDs)...)
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE world_id = ? AND id IN (`+placeholders(len(userIDs))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// FindOrCreateUser resolves a login to a user. Token logins refresh the
// stored traits from the token on every call.
func (m *Manager) FindOrCreateUser(ctx context.Context, worldID string, key interfaces.UserKey, traits []string) (*types.User, bool, error) {
	if (key.ClientID == "") == (key.TokenID == "") {
		return nil, false, fmt.Errorf("exactly one of client id and token id is required")
	}
	if traits == nil {
		traits = []string{}
	}
	traitsJSON, err := marshalColumn(traits)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal traits: %w", err)
	}

	var user *types.User
	var created bool
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		column, value := "client_id", key.ClientID
		if key.TokenID != "" {
			column, value = "token_id", key.TokenID
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE world_id = ? AND `+column+` = ?`, worldID, value)
		existing, err := scanUser(row)
		if err == nil {
			if key.TokenID != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE users SET traits = ? WHERE id = ?`, traitsJSON, existing.ID); err != nil {
					return fmt.Errorf("failed to refresh traits: %w", err)
				}
				existing.Traits = traits
			}
			user = existing
			return nil
		}
		if err != interfaces.ErrNotFound {
			return err
		}

		user = &types.User{
			ID:        uuid.NewString(),
			WorldID:   worldID,
			ClientID:  key.ClientID,
			TokenID:   key.TokenID,
			Profile:   map[string]any{},
			Traits:    traits,
			CreatedAt: time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, world_id, client_id, token_id, profile, traits, moderation_state, created_at)
			VALUES (?, ?, ?, ?, '{}', ?, '', ?)
		`, user.ID, worldID, nullable(key.ClientID), nullable(key.TokenID), traitsJSON, user.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

// UpdateProfile replaces the profile of a user and returns the stored
// record. Other columns are left as they are.
func (m *Manager) UpdateProfile(ctx context.Context, worldID, userID string, profile map[string]any) (*types.User, error) {
	data, err := marshalColumn(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile: %w", err)
	}
	return m.updateUserColumn(ctx, worldID, userID, "profile", data)
}

// SetTraits replaces the traits of a user.
func (m *Manager) SetTraits(ctx context.Context, worldID, userID string, traits []string) (*types.User, error) {
	if traits == nil {
		traits = []string{}
	}
	data, err := marshalColumn(traits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal traits: %w", err)
	}
	return m.updateUserColumn(ctx, worldID, userID, "traits", data)
}

// SetModerationState changes the moderation state of a user.
func (m *Manager) SetModerationState(ctx context.Context, worldID, userID, state string) (*types.User, error) {
	return m.updateUserColumn(ctx, worldID, userID, "moderation_state", state)
}

// updateUserColumn writes one column and reads the row back in the same
// transaction. column is never user input.
func (m *Manager) updateUserColumn(ctx context.Context, worldID, userID, column string, value any) (*types.User, error) {
	var user *types.User
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET `+column+` = ? WHERE id = ? AND world_id = ?`, value, userID, worldID)
		if err != nil {
			return fmt.Errorf("failed to update %s of user %s: %w", column, userID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		user, err = scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = ? AND world_id = ?`, userID, worldID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// AddBlock records that blocker blocks blocked. Repeating it is a no-op.
func (m *Manager) AddBlock(ctx context.Context, worldID, blockerID, blockedID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO user_blocks (world_id, blocker_id, blocked_id, created_at)
			VALUES (?, ?, ?, ?)
		`, worldID, blockerID, blockedID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to block user: %w", err)
		}
		return nil
	})
}

// RemoveBlock deletes a block and reports whether one existed.
func (m *Manager) RemoveBlock(ctx context.Context, worldID, blockerID, blockedID string) (bool, error) {
	var removed bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			DELETE FROM user_blocks WHERE world_id = ? AND blocker_id = ? AND blocked_id = ?
		`, worldID, blockerID, blockedID)
		if err != nil {
			return fmt.Errorf("failed to unblock user: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// ListBlocked returns the ids blocker has blocked, oldest first.
func (m *Manager) ListBlocked(ctx context.Context, worldID, blockerID string) ([]string, error) {
	return m.queryStrings(ctx, `
		SELECT blocked_id FROM user_blocks
		WHERE world_id = ? AND blocker_id = ?
		ORDER BY created_at, blocked_id
	`, worldID, blockerID)
}

// BlockedBy returns the ids of users that blocked userID.
func (m *Manager) BlockedBy(ctx context.Context, worldID, userID string) ([]string, error) {
	return m.queryStrings(ctx, `
		SELECT blocker_id FROM user_blocks
		WHERE world_id = ? AND blocked_id = ?
		ORDER BY blocker_id
	`, worldID, userID)
}

func (m *Manager) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
