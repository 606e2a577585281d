package database

import (
	"context"
	"database/sql"
	"fmt"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

const pollColumns = `id, world_id, room_id, content, state, poll_type, is_pinned, cached_results, timestamp`

func scanPoll(row rowScanner) (*types.Poll, error) {
	var p types.Poll
	var cached sql.NullString
	if err := row.Scan(&p.ID, &p.WorldID, &p.RoomID, &p.Content, &p.State,
		&p.PollType, &p.IsPinned, &cached, &p.Timestamp); err != nil {
		return nil, notFound(err)
	}
	if cached.Valid {
		if err := unmarshalColumn(cached.String, &p.CachedResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached results of poll %s: %w", p.ID, err)
		}
	}
	p.Options = []types.PollOption{}
	return &p, nil
}

func cachedResultsColumn(results map[string]int) (sql.NullString, error) {
	if results == nil {
		return sql.NullString{}, nil
	}
	data, err := marshalColumn(results)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: data, Valid: true}, nil
}

// CreatePoll inserts a poll and its options.
func (m *Manager) CreatePoll(ctx context.Context, p *types.Poll) error {
	cached, err := cachedResultsColumn(p.CachedResults)
	if err != nil {
		return fmt.Errorf("failed to marshal cached results: %w", err)
	}
	if p.PollType == "" {
		p.PollType = "choice"
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO polls (`+pollColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.WorldID, p.RoomID, p.Content, p.State, p.PollType, p.IsPinned, cached, p.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert poll: %w", err)
		}
		return upsertOptions(ctx, tx, p)
	})
}

func upsertOptions(ctx context.Context, tx *sql.Tx, p *types.Poll) error {
	keep := make([]string, 0, len(p.Options))
	for _, o := range p.Options {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO poll_options (id, poll_id, content, sort_order)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET content = excluded.content, sort_order = excluded.sort_order
			WHERE poll_options.poll_id = excluded.poll_id
		`, o.ID, p.ID, o.Content, o.Order)
		if err != nil {
			return fmt.Errorf("failed to store poll option: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("poll option %s belongs to another poll: %w", o.ID, interfaces.ErrAlreadyExists)
		}
		keep = append(keep, o.ID)
	}

	query := `DELETE FROM poll_options WHERE poll_id = ?`
	args := []any{p.ID}
	if len(keep) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(keep)) + `)`
		args = append(args, stringArgs(keep)...)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune poll options: %w", err)
	}
	return nil
}

// UpdatePoll stores content, state, cached results and the option list.
// A nil option list leaves the options untouched.
func (m *Manager) UpdatePoll(ctx context.Context, p *types.Poll) error {
	cached, err := cachedResultsColumn(p.CachedResults)
	if err != nil {
		return fmt.Errorf("failed to marshal cached results: %w", err)
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE polls SET content = ?, state = ?, poll_type = ?, cached_results = ?
			WHERE id = ? AND room_id = ?
		`, p.Content, p.State, p.PollType, cached, p.ID, p.RoomID)
		if err != nil {
			return fmt.Errorf("failed to update poll: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		if p.Options == nil {
			return nil
		}
		return upsertOptions(ctx, tx, p)
	})
}

// GetPoll loads a poll with its options.
func (m *Manager) GetPoll(ctx context.Context, roomID, pollID string) (*types.Poll, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE id = ? AND room_id = ?`, pollID, roomID)
	p, err := scanPoll(row)
	if err != nil {
		return nil, err
	}
	if err := m.loadOptions(ctx, map[string]*types.Poll{p.ID: p},
		`SELECT id, poll_id, content, sort_order FROM poll_options WHERE poll_id = ? ORDER BY sort_order, id`,
		p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPolls returns every poll of a room with options, oldest first.
func (m *Manager) ListPolls(ctx context.Context, roomID string) ([]*types.Poll, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE room_id = ? ORDER BY timestamp, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query polls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	polls := []*types.Poll{}
	byID := make(map[string]*types.Poll)
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		polls = append(polls, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	if len(polls) == 0 {
		return polls, nil
	}
	if err := m.loadOptions(ctx, byID, `
		SELECT o.id, o.poll_id, o.content, o.sort_order FROM poll_options o
		JOIN polls p ON p.id = o.poll_id
		WHERE p.room_id = ?
		ORDER BY o.sort_order, o.id
	`, roomID); err != nil {
		return nil, err
	}
	return polls, nil
}

func (m *Manager) loadOptions(ctx context.Context, polls map[string]*types.Poll, query string, args ...any) error {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query poll options: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var o types.PollOption
		var pollID string
		if err := rows.Scan(&o.ID, &pollID, &o.Content, &o.Order); err != nil {
			return err
		}
		if p, ok := polls[pollID]; ok {
			p.Options = append(p.Options, o)
		}
	}
	return rows.Err()
}

// DeletePoll removes a poll with its options and votes.
func (m *Manager) DeletePoll(ctx context.Context, roomID, pollID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM polls WHERE id = ? AND room_id = ?`, pollID, roomID)
		if err != nil {
			return fmt.Errorf("failed to delete poll: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// SetPollVote records the user's single choice, replacing an earlier one.
func (m *Manager) SetPollVote(ctx context.Context, pollID, userID, optionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO poll_votes (poll_id, user_id, option_id)
			VALUES (?, ?, ?)
			ON CONFLICT(poll_id, user_id) DO UPDATE SET option_id = excluded.option_id
		`, pollID, userID, optionID)
		if err != nil {
			return fmt.Errorf("failed to store poll vote: %w", err)
		}
		return nil
	})
}

// PollVotes returns user id to chosen option id.
func (m *Manager) PollVotes(ctx context.Context, pollID string) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id, option_id FROM poll_votes WHERE poll_id = ?`, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	votes := make(map[string]string)
	for rows.Next() {
		var userID, optionID string
		if err := rows.Scan(&userID, &optionID); err != nil {
			return nil, err
		}
		votes[userID] = optionID
	}
	return votes, rows.Err()
}

// PinPoll makes pollID the only pinned poll of its room.
func (m *Manager) PinPoll(ctx context.Context, roomID, pollID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		return pinExclusive(ctx, tx, "polls", roomID, pollID)
	})
}

// UnpinPolls clears the pin of a room.
func (m *Manager) UnpinPolls(ctx context.Context, roomID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE polls SET is_pinned = 0 WHERE room_id = ?`, roomID)
		return err
	})
}
