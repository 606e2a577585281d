package database

import (
	"context"
	"database/sql"
	"fmt"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

const questionColumns = `id, world_id, room_id, sender_id, content, state, is_pinned, score, timestamp`

func scanQuestion(row rowScanner) (*types.Question, error) {
	var q types.Question
	if err := row.Scan(&q.ID, &q.WorldID, &q.RoomID, &q.SenderID, &q.Content,
		&q.State, &q.IsPinned, &q.Score, &q.Timestamp); err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// CreateQuestion inserts a new question.
func (m *Manager) CreateQuestion(ctx context.Context, q *types.Question) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO questions (`+questionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, q.ID, q.WorldID, q.RoomID, q.SenderID, q.Content, q.State, q.IsPinned, q.Score, q.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert question: %w", err)
		}
		return nil
	})
}

// UpdateQuestion stores content and state.
func (m *Manager) UpdateQuestion(ctx context.Context, q *types.Question) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE questions SET content = ?, state = ?
			WHERE id = ? AND room_id = ?
		`, q.Content, q.State, q.ID, q.RoomID)
		if err != nil {
			return fmt.Errorf("failed to update question: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// GetQuestion loads a question of a room.
func (m *Manager) GetQuestion(ctx context.Context, roomID, questionID string) (*types.Question, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ? AND room_id = ?`, questionID, roomID)
	return scanQuestion(row)
}

// ListQuestions returns every question of a room, oldest first.
func (m *Manager) ListQuestions(ctx context.Context, roomID string) ([]*types.Question, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE room_id = ? ORDER BY timestamp, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	questions := []*types.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// DeleteQuestion removes a question and its votes.
func (m *Manager) DeleteQuestion(ctx context.Context, roomID, questionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM questions WHERE id = ? AND room_id = ?`, questionID, roomID)
		if err != nil {
			return fmt.Errorf("failed to delete question: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// SetQuestionVote sets or clears a user's up-vote and recomputes the score.
func (m *Manager) SetQuestionVote(ctx context.Context, questionID, userID string, vote bool) (int, error) {
	var score int
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if vote {
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO question_votes (question_id, user_id) VALUES (?, ?)`, questionID, userID)
		} else {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM question_votes WHERE question_id = ? AND user_id = ?`, questionID, userID)
		}
		if err != nil {
			return fmt.Errorf("failed to store vote: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM question_votes WHERE question_id = ?`, questionID).Scan(&score); err != nil {
			return fmt.Errorf("failed to count votes: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE questions SET score = ? WHERE id = ?`, score, questionID)
		if err != nil {
			return fmt.Errorf("failed to update score: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
	return score, err
}

// VotedQuestions returns the ids of questions in a room the user up-voted.
func (m *Manager) VotedQuestions(ctx context.Context, roomID, userID string) (map[string]bool, error) {
	ids, err := m.queryStrings(ctx, `
		SELECT v.question_id FROM question_votes v
		JOIN questions q ON q.id = v.question_id
		WHERE q.room_id = ? AND v.user_id = ?
	`, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	voted := make(map[string]bool, len(ids))
	for _, id := range ids {
		voted[id] = true
	}
	return voted, nil
}

// PinQuestion makes questionID the only pinned question of its room.
func (m *Manager) PinQuestion(ctx context.Context, roomID, questionID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		return pinExclusive(ctx, tx, "questions", roomID, questionID)
	})
}

// UnpinQuestions clears the pin of a room.
func (m *Manager) UnpinQuestions(ctx context.Context, roomID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE questions SET is_pinned = 0 WHERE room_id = ?`, roomID)
		return err
	})
}

// pinExclusive pins one row of table and unpins the rest of the room.
func pinExclusive(ctx context.Context, tx *sql.Tx, table, roomID, id string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET is_pinned = 0 WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to unpin %s: %w", table, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET is_pinned = 1 WHERE room_id = ? AND id = ?`, roomID, id)
	if err != nil {
		return fmt.Errorf("failed to pin %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
