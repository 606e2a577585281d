package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the structure the stores expect
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"worlds":            "World configuration",
	"rooms":             "Room configuration",
	"users":             "World-scoped users",
	"user_blocks":       "Block relationships",
	"channels":          "Room and direct channels",
	"memberships":       "Channel memberships",
	"chat_events":       "Chat event log",
	"read_pointers":     "Per-user read positions",
	"questions":         "Room questions",
	"question_votes":    "Question up-votes",
	"polls":             "Room polls",
	"poll_options":      "Poll options",
	"poll_votes":        "Poll votes",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_rooms_world":         "Room listing per world",
	"idx_user_blocks_blocked": "Reverse block lookups",
	"idx_memberships_user":    "Channel list per user",
	"idx_chat_events_type":    "Membership-free history",
	"idx_questions_room":      "Question listing",
	"idx_polls_room":          "Poll listing",
	"idx_poll_options_poll":   "Option ordering",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateTableStructure verifies the columns the event log and polls
// depend on
func (v *SchemaValidator) ValidateTableStructure() error {
	eventColumns := map[string]string{
		"channel_id": "TEXT",
		"event_id":   "INTEGER",
		"event_type": "TEXT",
		"sender":     "TEXT",
		"content":    "TEXT",
		"replaces":   "INTEGER",
		"edited":     "DATETIME",
		"timestamp":  "DATETIME",
	}
	if err := v.validateColumns("chat_events", eventColumns); err != nil {
		return fmt.Errorf("chat_events table structure invalid: %w", err)
	}

	pollColumns := map[string]string{
		"id":             "TEXT",
		"room_id":        "TEXT",
		"state":          "TEXT",
		"is_pinned":      "INTEGER",
		"cached_results": "TEXT",
	}
	if err := v.validateColumns("polls", pollColumns); err != nil {
		return fmt.Errorf("polls table structure invalid: %w", err)
	}

	return nil
}

// ValidateConstraints verifies that the event log rejects rows for unknown
// channels and duplicate event ids. Requires foreign_keys to be enabled.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO chat_events (channel_id, event_id, event_type, sender, timestamp)
		VALUES ('__missing__', 1, 'channel.message', 'u', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM chat_events WHERE channel_id = '__missing__'")
		return fmt.Errorf("foreign key constraint not enforced: chat_events.channel_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO chat_events (channel_id, event_id, event_type, sender, timestamp)
		VALUES ('__missing__', 0, 'channel.message', 'u', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM chat_events WHERE channel_id = '__missing__'")
		return fmt.Errorf("check constraint not enforced: chat_events.event_id")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
