package storage

import (
	"errors"
	"fmt"

	"github.com/DoubleLatte/ntp/models"
)

// AppendActivity stores an audit log entry. A zero timestamp is filled with
// the current wall clock in milliseconds.
func (s *Store) AppendActivity(entry models.ActivityEntry) (models.ActivityEntry, error) {
	if entry.Action == "" {
		return models.ActivityEntry{}, errors.New("activity action is required")
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		"INSERT INTO activity_log (action, details, timestamp) VALUES (?, ?, ?);",
		entry.Action, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return models.ActivityEntry{}, fmt.Errorf("append activity entry: %w", err)
	}

	return entry, nil
}

// ListActivity returns stored activity entries in chronological order. A
// limit of zero or less returns the full log.
func (s *Store) ListActivity(limit int) ([]models.ActivityEntry, error) {
	query := "SELECT action, details, timestamp FROM activity_log ORDER BY timestamp, id;"
	args := []any{}
	if limit > 0 {
		query = `
SELECT action, details, timestamp FROM (
  SELECT id, action, details, timestamp
  FROM activity_log ORDER BY timestamp DESC, id DESC LIMIT ?
) ORDER BY timestamp, id;
`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity entries: %w", err)
	}
	defer rows.Close()

	entries := []models.ActivityEntry{}
	for rows.Next() {
		var entry models.ActivityEntry
		if err := rows.Scan(&entry.Action, &entry.Details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity entries: %w", err)
	}

	return entries, nil
}
