package storage

import (
	"errors"
	"fmt"

	"github.com/DoubleLatte/ntp/models"
)

// AppendChat stores a chat message. A zero timestamp is filled with the
// current wall clock in milliseconds.
func (s *Store) AppendChat(record models.ChatRecord) (models.ChatRecord, error) {
	if record.Body == "" {
		return models.ChatRecord{}, errors.New("chat body is required")
	}
	if record.SenderAddress == "" {
		return models.ChatRecord{}, errors.New("chat sender address is required")
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		"INSERT INTO chat_messages (body, sender_address, group_name, timestamp) VALUES (?, ?, ?, ?);",
		record.Body, record.SenderAddress, record.Group, record.Timestamp,
	)
	if err != nil {
		return models.ChatRecord{}, fmt.Errorf("append chat message: %w", err)
	}

	return record, nil
}

// ListChat returns stored chat messages in chronological order. A limit of
// zero or less returns the full history.
func (s *Store) ListChat(limit int) ([]models.ChatRecord, error) {
	query := "SELECT body, sender_address, group_name, timestamp FROM chat_messages ORDER BY timestamp, id;"
	args := []any{}
	if limit > 0 {
		query = `
SELECT body, sender_address, group_name, timestamp FROM (
  SELECT id, body, sender_address, group_name, timestamp
  FROM chat_messages ORDER BY timestamp DESC, id DESC LIMIT ?
) ORDER BY timestamp, id;
`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	records := []models.ChatRecord{}
	for rows.Next() {
		var record models.ChatRecord
		if err := rows.Scan(&record.Body, &record.SenderAddress, &record.Group, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}

	return records, nil
}
