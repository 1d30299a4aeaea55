package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	orderAsc  = "ORDER BY show_ts ASC, id ASC"
	orderDesc = "ORDER BY show_ts DESC, id DESC"
)

func (s *Store) selectMessages(label, where string, args []interface{}, order string, limit int) ([]*Message, error) {
	q := "SELECT " + messageColumns + " FROM _messages WHERE " + where + " " + order
	if limit > 0 {
		q = fmt.Sprintf("%s LIMIT %d", q, limit)
	}
	var ms []*Message
	err := s.db.RunReadOnly(label, func() error {
		if err := s.db.Tx.Select(&ms, q, args...); err != nil {
			return fmt.Errorf("store: error selecting %s: %w", label, err)
		}
		return nil
	})
	return ms, err
}

// AfterKey returns up to limit messages whose ordering key is strictly greater than key, oldest first.
func (s *Store) AfterKey(roomID string, key uint64, limit int) ([]*Message, error) {
	return s.selectMessages("messages after key", "room_id = ? AND show_ts > ?", []interface{}{roomID, key}, orderAsc, limit)
}

// AtOrBeforeKey returns up to limit messages whose ordering key is at most key, newest first.
func (s *Store) AtOrBeforeKey(roomID string, key uint64, limit int) ([]*Message, error) {
	return s.selectMessages("messages at or before key", "room_id = ? AND show_ts <= ?", []interface{}{roomID, key}, orderDesc, limit)
}

// MessagesAfter returns messages ordered after p (or at p when inclusive), oldest first.
func (s *Store) MessagesAfter(roomID string, p Position, inclusive bool, limit int) ([]*Message, error) {
	op := ">"
	if inclusive {
		op = ">="
	}
	return s.selectMessages("messages after", "room_id = ? AND (show_ts > ? OR (show_ts = ? AND id "+op+" ?))", []interface{}{roomID, p.Key, p.Key, p.ID}, orderAsc, limit)
}

// MessagesBefore returns messages ordered before p (or at p when inclusive), newest first.
func (s *Store) MessagesBefore(roomID string, p Position, inclusive bool, limit int) ([]*Message, error) {
	op := "<"
	if inclusive {
		op = "<="
	}
	return s.selectMessages("messages before", "room_id = ? AND (show_ts < ? OR (show_ts = ? AND id "+op+" ?))", []interface{}{roomID, p.Key, p.Key, p.ID}, orderDesc, limit)
}

// MessagesBetween returns every message in [min, max], oldest first.
func (s *Store) MessagesBetween(roomID string, min, max Position) ([]*Message, error) {
	return s.selectMessages("messages between",
		"room_id = ? AND (show_ts > ? OR (show_ts = ? AND id >= ?)) AND (show_ts < ? OR (show_ts = ? AND id <= ?))",
		[]interface{}{roomID, min.Key, min.Key, min.ID, max.Key, max.Key, max.ID}, orderAsc, 0)
}

// Latest returns the newest limit messages, newest first.
func (s *Store) Latest(roomID string, limit int) ([]*Message, error) {
	return s.selectMessages("latest messages", "room_id = ?", []interface{}{roomID}, orderDesc, limit)
}

func (s *Store) count(label, where string, args ...interface{}) (int, error) {
	var n int
	err := s.db.RunReadOnly(label, func() error {
		if err := s.db.Tx.Get(&n, "SELECT COUNT(id) FROM _messages WHERE "+where, args...); err != nil {
			return fmt.Errorf("store: error counting %s: %w", label, err)
		}
		return nil
	})
	return n, err
}

func (s *Store) CountBefore(roomID string, p Position) (int, error) {
	return s.count("messages before", "room_id = ? AND (show_ts < ? OR (show_ts = ? AND id < ?))", roomID, p.Key, p.Key, p.ID)
}

func (s *Store) CountAfter(roomID string, p Position) (int, error) {
	return s.count("messages after", "room_id = ? AND (show_ts > ? OR (show_ts = ? AND id > ?))", roomID, p.Key, p.Key, p.ID)
}

// LatestMessageID is the id of the newest message in the conversation, or "" when it is empty.
func (s *Store) LatestMessageID(roomID string) (string, error) {
	var id string
	err := s.db.RunReadOnly("latest message id", func() error {
		err := s.db.Tx.Get(&id, "SELECT id FROM _messages WHERE room_id = ? "+orderDesc+" LIMIT 1", roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return fmt.Errorf("store: error getting latest message id: %w", err)
		}
		return nil
	})
	return id, err
}

// MessageByTimestamp finds a message by its client timestamp.
func (s *Store) MessageByTimestamp(roomID string, clientTimestamp uint64) (*Message, error) {
	m := &Message{}
	err := s.db.RunReadOnly("message by timestamp", func() error {
		if err := s.db.Tx.Get(m, "SELECT "+messageColumns+" FROM _messages WHERE room_id = ? AND client_ts = ? ORDER BY id LIMIT 1", roomID, clientTimestamp); err != nil {
			return notFound(err, "message")
		}
		return nil
	})
	return m, err
}
