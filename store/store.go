// This package persists rooms, messages, reactions and cached public keys. Every mutation runs
// in a single transaction and publishes a change tick for the affected conversation on commit.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/changefeed"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("store: not found")

const messageColumns = "id, room_id, sender_id, device_id, client_ts, server_ts, show_ts, sequence_id, notify_sequence_id, kind, confidential, send_status, body, notice_action, attachment"

type Store struct {
	db    *db.Database
	feed  *changefeed.Feed
	clock clock.Clock
	log   *zap.SugaredLogger
}

func New(c *config.Config, d *db.Database, feed *changefeed.Feed, cl clock.Clock) (*Store, error) {
	if err := d.MigrateNoLock("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _rooms (
						id TEXT PRIMARY KEY,
						kind INTEGER NOT NULL,
						read_position INTEGER NOT NULL DEFAULT 0,
						key_epoch INTEGER NOT NULL DEFAULT 0,
						last_active_ms INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _room_members (
						room_id TEXT NOT NULL,
						uid TEXT NOT NULL,
						PRIMARY KEY (room_id, uid),
						FOREIGN KEY(room_id) REFERENCES _rooms(id) ON DELETE CASCADE
					);

					CREATE TABLE _messages (
						id TEXT PRIMARY KEY,
						room_id TEXT NOT NULL,
						sender_id TEXT NOT NULL,
						device_id INTEGER NOT NULL,
						client_ts INTEGER NOT NULL,
						server_ts INTEGER NOT NULL DEFAULT 0,
						show_ts INTEGER NOT NULL,
						sequence_id INTEGER NOT NULL DEFAULT 0,
						notify_sequence_id INTEGER NOT NULL DEFAULT 0,
						kind INTEGER NOT NULL,
						confidential BOOLEAN NOT NULL DEFAULT FALSE,
						send_status INTEGER NOT NULL,
						body TEXT NOT NULL DEFAULT '',
						notice_action INTEGER NOT NULL DEFAULT 0,
						attachment BLOB,
						FOREIGN KEY(room_id) REFERENCES _rooms(id) ON DELETE CASCADE
					);
					CREATE INDEX messages_room_order ON _messages (room_id, show_ts, id);
					CREATE INDEX messages_room_client_ts ON _messages (room_id, client_ts);

					CREATE TABLE _reactions (
						message_id TEXT NOT NULL,
						uid TEXT NOT NULL,
						emoji TEXT NOT NULL,
						ts INTEGER NOT NULL,
						PRIMARY KEY (message_id, uid, emoji)
					);

					CREATE TABLE _public_keys (
						room_id TEXT NOT NULL,
						uid TEXT NOT NULL,
						identity_key TEXT NOT NULL,
						registration_id INTEGER NOT NULL,
						PRIMARY KEY (room_id, uid),
						FOREIGN KEY(room_id) REFERENCES _rooms(id) ON DELETE CASCADE
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}

	return &Store{
		db:    d,
		feed:  feed,
		clock: cl,
		log:   c.Logger("store"),
	}, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("store: error getting %s: %w", what, err)
}

func (s *Store) changed(roomID string) {
	s.db.AfterCommit(func() {
		s.feed.Publish(roomID)
	})
}

// UpsertRoom creates or updates a room and replaces its member list.
func (s *Store) UpsertRoom(r *Room, members []string) error {
	return s.db.Run(fmt.Sprintf("upsert room %s", r.ID), func() error {
		if _, err := s.db.Tx.NamedExec("INSERT INTO _rooms (id, kind, read_position, key_epoch, last_active_ms) VALUES (:id, :kind, :read_position, :key_epoch, :last_active_ms) ON CONFLICT(id) DO UPDATE SET kind = :kind", r); err != nil {
			return fmt.Errorf("store: error upserting room: %w", err)
		}
		if _, err := s.db.Tx.Exec("DELETE FROM _room_members WHERE room_id = ?", r.ID); err != nil {
			return fmt.Errorf("store: error clearing members: %w", err)
		}
		for _, uid := range members {
			if _, err := s.db.Tx.Exec("INSERT INTO _room_members (room_id, uid) VALUES (?, ?)", r.ID, uid); err != nil {
				return fmt.Errorf("store: error inserting member: %w", err)
			}
		}
		s.changed(r.ID)
		return nil
	})
}

func (s *Store) Room(id string) (*Room, error) {
	r := &Room{}
	err := s.db.RunReadOnly("get room", func() error {
		if err := s.db.Tx.Get(r, "SELECT * FROM _rooms WHERE id = ?", id); err != nil {
			return notFound(err, "room")
		}
		return nil
	})
	return r, err
}

func (s *Store) Members(roomID string) ([]string, error) {
	var members []string
	err := s.db.RunReadOnly("get members", func() error {
		if err := s.db.Tx.Select(&members, "SELECT uid FROM _room_members WHERE room_id = ? ORDER BY uid", roomID); err != nil {
			return fmt.Errorf("store: error getting members: %w", err)
		}
		return nil
	})
	return members, err
}

// AdvanceReadPosition moves the read position forward and never back. It returns the stored value.
func (s *Store) AdvanceReadPosition(roomID string, position uint64) (uint64, error) {
	var current uint64
	err := s.db.Run("advance read position", func() error {
		res, err := s.db.Tx.Exec("UPDATE _rooms SET read_position = ? WHERE id = ? AND read_position < ?", position, roomID, position)
		if err != nil {
			return fmt.Errorf("store: error advancing read position: %w", err)
		}
		if err := s.db.Tx.Get(&current, "SELECT read_position FROM _rooms WHERE id = ?", roomID); err != nil {
			return notFound(err, "room")
		}
		if n, _ := res.RowsAffected(); n != 0 {
			s.changed(roomID)
		}
		return nil
	})
	return current, err
}

func (s *Store) insertMessage(m *Message) error {
	if m.ShowTimestamp == 0 {
		m.ShowTimestamp = m.ClientTimestamp
		if m.ServerTimestamp != 0 {
			m.ShowTimestamp = m.ServerTimestamp
		}
	}
	if _, err := s.db.Tx.NamedExec("INSERT INTO _messages ("+messageColumns+") VALUES (:id, :room_id, :sender_id, :device_id, :client_ts, :server_ts, :show_ts, :sequence_id, :notify_sequence_id, :kind, :confidential, :send_status, :body, :notice_action, :attachment)", m); err != nil {
		return fmt.Errorf("store: error inserting message: %w", err)
	}
	if _, err := s.db.Tx.Exec("UPDATE _rooms SET last_active_ms = ? WHERE id = ?", s.clock.CurrentTimeMs(), m.ConversationID); err != nil {
		return fmt.Errorf("store: error touching room: %w", err)
	}
	s.changed(m.ConversationID)
	return nil
}

// InsertMessage stores a message and touches its room in one transaction.
func (s *Store) InsertMessage(m *Message) error {
	return s.db.Run(fmt.Sprintf("insert message %s", m.ID), func() error {
		return s.insertMessage(m)
	})
}

func (s *Store) Message(id string) (*Message, error) {
	m := &Message{}
	err := s.db.RunReadOnly("get message", func() error {
		if err := s.db.Tx.Get(m, "SELECT "+messageColumns+" FROM _messages WHERE id = ?", id); err != nil {
			return notFound(err, "message")
		}
		return nil
	})
	return m, err
}

func (s *Store) UpdateSendStatus(id string, status SendStatus) error {
	return s.db.Run(fmt.Sprintf("update send status %s", id), func() error {
		var roomID string
		if err := s.db.Tx.Get(&roomID, "SELECT room_id FROM _messages WHERE id = ?", id); err != nil {
			return notFound(err, "message")
		}
		if _, err := s.db.Tx.Exec("UPDATE _messages SET send_status = ? WHERE id = ?", status, id); err != nil {
			return fmt.Errorf("store: error updating send status: %w", err)
		}
		s.changed(roomID)
		return nil
	})
}

// ApplySendSuccess writes the server assigned ordering fields and marks the message sent.
func (s *Store) ApplySendSuccess(id string, serverTimestamp, sequenceID, notifySequenceID uint64) error {
	return s.db.Run(fmt.Sprintf("apply send success %s", id), func() error {
		var roomID string
		if err := s.db.Tx.Get(&roomID, "SELECT room_id FROM _messages WHERE id = ?", id); err != nil {
			return notFound(err, "message")
		}
		if _, err := s.db.Tx.Exec(`UPDATE _messages SET
				send_status = ?, server_ts = ?, sequence_id = ?, notify_sequence_id = ?,
				show_ts = CASE WHEN ? > 0 THEN ? ELSE show_ts END
			WHERE id = ?`, SendStatusSent, serverTimestamp, sequenceID, notifySequenceID, serverTimestamp, serverTimestamp, id); err != nil {
			return fmt.Errorf("store: error applying send success: %w", err)
		}
		if _, err := s.db.Tx.Exec("UPDATE _rooms SET last_active_ms = ? WHERE id = ?", s.clock.CurrentTimeMs(), roomID); err != nil {
			return fmt.Errorf("store: error touching room: %w", err)
		}
		s.changed(roomID)
		return nil
	})
}

// FailWithNotice marks a message failed and, when notice is set, inserts it in the same transaction.
func (s *Store) FailWithNotice(id string, notice *Message) error {
	return s.db.Run(fmt.Sprintf("fail message %s", id), func() error {
		var roomID string
		err := s.db.Tx.Get(&roomID, "SELECT room_id FROM _messages WHERE id = ?", id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// recalls and reactions have no row of their own
		case err != nil:
			return notFound(err, "message")
		default:
			if _, err := s.db.Tx.Exec("UPDATE _messages SET send_status = ? WHERE id = ?", SendStatusFailed, id); err != nil {
				return fmt.Errorf("store: error failing message: %w", err)
			}
			s.changed(roomID)
		}
		if notice != nil {
			return s.insertMessage(notice)
		}
		return nil
	})
}

func (s *Store) DeleteMessage(id string) error {
	return s.db.Run(fmt.Sprintf("delete message %s", id), func() error {
		var roomID string
		err := s.db.Tx.Get(&roomID, "SELECT room_id FROM _messages WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return notFound(err, "message")
		}
		if _, err := s.db.Tx.Exec("DELETE FROM _messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("store: error deleting message: %w", err)
		}
		if _, err := s.db.Tx.Exec("DELETE FROM _reactions WHERE message_id = ?", id); err != nil {
			return fmt.Errorf("store: error deleting reactions: %w", err)
		}
		s.changed(roomID)
		return nil
	})
}

func (s *Store) UpdateAttachment(id string, a *Attachment) error {
	return s.db.Run(fmt.Sprintf("update attachment %s", id), func() error {
		var roomID string
		if err := s.db.Tx.Get(&roomID, "SELECT room_id FROM _messages WHERE id = ?", id); err != nil {
			return notFound(err, "message")
		}
		if _, err := s.db.Tx.Exec("UPDATE _messages SET attachment = ? WHERE id = ?", a, id); err != nil {
			return fmt.Errorf("store: error updating attachment: %w", err)
		}
		s.changed(roomID)
		return nil
	})
}

// ApplyReaction upserts the reaction row, or deletes it when the reaction is a removal.
func (s *Store) ApplyReaction(roomID string, r *Reaction) error {
	return s.db.Run(fmt.Sprintf("apply reaction %s", r.MessageID), func() error {
		if r.Remove {
			if _, err := s.db.Tx.Exec("DELETE FROM _reactions WHERE message_id = ? AND uid = ? AND emoji = ?", r.MessageID, r.UID, r.Emoji); err != nil {
				return fmt.Errorf("store: error removing reaction: %w", err)
			}
		} else if _, err := s.db.Tx.NamedExec("INSERT INTO _reactions (message_id, uid, emoji, ts) VALUES (:message_id, :uid, :emoji, :ts) ON CONFLICT (message_id, uid, emoji) DO UPDATE SET ts = :ts", r); err != nil {
			return fmt.Errorf("store: error upserting reaction: %w", err)
		}
		s.changed(roomID)
		return nil
	})
}

func (s *Store) Reactions(messageID string) ([]*Reaction, error) {
	var rs []*Reaction
	err := s.db.RunReadOnly("get reactions", func() error {
		if err := s.db.Tx.Select(&rs, "SELECT message_id, uid, emoji, ts FROM _reactions WHERE message_id = ? ORDER BY ts, uid", messageID); err != nil {
			return fmt.Errorf("store: error getting reactions: %w", err)
		}
		return nil
	})
	return rs, err
}

func (s *Store) PublicKeys(roomID string) ([]*PublicKeyInfo, error) {
	var infos []*PublicKeyInfo
	err := s.db.RunReadOnly("get public keys", func() error {
		if err := s.db.Tx.Select(&infos, "SELECT uid, identity_key, registration_id FROM _public_keys WHERE room_id = ? ORDER BY uid", roomID); err != nil {
			return fmt.Errorf("store: error getting public keys: %w", err)
		}
		return nil
	})
	return infos, err
}

// ReplacePublicKeys swaps the cached key set of a room and bumps its key epoch.
func (s *Store) ReplacePublicKeys(roomID string, infos []*PublicKeyInfo) (uint64, error) {
	var epoch uint64
	err := s.db.Run(fmt.Sprintf("replace public keys %s", roomID), func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _public_keys WHERE room_id = ?", roomID); err != nil {
			return fmt.Errorf("store: error clearing public keys: %w", err)
		}
		for _, info := range infos {
			if _, err := s.db.Tx.Exec("INSERT INTO _public_keys (room_id, uid, identity_key, registration_id) VALUES (?, ?, ?, ?) ON CONFLICT (room_id, uid) DO UPDATE SET identity_key = excluded.identity_key, registration_id = excluded.registration_id", roomID, info.UID, info.IdentityKey, info.RegistrationID); err != nil {
				return fmt.Errorf("store: error inserting public key: %w", err)
			}
		}
		if _, err := s.db.Tx.Exec("UPDATE _rooms SET key_epoch = key_epoch + 1 WHERE id = ?", roomID); err != nil {
			return fmt.Errorf("store: error bumping key epoch: %w", err)
		}
		if err := s.db.Tx.Get(&epoch, "SELECT key_epoch FROM _rooms WHERE id = ?", roomID); err != nil {
			return notFound(err, "room")
		}
		return nil
	})
	return epoch, err
}
