package store

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type ConversationKind int

const (
	DirectMessage ConversationKind = 0
	Group         ConversationKind = 1
)

type Kind int

const (
	KindText                    Kind = 0
	KindAttachment              Kind = 1
	KindNotify                  Kind = 2
	KindConfidentialPlaceholder Kind = 3
	KindUnsupported             Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAttachment:
		return "attachment"
	case KindNotify:
		return "notify"
	case KindConfidentialPlaceholder:
		return "confidential-placeholder"
	case KindUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type SendStatus int

const (
	SendStatusPending SendStatus = 0
	SendStatusSending SendStatus = 1
	SendStatusSent    SendStatus = 2
	SendStatusFailed  SendStatus = 3
)

// NoticeAction says why a local notice message was inserted.
type NoticeAction int

const (
	NoticeNone             NoticeAction = 0
	NoticeBlocked          NoticeAction = 1
	NoticeNonFriendLimit   NoticeAction = 2
	NoticeRecipientOffline NoticeAction = 3
	NoticeUnregistered     NoticeAction = 4
	NoticeAccountDisabled  NoticeAction = 5
)

type AttachmentStatus int

const (
	AttachmentPending   AttachmentStatus = 0
	AttachmentUploading AttachmentStatus = 1
	AttachmentUploaded  AttachmentStatus = 2
	AttachmentFailed    AttachmentStatus = 3
)

type Room struct {
	ID           string           `db:"id"`
	Kind         ConversationKind `db:"kind"`
	ReadPosition uint64           `db:"read_position"`
	KeyEpoch     uint64           `db:"key_epoch"`
	LastActiveMs uint64           `db:"last_active_ms"`
}

// Attachment is the local file and, once uploaded, the handle recipients fetch it with.
type Attachment struct {
	Path         string           `msgpack:"p"`
	ContentType  string           `msgpack:"t"`
	Size         int64            `msgpack:"s"`
	Audio        bool             `msgpack:"a"`
	Status       AttachmentStatus `msgpack:"st"`
	AttachmentID string           `msgpack:"id"`
	AuthorizeID  int64            `msgpack:"au"`
	FileHash     string           `msgpack:"fh"`
	Key          []byte           `msgpack:"k"`
	Digest       []byte           `msgpack:"d"`
}

func (a *Attachment) Uploaded() bool {
	return a != nil && a.AuthorizeID != 0 && len(a.Key) != 0
}

func (a *Attachment) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return msgpack.Marshal(a)
}

func (a *Attachment) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return msgpack.Unmarshal(v, a)
	}
	return errors.New("store: unexpected attachment column type")
}

type Message struct {
	ID               string       `db:"id"`
	ConversationID   string       `db:"room_id"`
	SenderID         string       `db:"sender_id"`
	DeviceID         uint32       `db:"device_id"`
	ClientTimestamp  uint64       `db:"client_ts"`
	ServerTimestamp  uint64       `db:"server_ts"`
	ShowTimestamp    uint64       `db:"show_ts"`
	SequenceID       uint64       `db:"sequence_id"`
	NotifySequenceID uint64       `db:"notify_sequence_id"`
	Kind             Kind         `db:"kind"`
	Confidential     bool         `db:"confidential"`
	SendStatus       SendStatus   `db:"send_status"`
	Body             string       `db:"body"`
	NoticeAction     NoticeAction `db:"notice_action"`
	Attachment       *Attachment  `db:"attachment"`
}

// Position is the message's place in conversation order.
func (m *Message) Position() Position {
	return Position{Key: m.ShowTimestamp, ID: m.ID}
}

// Position orders messages by server order timestamp (client timestamp until accepted), then id.
type Position struct {
	Key uint64
	ID  string
}

func (p Position) Before(o Position) bool {
	if p.Key != o.Key {
		return p.Key < o.Key
	}
	return p.ID < o.ID
}

type Reaction struct {
	MessageID string `db:"message_id" msgpack:"m"`
	UID       string `db:"uid" msgpack:"u"`
	Emoji     string `db:"emoji" msgpack:"e"`
	Remove    bool   `db:"-" msgpack:"r"`
	Timestamp uint64 `db:"ts" msgpack:"t"`
}

type PublicKeyInfo struct {
	UID            string `db:"uid" json:"uid"`
	IdentityKey    string `db:"identity_key" json:"identityKey"`
	RegistrationID int    `db:"registration_id" json:"registrationId"`
}
