package delivery

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrNotSendable = errors.New("delivery: message kind cannot be sent")

type ContentKind int

const (
	ContentData ContentKind = iota
	ContentRecall
	ContentReaction
	ContentReceipt
	ContentSyncSent
	ContentSyncRead
)

// Content is the plaintext that gets encrypted. Kind says which one of the other fields is set.
type Content struct {
	Kind     ContentKind     `msgpack:"k"`
	Data     *DataMessage    `msgpack:"d,omitempty"`
	Recall   *Recall         `msgpack:"r,omitempty"`
	Reaction *store.Reaction `msgpack:"x,omitempty"`
	Receipt  *Receipt        `msgpack:"rc,omitempty"`
	Sent     *SentTranscript `msgpack:"s,omitempty"`
	Read     *ReadSync       `msgpack:"rd,omitempty"`
}

type DataMessage struct {
	Timestamp    uint64             `msgpack:"t"`
	Kind         store.Kind         `msgpack:"k"`
	Body         string             `msgpack:"b,omitempty"`
	Confidential bool               `msgpack:"c,omitempty"`
	Attachment   *AttachmentPointer `msgpack:"a,omitempty"`
}

type AttachmentPointer struct {
	AttachmentID string `msgpack:"id"`
	AuthorizeID  int64  `msgpack:"au"`
	ContentType  string `msgpack:"ct"`
	Size         int64  `msgpack:"s"`
	Key          []byte `msgpack:"k"`
	Digest       []byte `msgpack:"d"`
	FileHash     string `msgpack:"fh"`
}

type Recall struct {
	TargetID        string `msgpack:"id"`
	TargetTimestamp uint64 `msgpack:"t"`
}

type Receipt struct {
	Timestamps   []uint64 `msgpack:"t"`
	ReadPosition uint64   `msgpack:"p"`
}

// SentTranscript tells the sender's other devices about a message they sent.
type SentTranscript struct {
	Destination     string       `msgpack:"to"`
	Timestamp       uint64       `msgpack:"t"`
	ServerTimestamp uint64       `msgpack:"st,omitempty"`
	SequenceID      uint64       `msgpack:"seq,omitempty"`
	Message         *DataMessage `msgpack:"m,omitempty"`
}

type ReadSync struct {
	Sender       string `msgpack:"s"`
	Timestamp    uint64 `msgpack:"t"`
	ReadPosition uint64 `msgpack:"p"`
}

func (c *Content) encode() ([]byte, error) {
	b, err := msgpack.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("delivery: error encoding content: %w", err)
	}
	return b, nil
}

func DecodeContent(b []byte) (*Content, error) {
	c := &Content{}
	if err := msgpack.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("delivery: error decoding content: %w", err)
	}
	return c, nil
}

func (c *Content) detailType() transport.DetailMessageType {
	switch c.Kind {
	case ContentRecall:
		return transport.DetailRecall
	case ContentReaction:
		return transport.DetailReaction
	case ContentData:
		if c.Data.Confidential {
			return transport.DetailConfidential
		}
	}
	return transport.DetailUnknown
}

func (c *Content) msgType() int {
	switch c.Kind {
	case ContentSyncSent, ContentSyncRead:
		return transport.MsgTypeSync
	case ContentReceipt:
		return transport.MsgTypeReadReceipt
	}
	return transport.MsgTypeNormal
}

// dataContent builds the payload of a stored message. Only text and attachments travel; the other
// kinds only exist locally.
func dataContent(m *store.Message) (*Content, error) {
	data := &DataMessage{
		Timestamp:    m.ClientTimestamp,
		Kind:         m.Kind,
		Confidential: m.Confidential,
	}
	switch m.Kind {
	case store.KindText:
		data.Body = m.Body
	case store.KindAttachment:
		if !m.Attachment.Uploaded() {
			return nil, fmt.Errorf("delivery: attachment of %s not uploaded", m.ID)
		}
		a := m.Attachment
		data.Body = m.Body
		data.Attachment = &AttachmentPointer{
			AttachmentID: a.AttachmentID,
			AuthorizeID:  a.AuthorizeID,
			ContentType:  a.ContentType,
			Size:         a.Size,
			Key:          a.Key,
			Digest:       a.Digest,
			FileHash:     a.FileHash,
		}
	case store.KindNotify, store.KindConfidentialPlaceholder, store.KindUnsupported:
		return nil, fmt.Errorf("%w: %s", ErrNotSendable, m.Kind)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSendable, m.Kind)
	}
	return &Content{Kind: ContentData, Data: data}, nil
}
