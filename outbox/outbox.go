// This package queues outgoing messages, recalls, reactions and read receipts as persistent jobs
// and runs them through delivery. Sends to one conversation go out one at a time, in order.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/delivery"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
)

const (
	KindSend    = "PushTextSendJob"
	KindReceipt = "PushReadReceiptSendJob"
)

type Deliverer interface {
	SendMessage(ctx context.Context, m *store.Message, audience []string) (*delivery.Result, error)
	SendRecall(ctx context.Context, roomID, targetID string, targetTimestamp, timestamp uint64) (*delivery.Result, error)
	SendReaction(ctx context.Context, roomID string, r *store.Reaction) (*delivery.Result, error)
	SendReadReceipt(ctx context.Context, roomID, recipient string, timestamps []uint64, readPosition uint64) (*delivery.Result, error)
}

type Uploader interface {
	Upload(ctx context.Context, m *store.Message) (*store.Attachment, error)
}

type sendKind int

const (
	sendMessage sendKind = iota
	sendRecall
	sendReaction
)

type sendPayload struct {
	Kind            sendKind        `msgpack:"k"`
	RoomID          string          `msgpack:"r"`
	MessageID       string          `msgpack:"m,omitempty"`
	Audience        []string        `msgpack:"a,omitempty"`
	TargetID        string          `msgpack:"ti,omitempty"`
	TargetTimestamp uint64          `msgpack:"tt,omitempty"`
	Timestamp       uint64          `msgpack:"t,omitempty"`
	Reaction        *store.Reaction `msgpack:"x,omitempty"`
}

type receiptPayload struct {
	RoomID       string   `msgpack:"r"`
	Recipient    string   `msgpack:"u"`
	Timestamps   []uint64 `msgpack:"t"`
	ReadPosition uint64   `msgpack:"p"`
}

type Outbox struct {
	config    *config.Config
	log       *zap.SugaredLogger
	store     *store.Store
	queue     *jobs.Queue
	deliverer Deliverer
	uploader  Uploader
	selfUID   string
}

func New(c *config.Config, s *store.Store, q *jobs.Queue, d Deliverer, u Uploader, selfUID string) *Outbox {
	o := &Outbox{
		config:    c,
		log:       c.Logger("outbox"),
		store:     s,
		queue:     q,
		deliverer: d,
		uploader:  u,
		selfUID:   selfUID,
	}
	q.Register(KindSend, &sendHandler{o})
	q.Register(KindReceipt, &receiptHandler{o})
	return o
}

// QueueKey is the queue a conversation's sends are serialized on. Attachments get their own lane
// so a slow upload does not hold up text.
func QueueKey(roomID string, media bool) string {
	key := fmt.Sprintf("[%s::%s]", KindSend, roomID)
	if media {
		key += "::MEDIA"
	}
	return key
}

func receiptQueueKey(recipient string) string {
	return fmt.Sprintf("[%s::%s]", KindReceipt, recipient)
}

// SendMessage queues a stored message for delivery.
func (o *Outbox) SendMessage(m *store.Message) (*jobs.Job, error) {
	return o.queue.Add(KindSend, QueueKey(m.ConversationID, m.Attachment != nil), &sendPayload{
		Kind:      sendMessage,
		RoomID:    m.ConversationID,
		MessageID: m.ID,
	}, o.config.SendMaxAttempts)
}

func (o *Outbox) SendRecall(roomID, targetID string, targetTimestamp, timestamp uint64) (*jobs.Job, error) {
	return o.queue.Add(KindSend, QueueKey(roomID, false), &sendPayload{
		Kind:            sendRecall,
		RoomID:          roomID,
		TargetID:        targetID,
		TargetTimestamp: targetTimestamp,
		Timestamp:       timestamp,
	}, o.config.SendMaxAttempts)
}

func (o *Outbox) SendReaction(roomID string, r *store.Reaction) (*jobs.Job, error) {
	return o.queue.Add(KindSend, QueueKey(roomID, false), &sendPayload{
		Kind:     sendReaction,
		RoomID:   roomID,
		Reaction: r,
	}, o.config.SendMaxAttempts)
}

// SendReadReceipt queues a receipt for recipient. Receipts are retried until their lifespan ends.
func (o *Outbox) SendReadReceipt(roomID, recipient string, timestamps []uint64, readPosition uint64) (*jobs.Job, error) {
	return o.queue.Add(KindReceipt, receiptQueueKey(recipient), &receiptPayload{
		RoomID:       roomID,
		Recipient:    recipient,
		Timestamps:   timestamps,
		ReadPosition: readPosition,
	}, jobs.Unlimited)
}

// classify hides the delivery error taxonomy from the queue: it only learns whether to retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if delivery.IsPermanent(err) || errors.Is(err, store.ErrNotFound) {
		return jobs.Permanent(err)
	}
	return err
}

type sendHandler struct {
	outbox *Outbox
}

// OnAdded marks the message sending and, for groups, fixes the audience for every retry.
func (h *sendHandler) OnAdded(j *jobs.Job) error {
	o := h.outbox
	p := &sendPayload{}
	if err := j.Decode(p); err != nil {
		return err
	}
	if p.Kind != sendMessage {
		return nil
	}
	if err := o.store.UpdateSendStatus(p.MessageID, store.SendStatusSending); err != nil {
		return err
	}
	r, err := o.store.Room(p.RoomID)
	if err != nil {
		return err
	}
	if r.Kind != store.Group {
		return nil
	}
	members, err := o.store.Members(p.RoomID)
	if err != nil {
		return err
	}
	p.Audience = make([]string, 0, len(members))
	for _, uid := range members {
		if uid != o.selfUID {
			p.Audience = append(p.Audience, uid)
		}
	}
	return j.Encode(p)
}

func (h *sendHandler) Run(ctx context.Context, j *jobs.Job) error {
	o := h.outbox
	p := &sendPayload{}
	if err := j.Decode(p); err != nil {
		return jobs.Permanent(err)
	}
	switch p.Kind {
	case sendRecall:
		_, err := o.deliverer.SendRecall(ctx, p.RoomID, p.TargetID, p.TargetTimestamp, p.Timestamp)
		return classify(err)
	case sendReaction:
		_, err := o.deliverer.SendReaction(ctx, p.RoomID, p.Reaction)
		return classify(err)
	}

	m, err := o.store.Message(p.MessageID)
	if err != nil {
		return classify(err)
	}
	if m.Attachment != nil {
		o.log.Debugf("uploading attachment of %s (attempt %d)", m.ID, j.Attempts)
		if _, err := o.uploader.Upload(ctx, m); err != nil {
			return err
		}
	}
	result, err := o.deliverer.SendMessage(ctx, m, p.Audience)
	if err != nil {
		return classify(err)
	}
	o.log.Debugf("sent %s to %s after %d attempts", m.ID, p.RoomID, result.Attempts)
	return nil
}

func (h *sendHandler) OnFailure(j *jobs.Job, err error) {
	o := h.outbox
	p := &sendPayload{}
	if derr := j.Decode(p); derr != nil {
		o.log.Warnf("error decoding failed job %s: %v", j.ID, derr)
		return
	}
	if p.Kind != sendMessage {
		o.log.Warnf("giving up on %s job %s in %s: %v", j.Kind, j.ID, p.RoomID, err)
		return
	}
	if serr := o.store.UpdateSendStatus(p.MessageID, store.SendStatusFailed); serr != nil && !errors.Is(serr, store.ErrNotFound) {
		o.log.Warnf("error marking %s failed: %v", p.MessageID, serr)
	}
}

type receiptHandler struct {
	outbox *Outbox
}

func (h *receiptHandler) OnAdded(*jobs.Job) error {
	return nil
}

func (h *receiptHandler) Run(ctx context.Context, j *jobs.Job) error {
	p := &receiptPayload{}
	if err := j.Decode(p); err != nil {
		return jobs.Permanent(err)
	}
	_, err := h.outbox.deliverer.SendReadReceipt(ctx, p.RoomID, p.Recipient, p.Timestamps, p.ReadPosition)
	return classify(err)
}

func (h *receiptHandler) OnFailure(j *jobs.Job, err error) {
	h.outbox.log.Warnf("dropping read receipt job %s: %v", j.ID, err)
}
