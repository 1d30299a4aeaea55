// This package turns outgoing chat actions into encrypted payloads, submits them and applies the
// server's answer to the local store. Stale key answers are recovered from by refreshing the
// conversation's keys and trying again, a bounded number of times.
package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/keys"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var (
	ErrStaleKeysExhausted = errors.New("delivery: keys still stale after retries")
	ErrContentTooLarge    = errors.New("delivery: content too large")
	ErrSyncFailed         = errors.New("delivery: sync message failed")
)

type State int

const (
	StateBuilding State = iota
	StateEncrypting
	StateTransporting
	StateSucceeded
	StateRetryingStaleKeys
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateEncrypting:
		return "encrypting"
	case StateTransporting:
		return "transporting"
	case StateSucceeded:
		return "succeeded"
	case StateRetryingStaleKeys:
		return "retrying-stale-keys"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RejectedError is returned when the server refused a message for good.
type RejectedError struct {
	Rejection *transport.PermanentRejection
}

func (re *RejectedError) Error() string {
	return fmt.Sprintf("delivery: rejected: %s (%d)", re.Rejection.Code, re.Rejection.HTTPStatus)
}

// IsPermanent reports whether retrying the send can never succeed.
func IsPermanent(err error) bool {
	var re *RejectedError
	return errors.As(err, &re) ||
		errors.Is(err, ErrContentTooLarge) ||
		errors.Is(err, ErrNotSendable) ||
		errors.Is(err, keys.ErrNoValidRecipients) ||
		errors.Is(err, crypto.ErrKeyMaterialInvalid)
}

// Result describes one delivery.
type Result struct {
	State          State
	Attempts       int
	StaleRefreshes int
	Envelope       *crypto.Envelope
	SyncEnvelope   *crypto.Envelope
	SyncSent       bool
	Success        *transport.Success
	Rejection      *transport.PermanentRejection
}

type request struct {
	roomID    string
	to        transport.Destination
	content   *Content
	timestamp uint64
	messageID string
	audience  []string
	receipt   *Receipt
	sync      bool
}

type Coordinator struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	store     *store.Store
	keys      *keys.Cache
	encryptor *crypto.Encryptor
	transport transport.Transport
}

func NewCoordinator(c *config.Config, cl clock.Clock, s *store.Store, kc *keys.Cache, enc *crypto.Encryptor, t transport.Transport) *Coordinator {
	return &Coordinator{
		config:    c,
		log:       c.Logger("delivery"),
		clock:     cl,
		store:     s,
		keys:      kc,
		encryptor: enc,
		transport: t,
	}
}

func (co *Coordinator) self() string {
	return co.encryptor.Identity().UID
}

func (co *Coordinator) destination(roomID string) (transport.Destination, error) {
	r, err := co.store.Room(roomID)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("delivery: error getting room: %w", err)
	}
	return transport.Destination{ID: roomID, Group: r.Kind == store.Group}, nil
}

// SendMessage delivers a stored text or attachment message. audience, when set, restricts a
// group send to the given uids.
func (co *Coordinator) SendMessage(ctx context.Context, m *store.Message, audience []string) (*Result, error) {
	to, err := co.destination(m.ConversationID)
	if err != nil {
		return nil, err
	}
	content, err := dataContent(m)
	if err != nil {
		if IsPermanent(err) {
			if ferr := co.fail(m.ID, nil); ferr != nil {
				return &Result{State: StateFailed}, ferr
			}
		}
		return &Result{State: StateFailed}, err
	}
	return co.deliver(ctx, &request{
		roomID:    m.ConversationID,
		to:        to,
		content:   content,
		timestamp: m.ClientTimestamp,
		messageID: m.ID,
		audience:  audience,
		sync:      !to.Group,
	})
}

// SendRecall asks recipients to remove a message. On success the local row is deleted.
func (co *Coordinator) SendRecall(ctx context.Context, roomID, targetID string, targetTimestamp, timestamp uint64) (*Result, error) {
	to, err := co.destination(roomID)
	if err != nil {
		return nil, err
	}
	return co.deliver(ctx, &request{
		roomID:    roomID,
		to:        to,
		content:   &Content{Kind: ContentRecall, Recall: &Recall{TargetID: targetID, TargetTimestamp: targetTimestamp}},
		timestamp: timestamp,
		sync:      !to.Group,
	})
}

// SendReaction adds or removes a reaction. On success the local reaction row is updated.
func (co *Coordinator) SendReaction(ctx context.Context, roomID string, r *store.Reaction) (*Result, error) {
	to, err := co.destination(roomID)
	if err != nil {
		return nil, err
	}
	return co.deliver(ctx, &request{
		roomID:    roomID,
		to:        to,
		content:   &Content{Kind: ContentReaction, Reaction: r},
		timestamp: r.Timestamp,
		sync:      !to.Group,
	})
}

// SendReadReceipt tells the sender of the given messages they were read, then tells the user's
// other devices.
func (co *Coordinator) SendReadReceipt(ctx context.Context, roomID, recipient string, timestamps []uint64, readPosition uint64) (*Result, error) {
	receipt := &Receipt{Timestamps: timestamps, ReadPosition: readPosition}
	req := &request{
		roomID:    roomID,
		to:        transport.Destination{ID: recipient},
		content:   &Content{Kind: ContentReceipt, Receipt: receipt},
		timestamp: co.clock.CurrentTimeMs(),
		receipt:   receipt,
	}
	result, err := co.deliver(ctx, req)
	if err != nil {
		return result, err
	}
	var first uint64
	if len(timestamps) != 0 {
		first = timestamps[0]
	}
	read := &request{
		roomID:    roomID,
		to:        transport.Destination{ID: co.self()},
		content:   &Content{Kind: ContentSyncRead, Read: &ReadSync{Sender: recipient, Timestamp: first, ReadPosition: readPosition}},
		timestamp: req.timestamp,
		receipt:   receipt,
	}
	if _, err := co.deliver(ctx, read); err != nil {
		co.log.Warnf("error syncing read position for %s: %v", roomID, err)
	}
	return result, nil
}

func (co *Coordinator) transition(req *request, result *Result, s State) {
	co.log.Debugf("%s %s/%d -> %s", req.roomID, req.messageID, req.timestamp, s)
	result.State = s
}

func (co *Coordinator) deliver(ctx context.Context, req *request) (*Result, error) {
	result := &Result{}
	co.transition(req, result, StateBuilding)
	plaintext, err := req.content.encode()
	if err != nil {
		return result, err
	}
	if len(plaintext) > co.config.MaxEnvelopeSize {
		co.transition(req, result, StateFailed)
		if err := co.fail(req.messageID, nil); err != nil {
			return result, err
		}
		return result, fmt.Errorf("%w: %d > %d", ErrContentTooLarge, len(plaintext), co.config.MaxEnvelopeSize)
	}

	for attempt := 0; ; attempt++ {
		co.transition(req, result, StateEncrypting)
		msg, err := co.encrypt(ctx, req, plaintext, result)
		if err != nil {
			if IsPermanent(err) {
				co.transition(req, result, StateFailed)
				if ferr := co.fail(req.messageID, nil); ferr != nil {
					return result, ferr
				}
			}
			return result, err
		}

		if size := envelopeSize(msg); size > co.config.MaxEnvelopeSize {
			co.transition(req, result, StateFailed)
			if err := co.fail(req.messageID, nil); err != nil {
				return result, err
			}
			return result, fmt.Errorf("%w: envelope %d > %d", ErrContentTooLarge, size, co.config.MaxEnvelopeSize)
		}

		co.transition(req, result, StateTransporting)
		result.Attempts++
		outcome, err := co.transport.Send(ctx, req.to, msg)
		if err != nil {
			co.log.Warnf("transient error delivering %s/%d: %v", req.roomID, req.timestamp, err)
			return result, err
		}

		switch o := outcome.(type) {
		case *transport.Success:
			result.Success = o
			if err := co.applySuccess(ctx, req, o, result); err != nil {
				return result, err
			}
			co.transition(req, result, StateSucceeded)
			return result, nil
		case *transport.StaleKeys:
			co.transition(req, result, StateRetryingStaleKeys)
			co.log.Warnf("stale keys for %s (status=%d missing=%v stale=%v), refreshing", req.roomID, o.Status, o.Missing, o.Stale)
			result.StaleRefreshes++
			if err := co.keys.Refresh(ctx, req.roomID); err != nil {
				if IsPermanent(err) {
					co.transition(req, result, StateFailed)
					if ferr := co.fail(req.messageID, nil); ferr != nil {
						return result, ferr
					}
				}
				return result, err
			}
			if attempt+1 >= co.config.StaleKeyRetries {
				return result, fmt.Errorf("%w: %d attempts for %s", ErrStaleKeysExhausted, result.Attempts, req.roomID)
			}
		case *transport.PermanentRejection:
			co.transition(req, result, StateFailed)
			result.Rejection = o
			if err := co.fail(req.messageID, co.notice(req, o)); err != nil {
				return result, err
			}
			return result, &RejectedError{Rejection: o}
		default:
			return result, fmt.Errorf("delivery: unexpected outcome %T", outcome)
		}
	}
}

// encrypt builds the wire message for one attempt with the keys currently cached.
func (co *Coordinator) encrypt(ctx context.Context, req *request, plaintext []byte, result *Result) (*transport.OutgoingMessage, error) {
	fresh, err := co.keys.HasFreshKeys(req.roomID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if err := co.keys.Refresh(ctx, req.roomID); err != nil {
			return nil, err
		}
	}
	infos, err := co.keys.KeysFor(req.roomID)
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]*store.PublicKeyInfo, len(infos))
	for _, info := range infos {
		byUID[info.UID] = info
	}

	var env *crypto.Envelope
	var recipients []*transport.Recipient
	if req.to.Group {
		targets := make(map[string]string, len(infos))
		if len(req.audience) != 0 {
			for _, uid := range req.audience {
				if info, ok := byUID[uid]; ok {
					targets[uid] = info.IdentityKey
				}
			}
		} else {
			for _, info := range infos {
				targets[info.UID] = info.IdentityKey
			}
		}
		if len(targets) == 0 {
			return nil, keys.ErrNoValidRecipients
		}
		env, err = co.encryptor.EncryptForRecipients(plaintext, targets)
		if err != nil {
			return nil, err
		}
		for _, uid := range env.Recipients() {
			recipients = append(recipients, &transport.Recipient{
				UID:            uid,
				RegistrationID: byUID[uid].RegistrationID,
				PeerContext:    base64.StdEncoding.EncodeToString(env.WrappedKeys[uid]),
			})
		}
	} else {
		info, ok := byUID[req.to.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no key for %s", keys.ErrNoValidRecipients, req.to.ID)
		}
		env, err = co.encryptor.EncryptDirect(plaintext, info.IdentityKey)
		if err != nil {
			return nil, err
		}
		recipients = []*transport.Recipient{{UID: info.UID, RegistrationID: info.RegistrationID}}
		if req.sync {
			result.SyncEnvelope, err = co.syncEnvelope(req, byUID, nil)
			if err != nil {
				co.log.Warnf("unable to build sync envelope for %s: %v", req.roomID, err)
			}
		}
	}
	result.Envelope = env

	content, err := encodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	msg := &transport.OutgoingMessage{
		Type:              transport.EnvelopeTypeEncryptedText,
		MsgType:           req.content.msgType(),
		DetailMessageType: req.content.detailType(),
		Content:           content,
		Recipients:        recipients,
		Conversation:      &transport.Conversation{},
		Timestamp:         req.timestamp,
		ReadPositions:     []*transport.ReadPosition{},
	}
	if req.to.Group {
		msg.Conversation.GID = req.roomID
	} else {
		msg.Conversation.Number = req.roomID
	}
	if req.receipt != nil {
		msg.ReadReceipt = true
		rp := &transport.ReadPosition{ReadAt: co.clock.CurrentTimeMs(), MaxServerTimestamp: req.receipt.ReadPosition}
		r, err := co.store.Room(req.roomID)
		if err == nil && r.Kind == store.Group {
			rp.GroupID = req.roomID
		}
		msg.ReadPositions = append(msg.ReadPositions, rp)
	}
	return msg, nil
}

// envelopeSize is what the server counts against its limit: the encoded content plus every
// per-recipient key wrap.
func envelopeSize(msg *transport.OutgoingMessage) int {
	size := len(msg.Content)
	for _, r := range msg.Recipients {
		size += len(r.PeerContext)
	}
	return size
}

// syncEnvelope encrypts a sent transcript under the sender's own key.
func (co *Coordinator) syncEnvelope(req *request, byUID map[string]*store.PublicKeyInfo, success *transport.Success) (*crypto.Envelope, error) {
	info, ok := byUID[co.self()]
	if !ok {
		return nil, fmt.Errorf("%w: no key for self", keys.ErrNoValidRecipients)
	}
	transcript := &SentTranscript{
		Destination: req.to.ID,
		Timestamp:   req.timestamp,
		Message:     req.content.Data,
	}
	if success != nil {
		transcript.ServerTimestamp = success.SystemShowTimestamp
		transcript.SequenceID = success.SequenceID
	}
	plaintext, err := (&Content{Kind: ContentSyncSent, Sent: transcript}).encode()
	if err != nil {
		return nil, err
	}
	return co.encryptor.EncryptDirect(plaintext, info.IdentityKey)
}

func (co *Coordinator) applySuccess(ctx context.Context, req *request, o *transport.Success, result *Result) error {
	switch req.content.Kind {
	case ContentData:
		if err := co.store.ApplySendSuccess(req.messageID, o.SystemShowTimestamp, o.SequenceID, o.NotifySequenceID); err != nil {
			return fmt.Errorf("delivery: error applying success: %w", err)
		}
	case ContentRecall:
		if err := co.store.DeleteMessage(req.content.Recall.TargetID); err != nil {
			return fmt.Errorf("delivery: error applying recall: %w", err)
		}
	case ContentReaction:
		if err := co.store.ApplyReaction(req.roomID, req.content.Reaction); err != nil {
			return fmt.Errorf("delivery: error applying reaction: %w", err)
		}
	case ContentReceipt, ContentSyncSent, ContentSyncRead:
	}

	if !req.sync || !o.NeedsSync {
		return nil
	}
	return co.sendSync(ctx, req, o, result)
}

func (co *Coordinator) sendSync(ctx context.Context, req *request, o *transport.Success, result *Result) error {
	infos, err := co.keys.KeysFor(req.roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	byUID := make(map[string]*store.PublicKeyInfo, len(infos))
	for _, info := range infos {
		byUID[info.UID] = info
	}
	env, err := co.syncEnvelope(req, byUID, o)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	result.SyncEnvelope = env
	content, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	self := byUID[co.self()]
	msg := &transport.OutgoingMessage{
		Type:          transport.EnvelopeTypeEncryptedText,
		MsgType:       transport.MsgTypeSync,
		Content:       content,
		Recipients:    []*transport.Recipient{{UID: self.UID, RegistrationID: self.RegistrationID}},
		Conversation:  &transport.Conversation{Number: req.roomID},
		ReadPositions: []*transport.ReadPosition{},
		Timestamp:     req.timestamp,
	}
	outcome, err := co.transport.Send(ctx, transport.Destination{ID: co.self()}, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if _, ok := outcome.(*transport.Success); !ok {
		return fmt.Errorf("%w: %T", ErrSyncFailed, outcome)
	}
	result.SyncSent = true
	return nil
}

// fail marks a message failed, inserting notice alongside when set. An error leaves both
// untouched, so the send stays retryable.
func (co *Coordinator) fail(messageID string, notice *store.Message) error {
	if messageID == "" && notice == nil {
		return nil
	}
	if err := co.store.FailWithNotice(messageID, notice); err != nil {
		co.log.Warnf("error failing %s: %v", messageID, err)
		return fmt.Errorf("delivery: error failing %s: %w", messageID, err)
	}
	return nil
}

func (co *Coordinator) notice(req *request, o *transport.PermanentRejection) *store.Message {
	if req.content.Kind == ContentReceipt || req.content.Kind == ContentSyncRead {
		return nil
	}
	now := co.clock.CurrentTimeMs()
	return &store.Message{
		ID:              ids.NoticeID(now, co.self()),
		ConversationID:  req.roomID,
		SenderID:        co.self(),
		ClientTimestamp: now,
		Kind:            store.KindNotify,
		SendStatus:      store.SendStatusSent,
		Body:            o.Code.String(),
		NoticeAction:    noticeAction(o.Code),
	}
}

func noticeAction(code transport.RejectionCode) store.NoticeAction {
	switch code {
	case transport.RejectBlocked:
		return store.NoticeBlocked
	case transport.RejectNonFriendLimit:
		return store.NoticeNonFriendLimit
	case transport.RejectRecipientOffline:
		return store.NoticeRecipientOffline
	case transport.RejectUnregistered:
		return store.NoticeUnregistered
	case transport.RejectDisabled:
		return store.NoticeAccountDisabled
	}
	return store.NoticeNone
}

// encodeEnvelope lays out the wire content: base64 of the version byte followed by the
// serialized envelope.
func encodeEnvelope(env *crypto.Envelope) (string, error) {
	b, err := msgpack.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("delivery: error encoding envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(append([]byte{crypto.VersionByte}, b...)), nil
}

// DecodeEnvelope reverses encodeEnvelope.
func DecodeEnvelope(content string) (*crypto.Envelope, error) {
	b, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("delivery: error decoding content: %w", err)
	}
	if len(b) < 1 || b[0]>>4 < crypto.CurrentVersion {
		return nil, fmt.Errorf("delivery: unsupported content version")
	}
	env := &crypto.Envelope{}
	if err := msgpack.Unmarshal(b[1:], env); err != nil {
		return nil, fmt.Errorf("delivery: error decoding envelope: %w", err)
	}
	return env, nil
}
