package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

const (
	EnvelopeTypeEncryptedText = 1

	MsgTypeNormal      = 0
	MsgTypeSync        = 1
	MsgTypeReadReceipt = 2

	// statusInvalidSession is the body status the server answers with when the keys a message was
	// encrypted for are out of date.
	statusInvalidSession  = 11001
	statusAccountOffline  = 10105
	statusAccountDeleted  = 10110
	httpStatusBlocked     = 430
	httpStatusNonFriendRL = 432
)

type DetailMessageType int

const (
	DetailUnknown      DetailMessageType = 0
	DetailForward      DetailMessageType = 1
	DetailContact      DetailMessageType = 2
	DetailRecall       DetailMessageType = 3
	DetailReaction     DetailMessageType = 5
	DetailConfidential DetailMessageType = 7
)

type Recipient struct {
	UID            string `json:"uid"`
	RegistrationID int    `json:"registrationId"`
	PeerContext    string `json:"peerContext"`
}

type Conversation struct {
	Number string `json:"number,omitempty"`
	GID    string `json:"gid,omitempty"`
}

type ReadPosition struct {
	GroupID            string `json:"groupId,omitempty"`
	ReadAt             uint64 `json:"readAt"`
	MaxServerTimestamp uint64 `json:"maxServerTimestamp"`
}

// OutgoingMessage is the JSON body submitted for one encrypted message.
type OutgoingMessage struct {
	Type              int               `json:"type"`
	MsgType           int               `json:"msgType"`
	DetailMessageType DetailMessageType `json:"detailMessageType"`
	Content           string            `json:"content"`
	Recipients        []*Recipient      `json:"recipients"`
	Conversation      *Conversation     `json:"conversation"`
	ReadReceipt       bool              `json:"readReceipt"`
	ReadPositions     []*ReadPosition   `json:"readPositions"`
	Timestamp         uint64            `json:"timestamp"`
}

// Destination is who a message is addressed to: a user for direct messages or a group.
type Destination struct {
	ID    string
	Group bool
}

func (d Destination) path(version string) string {
	if d.Group {
		return fmt.Sprintf("/%s/messages/group/%s", version, d.ID)
	}
	return fmt.Sprintf("/%s/messages/%s", version, d.ID)
}

type user struct {
	UID            string `json:"uid"`
	IdentityKey    string `json:"identityKey"`
	RegistrationID int    `json:"registrationId"`
}

type sendResponse struct {
	Ver    int    `json:"ver"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
	Data   struct {
		NeedsSync           bool    `json:"needsSync"`
		SequenceID          uint64  `json:"sequenceId"`
		SystemShowTimestamp uint64  `json:"systemShowTimestamp"`
		NotifySequenceID    uint64  `json:"notifySequenceId"`
		Missing             []*user `json:"missing"`
		Extra               []*user `json:"extra"`
		Stale               []*user `json:"stale"`
	} `json:"data"`
}

// Outcome is the result of a delivery attempt the server answered: *Success, *StaleKeys or
// *PermanentRejection. Attempts that got no usable answer return a *TransientError instead.
type Outcome interface {
	outcome()
}

type Success struct {
	SystemShowTimestamp uint64
	SequenceID          uint64
	NotifySequenceID    uint64
	NeedsSync           bool
}

type StaleKeys struct {
	Status  int
	Missing []string
	Stale   []string
}

type RejectionCode int

const (
	RejectBlocked RejectionCode = iota + 1
	RejectNonFriendLimit
	RejectRecipientOffline
	RejectUnregistered
	RejectDisabled
)

func (rc RejectionCode) String() string {
	switch rc {
	case RejectBlocked:
		return "blocked"
	case RejectNonFriendLimit:
		return "non-friend-limit"
	case RejectRecipientOffline:
		return "recipient-offline"
	case RejectUnregistered:
		return "unregistered"
	case RejectDisabled:
		return "disabled"
	}
	return fmt.Sprintf("rejection(%d)", int(rc))
}

type PermanentRejection struct {
	Code       RejectionCode
	HTTPStatus int
	Reason     string
}

func (*Success) outcome() {}

func (*StaleKeys) outcome() {}

func (*PermanentRejection) outcome() {}

var ErrChannelUnavailable = errors.New("transport: channel unavailable")

// TransientError wraps a failure that may succeed when retried.
type TransientError struct {
	Cause error
}

func (te *TransientError) Error() string {
	return fmt.Sprintf("transport: transient error: %v", te.Cause)
}

func (te *TransientError) Unwrap() error {
	return te.Cause
}

func transient(err error) error {
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Cause: err}
}

func uids(users []*user) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.UID)
	}
	return out
}

// classify turns an HTTP style status and JSON body into an outcome.
func classify(status int, body []byte) (Outcome, error) {
	resp := &sendResponse{}
	var parseErr error
	if len(body) != 0 {
		parseErr = json.Unmarshal(body, resp)
	}

	switch {
	case status == httpStatusBlocked:
		return &PermanentRejection{Code: RejectBlocked, HTTPStatus: status, Reason: resp.Reason}, nil
	case status == httpStatusNonFriendRL:
		return &PermanentRejection{Code: RejectNonFriendLimit, HTTPStatus: status, Reason: resp.Reason}, nil
	case status == http.StatusNotFound:
		code := RejectDisabled
		switch resp.Status {
		case statusAccountOffline:
			code = RejectRecipientOffline
		case statusAccountDeleted:
			code = RejectUnregistered
		}
		return &PermanentRejection{Code: code, HTTPStatus: status, Reason: resp.Reason}, nil
	case status == http.StatusConflict || status == http.StatusGone:
		return &StaleKeys{Status: resp.Status, Missing: uids(resp.Data.Missing), Stale: uids(resp.Data.Stale)}, nil
	case status < 200 || status >= 300:
		return nil, &TransientError{Cause: fmt.Errorf("unexpected status %d", status)}
	case parseErr != nil:
		return nil, &TransientError{Cause: fmt.Errorf("malformed response: %w", parseErr)}
	case resp.Status == statusInvalidSession || len(resp.Data.Missing) != 0 || len(resp.Data.Stale) != 0:
		return &StaleKeys{Status: resp.Status, Missing: uids(resp.Data.Missing), Stale: uids(resp.Data.Stale)}, nil
	}
	return &Success{
		SystemShowTimestamp: resp.Data.SystemShowTimestamp,
		SequenceID:          resp.Data.SequenceID,
		NotifySequenceID:    resp.Data.NotifySequenceID,
		NeedsSync:           resp.Data.NeedsSync,
	}, nil
}
