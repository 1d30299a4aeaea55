package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-courier/changefeed"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) (*Store, *changefeed.Feed) {
	c := test.NewTestConfig(t.Name())
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	feed := changefeed.New(c)
	s, err := New(c, d, feed, clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, s.UpsertRoom(&Room{ID: "room", Kind: Group}, []string{"alice", "bob"}))
	return s, feed
}

func textMessage(ts uint64) *Message {
	return &Message{
		ID:              ids.MessageID(ts, "alice", ids.DefaultDeviceID),
		ConversationID:  "room",
		SenderID:        "alice",
		DeviceID:        ids.DefaultDeviceID,
		ClientTimestamp: ts,
		Kind:            KindText,
		SendStatus:      SendStatusSent,
		Body:            fmt.Sprintf("message %d", ts),
	}
}

func timestamps(ms []*Message) []uint64 {
	out := make([]uint64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ShowTimestamp)
	}
	return out
}

func TestRoomAndMembers(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	r, err := s.Room("room")
	require.Nil(err)
	require.Equal(Group, r.Kind)
	members, err := s.Members("room")
	require.Nil(err)
	require.Equal([]string{"alice", "bob"}, members)

	require.Nil(s.UpsertRoom(&Room{ID: "room", Kind: Group}, []string{"carol"}))
	members, err = s.Members("room")
	require.Nil(err)
	require.Equal([]string{"carol"}, members)

	_, err = s.Room("missing")
	require.True(errors.Is(err, ErrNotFound))
}

func TestReadPositionTakesMax(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := uint64(1); i <= 20; i++ {
		wg.Add(1)
		go func(p uint64) {
			defer wg.Done()
			_, err := s.AdvanceReadPosition("room", p*10)
			require.Nil(err)
		}(i)
	}
	wg.Wait()

	pos, err := s.AdvanceReadPosition("room", 5)
	require.Nil(err)
	require.Equal(uint64(200), pos)
	r, err := s.Room("room")
	require.Nil(err)
	require.Equal(uint64(200), r.ReadPosition)
}

func TestInsertPublishesChange(t *testing.T) {
	require := require.New(t)
	s, feed := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := feed.Observe(ctx, "room")

	require.Nil(s.InsertMessage(textMessage(100)))
	select {
	case <-ticks:
	case <-time.After(time.Second):
		require.Fail("expected change tick")
	}
	r, err := s.Room("room")
	require.Nil(err)
	require.NotZero(r.LastActiveMs)
}

func TestApplySendSuccess(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)
	m := textMessage(100)
	m.SendStatus = SendStatusSending
	require.Nil(s.InsertMessage(m))
	require.Equal(uint64(100), m.ShowTimestamp)

	require.Nil(s.ApplySendSuccess(m.ID, 150, 7, 8))
	got, err := s.Message(m.ID)
	require.Nil(err)
	require.Equal(SendStatusSent, got.SendStatus)
	require.Equal(uint64(150), got.ServerTimestamp)
	require.Equal(uint64(150), got.ShowTimestamp)
	require.Equal(uint64(7), got.SequenceID)
	require.Equal(uint64(8), got.NotifySequenceID)

	require.True(errors.Is(s.ApplySendSuccess("nope", 1, 1, 1), ErrNotFound))
}

func TestFailWithNotice(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)
	m := textMessage(100)
	require.Nil(s.InsertMessage(m))

	notice := textMessage(101)
	notice.Kind = KindNotify
	notice.NoticeAction = NoticeRecipientOffline
	require.Nil(s.FailWithNotice(m.ID, notice))

	got, err := s.Message(m.ID)
	require.Nil(err)
	require.Equal(SendStatusFailed, got.SendStatus)
	n, err := s.Message(notice.ID)
	require.Nil(err)
	require.Equal(NoticeRecipientOffline, n.NoticeAction)
}

func TestAttachmentColumn(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)
	m := textMessage(100)
	m.Kind = KindAttachment
	m.Attachment = &Attachment{Path: "/tmp/a.jpg", ContentType: "image/jpeg", Size: 10}
	require.Nil(s.InsertMessage(m))

	got, err := s.Message(m.ID)
	require.Nil(err)
	require.Equal("/tmp/a.jpg", got.Attachment.Path)
	require.False(got.Attachment.Uploaded())

	got.Attachment.AuthorizeID = 42
	got.Attachment.Key = []byte{1, 2, 3}
	got.Attachment.Status = AttachmentUploaded
	require.Nil(s.UpdateAttachment(m.ID, got.Attachment))
	got, err = s.Message(m.ID)
	require.Nil(err)
	require.True(got.Attachment.Uploaded())

	plain := textMessage(101)
	require.Nil(s.InsertMessage(plain))
	got, err = s.Message(plain.ID)
	require.Nil(err)
	require.Nil(got.Attachment)
}

func TestReactionsAndDelete(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)
	m := textMessage(100)
	require.Nil(s.InsertMessage(m))

	require.Nil(s.ApplyReaction("room", &Reaction{MessageID: m.ID, UID: "bob", Emoji: "+1", Timestamp: 1}))
	require.Nil(s.ApplyReaction("room", &Reaction{MessageID: m.ID, UID: "bob", Emoji: "+1", Timestamp: 2}))
	rs, err := s.Reactions(m.ID)
	require.Nil(err)
	require.Len(rs, 1)
	require.Equal(uint64(2), rs[0].Timestamp)

	require.Nil(s.ApplyReaction("room", &Reaction{MessageID: m.ID, UID: "bob", Emoji: "+1", Remove: true}))
	rs, err = s.Reactions(m.ID)
	require.Nil(err)
	require.Len(rs, 0)

	require.Nil(s.DeleteMessage(m.ID))
	_, err = s.Message(m.ID)
	require.True(errors.Is(err, ErrNotFound))
	require.Nil(s.DeleteMessage(m.ID))
}

func TestRangeQueries(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)
	for _, ts := range []uint64{10, 20, 30, 40, 50} {
		require.Nil(s.InsertMessage(textMessage(ts)))
	}

	ms, err := s.AfterKey("room", 20, 2)
	require.Nil(err)
	require.Equal([]uint64{30, 40}, timestamps(ms))

	ms, err = s.AtOrBeforeKey("room", 30, 0)
	require.Nil(err)
	require.Equal([]uint64{30, 20, 10}, timestamps(ms))

	p := textMessage(30)
	p.ShowTimestamp = 30
	ms, err = s.MessagesAfter("room", p.Position(), true, 0)
	require.Nil(err)
	require.Equal([]uint64{30, 40, 50}, timestamps(ms))
	ms, err = s.MessagesBefore("room", p.Position(), false, 1)
	require.Nil(err)
	require.Equal([]uint64{20}, timestamps(ms))

	lo, hi := textMessage(20), textMessage(40)
	lo.ShowTimestamp, hi.ShowTimestamp = 20, 40
	ms, err = s.MessagesBetween("room", lo.Position(), hi.Position())
	require.Nil(err)
	require.Equal([]uint64{20, 30, 40}, timestamps(ms))

	n, err := s.CountBefore("room", lo.Position())
	require.Nil(err)
	require.Equal(1, n)
	n, err = s.CountAfter("room", hi.Position())
	require.Nil(err)
	require.Equal(1, n)

	id, err := s.LatestMessageID("room")
	require.Nil(err)
	require.Equal(textMessage(50).ID, id)

	m, err := s.MessageByTimestamp("room", 40)
	require.Nil(err)
	require.Equal(hi.ID, m.ID)
	_, err = s.MessageByTimestamp("room", 41)
	require.True(errors.Is(err, ErrNotFound))
}

func TestTiesOrderedByID(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)
	a := textMessage(10)
	b := textMessage(10)
	b.ID = ids.MessageID(10, "bob", ids.DefaultDeviceID)
	b.SenderID = "bob"
	require.Nil(s.InsertMessage(b))
	require.Nil(s.InsertMessage(a))

	ms, err := s.Latest("room", 0)
	require.Nil(err)
	require.Equal([]string{b.ID, a.ID}, []string{ms[0].ID, ms[1].ID})
}

func TestReplacePublicKeysBumpsEpoch(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	epoch, err := s.ReplacePublicKeys("room", []*PublicKeyInfo{{UID: "alice", IdentityKey: "a", RegistrationID: 1}})
	require.Nil(err)
	require.Equal(uint64(1), epoch)
	epoch, err = s.ReplacePublicKeys("room", []*PublicKeyInfo{{UID: "bob", IdentityKey: "b", RegistrationID: 2}})
	require.Nil(err)
	require.Equal(uint64(2), epoch)

	infos, err := s.PublicKeys("room")
	require.Nil(err)
	require.Len(infos, 1)
	require.Equal("bob", infos[0].UID)
}
