package courier

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/delivery"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fakeServer struct {
	lock     sync.Mutex
	keys     map[string]string
	seq      uint64
	messages map[string][]*transport.OutgoingMessage
	srv      *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	gin.SetMode(gin.TestMode)
	fs := &fakeServer{keys: make(map[string]string), messages: make(map[string][]*transport.OutgoingMessage)}
	r := gin.New()
	r.POST("/v3/keys/identity/bulk", func(c *gin.Context) {
		req := struct {
			UIDs []string `json:"uids"`
		}{}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}
		fs.lock.Lock()
		defer fs.lock.Unlock()
		infos := []*store.PublicKeyInfo{}
		for i, uid := range req.UIDs {
			if key, ok := fs.keys[uid]; ok {
				infos = append(infos, &store.PublicKeyInfo{UID: uid, IdentityKey: key, RegistrationID: i + 1})
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": 0, "data": gin.H{"keys": infos}})
	})
	r.PUT("/v4/messages/:id", func(c *gin.Context) {
		msg := &transport.OutgoingMessage{}
		if err := c.ShouldBindJSON(msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}
		fs.lock.Lock()
		defer fs.lock.Unlock()
		fs.seq++
		fs.messages[c.Param("id")] = append(fs.messages[c.Param("id")], msg)
		c.JSON(http.StatusOK, gin.H{"status": 0, "data": gin.H{"sequenceId": fs.seq, "systemShowTimestamp": msg.Timestamp + 1, "notifySequenceId": fs.seq}})
	})
	fs.srv = httptest.NewServer(r)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) register(id *crypto.Identity) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.keys[id.UID] = id.EncodedPublicKey()
}

func (fs *fakeServer) received(to string) []*transport.OutgoingMessage {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return append([]*transport.OutgoingMessage{}, fs.messages[to]...)
}

func newTestCourier(t *testing.T, fs *fakeServer, root string) *Courier {
	c := test.NewTestConfig(t.Name(),
		config.WithRootDir(root),
		config.WithServerURL(fs.srv.URL),
		config.WithFileServerURL(fs.srv.URL),
	)
	co, err := New(c)
	require.Nil(t, err)
	return co
}

func waitSent(t *testing.T, co *Courier, id string) *store.Message {
	var m *store.Message
	require.Eventually(t, func() bool {
		var err error
		m, err = co.Message(id)
		return err == nil && m.SendStatus == store.SendStatusSent
	}, 5*time.Second, 10*time.Millisecond)
	return m
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t)
	root := t.TempDir()
	co := newTestCourier(t, fs, root)
	require.True(co.New())
	_, err := co.SendText("bob", "too early")
	require.ErrorIs(err, ErrNotRunning)

	key, err := co.NewKey("password")
	require.Nil(err)
	require.Nil(co.Initialize(key, "alice"))
	require.True(co.Running())
	publicKey := co.Identity().EncodedPublicKey()
	require.Nil(co.Shutdown())
	require.True(co.Initialized())

	co = newTestCourier(t, fs, root)
	require.True(co.Initialized())
	key, err = co.NewKey("password")
	require.Nil(err)
	require.Nil(co.Open(key))
	defer func() {
		require.Nil(co.Shutdown())
	}()
	require.Equal("alice", co.Identity().UID)
	require.Equal(publicKey, co.Identity().EncodedPublicKey())
}

func TestSendTextEndToEnd(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t)
	co := newTestCourier(t, fs, t.TempDir())
	key, err := co.NewKey("password")
	require.Nil(err)
	require.Nil(co.Initialize(key, "alice"))
	defer func() {
		require.Nil(co.Shutdown())
	}()

	bob, err := crypto.NewIdentity("bob")
	require.Nil(err)
	fs.register(co.Identity())
	fs.register(bob)
	require.Nil(co.UpsertRoom(&store.Room{ID: "bob", Kind: store.DirectMessage}, nil))

	w, err := co.OpenWindow("bob", 0)
	require.Nil(err)
	defer co.CloseWindow(w)

	m, err := co.SendText("bob", "hello bob")
	require.Nil(err)
	require.Equal(store.SendStatusPending, m.SendStatus)
	require.Equal(m.ID, w.Messages()[len(w.Messages())-1].ID)

	sent := waitSent(t, co, m.ID)
	require.Equal(uint64(1), sent.SequenceID)
	require.Equal(m.ClientTimestamp+1, sent.ServerTimestamp)

	msgs := fs.received("bob")
	require.Len(msgs, 1)
	require.Len(msgs[0].Recipients, 1)
	require.Equal("bob", msgs[0].Recipients[0].UID)
	env, err := delivery.DecodeEnvelope(msgs[0].Content)
	require.Nil(err)
	plaintext, err := crypto.NewEncryptor(bob).DecryptDirect(env)
	require.Nil(err)
	content, err := delivery.DecodeContent(plaintext)
	require.Nil(err)
	require.Equal(delivery.ContentData, content.Kind)
	require.Equal("hello bob", content.Data.Body)

	require.Eventually(func() bool {
		ms := w.Messages()
		return len(ms) == 1 && ms[0].SendStatus == store.SendStatusSent
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendOrderAndRecall(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t)
	co := newTestCourier(t, fs, t.TempDir())
	key, err := co.NewKey("password")
	require.Nil(err)
	require.Nil(co.Initialize(key, "alice"))
	defer func() {
		require.Nil(co.Shutdown())
	}()

	bob, err := crypto.NewIdentity("bob")
	require.Nil(err)
	fs.register(co.Identity())
	fs.register(bob)
	require.Nil(co.UpsertRoom(&store.Room{ID: "bob", Kind: store.DirectMessage}, nil))

	var ms []*store.Message
	for _, body := range []string{"one", "two", "three"} {
		m, err := co.SendText("bob", body)
		require.Nil(err)
		ms = append(ms, m)
	}
	var last uint64
	for _, m := range ms {
		sent := waitSent(t, co, m.ID)
		require.Greater(sent.SequenceID, last)
		last = sent.SequenceID
	}

	require.Nil(co.Recall(ms[0].ID))
	require.Eventually(func() bool {
		_, err := co.Message(ms[0].ID)
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	msgs := fs.received("bob")
	require.Len(msgs, 4)
	env, err := delivery.DecodeEnvelope(msgs[3].Content)
	require.Nil(err)
	plaintext, err := crypto.NewEncryptor(bob).DecryptDirect(env)
	require.Nil(err)
	content, err := delivery.DecodeContent(plaintext)
	require.Nil(err)
	require.Equal(delivery.ContentRecall, content.Kind)
	require.Equal(ms[0].ID, content.Recall.TargetID)
}

func TestReadPositionNeverMovesBack(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t)
	co := newTestCourier(t, fs, t.TempDir())
	key, err := co.NewKey("password")
	require.Nil(err)
	require.Nil(co.Initialize(key, "alice"))
	defer func() {
		require.Nil(co.Shutdown())
	}()
	require.Nil(co.UpsertRoom(&store.Room{ID: "bob", Kind: store.DirectMessage}, nil))

	p, err := co.AdvanceReadPosition("bob", 2000)
	require.Nil(err)
	require.Equal(uint64(2000), p)
	p, err = co.AdvanceReadPosition("bob", 1000)
	require.Nil(err)
	require.Equal(uint64(2000), p)
	r, err := co.Room("bob")
	require.Nil(err)
	require.Equal(uint64(2000), r.ReadPosition)
}
