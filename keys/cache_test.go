package keys

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/meow-io/go-courier/changefeed"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fakeDirectory struct {
	lock  sync.Mutex
	keys  map[string]string
	calls [][]string
	err   error
}

func (fd *fakeDirectory) ResolveKeys(_ context.Context, uids []string) ([]*store.PublicKeyInfo, error) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.calls = append(fd.calls, uids)
	if fd.err != nil {
		return nil, fd.err
	}
	infos := []*store.PublicKeyInfo{}
	for i, uid := range uids {
		if k, ok := fd.keys[uid]; ok {
			infos = append(infos, &store.PublicKeyInfo{UID: uid, IdentityKey: k, RegistrationID: i + 1})
		}
	}
	return infos, nil
}

func newKey(t *testing.T, uid string) string {
	id, err := crypto.NewIdentity(uid)
	require.Nil(t, err)
	return id.EncodedPublicKey()
}

func newTestCache(t *testing.T, dir Directory) (*Cache, *store.Store) {
	c := test.NewTestConfig(t.Name())
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	s, err := store.New(c, d, changefeed.New(c), clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, s.UpsertRoom(&store.Room{ID: "group", Kind: store.Group}, []string{"alice", "bob", "carol"}))
	require.Nil(t, s.UpsertRoom(&store.Room{ID: "bob", Kind: store.DirectMessage}, nil))
	return NewCache(c, s, dir, "alice"), s
}

func TestAudience(t *testing.T) {
	require := require.New(t)
	kc, _ := newTestCache(t, &fakeDirectory{})

	audience, err := kc.Audience("group")
	require.Nil(err)
	require.Equal([]string{"alice", "bob", "carol"}, audience)
	audience, err = kc.Audience("bob")
	require.Nil(err)
	require.Equal([]string{"bob", "alice"}, audience)
}

func TestRefreshFiltersEmptyKeys(t *testing.T) {
	require := require.New(t)
	dir := &fakeDirectory{keys: map[string]string{
		"alice": newKey(t, "alice"),
		"bob":   "",
		"carol": newKey(t, "carol"),
	}}
	kc, s := newTestCache(t, dir)

	fresh, err := kc.HasFreshKeys("group")
	require.Nil(err)
	require.False(fresh)

	require.Nil(kc.Refresh(context.Background(), "group"))
	infos, err := kc.KeysFor("group")
	require.Nil(err)
	require.Len(infos, 2)
	require.Equal("alice", infos[0].UID)
	require.Equal("carol", infos[1].UID)

	r, err := s.Room("group")
	require.Nil(err)
	require.Equal(uint64(1), r.KeyEpoch)
}

func TestRefreshWithNoUsableKeys(t *testing.T) {
	require := require.New(t)
	dir := &fakeDirectory{keys: map[string]string{"bob": "", "alice": "not base64!"}}
	kc, _ := newTestCache(t, dir)

	require.ErrorIs(kc.Refresh(context.Background(), "bob"), ErrNoValidRecipients)
	_, err := kc.KeysFor("bob")
	require.ErrorIs(err, ErrNoValidRecipients)

	dir.err = errors.New("network down")
	require.ErrorIs(kc.Refresh(context.Background(), "bob"), ErrRefreshFailed)
}

func TestConcurrentRefreshesKeepEpochMonotonic(t *testing.T) {
	require := require.New(t)
	dir := &fakeDirectory{keys: map[string]string{"alice": newKey(t, "alice"), "bob": newKey(t, "bob")}}
	kc, s := newTestCache(t, dir)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = kc.Refresh(context.Background(), "bob")
		}()
	}
	wg.Wait()

	r, err := s.Room("bob")
	require.Nil(err)
	require.Equal(uint64(5), r.KeyEpoch)
	kc.lock.Lock()
	require.Len(kc.roomLocks, 0)
	kc.lock.Unlock()
	infos, err := kc.KeysFor("bob")
	require.Nil(err)
	require.Len(infos, 2)
}

func TestHTTPDirectory(t *testing.T) {
	require := require.New(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v3/keys/identity/bulk", func(c *gin.Context) {
		req := &resolveRequest{}
		if err := c.ShouldBindJSON(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": 1})
			return
		}
		if len(req.UIDs) > 2 {
			c.JSON(http.StatusTooManyRequests, gin.H{"status": 10012, "reason": "too many uids"})
			return
		}
		keys := []gin.H{}
		for _, uid := range req.UIDs {
			keys = append(keys, gin.H{"uid": uid, "identityKey": "key-" + uid, "registrationId": 7})
		}
		c.JSON(http.StatusOK, gin.H{"status": 0, "data": gin.H{"keys": keys}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := NewHTTPDirectory(config.NewConfig(config.WithLoggingPrefix(t.Name()), config.WithServerURL(srv.URL)))
	infos, err := d.ResolveKeys(context.Background(), []string{"bob", "carol"})
	require.Nil(err)
	require.Len(infos, 2)
	require.Equal("key-carol", infos[1].IdentityKey)
	require.Equal(7, infos[1].RegistrationID)

	_, err = d.ResolveKeys(context.Background(), []string{"bob", "carol", "dave"})
	var se *ServerError
	require.True(errors.As(err, &se))
	require.Equal(http.StatusTooManyRequests, se.HTTPStatus)
	require.Equal(10012, se.Status)
	require.Equal("too many uids", se.Reason)
}
