package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type staticTokens struct {
	token       string
	invalidated int32
}

func (st *staticTokens) Token(context.Context) (string, error) {
	return st.token, nil
}

func (st *staticTokens) Invalidate() {
	atomic.AddInt32(&st.invalidated, 1)
}

type answer struct {
	status int
	body   interface{}
}

type fakeServer struct {
	lock      sync.Mutex
	answer    func(path string, msg *OutgoingMessage) answer
	wsPaths   []string
	httpPaths []string
	srv       *httptest.Server
	conns     []*websocket.Conn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newFakeServer(t *testing.T, a func(path string, msg *OutgoingMessage) answer) *fakeServer {
	gin.SetMode(gin.TestMode)
	fs := &fakeServer{answer: a}
	r := gin.New()
	r.GET("/ws", fs.handleWebsocket)
	r.PUT("/v4/messages/*rest", func(c *gin.Context) {
		msg := &OutgoingMessage{}
		if err := c.ShouldBindJSON(msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}
		fs.lock.Lock()
		fs.httpPaths = append(fs.httpPaths, c.Request.URL.Path)
		fs.lock.Unlock()
		ans := fs.answer(c.Request.URL.Path, msg)
		c.JSON(ans.status, ans.body)
	})
	fs.srv = httptest.NewServer(r)
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeServer) close() {
	fs.lock.Lock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.lock.Unlock()
	fs.srv.Close()
}

func (fs *fakeServer) dropConnections() {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.conns = nil
}

func (fs *fakeServer) handleWebsocket(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer good" {
		c.Status(http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	fs.lock.Lock()
	fs.conns = append(fs.conns, conn)
	fs.lock.Unlock()
	for {
		f := &frame{}
		if err := conn.ReadJSON(f); err != nil {
			return
		}
		msg := &OutgoingMessage{}
		if err := json.Unmarshal(f.Request.Body, msg); err != nil {
			return
		}
		fs.lock.Lock()
		fs.wsPaths = append(fs.wsPaths, f.Request.Path)
		fs.lock.Unlock()
		ans := fs.answer(f.Request.Path, msg)
		body, _ := json.Marshal(ans.body)
		if err := conn.WriteJSON(&frame{Type: frameResponse, Response: &wsResponse{ID: f.Request.ID, Status: ans.status, Body: body}}); err != nil {
			return
		}
	}
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) paths() ([]string, []string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return append([]string{}, fs.wsPaths...), append([]string{}, fs.httpPaths...)
}

func (fs *fakeServer) counts() (int, int) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return len(fs.wsPaths), len(fs.httpPaths)
}

func successAnswer(seq uint64) answer {
	return answer{200, gin.H{"ver": 1, "status": 0, "data": gin.H{
		"needsSync":           true,
		"sequenceId":          seq,
		"systemShowTimestamp": 1000 + seq,
		"notifySequenceId":    seq,
	}}}
}

func testConfig(t *testing.T, fs *fakeServer) *config.Config {
	return config.NewConfig(
		config.WithLoggingPrefix(t.Name()),
		config.WithServerURL(fs.srv.URL),
		config.WithWebsocketURL(fs.wsURL()),
		config.WithResponseTimeoutMs(1000),
	)
}

func testMessage() *OutgoingMessage {
	return &OutgoingMessage{
		Type:       EnvelopeTypeEncryptedText,
		Content:    "abc",
		Recipients: []*Recipient{{UID: "bob", RegistrationID: 1}},
		Timestamp:  1,
	}
}

func TestClassify(t *testing.T) {
	require := require.New(t)

	o, err := classify(200, []byte(`{"status":0,"data":{"sequenceId":3,"systemShowTimestamp":9,"notifySequenceId":4,"needsSync":true}}`))
	require.Nil(err)
	require.Equal(&Success{SystemShowTimestamp: 9, SequenceID: 3, NotifySequenceID: 4, NeedsSync: true}, o)

	o, err = classify(200, []byte(`{"status":11001,"data":{}}`))
	require.Nil(err)
	require.IsType(&StaleKeys{}, o)

	o, err = classify(200, []byte(`{"status":0,"data":{"stale":[{"uid":"bob"}],"missing":[{"uid":"carol"}]}}`))
	require.Nil(err)
	require.Equal(&StaleKeys{Missing: []string{"carol"}, Stale: []string{"bob"}}, o)

	o, err = classify(409, nil)
	require.Nil(err)
	require.IsType(&StaleKeys{}, o)

	for status, code := range map[int]RejectionCode{430: RejectBlocked, 432: RejectNonFriendLimit} {
		o, err = classify(status, nil)
		require.Nil(err)
		require.Equal(code, o.(*PermanentRejection).Code)
	}
	o, err = classify(404, []byte(`{"status":10105}`))
	require.Nil(err)
	require.Equal(RejectRecipientOffline, o.(*PermanentRejection).Code)
	o, err = classify(404, []byte(`{"status":10110}`))
	require.Nil(err)
	require.Equal(RejectUnregistered, o.(*PermanentRejection).Code)
	o, err = classify(404, []byte(`not json`))
	require.Nil(err)
	require.Equal(RejectDisabled, o.(*PermanentRejection).Code)

	_, err = classify(500, nil)
	var te *TransientError
	require.True(errors.As(err, &te))
	_, err = classify(200, []byte(`{`))
	require.True(errors.As(err, &te))
}

func TestChannelRoundTrip(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t, func(path string, msg *OutgoingMessage) answer {
		return successAnswer(7)
	})
	ch := NewChannel(testConfig(t, fs), &staticTokens{token: "good"})
	ch.Start()
	defer ch.Shutdown()
	require.Eventually(ch.Connected, 2*time.Second, 5*time.Millisecond)

	o, err := ch.Send(context.Background(), Destination{ID: "grp", Group: true}, testMessage())
	require.Nil(err)
	require.Equal(uint64(7), o.(*Success).SequenceID)
	wsPaths, _ := fs.paths()
	require.Equal([]string{"/v3/messages/group/grp"}, wsPaths)
}

func TestChannelUnavailableBeforeConnect(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t, func(string, *OutgoingMessage) answer { return successAnswer(1) })
	tokens := &staticTokens{token: "bad"}
	ch := NewChannel(testConfig(t, fs), tokens)
	ch.Start()
	defer ch.Shutdown()

	require.Eventually(func() bool {
		return atomic.LoadInt32(&tokens.invalidated) > 0
	}, 2*time.Second, 5*time.Millisecond)
	_, err := ch.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.ErrorIs(err, ErrChannelUnavailable)
}

func TestChannelReconnects(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t, func(string, *OutgoingMessage) answer { return successAnswer(1) })
	ch := NewChannel(testConfig(t, fs), &staticTokens{token: "good"})
	ch.Start()
	defer ch.Shutdown()

	require.True(<-ch.States())
	fs.dropConnections()
	require.False(<-ch.States())
	require.True(<-ch.States())
	_, err := ch.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.Nil(err)
}

func TestFallbackRejection(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t, func(path string, msg *OutgoingMessage) answer {
		return answer{404, gin.H{"status": 10105, "reason": "offline"}}
	})
	f := NewFallback(testConfig(t, fs))
	o, err := f.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.Nil(err)
	require.Equal(&PermanentRejection{Code: RejectRecipientOffline, HTTPStatus: 404, Reason: "offline"}, o)
	_, httpPaths := fs.paths()
	require.Equal([]string{"/v4/messages/bob"}, httpPaths)
}

func TestManagerFallsBackWhenChannelDown(t *testing.T) {
	require := require.New(t)
	var seq uint64
	fs := newFakeServer(t, func(string, *OutgoingMessage) answer {
		return successAnswer(atomic.AddUint64(&seq, 1))
	})
	c := testConfig(t, fs)
	c.WebsocketURL = ""
	m := NewManager(c, &staticTokens{token: "good"})
	m.Start()
	defer m.Shutdown()

	o, err := m.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.Nil(err)
	require.IsType(&Success{}, o)
	wsCount, httpCount := fs.counts()
	require.Equal(0, wsCount)
	require.Equal(1, httpCount)
}

func TestManagerPrefersChannel(t *testing.T) {
	require := require.New(t)
	fs := newFakeServer(t, func(string, *OutgoingMessage) answer { return successAnswer(1) })
	m := NewManager(testConfig(t, fs), &staticTokens{token: "good"})
	m.Start()
	defer m.Shutdown()
	require.Eventually(m.channel.Connected, 2*time.Second, 5*time.Millisecond)

	_, err := m.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.Nil(err)
	wsCount, httpCount := fs.counts()
	require.Equal(1, wsCount)
	require.Equal(0, httpCount)
}

type failingTransport struct {
	err error
}

func (ft *failingTransport) Send(context.Context, Destination, *OutgoingMessage) (Outcome, error) {
	return nil, ft.err
}

func TestManagerDoesNotFallBackOnEncodingErrors(t *testing.T) {
	require := require.New(t)
	fallback := &failingTransport{err: &TransientError{Cause: io.ErrUnexpectedEOF}}
	m := newManager(config.NewConfig(config.WithLoggingPrefix(t.Name())).Logger("test"), &failingTransport{err: errors.New("bad message")}, fallback)
	_, err := m.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.EqualError(err, "bad message")

	m = newManager(config.NewConfig(config.WithLoggingPrefix(t.Name())).Logger("test"), &failingTransport{err: &TransientError{Cause: ErrChannelUnavailable}}, fallback)
	_, err = m.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.ErrorIs(err, io.ErrUnexpectedEOF)
}

type answeringTransport struct {
	outcome Outcome
	calls   int
}

func (at *answeringTransport) Send(context.Context, Destination, *OutgoingMessage) (Outcome, error) {
	at.calls++
	return at.outcome, nil
}

func TestManagerFallsBackOnFailureInTransit(t *testing.T) {
	require := require.New(t)
	fallback := &answeringTransport{outcome: &Success{SequenceID: 3}}
	m := newManager(config.NewConfig(config.WithLoggingPrefix(t.Name())).Logger("test"), &failingTransport{err: &TransientError{Cause: io.ErrUnexpectedEOF}}, fallback)
	o, err := m.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.Nil(err)
	require.Equal(uint64(3), o.(*Success).SequenceID)
	require.Equal(1, fallback.calls)

	primary := &answeringTransport{outcome: &PermanentRejection{Code: RejectBlocked, HTTPStatus: 430}}
	fallback = &answeringTransport{outcome: &Success{}}
	m = newManager(config.NewConfig(config.WithLoggingPrefix(t.Name())).Logger("test"), primary, fallback)
	o, err = m.Send(context.Background(), Destination{ID: "bob"}, testMessage())
	require.Nil(err)
	require.IsType(&PermanentRejection{}, o)
	require.Equal(0, fallback.calls)
}
