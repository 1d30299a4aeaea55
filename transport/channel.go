package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

const (
	frameRequest  = "REQUEST"
	frameResponse = "RESPONSE"

	maxReconnectBackoff = 30 * time.Second
)

// TokenSource supplies the token the channel authenticates with.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type wsRequest struct {
	ID   string          `json:"id"`
	Verb string          `json:"verb"`
	Path string          `json:"path"`
	Body json.RawMessage `json:"body,omitempty"`
}

type wsResponse struct {
	ID      string          `json:"id"`
	Status  int             `json:"status"`
	Message string          `json:"message,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type frame struct {
	Type     string      `json:"type"`
	Request  *wsRequest  `json:"request,omitempty"`
	Response *wsResponse `json:"response,omitempty"`
}

// Channel is the persistent websocket connection. A background loop keeps it connected and
// requests are correlated with their responses by id.
type Channel struct {
	config     *config.Config
	log        *zap.SugaredLogger
	tokens     TokenSource
	dialer     *websocket.Dialer
	lock       sync.Mutex
	writeLock  sync.Mutex
	conn       *websocket.Conn
	pending    map[string]chan *wsResponse
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
	states     chan bool
}

func NewChannel(c *config.Config, tokens TokenSource) *Channel {
	return &Channel{
		config:  c,
		log:     c.Logger("transport/channel"),
		tokens:  tokens,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan *wsResponse),
		states:  make(chan bool, 10),
	}
}

func (ch *Channel) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	ch.cancelFunc = cancelFunc
	ch.startConnector(ctx)
}

func (ch *Channel) Shutdown() {
	if ch.cancelFunc == nil {
		return
	}
	ch.cancelFunc()
	ch.lock.Lock()
	if ch.conn != nil {
		_ = ch.conn.Close()
	}
	ch.lock.Unlock()
	ch.finished.Wait()
}

// States reports connection changes, true when connected.
func (ch *Channel) States() <-chan bool {
	return ch.states
}

func (ch *Channel) Connected() bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.conn != nil
}

func (ch *Channel) Send(ctx context.Context, to Destination, msg *OutgoingMessage) (Outcome, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: error encoding message: %w", err)
	}
	resp, err := ch.request(ctx, http.MethodPut, to.path("v3"), body)
	if err != nil {
		return nil, transient(err)
	}
	return classify(resp.Status, resp.Body)
}

func (ch *Channel) request(ctx context.Context, verb, path string, body []byte) (*wsResponse, error) {
	ch.lock.Lock()
	conn := ch.conn
	if conn == nil {
		ch.lock.Unlock()
		return nil, ErrChannelUnavailable
	}
	id := uuid.NewString()
	waiter := make(chan *wsResponse, 1)
	ch.pending[id] = waiter
	ch.lock.Unlock()

	defer func() {
		ch.lock.Lock()
		delete(ch.pending, id)
		ch.lock.Unlock()
	}()

	ch.writeLock.Lock()
	err := conn.WriteJSON(&frame{Type: frameRequest, Request: &wsRequest{ID: id, Verb: verb, Path: path, Body: body}})
	ch.writeLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transport: error writing request: %w", err)
	}

	timer := time.NewTimer(ch.config.ResponseTimeout())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("transport: no response to %s %s", verb, path)
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrChannelUnavailable
		}
		return resp, nil
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := ch.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialCtx, cancelFn := context.WithTimeout(ctx, ch.config.RequestTimeout())
	defer cancelFn()
	conn, resp, err := ch.dialer.DialContext(dialCtx, ch.config.WebsocketURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			ch.tokens.Invalidate()
		}
		return nil, err
	}
	return conn, nil
}

func (ch *Channel) setConn(conn *websocket.Conn) {
	ch.lock.Lock()
	ch.conn = conn
	if conn == nil {
		for id, waiter := range ch.pending {
			close(waiter)
			delete(ch.pending, id)
		}
	}
	ch.lock.Unlock()
	select {
	case ch.states <- conn != nil:
	default:
	}
}

func (ch *Channel) startConnector(ctx context.Context) {
	ch.finished.Add(1)
	go func() {
		defer ch.finished.Done()
		attempts := 0
		for {
			conn, err := ch.dial(ctx)
			if err == nil {
				ch.log.Infof("connected to %s", ch.config.WebsocketURL)
				attempts = 0
				ch.setConn(conn)
				ch.readLoop(conn)
				ch.setConn(nil)
				_ = conn.Close()
			} else if !errors.Is(err, context.Canceled) {
				ch.log.Debugf("error connecting: %v", err)
			}

			backoff := time.Duration(2<<attempts) * 100 * time.Millisecond
			if backoff > maxReconnectBackoff || backoff <= 0 {
				backoff = maxReconnectBackoff
			} else {
				attempts++
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}

func (ch *Channel) readLoop(conn *websocket.Conn) {
	for {
		f := &frame{}
		if err := conn.ReadJSON(f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ch.log.Warnf("websocket error: %v", err)
			}
			return
		}
		if f.Type != frameResponse || f.Response == nil {
			ch.log.Debugf("ignoring %s frame", f.Type)
			continue
		}
		ch.lock.Lock()
		waiter, ok := ch.pending[f.Response.ID]
		if ok {
			delete(ch.pending, f.Response.ID)
		}
		ch.lock.Unlock()
		if ok {
			waiter <- f.Response
		}
	}
}
