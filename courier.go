// This package provides a high-level interface to the courier delivery core. It owns the encrypted
// database and every subsystem, sends text, attachments, recalls, reactions and read receipts
// through durable jobs and opens live conversation windows.
package courier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/meow-io/go-courier/attachment"
	"github.com/meow-io/go-courier/auth"
	"github.com/meow-io/go-courier/changefeed"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/delivery"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/keys"
	"github.com/meow-io/go-courier/migration"
	"github.com/meow-io/go-courier/outbox"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport"
	"github.com/meow-io/go-courier/window"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

var ErrNotRunning = errors.New("courier: not running")

// An event indicating a change in the state of courier.
type AppState struct {
	State int
}

// An event indicating the persistent channel connected or disconnected.
type TransportStateUpdate struct {
	Connected bool
}

// An event reporting attachment upload progress. Percent is -1 when the upload failed.
type UploadProgress struct {
	MessageID string
	Percent   int
}

type Courier struct {
	DB            *db.Database
	config        *config.Config
	log           *zap.SugaredLogger
	state         int
	clock         clock.Clock
	identity      *crypto.Identity
	lastTimestamp uint64
	idLock        sync.Mutex
	feed          *changefeed.Feed
	store         *store.Store
	tokens        *auth.TokenManager
	transport     *transport.Manager
	keys          *keys.Cache
	coordinator   *delivery.Coordinator
	uploader      *attachment.Uploader
	queue         *jobs.Queue
	outbox        *outbox.Outbox
	windowLock    sync.Mutex
	windows       map[*window.Window]bool
	updates       chan interface{}
	cancelFunc    context.CancelFunc
	finished      sync.WaitGroup
}

// Create a courier instance
func New(c *config.Config) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &Courier{
		DB:      d,
		config:  c,
		log:     log,
		state:   state,
		clock:   clock.NewSystemClock(),
		windows: make(map[*window.Window]bool),
		updates: make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (co *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, co.config.RootDir, "salt")
}

// Gets various updates which must be dealt with.
// This will produce *AppState, *TransportStateUpdate or *UploadProgress
func (co *Courier) Updates() chan interface{} {
	return co.updates
}

// Returns true is courier is in NEW state.
func (co *Courier) New() bool {
	return co.state == StateNew
}

// Returns true is courier is in INITIALIZED state.
func (co *Courier) Initialized() bool {
	return co.state == StateInitialized
}

// Returns true is courier is in RUNNING state.
func (co *Courier) Running() bool {
	return co.state == StateRunning
}

// Identity is the local account.
func (co *Courier) Identity() *crypto.Identity {
	return co.identity
}

// Initialize courier with a given key, creating a new identity for uid.
func (co *Courier) Initialize(key []byte, uid string) error {
	if co.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if uid == "" {
		return errors.New("cannot initialize without a user id")
	}
	if err := co.DB.Initialize(key); err != nil {
		return err
	}
	co.setState(StateInitialized)
	return co.open(key, uid)
}

// Open an existing courier with a given key.
func (co *Courier) Open(key []byte) error {
	return co.open(key, "")
}

func (co *Courier) open(key []byte, uid string) error {
	if co.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := co.DB.Open(key); err != nil {
		return err
	}

	if err := co.DB.Migrate("_courier", []*migration.Migration{
		{
			Name: "create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _identity (
	id INTEGER PRIMARY KEY,
	uid STRING NOT NULL,
	private_key BLOB NOT NULL,
	signing_seed BLOB NOT NULL
);`)
				return err
			},
		},
	}); err != nil {
		return err
	}

	identity, err := co.loadIdentity(uid)
	if err != nil {
		return err
	}
	co.identity = identity

	if err := co.DB.Lock("initializing subsystems", func() error {
		co.feed = changefeed.New(co.config)
		s, err := store.New(co.config, co.DB, co.feed, co.clock)
		if err != nil {
			return err
		}
		co.store = s
		q, err := jobs.New(co.config, co.DB, co.clock)
		if err != nil {
			return err
		}
		co.queue = q
		return nil
	}); err != nil {
		return err
	}

	co.tokens = auth.NewTokenManager(co.config, co.clock)
	co.transport = transport.NewManager(co.config, co.tokens)
	co.keys = keys.NewCache(co.config, co.store, keys.NewHTTPDirectory(co.config), identity.UID)
	co.coordinator = delivery.NewCoordinator(co.config, co.clock, co.store, co.keys, crypto.NewEncryptor(identity), co.transport)
	co.uploader = attachment.NewUploader(co.config, co.clock, co.store, co.keys, attachment.NewHTTPFileAPI(co.config, co.tokens))
	co.outbox = outbox.New(co.config, co.store, co.queue, co.coordinator, co.uploader, identity.UID)

	ctx, cancelFunc := context.WithCancel(context.Background())
	co.cancelFunc = cancelFunc
	co.tokens.Start()
	co.transport.Start()
	if err := co.queue.Start(); err != nil {
		cancelFunc()
		return err
	}

	co.setState(StateRunning)
	co.startUpdatePassing(ctx)
	return nil
}

func (co *Courier) loadIdentity(uid string) (*crypto.Identity, error) {
	var identity *crypto.Identity
	err := co.DB.Run("load identity", func() error {
		row := struct {
			UID         string `db:"uid"`
			PrivateKey  []byte `db:"private_key"`
			SigningSeed []byte `db:"signing_seed"`
		}{}
		err := co.DB.Tx.Get(&row, "SELECT uid, private_key, signing_seed FROM _identity WHERE id = 1")
		switch {
		case err == nil:
			identity, err = crypto.IdentityFromPrivate(row.UID, row.PrivateKey, row.SigningSeed)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("courier: error loading identity: %w", err)
		case uid == "":
			return errors.New("courier: no identity stored")
		}
		if identity, err = crypto.NewIdentity(uid); err != nil {
			return err
		}
		if _, err := co.DB.Tx.Exec("INSERT INTO _identity (id, uid, private_key, signing_seed) VALUES (1, ?, ?, ?)", uid, identity.PrivateKey[:], identity.SigningKey.Seed()); err != nil {
			return fmt.Errorf("courier: error storing identity: %w", err)
		}
		co.log.Infof("created identity for %s", uid)
		return nil
	})
	return identity, err
}

// Gracefully stop an existing courier instance.
func (co *Courier) Shutdown() error {
	if co.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	co.windowLock.Lock()
	windows := maps.Keys(co.windows)
	co.windows = make(map[*window.Window]bool)
	co.windowLock.Unlock()
	for _, w := range windows {
		w.Close()
	}

	errs := make([]string, 0)
	co.cancelFunc()
	co.finished.Wait()

	co.queue.Shutdown()
	co.transport.Shutdown()
	co.tokens.Shutdown()
	co.feed.Shutdown()
	if err := co.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	co.cancelFunc = nil
	co.queue = nil
	co.outbox = nil
	co.transport = nil

	co.setState(StateInitialized)

	close(co.updates)
	co.updates = make(chan interface{}, 100)

	return nil
}

// UpsertRoom records a conversation and its members.
func (co *Courier) UpsertRoom(r *store.Room, members []string) error {
	if co.state != StateRunning {
		return ErrNotRunning
	}
	return co.store.UpsertRoom(r, members)
}

func (co *Courier) Room(id string) (*store.Room, error) {
	if co.state != StateRunning {
		return nil, ErrNotRunning
	}
	return co.store.Room(id)
}

func (co *Courier) Message(id string) (*store.Message, error) {
	if co.state != StateRunning {
		return nil, ErrNotRunning
	}
	return co.store.Message(id)
}

// nextTimestamp is the current time in ms, bumped past the last one handed out so ids of
// messages sent in the same millisecond do not collide.
func (co *Courier) nextTimestamp() uint64 {
	co.idLock.Lock()
	defer co.idLock.Unlock()
	ts := co.clock.CurrentTimeMs()
	if ts <= co.lastTimestamp {
		ts = co.lastTimestamp + 1
	}
	co.lastTimestamp = ts
	return ts
}

// SendText stores a pending text message and queues it for delivery.
func (co *Courier) SendText(roomID, body string) (*store.Message, error) {
	return co.send(roomID, store.KindText, body, nil)
}

// SendAttachment stores a pending attachment message and queues it for upload and delivery.
func (co *Courier) SendAttachment(roomID, caption string, a *store.Attachment) (*store.Message, error) {
	if a == nil || a.Path == "" {
		return nil, errors.New("courier: attachment needs a path")
	}
	if a.Size == 0 {
		info, err := os.Stat(a.Path)
		if err != nil {
			return nil, err
		}
		a.Size = info.Size()
	}
	a.Status = store.AttachmentPending
	return co.send(roomID, store.KindAttachment, caption, a)
}

func (co *Courier) send(roomID string, kind store.Kind, body string, a *store.Attachment) (*store.Message, error) {
	if co.state != StateRunning {
		return nil, ErrNotRunning
	}
	ts := co.nextTimestamp()
	m := &store.Message{
		ID:              ids.MessageID(ts, co.identity.UID, ids.DefaultDeviceID),
		ConversationID:  roomID,
		SenderID:        co.identity.UID,
		DeviceID:        ids.DefaultDeviceID,
		ClientTimestamp: ts,
		Kind:            kind,
		SendStatus:      store.SendStatusPending,
		Body:            body,
		Attachment:      a,
	}
	if err := co.store.InsertMessage(m); err != nil {
		return nil, err
	}
	co.showSent(m)
	if _, err := co.outbox.SendMessage(m); err != nil {
		if serr := co.store.UpdateSendStatus(m.ID, store.SendStatusFailed); serr != nil {
			co.log.Warnf("error marking %s failed: %v", m.ID, serr)
		}
		return nil, err
	}
	return m, nil
}

// showSent appends a just sent message to every open window of its conversation.
func (co *Courier) showSent(m *store.Message) {
	co.windowLock.Lock()
	defer co.windowLock.Unlock()
	for w := range co.windows {
		if w.RoomID() == m.ConversationID {
			w.AddOneMessage(m)
		}
	}
}

// Recall asks every recipient to remove one of our messages.
func (co *Courier) Recall(messageID string) error {
	if co.state != StateRunning {
		return ErrNotRunning
	}
	m, err := co.store.Message(messageID)
	if err != nil {
		return err
	}
	if m.SenderID != co.identity.UID {
		return fmt.Errorf("courier: cannot recall %s, sent by %s", messageID, m.SenderID)
	}
	_, err = co.outbox.SendRecall(m.ConversationID, m.ID, m.ClientTimestamp, co.nextTimestamp())
	return err
}

// React adds an emoji reaction to a message, or removes it when remove is set.
func (co *Courier) React(messageID, emoji string, remove bool) error {
	if co.state != StateRunning {
		return ErrNotRunning
	}
	m, err := co.store.Message(messageID)
	if err != nil {
		return err
	}
	_, err = co.outbox.SendReaction(m.ConversationID, &store.Reaction{
		MessageID: m.ID,
		UID:       co.identity.UID,
		Emoji:     emoji,
		Remove:    remove,
		Timestamp: co.nextTimestamp(),
	})
	return err
}

// AdvanceReadPosition moves the conversation's read position forward. The read position never
// moves back; the stored value is returned.
func (co *Courier) AdvanceReadPosition(roomID string, position uint64) (uint64, error) {
	if co.state != StateRunning {
		return 0, ErrNotRunning
	}
	return co.store.AdvanceReadPosition(roomID, position)
}

// SendReadReceipt tells sender which of their messages were read, along with our read position.
func (co *Courier) SendReadReceipt(roomID, sender string, timestamps []uint64) error {
	if co.state != StateRunning {
		return ErrNotRunning
	}
	r, err := co.store.Room(roomID)
	if err != nil {
		return err
	}
	_, err = co.outbox.SendReadReceipt(roomID, sender, timestamps, r.ReadPosition)
	return err
}

// OpenWindow starts a live window on a conversation. jumpTarget, when non-zero, is the client
// timestamp of a message to center on. Close the window once the view goes away.
func (co *Courier) OpenWindow(roomID string, jumpTarget uint64) (*window.Window, error) {
	if co.state != StateRunning {
		return nil, ErrNotRunning
	}
	w := window.New(co.config, co.clock, co.store, co.feed, roomID)
	if _, err := w.InitialLoad(jumpTarget); err != nil {
		w.Close()
		return nil, err
	}
	co.windowLock.Lock()
	co.windows[w] = true
	co.windowLock.Unlock()
	return w, nil
}

// CloseWindow stops a window opened with OpenWindow.
func (co *Courier) CloseWindow(w *window.Window) {
	co.windowLock.Lock()
	delete(co.windows, w)
	co.windowLock.Unlock()
	w.Close()
}

func (co *Courier) startUpdatePassing(ctx context.Context) {
	co.finished.Add(1)
	go func() {
		defer co.finished.Done()
		for {
			var e interface{}
			select {
			case <-ctx.Done():
				return
			case p := <-co.uploader.Progress():
				e = &UploadProgress{MessageID: p.MessageID, Percent: p.Percent}
			case connected := <-co.transport.States():
				e = &TransportStateUpdate{Connected: connected}
			}
			co.log.Debugf("passing update: %#v", e)
			select {
			case co.updates <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (co *Courier) setState(state int) {
	co.state = state
	co.updates <- &AppState{state}
}
