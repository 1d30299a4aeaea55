package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
)

var (
	ErrNoValidRecipients = errors.New("keys: no valid recipients")
	ErrRefreshFailed     = errors.New("keys: refresh failed")
)

// Cache holds the resolved keys of every conversation. It is shared by all senders, refreshes of
// one conversation are serialized and each successful refresh bumps the room's key epoch.
type Cache struct {
	log       *zap.SugaredLogger
	store     *store.Store
	directory Directory
	selfUID   string
	lock      sync.Mutex
	roomLocks map[string]*roomLock
}

// roomLock serializes refreshes of one room. refs counts holders and waiters, the entry is
// dropped once it reaches zero.
type roomLock struct {
	sync.Mutex
	refs int
}

func NewCache(c *config.Config, s *store.Store, directory Directory, selfUID string) *Cache {
	return &Cache{
		log:       c.Logger("keys"),
		store:     s,
		directory: directory,
		selfUID:   selfUID,
		roomLocks: make(map[string]*roomLock),
	}
}

func (kc *Cache) lockRoom(roomID string) *roomLock {
	kc.lock.Lock()
	l, ok := kc.roomLocks[roomID]
	if !ok {
		l = &roomLock{}
		kc.roomLocks[roomID] = l
	}
	l.refs++
	kc.lock.Unlock()
	l.Lock()
	return l
}

func (kc *Cache) unlockRoom(roomID string, l *roomLock) {
	l.Unlock()
	kc.lock.Lock()
	defer kc.lock.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(kc.roomLocks, roomID)
	}
}

// Audience is the set of uids whose keys a conversation's messages are encrypted for. A direct
// conversation includes the sender so their other devices can read it.
func (kc *Cache) Audience(roomID string) ([]string, error) {
	r, err := kc.store.Room(roomID)
	if err != nil {
		return nil, fmt.Errorf("keys: error getting room: %w", err)
	}
	if r.Kind == store.Group {
		return kc.store.Members(roomID)
	}
	if roomID == kc.selfUID {
		return []string{kc.selfUID}, nil
	}
	return []string{roomID, kc.selfUID}, nil
}

func (kc *Cache) HasFreshKeys(roomID string) (bool, error) {
	infos, err := kc.store.PublicKeys(roomID)
	if err != nil {
		return false, err
	}
	return len(infos) != 0, nil
}

// Refresh asks the directory for the audience's current keys and replaces the cached set.
func (kc *Cache) Refresh(ctx context.Context, roomID string) error {
	l := kc.lockRoom(roomID)
	defer kc.unlockRoom(roomID, l)

	audience, err := kc.Audience(roomID)
	if err != nil {
		return err
	}
	infos, err := kc.directory.ResolveKeys(ctx, audience)
	if err != nil {
		kc.log.Warnf("error refreshing keys for %s: %v", roomID, err)
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	usable := kc.filter(roomID, infos)
	if len(usable) == 0 {
		kc.log.Warnf("refresh for %s returned no usable keys", roomID)
		return ErrNoValidRecipients
	}
	epoch, err := kc.store.ReplacePublicKeys(roomID, usable)
	if err != nil {
		return fmt.Errorf("keys: error storing keys: %w", err)
	}
	kc.log.Debugf("refreshed %d keys for %s, epoch now %d", len(usable), roomID, epoch)
	return nil
}

// KeysFor returns the cached keys of a conversation, excluding entries that cannot be encrypted for.
func (kc *Cache) KeysFor(roomID string) ([]*store.PublicKeyInfo, error) {
	infos, err := kc.store.PublicKeys(roomID)
	if err != nil {
		return nil, err
	}
	usable := kc.filter(roomID, infos)
	if len(usable) == 0 {
		return nil, ErrNoValidRecipients
	}
	return usable, nil
}

func (kc *Cache) filter(roomID string, infos []*store.PublicKeyInfo) []*store.PublicKeyInfo {
	usable := make([]*store.PublicKeyInfo, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.IdentityKey == "" {
			continue
		}
		if !crypto.ValidPublicKey(info.IdentityKey) {
			kc.log.Warnf("skipping malformed key for %s in %s", info.UID, roomID)
			continue
		}
		usable = append(usable, info)
	}
	return usable
}
