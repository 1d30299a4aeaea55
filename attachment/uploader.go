package attachment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
)

const (
	ProgressFailed = -1
	encryptSuffix  = ".encrypt"
)

// Progress reports how far the upload of a message's attachment got, in percent. ProgressFailed
// means the attempt failed.
type Progress struct {
	MessageID string
	Percent   int
}

type Audience interface {
	Audience(roomID string) ([]string, error)
}

type Uploader struct {
	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	store    *store.Store
	audience Audience
	api      FileAPI
	progress chan *Progress
}

func NewUploader(c *config.Config, cl clock.Clock, s *store.Store, audience Audience, api FileAPI) *Uploader {
	return &Uploader{
		config:   c,
		log:      c.Logger("attachment"),
		clock:    cl,
		store:    s,
		audience: audience,
		api:      api,
		progress: make(chan *Progress, 100),
	}
}

func (u *Uploader) Progress() <-chan *Progress {
	return u.progress
}

func (u *Uploader) emit(messageID string, percent int) {
	select {
	case u.progress <- &Progress{MessageID: messageID, Percent: percent}:
	default:
		u.log.Debugf("dropping progress %d for %s", percent, messageID)
	}
}

func (u *Uploader) setStatus(m *store.Message, status store.AttachmentStatus) error {
	m.Attachment.Status = status
	return u.store.UpdateAttachment(m.ID, m.Attachment)
}

// Upload makes sure the attachment of m is on the file server and returns the updated
// attachment. Attachments already holding an authorize id are returned unchanged.
func (u *Uploader) Upload(ctx context.Context, m *store.Message) (a *store.Attachment, err error) {
	if m.Attachment == nil {
		return nil, nil
	}
	if m.Attachment.Uploaded() {
		return m.Attachment, nil
	}
	encPath := m.Attachment.Path + encryptSuffix

	if err := u.setStatus(m, store.AttachmentUploading); err != nil {
		return nil, err
	}
	u.emit(m.ID, 0)
	defer func() {
		if err != nil {
			u.log.Warnf("upload of %s failed: %v", m.ID, err)
			if serr := u.setStatus(m, store.AttachmentFailed); serr != nil {
				u.log.Warnf("error marking %s failed: %v", m.ID, serr)
			}
			u.emit(m.ID, ProgressFailed)
		}
		if !m.Attachment.Audio {
			if rerr := os.Remove(encPath); rerr != nil && !os.IsNotExist(rerr) {
				u.log.Warnf("error removing %s: %v", encPath, rerr)
			}
		}
	}()

	key, fileHash, err := hashFile(m.Attachment.Path)
	if err != nil {
		return nil, err
	}
	encSize, cipherHash, err := encryptFile(m.Attachment.Path, encPath, key)
	if err != nil {
		return nil, err
	}
	numbers, err := u.audience.Audience(m.ConversationID)
	if err != nil {
		return nil, err
	}

	existing, err := u.api.Check(ctx, fileHash, numbers)
	if err != nil {
		return nil, fmt.Errorf("attachment: error checking existence: %w", err)
	}
	a = m.Attachment
	a.AttachmentID = existing.AttachmentID
	if existing.Exists {
		u.log.Debugf("attachment of %s already on server as %d", m.ID, existing.AuthorizeID)
		digest, err := hex.DecodeString(existing.CipherHash)
		if err != nil {
			return nil, fmt.Errorf("attachment: error decoding cipher hash: %w", err)
		}
		a.Digest = digest
		a.AuthorizeID = existing.AuthorizeID
	} else {
		if err := u.put(ctx, m.ID, existing.URL, encPath, encSize); err != nil {
			return nil, err
		}
		size := a.Size
		if size == 0 {
			if fi, err := os.Stat(a.Path); err == nil {
				size = fi.Size()
			}
		}
		authorizeID, err := u.api.Register(ctx, &Registration{
			Numbers:        numbers,
			AttachmentID:   existing.AttachmentID,
			FileHash:       fileHash,
			CipherHash:     hex.EncodeToString(cipherHash),
			CipherHashType: "MD5",
			HashAlg:        "SHA-256",
			KeyAlg:         "SHA-512",
			EncAlg:         "AES-CBC-256",
			FileSize:       size,
		})
		if err != nil {
			return nil, fmt.Errorf("attachment: error registering upload: %w", err)
		}
		a.Digest = cipherHash
		a.AuthorizeID = authorizeID
	}
	a.Key = key
	a.FileHash = fileHash
	if err := u.setStatus(m, store.AttachmentUploaded); err != nil {
		return nil, err
	}
	u.emit(m.ID, 100)
	return a, nil
}

func (u *Uploader) put(ctx context.Context, messageID, url, encPath string, size int64) error {
	f, err := os.Open(encPath)
	if err != nil {
		return fmt.Errorf("attachment: error opening encrypted file: %w", err)
	}
	defer f.Close()
	pr := &progressReader{
		r:        f,
		total:    size,
		clock:    u.clock,
		interval: time.Duration(u.config.UploadProgressIntervalMs) * time.Millisecond,
		last:     u.clock.Now(),
		report: func(percent int) {
			u.emit(messageID, percent)
		},
	}
	if err := u.api.Upload(ctx, url, pr); err != nil {
		return fmt.Errorf("attachment: error uploading %s: %w", messageID, err)
	}
	return nil
}

func hashFile(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("attachment: error opening %s: %w", path, err)
	}
	defer f.Close()
	return crypto.AttachmentKey(f)
}

// encryptFile writes the encrypted layout of src to dst and returns its size and MD5.
func encryptFile(src, dst string, key []byte) (int64, []byte, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, nil, fmt.Errorf("attachment: error opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, nil, fmt.Errorf("attachment: error creating %s: %w", dst, err)
	}
	h := md5.New()
	n, err := crypto.EncryptAttachment(io.MultiWriter(out, h), in, key)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, nil, fmt.Errorf("attachment: error encrypting %s: %w", src, err)
	}
	return n, h.Sum(nil), nil
}

type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	clock    clock.Clock
	interval time.Duration
	last     time.Time
	report   func(percent int)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.read += int64(n)
	if now := pr.clock.Now(); pr.total > 0 && now.Sub(pr.last) >= pr.interval {
		pr.last = now
		pr.report(int(pr.read * 100 / pr.total))
	}
	return n, err
}
