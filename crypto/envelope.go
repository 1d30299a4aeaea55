package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	CurrentVersion          = 2
	MinimumSupportedVersion = 2
	// VersionByte prefixes every encoded content blob.
	VersionByte = byte(CurrentVersion<<4 | MinimumSupportedVersion)

	djbKeyType = 0x05
)

var (
	ErrKeyMaterialInvalid = errors.New("crypto: key material invalid")
	ErrSignatureInvalid   = errors.New("crypto: ephemeral key signature invalid")
	ErrNoWrappedKey       = errors.New("crypto: no wrapped key for recipient")
)

// Identity is the local account's long-term key material.
type Identity struct {
	UID        string
	PublicKey  [32]byte
	PrivateKey [32]byte
	SigningKey ed25519.PrivateKey
}

func NewIdentity(uid string) (*Identity, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	_, signing, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{UID: uid, PublicKey: *pub, PrivateKey: *priv, SigningKey: signing}, nil
}

// IdentityFromPrivate rebuilds an identity from persisted private keys.
func IdentityFromPrivate(uid string, priv []byte, signingSeed []byte) (*Identity, error) {
	if len(priv) != 32 || len(signingSeed) != ed25519.SeedSize {
		return nil, ErrKeyMaterialInvalid
	}
	id := &Identity{UID: uid, SigningKey: ed25519.NewKeyFromSeed(signingSeed)}
	copy(id.PrivateKey[:], priv)
	pub := scalarmult.Base(SliceToKey(id.PrivateKey[:]))
	id.PublicKey = *pub
	return id, nil
}

// EncodedPublicKey is the directory representation of the identity key.
func (id *Identity) EncodedPublicKey() string {
	return EncodePublicKey(id.PublicKey[:])
}

func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return id.SigningKey.Public().(ed25519.PublicKey)
}

func EncodePublicKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(append([]byte{djbKeyType}, pub...))
}

// ParsePublicKey decodes a base64 identity key, with or without the type prefix.
func ParsePublicKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty key", ErrKeyMaterialInvalid)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterialInvalid, err)
	}
	if len(raw) == 33 && raw[0] == djbKeyType {
		raw = raw[1:]
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrKeyMaterialInvalid, len(raw))
	}
	var zero [32]byte
	if [32]byte(raw) == zero {
		return nil, fmt.Errorf("%w: zero key", ErrKeyMaterialInvalid)
	}
	return raw, nil
}

func ValidPublicKey(encoded string) bool {
	_, err := ParsePublicKey(encoded)
	return err == nil
}

// Envelope is one encrypted payload. WrappedKeys is only set for group envelopes.
type Envelope struct {
	Version     uint8             `msgpack:"v"`
	CipherText  []byte            `msgpack:"c"`
	EKey        []byte            `msgpack:"e"`
	IdentityKey []byte            `msgpack:"i"`
	SignedEKey  []byte            `msgpack:"s"`
	WrappedKeys map[string][]byte `msgpack:"-"`
}

// Recipients returns the uids holding a wrapped key, sorted.
func (e *Envelope) Recipients() []string {
	uids := maps.Keys(e.WrappedKeys)
	slices.Sort(uids)
	return uids
}

func (e *Envelope) header() []byte {
	return concat([]byte{e.Version}, e.EKey, e.IdentityKey)
}

type Encryptor struct {
	identity *Identity
}

func NewEncryptor(identity *Identity) *Encryptor {
	return &Encryptor{identity: identity}
}

func (enc *Encryptor) Identity() *Identity {
	return enc.identity
}

// EncryptForRecipients encrypts plaintext once under a fresh content key and wraps that key
// for every recipient. Any malformed key fails the whole call; callers filter first.
func (enc *Encryptor) EncryptForRecipients(plaintext []byte, recipients map[string]string) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrKeyMaterialInvalid)
	}
	pubs := make(map[string][]byte, len(recipients))
	for uid, encoded := range recipients {
		pub, err := ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %w", uid, err)
		}
		pubs[uid] = pub
	}

	env, ephPriv, err := enc.newEnvelope()
	if err != nil {
		return nil, err
	}

	contentKey := make([]byte, 32)
	if _, err := crypto_rand.Read(contentKey); err != nil {
		return nil, err
	}
	env.CipherText, err = EncryptWithKey(contentKey, Pad(plaintext), env.header())
	if err != nil {
		return nil, err
	}

	env.WrappedKeys = make(map[string][]byte, len(pubs))
	for uid, pub := range pubs {
		wrapped, err := EncryptWithKey(deriveKey(pub, ephPriv), contentKey, []byte(uid))
		if err != nil {
			return nil, err
		}
		env.WrappedKeys[uid] = wrapped
	}
	return env, nil
}

// EncryptDirect encrypts plaintext under a key agreed with the single counterpart key.
func (enc *Encryptor) EncryptDirect(plaintext []byte, identityKey string) (*Envelope, error) {
	pub, err := ParsePublicKey(identityKey)
	if err != nil {
		return nil, err
	}
	env, ephPriv, err := enc.newEnvelope()
	if err != nil {
		return nil, err
	}
	env.CipherText, err = EncryptWithKey(deriveKey(pub, ephPriv), Pad(plaintext), env.header())
	if err != nil {
		return nil, err
	}
	return env, nil
}

// DecryptDirect opens an envelope addressed to this identity.
func (enc *Encryptor) DecryptDirect(env *Envelope) ([]byte, error) {
	if len(env.EKey) != 32 {
		return nil, ErrKeyMaterialInvalid
	}
	padded, err := DecryptWithKey(deriveKey(env.EKey, enc.identity.PrivateKey[:]), env.CipherText, env.header())
	if err != nil {
		return nil, fmt.Errorf("crypto: error decrypting direct envelope: %w", err)
	}
	return Unpad(padded)
}

// DecryptForRecipient unwraps the content key held for this identity and opens the envelope.
func (enc *Encryptor) DecryptForRecipient(env *Envelope, wrapped []byte) ([]byte, error) {
	if len(env.EKey) != 32 {
		return nil, ErrKeyMaterialInvalid
	}
	if len(wrapped) == 0 {
		return nil, ErrNoWrappedKey
	}
	contentKey, err := DecryptWithKey(deriveKey(env.EKey, enc.identity.PrivateKey[:]), wrapped, []byte(enc.identity.UID))
	if err != nil {
		return nil, fmt.Errorf("crypto: error unwrapping content key: %w", err)
	}
	if len(contentKey) != 32 {
		return nil, ErrKeyMaterialInvalid
	}
	padded, err := DecryptWithKey(contentKey, env.CipherText, env.header())
	if err != nil {
		return nil, fmt.Errorf("crypto: error decrypting group envelope: %w", err)
	}
	return Unpad(padded)
}

// VerifySender checks the ephemeral key signature against the sender's signing key.
func VerifySender(env *Envelope, signer ed25519.PublicKey) error {
	if len(signer) != ed25519.PublicKeySize || !ed25519.Verify(signer, concat(env.EKey, env.IdentityKey), env.SignedEKey) {
		return ErrSignatureInvalid
	}
	return nil
}

func (enc *Encryptor) newEnvelope() (*Envelope, []byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	env := &Envelope{
		Version:     CurrentVersion,
		EKey:        ephPub[:],
		IdentityKey: append([]byte{}, enc.identity.PublicKey[:]...),
	}
	env.SignedEKey = ed25519.Sign(enc.identity.SigningKey, concat(env.EKey, env.IdentityKey))
	return env, ephPriv[:], nil
}
