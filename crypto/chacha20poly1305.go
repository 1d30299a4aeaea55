package crypto

import (
	"encoding/binary"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/status-im/doubleratchet"
	"golang.org/x/crypto/chacha20poly1305"
)

// Every key passed to EncryptWithKey is used for exactly one seal, so a fixed nonce is safe.
var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

var kdf = doubleratchet.DefaultCrypto{}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// deriveKey turns the DH output of pub and priv into a single-use symmetric key.
func deriveKey(pub, priv []byte) []byte {
	shared := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	_, mk := kdf.KdfCK(shared[:])
	return mk
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

func concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}
