package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIdentities(t *testing.T, n int) []*Identity {
	ids := make([]*Identity, n)
	for i := range ids {
		id, err := NewIdentity(fmt.Sprintf("+1000%d", i))
		require.Nil(t, err)
		ids[i] = id
	}
	return ids
}

func TestGroupFanOut(t *testing.T) {
	require := require.New(t)
	sender := newTestIdentities(t, 1)[0]
	members := newTestIdentities(t, 4)
	recipients := make(map[string]string)
	for _, m := range members {
		recipients[m.UID] = m.EncodedPublicKey()
	}

	enc := NewEncryptor(sender)
	env, err := enc.EncryptForRecipients([]byte("hello group"), recipients)
	require.Nil(err)
	require.Len(env.WrappedKeys, 4)
	require.NotEmpty(env.CipherText)
	require.Equal([]string{"+10000", "+10001", "+10002", "+10003"}, env.Recipients())

	for _, m := range members {
		out, err := NewEncryptor(m).DecryptForRecipient(env, env.WrappedKeys[m.UID])
		require.Nil(err)
		require.Equal("hello group", string(out))
	}
	require.Nil(VerifySender(env, sender.SigningPublicKey()))
}

func TestWrappedKeyIsBoundToRecipient(t *testing.T) {
	require := require.New(t)
	ids := newTestIdentities(t, 3)
	env, err := NewEncryptor(ids[0]).EncryptForRecipients([]byte("m"), map[string]string{
		ids[1].UID: ids[1].EncodedPublicKey(),
		ids[2].UID: ids[2].EncodedPublicKey(),
	})
	require.Nil(err)

	_, err = NewEncryptor(ids[2]).DecryptForRecipient(env, env.WrappedKeys[ids[1].UID])
	require.NotNil(err)
	_, err = NewEncryptor(ids[2]).DecryptForRecipient(env, nil)
	require.True(errors.Is(err, ErrNoWrappedKey))
}

func TestMalformedKeyFailsEncryption(t *testing.T) {
	require := require.New(t)
	ids := newTestIdentities(t, 2)
	enc := NewEncryptor(ids[0])

	_, err := enc.EncryptForRecipients([]byte("m"), map[string]string{
		ids[1].UID: ids[1].EncodedPublicKey(),
		"+19999":   "",
	})
	require.True(errors.Is(err, ErrKeyMaterialInvalid))

	_, err = enc.EncryptDirect([]byte("m"), "bm90IGEga2V5")
	require.True(errors.Is(err, ErrKeyMaterialInvalid))
	require.False(ValidPublicKey(""))
	require.True(ValidPublicKey(ids[1].EncodedPublicKey()))
}

func TestDirectRoundTrip(t *testing.T) {
	require := require.New(t)
	ids := newTestIdentities(t, 2)
	sender, counterpart := ids[0], ids[1]
	enc := NewEncryptor(sender)

	env, err := enc.EncryptDirect([]byte("hi there"), counterpart.EncodedPublicKey())
	require.Nil(err)
	require.Nil(env.WrappedKeys)

	out, err := NewEncryptor(counterpart).DecryptDirect(env)
	require.Nil(err)
	require.Equal("hi there", string(out))

	// the sender's own devices read the sync copy
	sync, err := enc.EncryptDirect([]byte("hi there"), sender.EncodedPublicKey())
	require.Nil(err)
	out, err = enc.DecryptDirect(sync)
	require.Nil(err)
	require.Equal("hi there", string(out))
	_, err = NewEncryptor(counterpart).DecryptDirect(sync)
	require.NotNil(err)
}

func TestTamperedHeaderRejected(t *testing.T) {
	require := require.New(t)
	ids := newTestIdentities(t, 2)
	env, err := NewEncryptor(ids[0]).EncryptDirect([]byte("x"), ids[1].EncodedPublicKey())
	require.Nil(err)
	env.IdentityKey = ids[1].PublicKey[:]
	_, err = NewEncryptor(ids[1]).DecryptDirect(env)
	require.NotNil(err)
	require.True(errors.Is(VerifySender(env, ids[0].SigningPublicKey()), ErrSignatureInvalid))
}

func TestIdentityFromPrivate(t *testing.T) {
	require := require.New(t)
	id := newTestIdentities(t, 1)[0]
	rebuilt, err := IdentityFromPrivate(id.UID, id.PrivateKey[:], id.SigningKey.Seed())
	require.Nil(err)
	require.Equal(id.PublicKey, rebuilt.PublicKey)
	require.Equal(id.SigningPublicKey(), rebuilt.SigningPublicKey())
}

func TestPadding(t *testing.T) {
	require := require.New(t)
	for _, n := range []int{0, 1, 159, 160, 161, 400} {
		msg := bytes.Repeat([]byte{0x41}, n)
		padded := Pad(msg)
		require.Equal(0, len(padded)%160)
		require.Greater(len(padded), n)
		out, err := Unpad(padded)
		require.Nil(err)
		require.Equal(msg, out)
	}
	_, err := Unpad([]byte{0, 0, 0})
	require.True(errors.Is(err, ErrInvalidPadding))
}
