package crypto

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestDHRoundTrip(t *testing.T) {
	require := require.New(t)
	alicePub, alicePriv, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)
	bobPub, bobPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)

	enc, err := EncryptWithDH(bobPub[:], alicePriv[:], []byte("hello"), []byte("ad"))
	require.NoError(err)
	dec, err := DecryptWithDH(alicePub[:], bobPriv[:], enc, []byte("ad"))
	require.NoError(err)
	require.Equal([]byte("hello"), dec)

	_, err = DecryptWithDH(alicePub[:], bobPriv[:], enc, []byte("other"))
	require.Error(err)
}

func TestSealAtRestRoundTrip(t *testing.T) {
	require := require.New(t)
	key := NewKey()

	enc, err := SealAtRest(key[:], []byte("thumbnail bytes"))
	require.NoError(err)
	dec, err := OpenAtRest(key[:], enc)
	require.NoError(err)
	require.Equal([]byte("thumbnail bytes"), dec)

	// Fresh nonce per seal.
	enc2, err := SealAtRest(key[:], []byte("thumbnail bytes"))
	require.NoError(err)
	require.NotEqual(enc, enc2)

	other := NewKey()
	_, err = OpenAtRest(other[:], enc)
	require.Error(err)
}

func TestOpenAtRestTooShort(t *testing.T) {
	require := require.New(t)
	key := NewKey()
	_, err := OpenAtRest(key[:], []byte{1, 2, 3})
	require.Error(err)
}
