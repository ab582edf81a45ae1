package push

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/chirp-im/go-chirp/config"
	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestSealDecryptRoundTrip(t *testing.T) {
	require := require.New(t)
	publicKey, privateKey, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)
	d := NewDecryptor(config.NewConfig(config.WithRootDir("test-root")), privateKey)

	env := &Envelope{
		SenderID:  "ECHOECHO",
		MessageID: "00AA",
		Command:   CommandNewGroupMessage,
		Nickname:  "ali",
		GroupID:   "G1",
	}
	payload, err := Seal(publicKey, env)
	require.NoError(err)

	decoded, err := d.Decrypt(payload)
	require.NoError(err)
	require.Equal(env.SenderID, decoded.SenderID)
	require.Equal(env.MessageID, decoded.MessageID)
	require.Equal(CommandNewGroupMessage, decoded.Command)
	require.Equal("ali", decoded.Nickname)
	require.Equal("G1", decoded.GroupID)
	require.True(decoded.IsGroup())
}

func TestDecryptMalformed(t *testing.T) {
	require := require.New(t)
	_, privateKey, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)
	d := NewDecryptor(config.NewConfig(config.WithRootDir("test-root")), privateKey)

	_, err = d.Decrypt(nil)
	require.ErrorIs(err, ErrMalformed)
	_, err = d.Decrypt(make([]byte, 32))
	require.ErrorIs(err, ErrMalformed)
	_, err = d.Decrypt(make([]byte, 80))
	require.ErrorIs(err, ErrMalformed)
}

func TestDecryptWrongKey(t *testing.T) {
	require := require.New(t)
	publicKey, _, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)
	_, otherPrivate, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)
	d := NewDecryptor(config.NewConfig(config.WithRootDir("test-root")), otherPrivate)

	payload, err := Seal(publicKey, &Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: CommandNewMessage})
	require.NoError(err)
	_, err = d.Decrypt(payload)
	require.ErrorIs(err, ErrMalformed)
}

func TestDecryptInvalidIdentifiers(t *testing.T) {
	require := require.New(t)
	publicKey, privateKey, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(err)
	d := NewDecryptor(config.NewConfig(config.WithRootDir("test-root")), privateKey)

	payload, err := Seal(publicKey, &Envelope{SenderID: "BAD", MessageID: "00AA", Command: CommandNewMessage})
	require.NoError(err)
	_, err = d.Decrypt(payload)
	require.ErrorIs(err, ErrMalformed)
}
