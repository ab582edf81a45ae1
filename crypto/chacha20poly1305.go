package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

// Zero nonce is safe here because every encryption uses a fresh ephemeral key.
var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return encryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return decryptWithKey(key[:], enc, ad)
}

func encryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func decryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// SealAtRest encrypts data with a random nonce prepended to the ciphertext,
// for material written to disk under a long-lived key.
func SealAtRest(key, msg []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected key of length 32, got %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, nil), nil
}

func OpenAtRest(key, enc []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected key of length 32, got %d", len(key))
	}
	if len(enc) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, enc[:chacha20poly1305.NonceSize], enc[chacha20poly1305.NonceSize:], nil)
}

func NewKey() nacl.Key {
	return nacl.NewKey()
}
