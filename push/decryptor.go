package push

import (
	crypto_rand "crypto/rand"
	"encoding/json"

	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/crypto"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"go.uber.org/zap"
)

// A payload is a 32-byte ephemeral public key followed by the sealed JSON
// dictionary. The sender derives the shared key against the device's
// long-lived public key.
type Decryptor struct {
	log        *zap.SugaredLogger
	privateKey nacl.Key
}

func NewDecryptor(c *config.Config, privateKey nacl.Key) *Decryptor {
	return &Decryptor{
		log:        c.Logger("push/decryptor"),
		privateKey: privateKey,
	}
}

func (d *Decryptor) Decrypt(payload []byte) (*Envelope, error) {
	if len(payload) <= 32 {
		return nil, ErrMalformed
	}
	interior, err := crypto.DecryptWithDH(payload[:32], d.privateKey[:], payload[32:], nil)
	if err != nil {
		d.log.Warnf("unable to decrypt push payload: %#v", err)
		return nil, ErrMalformed
	}
	env := &Envelope{}
	if err := json.Unmarshal(interior, env); err != nil {
		d.log.Warnf("unable to decode push payload: %#v", err)
		return nil, ErrMalformed
	}
	if _, err := env.Key(); err != nil {
		return nil, ErrMalformed
	}
	return env, nil
}

// Seal is the inverse of Decrypt, used by the push server and tests.
func Seal(devicePublicKey nacl.Key, env *Envelope) ([]byte, error) {
	interior, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	publicKey, privateKey, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptWithDH(devicePublicKey[:], privateKey[:], interior, nil)
	if err != nil {
		return nil, err
	}
	return append(publicKey[:], sealed...), nil
}
