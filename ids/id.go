// This package defines the identifier types used throughout chirp. Sender
// identities are fixed-length uppercase strings, message ids are fixed-length
// hex, which makes their concatenation collision-free.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const IdentityLength = 8

// Identity is an 8-character sender identity.
type Identity string

func (i Identity) Valid() bool {
	if len(i) != IdentityLength {
		return false
	}
	for _, r := range i {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '*' {
			return false
		}
	}
	return true
}

// MessageID is the hex rendering of a fixed-length message id.
type MessageID string

func (m MessageID) Valid() bool {
	if len(m) == 0 || len(m)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(string(m))
	return err == nil
}

func NewMessageID() MessageID {
	var b [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
		panic("short read from random source")
	}
	return MessageID(strings.ToUpper(hex.EncodeToString(b[:])))
}

func MessageIDFromBytes(b []byte) MessageID {
	return MessageID(strings.ToUpper(hex.EncodeToString(b)))
}

// NotificationKey identifies one in-flight notification.
type NotificationKey string

func KeyFor(sender Identity, messageID MessageID) (NotificationKey, error) {
	if !sender.Valid() {
		return "", fmt.Errorf("ids: invalid sender identity %q", sender)
	}
	if !messageID.Valid() {
		return "", fmt.Errorf("ids: invalid message id %q", messageID)
	}
	return NotificationKey(string(sender) + string(messageID)), nil
}
