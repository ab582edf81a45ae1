// Package push decodes the opaque remote-push payloads into structured
// envelopes the notification pipeline can act on.
package push

import (
	"errors"
	"fmt"

	"github.com/chirp-im/go-chirp/ids"
)

// Command is the coarse kind carried by a push payload.
type Command string

const (
	CommandNewMessage      Command = "newmsg"
	CommandNewGroupMessage Command = "newgroupmsg"
	CommandMissedCall      Command = "missedcall"
)

// ErrMalformed indicates a payload which could not be decrypted or decoded.
// Callers treat it as "nothing to show" rather than a failure.
var ErrMalformed = errors.New("push: malformed payload")

// Envelope is a decrypted but not-yet-fully-processed push payload.
type Envelope struct {
	SenderID     ids.Identity  `json:"from"`
	MessageID    ids.MessageID `json:"messageId"`
	Command      Command       `json:"cmd"`
	Nickname     string        `json:"nickname,omitempty"`
	GroupID      string        `json:"groupId,omitempty"`
	GroupCreator ids.Identity  `json:"groupCreator,omitempty"`
	VoIP         bool          `json:"voip,omitempty"`
}

func (e *Envelope) Key() (ids.NotificationKey, error) {
	key, err := ids.KeyFor(e.SenderID, e.MessageID)
	if err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	return key, nil
}

func (e *Envelope) IsGroup() bool {
	return e.Command == CommandNewGroupMessage
}
