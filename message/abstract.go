package message

import (
	"github.com/chirp-im/go-chirp/ids"
)

// Abstract is a decoded protocol message which has not been durably stored
// yet. It carries just enough to raise a better-informed notification than
// the raw push envelope.
type Abstract struct {
	SenderID       ids.Identity
	MessageID      ids.MessageID
	Kind           Kind
	SenderNickname string
	GroupID        string
	GroupCreator   ids.Identity

	// Set when the message arrived after the initial queue catch-up, which is
	// the watermark deciding whether in-app signals fire for it.
	ReceivedAfterInitialQueueSend bool

	// Non-nil when this message edits an earlier one rather than adding new
	// content.
	Edit *EditInfo
}

func (a *Abstract) Key() (ids.NotificationKey, error) {
	return ids.KeyFor(a.SenderID, a.MessageID)
}

func (a *Abstract) IsGroup() bool {
	return a.GroupID != ""
}

func (a *Abstract) ShouldPush() bool {
	return a.Kind.ShouldPush()
}

func (a *Abstract) IsVoIP() bool {
	return a.Kind.IsVoIP()
}

type EditInfo struct {
	TargetMessageID ids.MessageID
}

func (a *Abstract) IsEdit() bool {
	return a.Edit != nil
}
