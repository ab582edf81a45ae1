// Package message defines the protocol-level and persisted message models and
// the sqlx-backed store the notification core composes content from.
package message

// Kind is the content kind of a message, matched exhaustively where content
// is composed.
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindVideo
	KindFile
	KindAudio
	KindLocation
	KindPoll
	KindDeliveryReceipt
	KindTypingIndicator
	KindCallOffer
	KindGroupSync
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindFile:
		return "file"
	case KindAudio:
		return "audio"
	case KindLocation:
		return "location"
	case KindPoll:
		return "poll"
	case KindDeliveryReceipt:
		return "deliveryReceipt"
	case KindTypingIndicator:
		return "typingIndicator"
	case KindCallOffer:
		return "callOffer"
	case KindGroupSync:
		return "groupSync"
	}
	return "unknown"
}

// ShouldPush reports whether this kind is ever allowed to raise a user
// notification. Signalling kinds are handled on their own paths.
func (k Kind) ShouldPush() bool {
	switch k {
	case KindDeliveryReceipt, KindTypingIndicator, KindGroupSync, KindCallOffer:
		return false
	default:
		return true
	}
}

// IsVoIP reports whether the kind belongs to the call-signalling path.
func (k Kind) IsVoIP() bool {
	return k == KindCallOffer
}

// GenericBody is the preview-free notification body for this kind.
func (k Kind) GenericBody() string {
	switch k {
	case KindText:
		return "New message"
	case KindImage:
		return "New photo"
	case KindVideo:
		return "New video"
	case KindFile:
		return "New file"
	case KindAudio:
		return "New voice message"
	case KindLocation:
		return "New location"
	case KindPoll:
		return "New poll"
	default:
		return "New message"
	}
}

// HasThumbnail reports whether messages of this kind may carry a preview
// image usable as a notification attachment.
func (k Kind) HasThumbnail() bool {
	switch k {
	case KindImage, KindVideo, KindFile:
		return true
	default:
		return false
	}
}
