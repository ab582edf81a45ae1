package notification

import "github.com/chirp-im/go-chirp/ids"

// NewMessageUpdate is broadcast when a processed message should be surfaced
// to in-app UI.
type NewMessageUpdate struct {
	Key ids.NotificationKey
}

// UnreadCountUpdate carries the recomputed total unread count.
type UnreadCountUpdate struct {
	Count int
}

// ShowConversationUpdate asks the embedding UI to open a conversation, fired
// at most once per process for the first push handled.
type ShowConversationUpdate struct {
	ConversationID string
	ForceCompose   bool
}

// GroupSyncRequestUpdate asks the embedding app to request group metadata
// from the group's creator.
type GroupSyncRequestUpdate struct {
	GroupID string
	Creator ids.Identity
}

// SoundUpdate asks the embedding app to play a notification sound.
type SoundUpdate struct {
	Name string
}
