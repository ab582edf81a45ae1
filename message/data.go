package message

import (
	"time"

	"github.com/chirp-im/go-chirp/ids"
)

const (
	// conversation categories
	CategoryDefault = 0
	CategoryPrivate = 1

	// group membership states
	GroupStateMember      = 0
	GroupStateLeft        = 1
	GroupStateForcedLeft  = 2
	GroupStateUnknownSync = 3
)

type Contact struct {
	Identity    string `db:"identity"`
	DisplayName string `db:"display_name"`
	Nickname    string `db:"nickname"`
	Verified    bool   `db:"verified"`
}

type Conversation struct {
	ID         string `db:"id"`
	IsGroup    bool   `db:"is_group"`
	Name       string `db:"name"`
	Category   int    `db:"category"`
	CreatorID  string `db:"creator_id"`
	GroupState int    `db:"group_state"`
}

func (c *Conversation) Private() bool {
	return c.Category == CategoryPrivate
}

// Stored is a fully persisted incoming message.
type Stored struct {
	SenderID       string `db:"sender_id"`
	MessageID      string `db:"message_id"`
	ConversationID string `db:"conversation_id"`
	Kind           int    `db:"kind"`
	PreviewText    string `db:"preview_text"`
	Thumbnail      []byte `db:"thumbnail"`
	Read           bool   `db:"read"`
	CreatedAtMs    uint64 `db:"created_at_ms"`
}

func (s *Stored) Key() (ids.NotificationKey, error) {
	return ids.KeyFor(ids.Identity(s.SenderID), ids.MessageID(s.MessageID))
}

func (s *Stored) MessageKind() Kind {
	return Kind(s.Kind)
}

// Settings is the single persisted row of user-level notification policy.
type Settings struct {
	MasterDND bool `db:"master_dnd"`

	// Scheduled do-not-disturb window in minutes since local midnight,
	// active only when DNDSchedule is set. The window may wrap midnight.
	DNDSchedule    bool `db:"dnd_schedule"`
	DNDStartMinute int  `db:"dnd_start_minute"`
	DNDEndMinute   int  `db:"dnd_end_minute"`

	BlockUnknown  bool   `db:"block_unknown"`
	ShowPreviews  bool   `db:"show_previews"`
	ShowNicknames bool   `db:"show_nicknames"`
	InAppSounds   bool   `db:"in_app_sounds"`
	SoundName     string `db:"sound_name"`
}

// DNDActive reports whether pushes are suppressed at the given local time,
// either by the master switch or by the schedule.
func (s *Settings) DNDActive(now time.Time) bool {
	if s.MasterDND {
		return true
	}
	if !s.DNDSchedule {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if s.DNDStartMinute <= s.DNDEndMinute {
		return minute >= s.DNDStartMinute && minute < s.DNDEndMinute
	}
	return minute >= s.DNDStartMinute || minute < s.DNDEndMinute
}

const (
	PushModeOn        = 0
	PushModeOff       = 1
	PushModeOffPeriod = 2
)

// PushSetting is the per-conversation or per-contact do-not-disturb policy.
type PushSetting struct {
	ScopeID     string `db:"scope_id"`
	Mode        int    `db:"mode"`
	OffUntilMs  uint64 `db:"off_until_ms"`
	Muted       bool   `db:"muted"`
	MentionOnly bool   `db:"mention_only"`
}

// CanSendPush reports whether a push may be shown right now. An expired or
// never-set off-period counts as on.
func (p *PushSetting) CanSendPush(nowMs uint64) bool {
	switch p.Mode {
	case PushModeOff:
		return false
	case PushModeOffPeriod:
		return p.OffUntilMs == 0 || nowMs >= p.OffUntilMs
	default:
		return true
	}
}
