package notification

import (
	"sync"
	"time"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/ids"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/push"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Presenter decides whether a notification may be shown at all and owns the
// in-app side effects: sounds, badge updates and first-push conversation
// routing. It holds no per-message state.
type Presenter struct {
	config  *config.Config
	log     *zap.SugaredLogger
	db      *db.Database
	store   *message.Store
	clock   clock.Clock
	limiter *rate.Limiter
	updates chan interface{}

	lock             sync.Mutex
	firstPushHandled bool
}

func NewPresenter(c *config.Config, d *db.Database, store *message.Store, clk clock.Clock) *Presenter {
	return &Presenter{
		config:  c,
		log:     c.Logger("notification/presenter"),
		db:      d,
		store:   store,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Every(time.Duration(c.SoundMinIntervalMs)*time.Millisecond), 1),
		updates: make(chan interface{}, 100),
	}
}

func (p *Presenter) Updates() chan interface{} {
	return p.updates
}

func (p *Presenter) Settings() (*message.Settings, error) {
	var set *message.Settings
	if err := p.db.RunReadOnly("get settings", func() error {
		var err error
		set, err = p.store.Settings()
		return err
	}); err != nil {
		return nil, err
	}
	return set, nil
}

// MasterDND reports the device-wide push override, from the master switch or
// the scheduled do-not-disturb window.
func (p *Presenter) MasterDND() (bool, error) {
	set, err := p.Settings()
	if err != nil {
		return false, err
	}
	return set.DNDActive(p.clock.Now()), nil
}

// ScopeAllows evaluates the per-conversation or per-contact policy. A
// missing policy allows the push.
func (p *Presenter) ScopeAllows(scopeID string) (bool, error) {
	var setting *message.PushSetting
	if err := p.db.RunReadOnly("get push setting", func() error {
		var err error
		setting, err = p.store.PushSetting(scopeID)
		return err
	}); err != nil {
		return false, err
	}
	if setting == nil {
		return true, nil
	}
	return setting.CanSendPush(p.clock.CurrentTimeMs()), nil
}

// CanShow is the composed policy check: master do-not-disturb, scope policy
// and the message-kind allow-list. kindKnown is false at the envelope-only
// tier, where every command is assumed showable.
func (p *Presenter) CanShow(scopeID string, kind message.Kind, kindKnown bool) (bool, error) {
	masterDND, err := p.MasterDND()
	if err != nil {
		return false, err
	}
	if masterDND {
		return false, nil
	}
	allowed, err := p.ScopeAllows(scopeID)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}
	if kindKnown && !kind.ShouldPush() {
		return false, nil
	}
	return true, nil
}

// PlaySound emits a sound update unless sounds are disabled or another sound
// played within the rate-limit interval.
func (p *Presenter) PlaySound() error {
	set, err := p.Settings()
	if err != nil {
		return err
	}
	if !set.InAppSounds {
		return nil
	}
	if !p.limiter.AllowN(p.clock.Now(), 1) {
		p.log.Debugf("sound suppressed by rate limit")
		return nil
	}
	soundsPlayedCounter.Inc()
	p.updates <- &SoundUpdate{Name: set.SoundName}
	return nil
}

// UpdateBadge recomputes the total unread count from storage, adds extra for
// messages not yet stored, broadcasts it and returns it.
func (p *Presenter) UpdateBadge(extra int) (int, error) {
	var count int
	if err := p.db.RunReadOnly("count unread", func() error {
		var err error
		count, err = p.store.UnreadTotal()
		return err
	}); err != nil {
		return 0, err
	}
	count += extra
	p.updates <- &UnreadCountUpdate{Count: count}
	return count, nil
}

func (p *Presenter) BroadcastNewMessage(key ids.NotificationKey) {
	p.updates <- &NewMessageUpdate{Key: key}
}

// RequestGroupSync asks the embedding app to fetch group metadata from the
// group's creator.
func (p *Presenter) RequestGroupSync(groupID string, creator ids.Identity) {
	p.updates <- &GroupSyncRequestUpdate{GroupID: groupID, Creator: creator}
}

// HandleFirstPush routes the first push handled in this process to a "show
// conversation" update, at most once per process lifetime. A group push
// without a group id routes only when the sender is member of exactly one
// group conversation.
func (p *Presenter) HandleFirstPush(env *push.Envelope) error {
	p.lock.Lock()
	if p.firstPushHandled {
		p.lock.Unlock()
		return nil
	}
	p.firstPushHandled = true
	p.lock.Unlock()

	conversationID := string(env.SenderID)
	if env.IsGroup() {
		if env.GroupID != "" {
			conversationID = env.GroupID
		} else {
			var groups []*message.Conversation
			if err := p.db.RunReadOnly("find group conversations", func() error {
				var err error
				groups, err = p.store.GroupConversationsForMember(env.SenderID)
				return err
			}); err != nil {
				return err
			}
			if len(groups) != 1 {
				p.log.Debugf("ambiguous group push from %s, not routing", env.SenderID)
				return nil
			}
			conversationID = groups[0].ID
		}
	}
	p.updates <- &ShowConversationUpdate{ConversationID: conversationID}
	return nil
}
