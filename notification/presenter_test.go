package notification

import (
	"testing"
	"time"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/internal/test"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/push"
	"github.com/stretchr/testify/require"
)

func newPresenterEnv(t *testing.T) (*Presenter, *message.Store, *db.Database, *clock.ManualClock) {
	c := config.NewConfig(config.WithRootDir("test-root"))
	d := test.NewTestDatabase(c)
	store, err := message.NewStore(c, d)
	require.NoError(t, err)
	clk := clock.NewManualClock(time.UnixMilli(1700000000000))
	p := NewPresenter(c, d, store, clk)
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown())
	})
	return p, store, d, clk
}

func drainSounds(p *Presenter) int {
	count := 0
	for {
		select {
		case u := <-p.Updates():
			if _, ok := u.(*SoundUpdate); ok {
				count++
			}
		default:
			return count
		}
	}
}

func TestPlaySoundRateLimited(t *testing.T) {
	require := require.New(t)
	p, _, _, clk := newPresenterEnv(t)

	require.NoError(p.PlaySound())
	require.NoError(p.PlaySound())
	require.Equal(1, drainSounds(p))

	clk.Advance(600 * time.Millisecond)
	require.NoError(p.PlaySound())
	require.Equal(1, drainSounds(p))
}

func TestPlaySoundDisabled(t *testing.T) {
	require := require.New(t)
	p, store, d, _ := newPresenterEnv(t)

	require.NoError(d.Run("disable sounds", func() error {
		set, err := store.Settings()
		if err != nil {
			return err
		}
		set.InAppSounds = false
		return store.UpdateSettings(set)
	}))
	require.NoError(p.PlaySound())
	require.Equal(0, drainSounds(p))
}

func TestUpdateBadgeCountsUnread(t *testing.T) {
	require := require.New(t)
	p, store, d, _ := newPresenterEnv(t)

	require.NoError(d.Run("seed messages", func() error {
		if err := store.UpsertConversation(&message.Conversation{ID: "ECHOECHO"}); err != nil {
			return err
		}
		if err := store.InsertMessage(&message.Stored{SenderID: "ECHOECHO", MessageID: "00A1", ConversationID: "ECHOECHO", CreatedAtMs: 1}); err != nil {
			return err
		}
		return store.InsertMessage(&message.Stored{SenderID: "ECHOECHO", MessageID: "00A2", ConversationID: "ECHOECHO", CreatedAtMs: 2})
	}))

	count, err := p.UpdateBadge(1)
	require.NoError(err)
	require.Equal(3, count)
	u := <-p.Updates()
	unread, ok := u.(*UnreadCountUpdate)
	require.True(ok)
	require.Equal(3, unread.Count)
}

func TestUpdateBadgeExcludesPrivateConversations(t *testing.T) {
	require := require.New(t)
	p, store, d, _ := newPresenterEnv(t)

	require.NoError(d.Run("seed private", func() error {
		if err := store.UpsertConversation(&message.Conversation{ID: "SECRETID", Category: message.CategoryPrivate}); err != nil {
			return err
		}
		return store.InsertMessage(&message.Stored{SenderID: "SECRETID", MessageID: "00A1", ConversationID: "SECRETID", CreatedAtMs: 1})
	}))

	count, err := p.UpdateBadge(0)
	require.NoError(err)
	require.Equal(0, count)
}

func TestScopeAllows(t *testing.T) {
	require := require.New(t)
	p, store, d, clk := newPresenterEnv(t)

	allowed, err := p.ScopeAllows("ECHOECHO")
	require.NoError(err)
	require.True(allowed)

	require.NoError(d.Run("mute", func() error {
		return store.UpsertPushSetting(&message.PushSetting{ScopeID: "ECHOECHO", Mode: message.PushModeOff})
	}))
	allowed, err = p.ScopeAllows("ECHOECHO")
	require.NoError(err)
	require.False(allowed)

	until := clk.CurrentTimeMs() + 1000
	require.NoError(d.Run("mute for a period", func() error {
		return store.UpsertPushSetting(&message.PushSetting{ScopeID: "ECHOECHO", Mode: message.PushModeOffPeriod, OffUntilMs: until})
	}))
	allowed, err = p.ScopeAllows("ECHOECHO")
	require.NoError(err)
	require.False(allowed)

	clk.Advance(time.Second)
	allowed, err = p.ScopeAllows("ECHOECHO")
	require.NoError(err)
	require.True(allowed)
}

func TestMasterDNDSchedule(t *testing.T) {
	require := require.New(t)
	p, store, d, _ := newPresenterEnv(t)

	dnd, err := p.MasterDND()
	require.NoError(err)
	require.False(dnd)

	// A window covering the whole day is active at any clock reading.
	require.NoError(d.Run("schedule dnd", func() error {
		set, err := store.Settings()
		if err != nil {
			return err
		}
		set.DNDSchedule = true
		set.DNDStartMinute = 0
		set.DNDEndMinute = 24 * 60
		return store.UpdateSettings(set)
	}))
	dnd, err = p.MasterDND()
	require.NoError(err)
	require.True(dnd)
}

func TestCanShowKind(t *testing.T) {
	require := require.New(t)
	p, _, _, _ := newPresenterEnv(t)

	ok, err := p.CanShow("ECHOECHO", message.KindText, true)
	require.NoError(err)
	require.True(ok)

	ok, err = p.CanShow("ECHOECHO", message.KindDeliveryReceipt, true)
	require.NoError(err)
	require.False(ok)

	// Unknown kinds are showable at the envelope tier.
	ok, err = p.CanShow("ECHOECHO", message.KindDeliveryReceipt, false)
	require.NoError(err)
	require.True(ok)
}

func TestFirstPushHandledOnce(t *testing.T) {
	require := require.New(t)
	p, _, _, _ := newPresenterEnv(t)

	env := &push.Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: push.CommandNewMessage}
	require.NoError(p.HandleFirstPush(env))
	require.NoError(p.HandleFirstPush(env))

	u := <-p.Updates()
	show, ok := u.(*ShowConversationUpdate)
	require.True(ok)
	require.Equal("ECHOECHO", show.ConversationID)
	select {
	case u := <-p.Updates():
		t.Fatalf("unexpected second update %T", u)
	default:
	}
}

func TestFirstPushGroupDisambiguation(t *testing.T) {
	require := require.New(t)
	p, store, d, _ := newPresenterEnv(t)

	require.NoError(d.Run("seed one group", func() error {
		if err := store.UpsertConversation(&message.Conversation{ID: "G1", IsGroup: true, Name: "Ride Share"}); err != nil {
			return err
		}
		return store.InsertMessage(&message.Stored{SenderID: "ECHOECHO", MessageID: "00A1", ConversationID: "G1", CreatedAtMs: 1})
	}))

	env := &push.Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: push.CommandNewGroupMessage}
	require.NoError(p.HandleFirstPush(env))
	u := <-p.Updates()
	show, ok := u.(*ShowConversationUpdate)
	require.True(ok)
	require.Equal("G1", show.ConversationID)
}

func TestFirstPushAmbiguousGroupNotRouted(t *testing.T) {
	require := require.New(t)
	p, store, d, _ := newPresenterEnv(t)

	require.NoError(d.Run("seed two groups", func() error {
		for _, id := range []string{"G1", "G2"} {
			if err := store.UpsertConversation(&message.Conversation{ID: id, IsGroup: true}); err != nil {
				return err
			}
		}
		if err := store.InsertMessage(&message.Stored{SenderID: "ECHOECHO", MessageID: "00A1", ConversationID: "G1", CreatedAtMs: 1}); err != nil {
			return err
		}
		return store.InsertMessage(&message.Stored{SenderID: "ECHOECHO", MessageID: "00A2", ConversationID: "G2", CreatedAtMs: 2})
	}))

	env := &push.Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: push.CommandNewGroupMessage}
	require.NoError(p.HandleFirstPush(env))
	select {
	case u := <-p.Updates():
		t.Fatalf("unexpected update %T", u)
	default:
	}
}

func TestFirstPushGroupWithExplicitID(t *testing.T) {
	require := require.New(t)
	p, _, _, _ := newPresenterEnv(t)

	env := &push.Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: push.CommandNewGroupMessage, GroupID: "G7"}
	require.NoError(p.HandleFirstPush(env))
	u := <-p.Updates()
	show, ok := u.(*ShowConversationUpdate)
	require.True(ok)
	require.Equal("G7", show.ConversationID)
}
