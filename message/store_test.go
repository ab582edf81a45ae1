package message

import (
	"os"
	"testing"

	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) (*Store, *db.Database) {
	c := config.NewConfig(config.WithRootDir("test-root"))
	d := test.NewTestDatabase(c)
	s, err := NewStore(c, d)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown())
	})
	return s, d
}

func TestContactRoundTrip(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("contacts", func() error {
		missing, err := s.Contact("ECHOECHO")
		require.NoError(err)
		require.Nil(missing)

		require.NoError(s.UpsertContact(&Contact{Identity: "ECHOECHO", DisplayName: "Alice"}))
		c, err := s.Contact("ECHOECHO")
		require.NoError(err)
		require.Equal("Alice", c.DisplayName)

		require.NoError(s.UpsertContact(&Contact{Identity: "ECHOECHO", DisplayName: "Alice B", Nickname: "ali"}))
		c, err = s.Contact("ECHOECHO")
		require.NoError(err)
		require.Equal("Alice B", c.DisplayName)
		require.Equal("ali", c.Nickname)
		return nil
	}))
}

func TestConversationRoundTrip(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("conversations", func() error {
		require.NoError(s.UpsertConversation(&Conversation{ID: "G1", IsGroup: true, Name: "Ride Share", CreatorID: "CREATOR0"}))
		c, err := s.Conversation("G1")
		require.NoError(err)
		require.True(c.IsGroup)
		require.Equal("Ride Share", c.Name)
		require.False(c.Private())

		missing, err := s.Conversation("G2")
		require.NoError(err)
		require.Nil(missing)
		return nil
	}))
}

func TestMessageByKey(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("messages", func() error {
		require.NoError(s.UpsertConversation(&Conversation{ID: "ECHOECHO"}))
		require.NoError(s.InsertMessage(&Stored{SenderID: "ECHOECHO", MessageID: "00AA", ConversationID: "ECHOECHO", Kind: int(KindText), PreviewText: "Hello", CreatedAtMs: 1}))

		m, err := s.Message("ECHOECHO00AA")
		require.NoError(err)
		require.Equal("Hello", m.PreviewText)
		require.Equal(KindText, m.MessageKind())

		// Upsert refreshes preview and thumbnail.
		require.NoError(s.InsertMessage(&Stored{SenderID: "ECHOECHO", MessageID: "00AA", ConversationID: "ECHOECHO", Kind: int(KindText), PreviewText: "Hello again", CreatedAtMs: 1}))
		m, err = s.Message("ECHOECHO00AA")
		require.NoError(err)
		require.Equal("Hello again", m.PreviewText)

		missing, err := s.Message("ECHOECHO00AB")
		require.NoError(err)
		require.Nil(missing)
		return nil
	}))
}

func TestUnreadCounts(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("unread", func() error {
		require.NoError(s.UpsertConversation(&Conversation{ID: "ECHOECHO"}))
		require.NoError(s.UpsertConversation(&Conversation{ID: "SECRETID", Category: CategoryPrivate}))
		require.NoError(s.InsertMessage(&Stored{SenderID: "ECHOECHO", MessageID: "00A1", ConversationID: "ECHOECHO", CreatedAtMs: 1}))
		require.NoError(s.InsertMessage(&Stored{SenderID: "ECHOECHO", MessageID: "00A2", ConversationID: "ECHOECHO", CreatedAtMs: 2}))
		require.NoError(s.InsertMessage(&Stored{SenderID: "SECRETID", MessageID: "00A3", ConversationID: "SECRETID", CreatedAtMs: 3}))

		total, err := s.UnreadTotal()
		require.NoError(err)
		require.Equal(2, total)

		perConv, err := s.UnreadForConversation("ECHOECHO")
		require.NoError(err)
		require.Equal(2, perConv)

		require.NoError(s.MarkRead("ECHOECHO00A1"))
		total, err = s.UnreadTotal()
		require.NoError(err)
		require.Equal(1, total)
		return nil
	}))
}

func TestBlocklist(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("blocklist", func() error {
		blocked, err := s.Blocked("ECHOECHO")
		require.NoError(err)
		require.False(blocked)

		require.NoError(s.SetBlocked("ECHOECHO", true))
		blocked, err = s.Blocked("ECHOECHO")
		require.NoError(err)
		require.True(blocked)

		require.NoError(s.SetBlocked("ECHOECHO", false))
		blocked, err = s.Blocked("ECHOECHO")
		require.NoError(err)
		require.False(blocked)
		return nil
	}))
}

func TestSettingsDefaults(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("settings", func() error {
		set, err := s.Settings()
		require.NoError(err)
		require.False(set.MasterDND)
		require.True(set.ShowPreviews)
		require.True(set.InAppSounds)
		require.Equal("default", set.SoundName)

		set.MasterDND = true
		set.SoundName = "chime"
		require.NoError(s.UpdateSettings(set))
		set, err = s.Settings()
		require.NoError(err)
		require.True(set.MasterDND)
		require.Equal("chime", set.SoundName)
		return nil
	}))
}

func TestPushSettingModes(t *testing.T) {
	require := require.New(t)
	s, d := newTestStore(t)

	require.NoError(d.Run("push settings", func() error {
		missing, err := s.PushSetting("ECHOECHO")
		require.NoError(err)
		require.Nil(missing)

		require.NoError(s.UpsertPushSetting(&PushSetting{ScopeID: "ECHOECHO", Mode: PushModeOffPeriod, OffUntilMs: 2000}))
		p, err := s.PushSetting("ECHOECHO")
		require.NoError(err)
		require.False(p.CanSendPush(1000))
		require.True(p.CanSendPush(2000))

		require.NoError(s.UpsertPushSetting(&PushSetting{ScopeID: "ECHOECHO", Mode: PushModeOff}))
		p, err = s.PushSetting("ECHOECHO")
		require.NoError(err)
		require.False(p.CanSendPush(99999))
		return nil
	}))
}
