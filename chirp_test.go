package chirp

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/internal/test"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/notification"
	"github.com/chirp-im/go-chirp/push"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func testRootDir(t *testing.T) string {
	var b [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("test-chirp-%x", b[:])
}

func newRunningChirp(t *testing.T, center notification.Center) *Chirp {
	c := config.NewConfig(config.WithRootDir(testRootDir(t)))
	s, err := NewChirp(c, center)
	require.NoError(t, err)
	require.True(t, s.New())
	require.NoError(t, s.Initialize(test.Key()))
	require.True(t, s.Running())
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown())
	})
	return s
}

func nextUpdate[T any](t *testing.T, s *Chirp) T {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-s.Updates():
			if v, ok := u.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithRootDir(testRootDir(t)))
	s, err := NewChirp(c, nil)
	require.NoError(err)
	require.True(s.New())

	key, err := s.NewKey("hunter2")
	require.NoError(err)
	require.Len(key, 32)
	// The salt persists, so the same password derives the same key.
	key2, err := s.NewKey("hunter2")
	require.NoError(err)
	require.Equal(key, key2)

	require.NoError(s.Initialize(key))
	require.True(s.Running())
	require.NoError(s.Shutdown())
	require.True(s.Initialized())

	require.NoError(s.Open(key))
	require.True(s.Running())
	require.NoError(s.Shutdown())
}

func TestReopenPersists(t *testing.T) {
	require := require.New(t)
	root := testRootDir(t)
	c := config.NewConfig(config.WithRootDir(root))
	s, err := NewChirp(c, nil)
	require.NoError(err)
	require.NoError(s.Initialize(test.Key()))
	require.NoError(s.UpsertContact(&message.Contact{Identity: "ECHOECHO", DisplayName: "Alice"}))
	require.NoError(s.Shutdown())

	s2, err := NewChirp(config.NewConfig(config.WithRootDir(root)), nil)
	require.NoError(err)
	require.True(s2.Initialized())
	require.NoError(s2.Open(test.Key()))
	defer func() {
		require.NoError(s2.Shutdown())
	}()
	set, err := s2.Settings()
	require.NoError(err)
	require.True(set.ShowPreviews)
}

func TestHandleEnvelopeShowsNotification(t *testing.T) {
	require := require.New(t)
	center := notification.NewMemoryCenter()
	s := newRunningChirp(t, center)

	require.NoError(s.UpsertContact(&message.Contact{Identity: "ECHOECHO", DisplayName: "Alice"}))
	require.NoError(s.UpsertConversation(&message.Conversation{ID: "ECHOECHO"}))

	env := &push.Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: push.CommandNewMessage}
	require.NoError(s.Pipeline().HandleEnvelope(env, nil))
	center.Settle()
	req := center.PendingRequest("ECHOECHO00AA-initial")
	require.NotNil(req)
	require.Equal("Alice", req.Content.Title)

	show := nextUpdate[*notification.ShowConversationUpdate](t, s)
	require.Equal("ECHOECHO", show.ConversationID)
}

func TestHandlePushWithoutTransportCompletes(t *testing.T) {
	require := require.New(t)
	s := newRunningChirp(t, nil)

	fired := false
	require.NoError(s.HandlePush([]byte("garbage"), func() {
		fired = true
	}))
	require.True(fired)
}

func TestMarkReadRebroadcastsUnread(t *testing.T) {
	require := require.New(t)
	s := newRunningChirp(t, nil)

	require.NoError(s.UpsertConversation(&message.Conversation{ID: "ECHOECHO"}))
	require.NoError(s.AddMessage(&message.Stored{SenderID: "ECHOECHO", MessageID: "00AA", ConversationID: "ECHOECHO", CreatedAtMs: 1}))
	require.NoError(s.MarkRead("ECHOECHO00AA"))
	u := nextUpdate[*notification.UnreadCountUpdate](t, s)
	require.Equal(0, u.Count)
}

func TestUpdateSettings(t *testing.T) {
	require := require.New(t)
	s := newRunningChirp(t, nil)

	set, err := s.Settings()
	require.NoError(err)
	require.False(set.MasterDND)
	set.MasterDND = true
	require.NoError(s.UpdateSettings(set))
	set, err = s.Settings()
	require.NoError(err)
	require.True(set.MasterDND)
}

func TestBlockedSenderGetsNothing(t *testing.T) {
	require := require.New(t)
	center := notification.NewMemoryCenter()
	s := newRunningChirp(t, center)

	require.NoError(s.SetBlocked("ECHOECHO", true))
	require.NoError(s.UpsertConversation(&message.Conversation{ID: "ECHOECHO"}))
	env := &push.Envelope{SenderID: "ECHOECHO", MessageID: "00AA", Command: push.CommandNewMessage}
	require.NoError(s.Pipeline().HandleEnvelope(env, nil))
	center.Settle()
	reqIDs, err := center.PendingIDs()
	require.NoError(err)
	require.Empty(reqIDs)
}
