package notification

import (
	"testing"

	"github.com/chirp-im/go-chirp/ids"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/push"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	require := require.New(t)

	pn, err := newPendingNotification("ECHOECHO", "00AA")
	require.NoError(err)
	pn.Stage = StageBase
	pn.Envelope = &push.Envelope{
		SenderID:  "ECHOECHO",
		MessageID: "00AA",
		Command:   push.CommandNewMessage,
		Nickname:  "alice",
	}
	pn.Abstract = &message.Abstract{
		SenderID:                      "ECHOECHO",
		MessageID:                     "00AA",
		Kind:                          message.KindImage,
		SenderNickname:                "alice",
		ReceivedAfterInitialQueueSend: true,
	}
	pn.IsPendingGroup = false
	pn.FireDateMs = 1700000000123
	pn.lastScheduled = StageAbstract
	pn.removals["ECHOECHO00AA-initial"] = true

	version, payload, err := encodeRecord(pn)
	require.NoError(err)
	require.Equal(recordVersion2, version)

	decoded, err := decodeRecord(version, payload)
	require.NoError(err)
	require.Equal(pn.Key, decoded.Key)
	require.Equal(StageBase, decoded.Stage)
	require.Equal(StageAbstract, decoded.lastScheduled)
	require.Equal(pn.Envelope, decoded.Envelope)
	require.Equal(message.KindImage, decoded.Abstract.Kind)
	require.Equal("alice", decoded.Abstract.SenderNickname)
	require.True(decoded.Abstract.ReceivedAfterInitialQueueSend)
	require.Equal(uint64(1700000000123), decoded.FireDateMs)
	require.True(decoded.removals["ECHOECHO00AA-initial"])
}

func TestRecordRoundTripEdit(t *testing.T) {
	require := require.New(t)

	pn, err := newPendingNotification("ECHOECHO", "00AA")
	require.NoError(err)
	pn.Abstract = &message.Abstract{
		SenderID:  "ECHOECHO",
		MessageID: "00AA",
		Kind:      message.KindText,
		Edit:      &message.EditInfo{TargetMessageID: "00A9"},
	}

	version, payload, err := encodeRecord(pn)
	require.NoError(err)
	decoded, err := decodeRecord(version, payload)
	require.NoError(err)
	require.NotNil(decoded.Abstract.Edit)
	require.Equal(ids.MessageID("00A9"), decoded.Abstract.Edit.TargetMessageID)
}

func TestLegacyRecordDecode(t *testing.T) {
	require := require.New(t)

	payload := []byte(`{
		"sender": "ECHOECHO",
		"messageId": "00AA",
		"stage": "abstract",
		"pendingGroup": true,
		"processed": false,
		"fireDate": 1700000000.5,
		"envelope": {
			"from": "ECHOECHO",
			"messageId": "00AA",
			"cmd": "newgroupmsg",
			"nickname": "alice",
			"groupId": "G1",
			"groupCreator": "CREATOR1",
			"voip": false
		}
	}`)
	pn, err := decodeRecord(recordVersion1, payload)
	require.NoError(err)
	require.Equal(ids.NotificationKey("ECHOECHO00AA"), pn.Key)
	require.Equal(StageAbstract, pn.Stage)
	require.True(pn.IsPendingGroup)
	require.False(pn.Processed)
	require.Equal(uint64(1700000000500), pn.FireDateMs)
	require.Equal(push.CommandNewGroupMessage, pn.Envelope.Command)
	require.Equal("G1", pn.Envelope.GroupID)
	require.Equal(ids.Identity("CREATOR1"), pn.Envelope.GroupCreator)
}

func TestUnknownRecordVersion(t *testing.T) {
	_, err := decodeRecord(9, []byte("{}"))
	require.Error(t, err)
}

func TestAdvanceMonotonic(t *testing.T) {
	require := require.New(t)

	pn, err := newPendingNotification("ECHOECHO", "00AA")
	require.NoError(err)
	require.Equal(StageInitial, pn.Stage)
	pn.advanceTo(StageBase)
	require.Equal(StageBase, pn.Stage)
	pn.advanceTo(StageAbstract)
	require.Equal(StageBase, pn.Stage)
	pn.advanceTo(StageFinal)
	require.Equal(StageFinal, pn.Stage)
}

func TestCompleteSingleShot(t *testing.T) {
	require := require.New(t)

	pn, err := newPendingNotification("ECHOECHO", "00AA")
	require.NoError(err)
	count := 0
	pn.setCompletion(func() {
		count++
	})
	pn.complete()
	pn.complete()
	require.Equal(1, count)
}
