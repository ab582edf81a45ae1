package notification

import (
	"encoding/json"
	"fmt"

	"github.com/chirp-im/go-chirp/ids"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/push"
	"golang.org/x/exp/maps"
)

// PendingNotification is one in-flight notification, keyed by the
// concatenation of sender and message id and tracked through the processing
// stages. It is owned by exactly one Index for its whole lifetime; all
// mutation happens on that index's work queue.
type PendingNotification struct {
	Key       ids.NotificationKey
	SenderID  ids.Identity
	MessageID ids.MessageID
	Stage     Stage
	Envelope  *push.Envelope
	Abstract  *message.Abstract
	Stored    *message.Stored

	// IsPendingGroup marks a message addressed to a group this device has
	// not resolved yet. Such records never produce a visible request.
	IsPendingGroup bool
	Processed      bool
	FireDateMs     uint64

	// lastScheduled is the most recent stage whose transition produced store
	// operations. Re-running a stage at or below it is a no-op.
	lastScheduled Stage

	// removals holds request identifiers still awaiting removal from the
	// store, re-issued on every transition for idempotent cleanup.
	removals map[string]bool

	completion func()
}

func newPendingNotification(sender ids.Identity, messageID ids.MessageID) (*PendingNotification, error) {
	key, err := ids.KeyFor(sender, messageID)
	if err != nil {
		return nil, fmt.Errorf("notification: %w", err)
	}
	return &PendingNotification{
		Key:           key,
		SenderID:      sender,
		MessageID:     messageID,
		Stage:         StageInitial,
		lastScheduled: stageNone,
		removals:      make(map[string]bool),
	}, nil
}

// advanceTo raises the stage monotonically. Requests for an earlier or equal
// stage leave the record untouched.
func (pn *PendingNotification) advanceTo(s Stage) {
	if s > pn.Stage {
		pn.Stage = s
	}
}

func (pn *PendingNotification) setCompletion(f func()) {
	pn.completion = f
}

// complete fires the completion callback at most once.
func (pn *PendingNotification) complete() {
	if pn.completion == nil {
		return
	}
	f := pn.completion
	pn.completion = nil
	f()
}

// scopeID is the push-setting scope: the group id for group messages,
// otherwise the sender identity.
func (pn *PendingNotification) scopeID() string {
	if groupID := pn.groupID(); groupID != "" {
		return groupID
	}
	return string(pn.SenderID)
}

func (pn *PendingNotification) groupID() string {
	if pn.Abstract != nil && pn.Abstract.GroupID != "" {
		return pn.Abstract.GroupID
	}
	if pn.Envelope != nil && pn.Envelope.GroupID != "" {
		return pn.Envelope.GroupID
	}
	return ""
}

func (pn *PendingNotification) isGroup() bool {
	if pn.Abstract != nil {
		return pn.Abstract.IsGroup()
	}
	return pn.Envelope != nil && pn.Envelope.IsGroup()
}

// kind returns the message kind and whether one is known at all. At the
// envelope-only tier no kind is available.
func (pn *PendingNotification) kind() (message.Kind, bool) {
	if pn.Stored != nil {
		return pn.Stored.MessageKind(), true
	}
	if pn.Abstract != nil {
		return pn.Abstract.Kind, true
	}
	return 0, false
}

func (pn *PendingNotification) isVoIP() bool {
	if pn.Envelope != nil && pn.Envelope.VoIP {
		return true
	}
	k, ok := pn.kind()
	return ok && k.IsVoIP()
}

func (pn *PendingNotification) receivedAfterInitialQueueSend() bool {
	return pn.Abstract != nil && pn.Abstract.ReceivedAfterInitialQueueSend
}

const (
	recordVersion1 = 1
	recordVersion2 = 2
)

// recordV2 is the current persisted shape.
type recordV2 struct {
	SenderID       string         `json:"senderId"`
	MessageID      string         `json:"messageId"`
	Stage          string         `json:"stage"`
	Envelope       *push.Envelope `json:"envelope,omitempty"`
	Abstract       *abstractV2    `json:"abstract,omitempty"`
	IsPendingGroup bool           `json:"isPendingGroup"`
	Processed      bool           `json:"processed"`
	FireDateMs     uint64         `json:"fireDateMs,omitempty"`
	LastScheduled  string         `json:"lastScheduled,omitempty"`
	Removals       []string       `json:"removals,omitempty"`
}

type abstractV2 struct {
	Kind                          int    `json:"kind"`
	Nickname                      string `json:"nickname,omitempty"`
	GroupID                       string `json:"groupId,omitempty"`
	GroupCreator                  string `json:"groupCreator,omitempty"`
	ReceivedAfterInitialQueueSend bool   `json:"afterInitialQueueSend,omitempty"`
	EditTarget                    string `json:"editTarget,omitempty"`
}

func encodeRecord(pn *PendingNotification) (int, []byte, error) {
	rec := &recordV2{
		SenderID:       string(pn.SenderID),
		MessageID:      string(pn.MessageID),
		Stage:          pn.Stage.String(),
		Envelope:       pn.Envelope,
		IsPendingGroup: pn.IsPendingGroup,
		Processed:      pn.Processed,
		FireDateMs:     pn.FireDateMs,
		Removals:       maps.Keys(pn.removals),
	}
	if pn.lastScheduled != stageNone {
		rec.LastScheduled = pn.lastScheduled.String()
	}
	if pn.Abstract != nil {
		rec.Abstract = &abstractV2{
			Kind:                          int(pn.Abstract.Kind),
			Nickname:                      pn.Abstract.SenderNickname,
			GroupID:                       pn.Abstract.GroupID,
			GroupCreator:                  string(pn.Abstract.GroupCreator),
			ReceivedAfterInitialQueueSend: pn.Abstract.ReceivedAfterInitialQueueSend,
		}
		if pn.Abstract.Edit != nil {
			rec.Abstract.EditTarget = string(pn.Abstract.Edit.TargetMessageID)
		}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, nil, fmt.Errorf("notification: error encoding record: %w", err)
	}
	return recordVersion2, payload, nil
}

// decodeRecord rehydrates a persisted record, dispatching on its format
// version. Version 1 is the legacy dictionary-shaped encoding written before
// the structured format existed.
func decodeRecord(version int, payload []byte) (*PendingNotification, error) {
	switch version {
	case recordVersion1:
		return decodeRecordV1(payload)
	case recordVersion2:
		return decodeRecordV2(payload)
	}
	return nil, fmt.Errorf("notification: unknown record version %d", version)
}

func decodeRecordV2(payload []byte) (*PendingNotification, error) {
	rec := &recordV2{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("notification: error decoding record: %w", err)
	}
	pn, err := newPendingNotification(ids.Identity(rec.SenderID), ids.MessageID(rec.MessageID))
	if err != nil {
		return nil, err
	}
	stage, err := ParseStage(rec.Stage)
	if err != nil {
		return nil, err
	}
	pn.Stage = stage
	pn.Envelope = rec.Envelope
	pn.IsPendingGroup = rec.IsPendingGroup
	pn.Processed = rec.Processed
	pn.FireDateMs = rec.FireDateMs
	if rec.LastScheduled != "" {
		if pn.lastScheduled, err = ParseStage(rec.LastScheduled); err != nil {
			return nil, err
		}
	}
	for _, id := range rec.Removals {
		pn.removals[id] = true
	}
	if rec.Abstract != nil {
		pn.Abstract = &message.Abstract{
			SenderID:                      pn.SenderID,
			MessageID:                     pn.MessageID,
			Kind:                          message.Kind(rec.Abstract.Kind),
			SenderNickname:                rec.Abstract.Nickname,
			GroupID:                       rec.Abstract.GroupID,
			GroupCreator:                  ids.Identity(rec.Abstract.GroupCreator),
			ReceivedAfterInitialQueueSend: rec.Abstract.ReceivedAfterInitialQueueSend,
		}
		if rec.Abstract.EditTarget != "" {
			pn.Abstract.Edit = &message.EditInfo{TargetMessageID: ids.MessageID(rec.Abstract.EditTarget)}
		}
	}
	return pn, nil
}

// decodeRecordV1 tolerates the loose dictionary encoding: string-keyed
// values with the envelope flattened in, numbers as floats, fire dates in
// seconds.
func decodeRecordV1(payload []byte) (*PendingNotification, error) {
	dict := map[string]interface{}{}
	if err := json.Unmarshal(payload, &dict); err != nil {
		return nil, fmt.Errorf("notification: error decoding legacy record: %w", err)
	}
	sender, _ := dict["sender"].(string)
	messageID, _ := dict["messageId"].(string)
	pn, err := newPendingNotification(ids.Identity(sender), ids.MessageID(messageID))
	if err != nil {
		return nil, err
	}
	if s, ok := dict["stage"].(string); ok {
		if pn.Stage, err = ParseStage(s); err != nil {
			return nil, err
		}
	}
	if b, ok := dict["pendingGroup"].(bool); ok {
		pn.IsPendingGroup = b
	}
	if b, ok := dict["processed"].(bool); ok {
		pn.Processed = b
	}
	if f, ok := dict["fireDate"].(float64); ok && f > 0 {
		pn.FireDateMs = uint64(f * 1000)
	}
	if env, ok := dict["envelope"].(map[string]interface{}); ok {
		e := &push.Envelope{}
		if v, ok := env["from"].(string); ok {
			e.SenderID = ids.Identity(v)
		}
		if v, ok := env["messageId"].(string); ok {
			e.MessageID = ids.MessageID(v)
		}
		if v, ok := env["cmd"].(string); ok {
			e.Command = push.Command(v)
		}
		if v, ok := env["nickname"].(string); ok {
			e.Nickname = v
		}
		if v, ok := env["groupId"].(string); ok {
			e.GroupID = v
		}
		if v, ok := env["groupCreator"].(string); ok {
			e.GroupCreator = ids.Identity(v)
		}
		if v, ok := env["voip"].(bool); ok {
			e.VoIP = v
		}
		pn.Envelope = e
	}
	return pn, nil
}
