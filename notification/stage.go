// Package notification implements the pending-notification reconciliation
// core: an index of in-flight notifications tracked through four processing
// stages, a presenter applying push policy, and the pipeline driven by the
// message-processing callbacks.
package notification

import (
	"fmt"

	"github.com/chirp-im/go-chirp/ids"
)

// Stage denotes how much is known about an incoming message at scheduling
// time. Stages only ever move forward for a given key.
type Stage int

const (
	// stageNone marks "nothing scheduled yet" and never appears in a request
	// identifier.
	stageNone Stage = iota - 1

	StageInitial
	StageAbstract
	StageBase
	StageFinal
)

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "initial"
	case StageAbstract:
		return "abstract"
	case StageBase:
		return "base"
	case StageFinal:
		return "final"
	}
	return "none"
}

func ParseStage(s string) (Stage, error) {
	switch s {
	case "initial":
		return StageInitial, nil
	case "abstract":
		return StageAbstract, nil
	case "base":
		return StageBase, nil
	case "final":
		return StageFinal, nil
	}
	return stageNone, fmt.Errorf("notification: unknown stage %q", s)
}

// RequestID is the notification-store request identifier for a key at a
// stage.
func RequestID(key ids.NotificationKey, stage Stage) string {
	return fmt.Sprintf("%s-%s", key, stage)
}

// allRequestIDs returns every request identifier a key can appear under.
func allRequestIDs(key ids.NotificationKey) []string {
	return []string{
		RequestID(key, StageInitial),
		RequestID(key, StageAbstract),
		RequestID(key, StageBase),
		RequestID(key, StageFinal),
	}
}

// earlierRequestIDs returns the request identifiers for every stage before
// the given one.
func earlierRequestIDs(key ids.NotificationKey, stage Stage) []string {
	reqIDs := make([]string, 0, int(stage))
	for s := StageInitial; s < stage; s++ {
		reqIDs = append(reqIDs, RequestID(key, s))
	}
	return reqIDs
}
