package notification

import (
	"errors"
	"sync"
	"time"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/push"
	"go.uber.org/zap"
)

// Queue names reported by the message-processing layer.
const (
	QueueIncoming = "incoming"
	QueueOutgoing = "outgoing"
)

// Keeps the process alive while delivery receipts flush after processing.
const taskOutgoingFlush = "outgoing-flush"

// Pipeline receives the message-processing lifecycle callbacks and drives
// index stage transitions. Processing callbacks run against the background
// index; cache reloads and reconciliation run against the foreground one.
//
// None of the callbacks fail upward. Notification bookkeeping is best-effort
// and must never block message processing itself.
type Pipeline struct {
	config    *config.Config
	log       *zap.SugaredLogger
	db        *db.Database
	store     *message.Store
	fg        *Index
	bg        *Index
	presenter *Presenter
	decryptor *push.Decryptor
	clock     clock.Clock
	tasks     *TaskManager

	lock            sync.Mutex
	completion      func()
	completionTimer clock.Timer
}

func NewPipeline(c *config.Config, d *db.Database, store *message.Store, fg, bg *Index, presenter *Presenter, decryptor *push.Decryptor, clk clock.Clock, tasks *TaskManager) *Pipeline {
	return &Pipeline{
		config:    c,
		log:       c.Logger("notification/pipeline"),
		db:        d,
		store:     store,
		fg:        fg,
		bg:        bg,
		presenter: presenter,
		decryptor: decryptor,
		clock:     clk,
		tasks:     tasks,
	}
}

// SetDecryptor installs the payload decryptor once the transport key is
// known.
func (p *Pipeline) SetDecryptor(d *push.Decryptor) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.decryptor = d
}

// HandlePush decrypts a raw push payload and raises the earliest, least
// informed notification for it. A malformed payload means nothing to show;
// completion fires immediately.
func (p *Pipeline) HandlePush(payload []byte, completion func()) error {
	p.lock.Lock()
	decryptor := p.decryptor
	p.lock.Unlock()
	if decryptor == nil {
		p.log.Debugf("dropping push payload, no decryptor yet")
		if completion != nil {
			completion()
		}
		return nil
	}
	env, err := decryptor.Decrypt(payload)
	if err != nil {
		if errors.Is(err, push.ErrMalformed) {
			p.log.Debugf("dropping malformed push payload")
			if completion != nil {
				completion()
			}
			return nil
		}
		return err
	}
	return p.HandleEnvelope(env, completion)
}

// HandleEnvelope is HandlePush for an already decrypted envelope.
func (p *Pipeline) HandleEnvelope(env *push.Envelope, completion func()) error {
	pn, err := p.bg.PendingFromEnvelope(env)
	if err != nil {
		p.log.Debugf("dropping push with invalid identifiers: %v", err)
		if completion != nil {
			completion()
		}
		return nil
	}
	p.registerCompletion(completion)
	if _, err := p.bg.StartTimed(pn); err != nil {
		return err
	}
	return p.presenter.HandleFirstPush(env)
}

// MessageStarted reports a message whose protocol-level decode succeeded but
// which is not stored yet.
func (p *Pipeline) MessageStarted(a *message.Abstract) error {
	pn, err := p.bg.PendingFromAbstract(a, StageAbstract, false)
	if err != nil {
		return err
	}
	_, err = p.bg.StartTimed(pn)
	return err
}

// MessageChanged reports a message which reached durable storage.
func (p *Pipeline) MessageChanged(s *message.Stored) error {
	pn, err := p.bg.PendingFromStored(s, StageBase)
	if err != nil {
		return err
	}
	if _, err := p.bg.StartTimed(pn); err != nil {
		return err
	}
	_, err = p.presenter.UpdateBadge(0)
	return err
}

// MessageFinished reports the end of processing. isPendingGroup marks a
// message whose group has not resolved yet; its requests are withdrawn but
// the record stays registered so queue-drain completion waits for a sync
// round trip, and when the app is foregrounded and the creator is not
// blocked a group-sync request is raised.
func (p *Pipeline) MessageFinished(a *message.Abstract, s *message.Stored, isPendingGroup bool, appInForeground bool) error {
	p.tasks.Start(taskOutgoingFlush, func() {
		p.log.Warnf("outgoing flush hit its deadline")
	})

	if isPendingGroup {
		pn, err := p.bg.PendingFromAbstract(a, StageFinal, true)
		if err != nil {
			return err
		}
		// Withdraw without finishing. The record stays in the registry so a
		// drained queue still sees the unresolved group and holds completion
		// open for the sync round trip.
		if err := p.bg.RemoveAllTimed(pn); err != nil {
			return err
		}
		if appInForeground && a.GroupCreator != "" {
			var blocked bool
			if err := p.db.RunReadOnly("check creator blocked", func() error {
				var err error
				blocked, err = p.store.Blocked(a.GroupCreator)
				return err
			}); err != nil {
				return err
			}
			if !blocked {
				p.presenter.RequestGroupSync(a.GroupID, a.GroupCreator)
			}
		}
		return nil
	}

	var (
		pn  *PendingNotification
		err error
	)
	if s != nil {
		pn, err = p.bg.PendingFromStored(s, StageFinal)
	} else {
		pn, err = p.bg.PendingFromAbstract(a, StageFinal, false)
	}
	if err != nil {
		return err
	}
	return p.bg.Finish(pn, false)
}

// MessageFailed reports a message whose processing failed. Not retried here;
// the record is forced processed and withdrawn.
func (p *Pipeline) MessageFailed(a *message.Abstract) error {
	pn, err := p.bg.PendingFromAbstract(a, StageFinal, false)
	if err != nil {
		return err
	}
	return p.bg.Finish(pn, true)
}

// QueueEmpty reports a drained processing queue. The incoming queue firing
// releases the registered completion, delayed while group-pending records
// exist so a group-sync round trip can land first. The outgoing queue firing
// ends the receipt-flush task.
func (p *Pipeline) QueueEmpty(queue string) {
	switch queue {
	case QueueIncoming:
		delay := time.Duration(0)
		if p.bg.HasPendingGroup() {
			delay = time.Duration(p.config.GroupSyncWaitMs) * time.Millisecond
		}
		p.lock.Lock()
		if p.completionTimer != nil {
			p.completionTimer.Stop()
		}
		p.completionTimer = p.clock.AfterFunc(delay, p.fireCompletion)
		p.lock.Unlock()
	case QueueOutgoing:
		p.tasks.Cancel(taskOutgoingFlush)
	default:
		p.log.Debugf("ignoring unknown queue %s", queue)
	}
}

// ReloadPendingCache rehydrates the foreground index, picking up records
// written by other contexts.
func (p *Pipeline) ReloadPendingCache() error {
	return p.fg.LoadAll()
}

// ShowWhereNotPending re-surfaces records whose store request disappeared.
func (p *Pipeline) ShowWhereNotPending() error {
	return p.fg.ShowNotPending()
}

// registerCompletion keeps at most one completion; a new registration
// replaces a pending one, matching the platform's single outstanding
// wake-up grant.
func (p *Pipeline) registerCompletion(f func()) {
	if f == nil {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.completion != nil {
		p.log.Debugf("replacing unfired completion")
	}
	p.completion = f
}

func (p *Pipeline) fireCompletion() {
	p.lock.Lock()
	f := p.completion
	p.completion = nil
	p.completionTimer = nil
	p.lock.Unlock()
	if f != nil {
		f()
	}
}
