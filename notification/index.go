package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/ids"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/migration"
	"github.com/chirp-im/go-chirp/push"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const storeWatchDebounce = 500 * time.Millisecond

type pendingRow struct {
	Key            string `db:"key"`
	Version        int    `db:"version"`
	Stage          int    `db:"stage"`
	IsPendingGroup bool   `db:"is_pending_group"`
	Processed      bool   `db:"processed"`
	FireDateMs     uint64 `db:"fire_date_ms"`
	Payload        []byte `db:"payload"`
}

type processedRow struct {
	Key         string `db:"key"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

// Index is the authoritative registry of pending notifications. Two
// instances typically run side by side, one for the foreground context and
// one for background processing; they share the database and the
// notification center but never memory. Every mutation which touches the
// center goes through one serial work queue per instance, which is what
// gives the remove-then-insert pattern its happens-before order.
type Index struct {
	config    *config.Config
	log       *zap.SugaredLogger
	db        *db.Database
	store     *message.Store
	center    Center
	presenter *Presenter
	composer  *Composer
	clock     clock.Clock
	tasks     *TaskManager
	name      string
	watch     bool

	lock      sync.RWMutex
	pending   map[ids.NotificationKey]*PendingNotification
	processed map[ids.NotificationKey]bool

	queue       chan func()
	watcher     *fsnotify.Watcher
	reloadTimer clock.Timer
	ctx         context.Context
	cancelFn    context.CancelFunc
	finished    sync.WaitGroup
}

// NewIndex constructs an index. name distinguishes the foreground and
// background instances in logs; watch enables reloading when another
// process writes the shared database.
func NewIndex(c *config.Config, d *db.Database, store *message.Store, center Center, presenter *Presenter, composer *Composer, clk clock.Clock, tasks *TaskManager, name string, watch bool) (*Index, error) {
	if err := d.MigrateNoLock("_notifications", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _pending_notifications (
	key STRING PRIMARY KEY,
	version INTEGER NOT NULL,
	stage INTEGER NOT NULL,
	is_pending_group INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	fire_date_ms INTEGER NOT NULL DEFAULT 0,
	payload BLOB NOT NULL
);

CREATE TABLE _processed_notifications (
	key STRING PRIMARY KEY,
	created_at_ms INTEGER NOT NULL
);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("notification: error migrating index: %w", err)
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	return &Index{
		config:    c,
		log:       c.Logger(fmt.Sprintf("notification/index-%s", name)),
		db:        d,
		store:     store,
		center:    center,
		presenter: presenter,
		composer:  composer,
		clock:     clk,
		tasks:     tasks,
		name:      name,
		watch:     watch,
		pending:   make(map[ids.NotificationKey]*PendingNotification),
		processed: make(map[ids.NotificationKey]bool),
		queue:     make(chan func(), 100),
		ctx:       ctx,
		cancelFn:  cancelFn,
	}, nil
}

func (ix *Index) Start() error {
	ix.finished.Add(1)
	go func() {
		defer ix.finished.Done()
		for {
			select {
			case op := <-ix.queue:
				op()
			case <-ix.ctx.Done():
				return
			}
		}
	}()
	if err := ix.LoadAll(); err != nil {
		return err
	}
	if ix.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("notification: error creating store watcher: %w", err)
		}
		if err := watcher.Add(ix.config.RootDir); err != nil {
			watcher.Close()
			return fmt.Errorf("notification: error watching %s: %w", ix.config.RootDir, err)
		}
		ix.watcher = watcher
		ix.finished.Add(1)
		go ix.watchStore()
	}
	return nil
}

func (ix *Index) Shutdown() error {
	ix.cancelFn()
	if ix.watcher != nil {
		ix.watcher.Close()
	}
	ix.finished.Wait()
	return nil
}

// watchStore reloads the registry when another process writes the shared
// database, debounced so write bursts coalesce into one reload.
func (ix *Index) watchStore() {
	defer ix.finished.Done()
	for {
		select {
		case event, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".db") {
				continue
			}
			if ix.reloadTimer != nil {
				ix.reloadTimer.Stop()
			}
			ix.reloadTimer = ix.clock.AfterFunc(storeWatchDebounce, func() {
				if err := ix.LoadAll(); err != nil {
					ix.log.Warnf("error reloading after store write: %v", err)
					return
				}
				missing, err := ix.NotPending()
				if err != nil {
					ix.log.Warnf("error reconciling after store write: %v", err)
					return
				}
				if len(missing) > 0 {
					ix.log.Debugf("%d records no longer present after store write", len(missing))
				}
			})
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			ix.log.Warnf("store watcher error: %v", err)
		case <-ix.ctx.Done():
			return
		}
	}
}

// run executes f on the serial work queue and waits for it.
func (ix *Index) run(f func() error) error {
	errc := make(chan error, 1)
	op := func() {
		errc <- f()
	}
	select {
	case ix.queue <- op:
	case <-ix.ctx.Done():
		return ix.ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ix.ctx.Done():
		return ix.ctx.Err()
	}
}

// LoadAll rehydrates the registry from the database. Idempotent and safe to
// call repeatedly; on conflict with an in-memory record the higher stage
// wins, since stages are monotonic. The merge runs on the work queue so it
// never observes a record mid-transition.
func (ix *Index) LoadAll() error {
	return ix.run(ix.loadAll)
}

// loadAll runs on the work queue.
func (ix *Index) loadAll() error {
	var (
		pendingRows   []*pendingRow
		processedRows []*processedRow
	)
	if err := ix.db.Run("load pending notifications", func() error {
		// Drop the oldest processed entries beyond the keep count.
		if _, err := ix.db.Tx.Exec("DELETE FROM _processed_notifications WHERE key IN (SELECT key FROM _processed_notifications ORDER BY created_at_ms DESC LIMIT -1 OFFSET $1)", ix.config.ProcessedKeepCount); err != nil {
			return err
		}
		if err := ix.db.Tx.Select(&pendingRows, "SELECT * FROM _pending_notifications"); err != nil {
			return err
		}
		return ix.db.Tx.Select(&processedRows, "SELECT * FROM _processed_notifications")
	}); err != nil {
		return fmt.Errorf("notification: error loading registry: %w", err)
	}

	nowMs := ix.clock.CurrentTimeMs()
	ix.lock.Lock()
	defer ix.lock.Unlock()
	for _, row := range processedRows {
		ix.processed[ids.NotificationKey(row.Key)] = true
	}
	for _, row := range pendingRows {
		pn, err := decodeRecord(row.Version, row.Payload)
		if err != nil {
			ix.log.Warnf("dropping undecodable record %s: %v", row.Key, err)
			continue
		}
		// A final-stage record whose fire date has passed, or which never
		// got one, already showed whatever it was going to show.
		if pn.Stage == StageFinal && !pn.Processed && pn.FireDateMs <= nowMs {
			pn.Processed = true
		}
		existing, ok := ix.pending[pn.Key]
		if ok && existing.Stage >= pn.Stage {
			continue
		}
		if ok {
			// Carry over what only lives in memory.
			pn.completion = existing.completion
			if pn.Abstract == nil {
				pn.Abstract = existing.Abstract
			}
			if pn.Stored == nil {
				pn.Stored = existing.Stored
			}
		}
		ix.pending[pn.Key] = pn
	}
	return nil
}

// PendingFromEnvelope returns the record for a push envelope, creating it at
// the initial stage when absent.
func (ix *Index) PendingFromEnvelope(env *push.Envelope) (*PendingNotification, error) {
	key, err := env.Key()
	if err != nil {
		return nil, err
	}
	var pn *PendingNotification
	err = ix.run(func() error {
		var err error
		pn, err = ix.lookupOrCreate(key, env.SenderID, env.MessageID)
		if err != nil {
			return err
		}
		if pn.Envelope == nil {
			pn.Envelope = env
		}
		return ix.persist(pn)
	})
	return pn, err
}

// PendingFromAbstract returns the record for a decoded message at the given
// stage, creating one when absent.
func (ix *Index) PendingFromAbstract(a *message.Abstract, stage Stage, isPendingGroup bool) (*PendingNotification, error) {
	key, err := a.Key()
	if err != nil {
		return nil, err
	}
	var pn *PendingNotification
	err = ix.run(func() error {
		var err error
		pn, err = ix.lookupOrCreate(key, a.SenderID, a.MessageID)
		if err != nil {
			return err
		}
		pn.Abstract = a
		pn.IsPendingGroup = isPendingGroup
		pn.advanceTo(stage)
		return ix.persist(pn)
	})
	return pn, err
}

// PendingFromStored returns the record for a persisted message, synthesizing
// a minimal one when no earlier stage created it. That covers pipelines
// which skip straight to base for messages received while the process was
// not running.
func (ix *Index) PendingFromStored(s *message.Stored, stage Stage) (*PendingNotification, error) {
	key, err := s.Key()
	if err != nil {
		return nil, err
	}
	var pn *PendingNotification
	err = ix.run(func() error {
		var err error
		pn, err = ix.lookupOrCreate(key, ids.Identity(s.SenderID), ids.MessageID(s.MessageID))
		if err != nil {
			return err
		}
		pn.Stored = s
		// Reaching durable storage means any group it waited on resolved.
		pn.IsPendingGroup = false
		pn.advanceTo(stage)
		return ix.persist(pn)
	})
	return pn, err
}

// lookupOrCreate runs on the work queue.
func (ix *Index) lookupOrCreate(key ids.NotificationKey, sender ids.Identity, messageID ids.MessageID) (*PendingNotification, error) {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	if pn, ok := ix.pending[key]; ok {
		return pn, nil
	}
	pn, err := newPendingNotification(sender, messageID)
	if err != nil {
		return nil, err
	}
	if ix.processed[key] {
		pn.Processed = true
	}
	ix.pending[key] = pn
	return pn, nil
}

// StartTimed runs the scheduling algorithm for the record's current stage.
// It reports whether a request was actually inserted.
func (ix *Index) StartTimed(pn *PendingNotification) (bool, error) {
	var shown bool
	err := ix.run(func() error {
		var err error
		shown, err = ix.schedule(pn, false)
		return err
	})
	return shown, err
}

// schedule runs on the work queue. finishing relaxes the processed guard for
// the one transition which sets it.
func (ix *Index) schedule(pn *PendingNotification, finishing bool) (bool, error) {
	if pn.Processed && !finishing {
		ix.withdrawAll(pn)
		return false, ix.persist(pn)
	}
	if pn.IsPendingGroup {
		// Group records stay invisible until the group resolves.
		ix.withdrawAll(pn)
		return false, ix.persist(pn)
	}
	if pn.Stage <= pn.lastScheduled {
		return false, nil
	}

	// An edit which already showed replaces content in place; re-running
	// policy could withdraw a notification the user has already seen.
	skipPolicy := pn.Abstract != nil && pn.Abstract.IsEdit() && pn.lastScheduled != stageNone

	if !skipPolicy {
		masterDND, err := ix.presenter.MasterDND()
		if err != nil {
			return false, err
		}
		if masterDND {
			suppressedCounter.WithLabelValues("master_dnd").Inc()
			if _, err := ix.presenter.UpdateBadge(pn.badgeExtra()); err != nil {
				ix.log.Warnf("error updating badge: %v", err)
			}
			ix.withdrawAll(pn)
			return false, ix.persist(pn)
		}
		allowed, err := ix.presenter.ScopeAllows(pn.scopeID())
		if err != nil {
			return false, err
		}
		if !allowed {
			suppressedCounter.WithLabelValues("scope").Inc()
			if _, err := ix.presenter.UpdateBadge(pn.badgeExtra()); err != nil {
				ix.log.Warnf("error updating badge: %v", err)
			}
			// The message was accepted silently, then filtered at the end.
			// The in-app channel still needs to hear about it.
			if finishing && pn.Stage == StageFinal && pn.receivedAfterInitialQueueSend() {
				ix.presenter.BroadcastNewMessage(pn.Key)
			}
			ix.withdrawAll(pn)
			return false, ix.persist(pn)
		}
		if k, ok := pn.kind(); ok && !k.ShouldPush() {
			suppressedCounter.WithLabelValues("kind").Inc()
			ix.withdrawAll(pn)
			return false, ix.persist(pn)
		}
		if pn.isVoIP() {
			// Call signalling has its own notification path.
			suppressedCounter.WithLabelValues("voip").Inc()
			ix.withdrawAll(pn)
			return false, ix.persist(pn)
		}
	}

	content, err := ix.composer.Compose(pn)
	if err != nil {
		return false, err
	}
	if content == nil {
		suppressedCounter.WithLabelValues("blocked").Inc()
		ix.withdrawAll(pn)
		return false, ix.persist(pn)
	}

	// Remove earlier stages, then insert. The removals may settle late; the
	// single-visible invariant is eventual, not instantaneous. The current
	// identifier joins the removal set so a failed insert still gets cleaned
	// up later, but it never rides in the batch issued before its own insert:
	// a removal settling after the insert would wipe the new request.
	for _, earlier := range earlierRequestIDs(pn.Key, pn.Stage) {
		pn.removals[earlier] = true
	}
	reqID := RequestID(pn.Key, pn.Stage)
	pn.removals[reqID] = true
	batch := make([]string, 0, len(pn.removals))
	for id := range pn.removals {
		if id != reqID {
			batch = append(batch, id)
		}
	}
	ix.center.RemovePending(batch)
	ix.center.RemoveDelivered(batch)
	pn.FireDateMs = ix.clock.CurrentTimeMs()
	if err := ix.center.Add(&Request{ID: reqID, Content: content, FireDateMs: pn.FireDateMs}); err != nil {
		// Left unretried; the next transition reissues the removal set.
		ix.log.Warnf("error adding request %s: %v", reqID, err)
		return false, ix.persist(pn)
	}
	delete(pn.removals, reqID)
	pn.lastScheduled = pn.Stage
	scheduledCounter.WithLabelValues(pn.Stage.String()).Inc()
	ix.log.Debugf("scheduled %s", reqID)
	return true, ix.persist(pn)
}

// Finish moves a record to its terminal stage. rejected withdraws instead of
// showing. Safe to call more than once; the second call only withdraws.
func (ix *Index) Finish(pn *PendingNotification, rejected bool) error {
	return ix.run(func() error {
		return ix.finish(pn, rejected)
	})
}

// finish runs on the work queue.
func (ix *Index) finish(pn *PendingNotification, rejected bool) error {
	pn.advanceTo(StageFinal)

	if pn.IsPendingGroup {
		// The group never resolved; drop silently.
		ix.withdrawAll(pn)
		if err := ix.remove(pn); err != nil {
			return err
		}
		pn.complete()
		return nil
	}
	if pn.Processed {
		ix.withdrawAll(pn)
		pn.complete()
		return nil
	}

	pn.Processed = true
	if err := ix.markProcessed(pn.Key); err != nil {
		return err
	}
	if rejected {
		ix.withdrawAll(pn)
		if err := ix.persist(pn); err != nil {
			return err
		}
	} else {
		if _, err := ix.schedule(pn, true); err != nil {
			var inv *InternalInvariantError
			if !errors.As(err, &inv) {
				return err
			}
			ix.log.Warnf("dropping notification for %s: %v", pn.Key, inv)
		}
		if pn.receivedAfterInitialQueueSend() {
			masterDND, err := ix.presenter.MasterDND()
			if err != nil {
				return err
			}
			if !masterDND {
				ix.presenter.BroadcastNewMessage(pn.Key)
				if err := ix.presenter.PlaySound(); err != nil {
					ix.log.Warnf("error playing sound: %v", err)
				}
			}
		}
	}

	// The deadline task guarantees the record drops even if the process is
	// suspended before the removal lands.
	taskName := fmt.Sprintf("finish-%s", pn.Key)
	ix.tasks.Start(taskName, func() {
		if err := ix.run(func() error {
			return ix.remove(pn)
		}); err != nil {
			ix.log.Warnf("error removing %s after deadline: %v", pn.Key, err)
		}
	})
	if err := ix.remove(pn); err != nil {
		return err
	}
	ix.tasks.Cancel(taskName)
	pn.complete()
	return nil
}

// AddAsProcessed marks a key processed without any further store activity.
// Idempotent; used when a shown notification turns out to be stale.
func (ix *Index) AddAsProcessed(pn *PendingNotification) error {
	return ix.run(func() error {
		pn.Processed = true
		if err := ix.markProcessed(pn.Key); err != nil {
			return err
		}
		return ix.persist(pn)
	})
}

// Pending returns the in-memory record for a key, or nil.
func (ix *Index) Pending(key ids.NotificationKey) *PendingNotification {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.pending[key]
}

// OnFinish registers a callback fired at most once, when the record reaches
// its terminal stage.
func (ix *Index) OnFinish(pn *PendingNotification, f func()) error {
	return ix.run(func() error {
		pn.setCompletion(f)
		return nil
	})
}

func (ix *Index) IsProcessed(key ids.NotificationKey) bool {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.processed[key]
}

// RemoveAllTimed withdraws every request for the record, used by callers
// which determined independently that the message is moot.
func (ix *Index) RemoveAllTimed(pn *PendingNotification) error {
	return ix.run(func() error {
		ix.withdrawAll(pn)
		return ix.persist(pn)
	})
}

// HasPendingGroup reports whether any record still waits on group
// resolution, which callers use to delay completion signalling. Answered on
// the work queue, ordered against in-flight transitions.
func (ix *Index) HasPendingGroup() bool {
	var has bool
	if err := ix.run(func() error {
		ix.lock.RLock()
		defer ix.lock.RUnlock()
		for _, pn := range ix.pending {
			if pn.IsPendingGroup && !pn.Processed {
				has = true
				return nil
			}
		}
		return nil
	}); err != nil {
		return false
	}
	return has
}

// NotPending returns records the index believes are showing but which the
// center no longer holds, pending or delivered. The user dismissed them or
// the platform evicted them. Answered on the work queue, ordered against
// in-flight transitions.
func (ix *Index) NotPending() ([]*PendingNotification, error) {
	var missing []*PendingNotification
	err := ix.run(func() error {
		pendingIDs, err := ix.center.PendingIDs()
		if err != nil {
			return err
		}
		deliveredIDs, err := ix.center.DeliveredIDs()
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(pendingIDs)+len(deliveredIDs))
		for _, id := range pendingIDs {
			present[id] = true
		}
		for _, id := range deliveredIDs {
			present[id] = true
		}

		ix.lock.RLock()
		defer ix.lock.RUnlock()
		for _, pn := range ix.pending {
			if pn.Processed || pn.lastScheduled == stageNone {
				continue
			}
			if !present[RequestID(pn.Key, pn.lastScheduled)] {
				missing = append(missing, pn)
			}
		}
		if len(missing) > 0 {
			reconciledCounter.Add(float64(len(missing)))
		}
		return nil
	})
	return missing, err
}

// ShowNotPending re-surfaces every missing record through the in-app channel
// and marks it processed.
func (ix *Index) ShowNotPending() error {
	missing, err := ix.NotPending()
	if err != nil {
		return err
	}
	for _, pn := range missing {
		ix.presenter.BroadcastNewMessage(pn.Key)
		if err := ix.AddAsProcessed(pn); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		if _, err := ix.presenter.UpdateBadge(0); err != nil {
			return err
		}
	}
	return nil
}

// withdrawAll runs on the work queue.
func (ix *Index) withdrawAll(pn *PendingNotification) {
	for _, reqID := range allRequestIDs(pn.Key) {
		pn.removals[reqID] = true
	}
	reqIDs := maps.Keys(pn.removals)
	ix.center.RemovePending(reqIDs)
	ix.center.RemoveDelivered(reqIDs)
	withdrawnCounter.Inc()
}

func (ix *Index) persist(pn *PendingNotification) error {
	version, payload, err := encodeRecord(pn)
	if err != nil {
		return err
	}
	row := &pendingRow{
		Key:            string(pn.Key),
		Version:        version,
		Stage:          int(pn.Stage),
		IsPendingGroup: pn.IsPendingGroup,
		Processed:      pn.Processed,
		FireDateMs:     pn.FireDateMs,
		Payload:        payload,
	}
	if err := ix.db.Run("persist pending notification", func() error {
		_, err := ix.db.Tx.NamedExec("INSERT INTO _pending_notifications (key, version, stage, is_pending_group, processed, fire_date_ms, payload) VALUES (:key, :version, :stage, :is_pending_group, :processed, :fire_date_ms, :payload) ON CONFLICT(key) DO UPDATE SET version = :version, stage = :stage, is_pending_group = :is_pending_group, processed = :processed, fire_date_ms = :fire_date_ms, payload = :payload", row)
		return err
	}); err != nil {
		return fmt.Errorf("notification: error persisting record: %w", err)
	}
	return nil
}

// remove runs on the work queue.
func (ix *Index) remove(pn *PendingNotification) error {
	ix.lock.Lock()
	delete(ix.pending, pn.Key)
	ix.lock.Unlock()
	if err := ix.db.Run("remove pending notification", func() error {
		_, err := ix.db.Tx.Exec("DELETE FROM _pending_notifications WHERE key = $1", string(pn.Key))
		return err
	}); err != nil {
		return fmt.Errorf("notification: error removing record: %w", err)
	}
	return nil
}

// markProcessed runs on the work queue.
func (ix *Index) markProcessed(key ids.NotificationKey) error {
	ix.lock.Lock()
	ix.processed[key] = true
	ix.lock.Unlock()
	if err := ix.db.Run("mark processed", func() error {
		if _, err := ix.db.Tx.Exec("INSERT INTO _processed_notifications (key, created_at_ms) VALUES ($1, $2) ON CONFLICT(key) DO NOTHING", string(key), ix.clock.CurrentTimeMs()); err != nil {
			return err
		}
		_, err := ix.db.Tx.Exec("DELETE FROM _processed_notifications WHERE key IN (SELECT key FROM _processed_notifications ORDER BY created_at_ms DESC LIMIT -1 OFFSET $1)", ix.config.ProcessedKeepCount)
		return err
	}); err != nil {
		return fmt.Errorf("notification: error marking processed: %w", err)
	}
	return nil
}

// badgeExtra is the unread-count adjustment for messages the store does not
// hold yet.
func (pn *PendingNotification) badgeExtra() int {
	if pn.Stage == StageInitial || pn.Stage == StageAbstract {
		return 1
	}
	return 0
}
