// This package provides a high-level interface to the chirp notification
// core. It owns the encrypted database, the message store, the two
// pending-notification indexes and the push transport, and fans every
// subsystem's updates into one channel.
package chirp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/crypto"
	"github.com/chirp-im/go-chirp/ids"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/message"
	"github.com/chirp-im/go-chirp/notification"
	"github.com/chirp-im/go-chirp/push"
	transport_push "github.com/chirp-im/go-chirp/transport/push"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

// An event indicating a change in the state of chirp.
type AppState struct {
	State int
}

type TransportStateUpdate struct {
	Host  string
	Port  int
	State string
}

type Chirp struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	store      *message.Store
	center     notification.Center
	presenter  *notification.Presenter
	composer   *notification.Composer
	tasks      *notification.TaskManager
	foreground *notification.Index
	background *notification.Index
	pipeline   *notification.Pipeline
	transport  *transport_push.Manager
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup

	transportStates    map[string]string
	transportStateLock sync.Mutex
}

// NewChirp creates a chirp instance rooted at the config's RootDir. center
// is the platform notification store; pass nil to use the in-process one.
func NewChirp(c *config.Config, center notification.Center) (*Chirp, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making chirp, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "chirp.db"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	if center == nil {
		center = notification.NewMemoryCenter()
	}

	return &Chirp{
		DB:              database,
		config:          c,
		log:             log,
		state:           state,
		clock:           clock.NewSystemClock(),
		center:          center,
		updates:         make(chan interface{}, 100),
		transportStates: make(map[string]string),
	}, nil
}

// Makes a key from a password.
func (s *Chirp) NewKey(password string) ([]byte, error) {
	return newKey(password, s.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *AppState, *TransportStateUpdate and the notification package's update
// types.
func (s *Chirp) Updates() chan interface{} {
	return s.updates
}

// Get current transport states.
func (s *Chirp) TransportStates() map[string]string {
	s.transportStateLock.Lock()
	defer s.transportStateLock.Unlock()
	return maps.Clone(s.transportStates)
}

// Returns true if chirp is in NEW state.
func (s *Chirp) New() bool {
	return s.state == StateNew
}

// Returns true if chirp is in INITIALIZED state.
func (s *Chirp) Initialized() bool {
	return s.state == StateInitialized
}

// Returns true if chirp is in RUNNING state.
func (s *Chirp) Running() bool {
	return s.state == StateRunning
}

// Initialize chirp with a given key.
func (s *Chirp) Initialize(key []byte) error {
	if s.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := s.DB.Initialize(key); err != nil {
		return err
	}
	s.setState(StateInitialized)
	return s.Open(key)
}

// Open an existing chirp with a given key.
func (s *Chirp) Open(key []byte) error {
	if s.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := s.DB.Open(key); err != nil {
		return err
	}

	if err := s.DB.Lock("initializing subsystems", func() error {
		store, err := message.NewStore(s.config, s.DB)
		if err != nil {
			return err
		}
		s.store = store
		s.presenter = notification.NewPresenter(s.config, s.DB, store, s.clock)
		composer, err := notification.NewComposer(s.config, s.DB, store, s.clock, crypto.SliceToKey(key))
		if err != nil {
			return err
		}
		s.composer = composer
		s.tasks = notification.NewTaskManager(s.config, s.clock)
		foreground, err := notification.NewIndex(s.config, s.DB, store, s.center, s.presenter, composer, s.clock, s.tasks, "foreground", true)
		if err != nil {
			return err
		}
		s.foreground = foreground
		background, err := notification.NewIndex(s.config, s.DB, store, s.center, s.presenter, composer, s.clock, s.tasks, "background", false)
		if err != nil {
			return err
		}
		s.background = background
		s.pipeline = notification.NewPipeline(s.config, s.DB, store, foreground, background, s.presenter, nil, s.clock, s.tasks)
		transport, err := transport_push.NewManager(s.config, s.DB, func(payload []byte, completion func()) {
			if err := s.pipeline.HandlePush(payload, completion); err != nil {
				s.log.Warnf("error handling push: %v", err)
			}
		})
		if err != nil {
			return err
		}
		s.transport = transport
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	if err := s.foreground.Start(); err != nil {
		return err
	}
	if err := s.background.Start(); err != nil {
		return err
	}
	if err := s.transport.Start(); err != nil {
		return err
	}
	s.installDecryptor()

	s.setState(StateRunning)
	s.startUpdatePassing(ctx)
	return nil
}

// Gracefully stop an existing chirp instance.
func (s *Chirp) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	s.setState(StateClosing)
	errs := make([]string, 0)
	s.cancelFunc()
	s.finished.Wait()

	if err := s.transport.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.background.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.foreground.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	s.tasks.Shutdown()
	if err := s.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	s.cancelFunc = nil
	s.store = nil
	s.presenter = nil
	s.composer = nil
	s.pipeline = nil
	s.foreground = nil
	s.background = nil
	s.transport = nil

	s.setState(StateInitialized)

	close(s.updates)
	s.updates = make(chan interface{}, 100)
	return nil
}

// Pipeline exposes the processing-callback surface the message layer drives.
func (s *Chirp) Pipeline() *notification.Pipeline {
	return s.pipeline
}

// HandlePush feeds a raw encrypted push payload into the pipeline.
// completion fires once the incoming queue drains for it.
func (s *Chirp) HandlePush(payload []byte, completion func()) error {
	return s.pipeline.HandlePush(payload, completion)
}

// RegisterPushTransport registers this device with a heya push server.
func (s *Chirp) RegisterPushTransport(authToken, host string, port int) error {
	if err := s.transport.CreateTransport(authToken, host, port); err != nil {
		return err
	}
	s.installDecryptor()
	return nil
}

// AddPushNotificationToken registers a device push token.
func (s *Chirp) AddPushNotificationToken(token string) error {
	return s.transport.AddPushToken(token)
}

// DeletePushNotificationToken deregisters a device push token.
func (s *Chirp) DeletePushNotificationToken(token string) error {
	return s.transport.DeletePushToken(token)
}

// ReloadPendingNotifications rehydrates the foreground index, picking up
// records written by other processes sharing the store.
func (s *Chirp) ReloadPendingNotifications() error {
	return s.pipeline.ReloadPendingCache()
}

// ShowNotificationsWhereNotPending re-surfaces notifications the platform
// store dropped, through the in-app channel.
func (s *Chirp) ShowNotificationsWhereNotPending() error {
	return s.pipeline.ShowWhereNotPending()
}

// UpsertContact adds or updates a contact.
func (s *Chirp) UpsertContact(c *message.Contact) error {
	return s.DB.Run("upsert contact", func() error {
		return s.store.UpsertContact(c)
	})
}

// UpsertConversation adds or updates a conversation.
func (s *Chirp) UpsertConversation(c *message.Conversation) error {
	return s.DB.Run("upsert conversation", func() error {
		return s.store.UpsertConversation(c)
	})
}

// AddMessage stores an incoming message.
func (s *Chirp) AddMessage(m *message.Stored) error {
	return s.DB.Run("insert message", func() error {
		return s.store.InsertMessage(m)
	})
}

// MarkRead marks a message read and rebroadcasts the unread count.
func (s *Chirp) MarkRead(key ids.NotificationKey) error {
	if err := s.DB.Run("mark read", func() error {
		return s.store.MarkRead(key)
	}); err != nil {
		return err
	}
	_, err := s.presenter.UpdateBadge(0)
	return err
}

// Settings returns the notification settings.
func (s *Chirp) Settings() (*message.Settings, error) {
	return s.presenter.Settings()
}

// UpdateSettings replaces the notification settings.
func (s *Chirp) UpdateSettings(set *message.Settings) error {
	return s.DB.Run("update settings", func() error {
		return s.store.UpdateSettings(set)
	})
}

// SetPushSetting sets the push policy for a conversation or contact scope.
func (s *Chirp) SetPushSetting(p *message.PushSetting) error {
	return s.DB.Run("set push setting", func() error {
		return s.store.UpsertPushSetting(p)
	})
}

// SetBlocked adds or removes an identity from the blocklist.
func (s *Chirp) SetBlocked(identity ids.Identity, blocked bool) error {
	return s.DB.Run("set blocked", func() error {
		return s.store.SetBlocked(identity, blocked)
	})
}

// installDecryptor wires the payload decryptor once a transport key exists.
func (s *Chirp) installDecryptor() {
	deviceKey, err := s.transport.DeviceKey()
	if err != nil {
		return
	}
	s.pipeline.SetDecryptor(push.NewDecryptor(s.config, deviceKey))
}

func (s *Chirp) setState(state int) {
	s.state = state
	select {
	case s.updates <- &AppState{State: state}:
	default:
		s.log.Debugf("dropping app state update %d", state)
	}
}

// startUpdatePassing fans presenter and transport updates into the facade
// channel.
func (s *Chirp) startUpdatePassing(ctx context.Context) {
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-s.presenter.Updates():
				s.updates <- u
			case u := <-s.transport.Updates():
				switch v := u.(type) {
				case *transport_push.StateUpdate:
					s.transportStateLock.Lock()
					s.transportStates[fmt.Sprintf("%s:%d", v.Host, v.Port)] = v.State
					s.transportStateLock.Unlock()
					s.updates <- &TransportStateUpdate{Host: v.Host, Port: v.Port, State: v.State}
				default:
					s.updates <- u
				}
			}
		}
	}()
}
