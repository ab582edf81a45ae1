// Package push maintains the heya connection used to receive remote push
// payloads and manage device push tokens.
package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chirp-im/go-chirp/config"
	db "github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/migration"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/scalarmult"
	heya_client "github.com/meow-io/heya/client"
	"go.uber.org/zap"
)

const DefaultPort = heya_client.DefaultPort

// StateUpdate reports a connection state change to the facade.
type StateUpdate struct {
	Host  string
	Port  int
	State string
}

// Sink receives one raw encrypted push payload. completion must be invoked
// once the payload has been fully handled so the server-side backlog can be
// trimmed.
type Sink func(payload []byte, completion func())

type transport struct {
	ID              []byte `db:"id"`
	PrivateKeyPKCS1 []byte `db:"private_key_pkcs1"`
	Certificate     []byte `db:"certificate"`
	Host            string `db:"host"`
	Port            int    `db:"port"`
	RecvToken       []byte `db:"recv_token"`
	PrivateKeyNacl  []byte `db:"private_key_nacl"`
	NextSeq         uint64 `db:"next_seq"`

	client *heya_client.Client
}

func (t *transport) hostPort() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t *transport) deviceKey() nacl.Key {
	var k [32]byte
	copy(k[:], t.PrivateKeyNacl)
	return &k
}

// Manager holds at most one push transport: the heya server this device
// receives pushes through. Incoming payloads are fed to the sink in arrival
// order.
type Manager struct {
	config     *config.Config
	db         *db.Database
	log        *zap.SugaredLogger
	sink       Sink
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup

	lock sync.RWMutex
	t    *transport
}

func NewManager(c *config.Config, d *db.Database, sink Sink) (*Manager, error) {
	log := c.Logger("transport/push/manager")

	if err := d.MigrateNoLock("_transport_push", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _push_transports (
		id BLOB PRIMARY KEY,
		private_key_pkcs1 BLOB NOT NULL,
		certificate BLOB NOT NULL,
		host STRING NOT NULL,
		port INTEGER NOT NULL,
		recv_token BLOB NOT NULL,
		private_key_nacl BLOB NOT NULL,
		next_seq INTEGER NOT NULL DEFAULT 0
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Manager{
		config:  c,
		db:      d,
		log:     log,
		sink:    sink,
		updates: make(chan interface{}, 100),
	}, nil
}

func (m *Manager) Start() error {
	var t *transport
	if err := m.db.Run("load push transport", func() error {
		var err error
		t, err = m.loadTransport()
		return err
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc

	if t == nil {
		return nil
	}

	conf := &heya_client.Config{
		Host:            t.Host,
		Port:            t.Port,
		Reconnect:       true,
		Ping:            true,
		NewState:        m.stateUpdater(t.Host, t.Port),
		Debug:           false,
		PrivateKeyPKCS1: t.PrivateKeyPKCS1,
		Cert:            t.Certificate,
	}
	client, err := heya_client.NewClientFromKey(conf)
	if err != nil {
		return err
	}
	t.client = client
	m.lock.Lock()
	m.t = t
	m.lock.Unlock()
	m.startReceiver(ctx, t)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.t != nil && m.t.client != nil {
		m.t.client.CloseWithoutReconnect()
	}
	return nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// HasTransport reports whether a push transport has been created yet.
func (m *Manager) HasTransport() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.t != nil
}

// DeviceKey returns the nacl key push payloads are sealed to, or an error
// when no transport exists yet.
func (m *Manager) DeviceKey() (nacl.Key, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.t == nil {
		return nil, errors.New("push: no transport")
	}
	return m.t.deviceKey(), nil
}

// DevicePublicKey returns the public half of the device key, handed to the
// push server so it can seal payloads.
func (m *Manager) DevicePublicKey() (nacl.Key, error) {
	key, err := m.DeviceKey()
	if err != nil {
		return nil, err
	}
	var priv [32]byte
	copy(priv[:], key[:])
	return scalarmult.Base(&priv), nil
}

// CreateTransport registers this device with a heya server and persists the
// resulting transport. The receive token addresses this device's own
// backlog.
func (m *Manager) CreateTransport(authToken, host string, port int) error {
	conf := &heya_client.Config{
		Host:      host,
		Port:      port,
		Reconnect: true,
		Ping:      true,
		NewState:  m.stateUpdater(host, port),
		Debug:     false,
	}
	client, err := heya_client.NewClient(conf)
	if err != nil {
		return err
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second*10)
	defer cancelFn()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if _, err := client.RegisterIncoming(ctx, authToken); err != nil {
		return err
	}
	recvToken, err := client.MakeSendToken(ctx, time.Now(), time.Now().Add(time.Hour*24*365))
	if err != nil {
		return err
	}

	key := nacl.NewKey()
	t := &transport{
		ID:              recvToken,
		PrivateKeyPKCS1: client.PrivateKeyPKCS1,
		Certificate:     client.Certificate,
		Host:            host,
		Port:            port,
		RecvToken:       recvToken,
		PrivateKeyNacl:  key[:],
		NextSeq:         0,
		client:          client,
	}
	if err := m.db.Run("insert push transport", func() error {
		return m.upsertTransport(t)
	}); err != nil {
		return err
	}
	m.lock.Lock()
	m.t = t
	m.lock.Unlock()

	ctx2, cancelFn2 := context.WithCancel(context.Background())
	m.cancelFunc = cancelFn2
	m.startReceiver(ctx2, t)
	return nil
}

// AddPushToken registers a device push token with the server.
func (m *Manager) AddPushToken(token string) error {
	client, err := m.client()
	if err != nil {
		return err
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second*10)
	defer cancelFn()
	return client.AddIOSPushToken(ctx, token)
}

func (m *Manager) DeletePushToken(token string) error {
	client, err := m.client()
	if err != nil {
		return err
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second*10)
	defer cancelFn()
	return client.DeleteIOSPushToken(ctx, token)
}

func (m *Manager) client() (*heya_client.Client, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.t == nil || m.t.client == nil {
		return nil, errors.New("push: no transport")
	}
	return m.t.client, nil
}

func (m *Manager) startReceiver(ctx context.Context, t *transport) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		reqCtx, cancelFn := context.WithTimeout(context.Background(), time.Second*10)
		if err := t.client.Connect(reqCtx); err != nil {
			m.log.Warnf("error while connecting to %s: %v", t.hostPort(), err)
		}
		cancelFn()
		for {
			select {
			case <-ctx.Done():
				m.log.Debugf("done receiving notifications from %s", t.hostPort())
				return
			case notification := <-t.client.Notifications():
				v, ok := notification.(*heya_client.Notification)
				if !ok {
					continue
				}
				if string(v.Token) != string(t.RecvToken) || v.Seq < t.NextSeq {
					continue
				}
				m.drainBacklog(t, v.Seq)
			}
		}
	}()
}

// drainBacklog pulls every payload up to seq, feeding each to the sink. The
// server backlog is trimmed once the last payload's completion fires.
func (m *Manager) drainBacklog(t *transport, seq uint64) {
	for i := t.NextSeq; i < seq; i++ {
		reqCtx, cancelFn := context.WithTimeout(context.Background(), time.Second*10)
		msg, err := t.client.Want(reqCtx, t.RecvToken, i)
		cancelFn()
		if err != nil {
			m.log.Warnf("error getting payload %d: %v", i, err)
			continue
		}
		if msg == nil {
			m.log.Debugf("unable to get payload %d", i)
			continue
		}
		m.sink(msg.Body, m.trimFunc(t, i+1))
	}
	t.NextSeq = seq
	if err := m.db.Run("update push transport seq", func() error {
		return m.upsertTransport(t)
	}); err != nil {
		m.log.Warnf("error persisting transport seq: %v", err)
	}
}

func (m *Manager) trimFunc(t *transport, seq uint64) func() {
	return func() {
		reqCtx, cancelFn := context.WithTimeout(context.Background(), time.Second*10)
		defer cancelFn()
		if _, err := t.client.Trim(reqCtx, t.RecvToken, seq); err != nil {
			m.log.Debugf("error while trimming backlog: %v", err)
		}
	}
}

func (m *Manager) stateUpdater(host string, port int) func(int) {
	return func(state int) {
		var s string
		switch state {
		case heya_client.Closed:
			s = "closed"
		case heya_client.Closing:
			s = "closing"
		case heya_client.Open:
			s = "open"
		case heya_client.Reconnecting:
			s = "reconnecting"
		}
		m.updates <- &StateUpdate{host, port, s}
	}
}

func (m *Manager) loadTransport() (*transport, error) {
	var ts []*transport
	if err := m.db.Tx.Select(&ts, "SELECT * FROM _push_transports LIMIT 1"); err != nil {
		return nil, fmt.Errorf("push: error getting transport: %w", err)
	}
	if len(ts) == 0 {
		return nil, nil
	}
	return ts[0], nil
}

func (m *Manager) upsertTransport(t *transport) error {
	if _, err := m.db.Tx.NamedExec("INSERT INTO _push_transports (id, private_key_pkcs1, certificate, host, port, recv_token, private_key_nacl, next_seq) VALUES (:id, :private_key_pkcs1, :certificate, :host, :port, :recv_token, :private_key_nacl, :next_seq) ON CONFLICT(id) DO UPDATE SET next_seq = :next_seq", t); err != nil {
		return fmt.Errorf("push: error upserting transport: %w", err)
	}
	return nil
}
