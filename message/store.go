package message

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/ids"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/migration"
	"go.uber.org/zap"
)

// Store is the sqlx-backed storage for contacts, conversations, messages,
// blocklist and notification policy. All methods which touch rows must run
// inside a transaction started with Database.Run or RunReadOnly.
type Store struct {
	config *config.Config
	db     *db.Database
	log    *zap.SugaredLogger
}

func NewStore(c *config.Config, d *db.Database) (*Store, error) {
	log := c.Logger("message/store")

	if err := d.MigrateNoLock("_messages", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _contacts (
	identity STRING PRIMARY KEY,
	display_name STRING NOT NULL,
	nickname STRING NOT NULL DEFAULT '',
	verified INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE _conversations (
	id STRING PRIMARY KEY,
	is_group INTEGER NOT NULL DEFAULT 0,
	name STRING NOT NULL DEFAULT '',
	category INTEGER NOT NULL DEFAULT 0,
	creator_id STRING NOT NULL DEFAULT '',
	group_state INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE _messages (
	sender_id STRING NOT NULL,
	message_id STRING NOT NULL,
	conversation_id STRING NOT NULL,
	kind INTEGER NOT NULL,
	preview_text STRING NOT NULL DEFAULT '',
	thumbnail BLOB,
	read INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (sender_id, message_id),
	FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
);

CREATE INDEX messages_conversation_unread on _messages (conversation_id, read);

CREATE TABLE _blocklist (
	identity STRING PRIMARY KEY
);

CREATE TABLE _settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	master_dnd INTEGER NOT NULL DEFAULT 0,
	dnd_schedule INTEGER NOT NULL DEFAULT 0,
	dnd_start_minute INTEGER NOT NULL DEFAULT 0,
	dnd_end_minute INTEGER NOT NULL DEFAULT 0,
	block_unknown INTEGER NOT NULL DEFAULT 0,
	show_previews INTEGER NOT NULL DEFAULT 1,
	show_nicknames INTEGER NOT NULL DEFAULT 0,
	in_app_sounds INTEGER NOT NULL DEFAULT 1,
	sound_name STRING NOT NULL DEFAULT 'default'
);

INSERT INTO _settings (id) VALUES (1);

CREATE TABLE _push_settings (
	scope_id STRING PRIMARY KEY,
	mode INTEGER NOT NULL DEFAULT 0,
	off_until_ms INTEGER NOT NULL DEFAULT 0,
	muted INTEGER NOT NULL DEFAULT 0,
	mention_only INTEGER NOT NULL DEFAULT 0
);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("message: error migrating store: %w", err)
	}

	return &Store{
		config: c,
		db:     d,
		log:    log,
	}, nil
}

func (s *Store) UpsertContact(c *Contact) error {
	if _, err := s.db.Tx.NamedExec("INSERT INTO _contacts (identity, display_name, nickname, verified) VALUES (:identity, :display_name, :nickname, :verified) ON CONFLICT(identity) DO UPDATE SET display_name = :display_name, nickname = :nickname, verified = :verified", c); err != nil {
		return fmt.Errorf("message: error upserting contact: %w", err)
	}
	return nil
}

// Contact returns nil when no contact with this identity exists.
func (s *Store) Contact(identity ids.Identity) (*Contact, error) {
	c := &Contact{}
	if err := s.db.Tx.Get(c, "SELECT * FROM _contacts WHERE identity = $1", string(identity)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("message: error getting contact: %w", err)
	}
	return c, nil
}

func (s *Store) UpsertConversation(c *Conversation) error {
	if _, err := s.db.Tx.NamedExec("INSERT INTO _conversations (id, is_group, name, category, creator_id, group_state) VALUES (:id, :is_group, :name, :category, :creator_id, :group_state) ON CONFLICT(id) DO UPDATE SET is_group = :is_group, name = :name, category = :category, creator_id = :creator_id, group_state = :group_state", c); err != nil {
		return fmt.Errorf("message: error upserting conversation: %w", err)
	}
	return nil
}

func (s *Store) Conversation(id string) (*Conversation, error) {
	c := &Conversation{}
	if err := s.db.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("message: error getting conversation: %w", err)
	}
	return c, nil
}

// GroupConversationsForMember returns group conversations which have stored
// messages from the given identity. Used to disambiguate group pushes which
// carry no group id.
func (s *Store) GroupConversationsForMember(identity ids.Identity) ([]*Conversation, error) {
	var cs []*Conversation
	if err := s.db.Tx.Select(&cs, "SELECT DISTINCT c.* FROM _conversations c JOIN _messages m ON m.conversation_id = c.id WHERE c.is_group = 1 AND m.sender_id = $1", string(identity)); err != nil {
		return nil, fmt.Errorf("message: error getting group conversations: %w", err)
	}
	return cs, nil
}

func (s *Store) InsertMessage(m *Stored) error {
	if _, err := s.db.Tx.NamedExec("INSERT INTO _messages (sender_id, message_id, conversation_id, kind, preview_text, thumbnail, read, created_at_ms) VALUES (:sender_id, :message_id, :conversation_id, :kind, :preview_text, :thumbnail, :read, :created_at_ms) ON CONFLICT(sender_id, message_id) DO UPDATE SET preview_text = :preview_text, thumbnail = :thumbnail", m); err != nil {
		return fmt.Errorf("message: error inserting message: %w", err)
	}
	return nil
}

func (s *Store) Message(key ids.NotificationKey) (*Stored, error) {
	m := &Stored{}
	if err := s.db.Tx.Get(m, "SELECT * FROM _messages WHERE sender_id || message_id = $1", string(key)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("message: error getting message: %w", err)
	}
	return m, nil
}

func (s *Store) MarkRead(key ids.NotificationKey) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET read = 1 WHERE sender_id || message_id = $1", string(key)); err != nil {
		return fmt.Errorf("message: error marking read: %w", err)
	}
	return nil
}

// UnreadTotal recomputes the total unread count across all conversations,
// excluding private ones. Recomputed from rows rather than maintained
// incrementally so concurrent writers cannot skew it.
func (s *Store) UnreadTotal() (int, error) {
	var count int
	if err := s.db.Tx.Get(&count, "SELECT count(*) FROM _messages m JOIN _conversations c ON m.conversation_id = c.id WHERE m.read = 0 AND c.category != $1", CategoryPrivate); err != nil {
		return 0, fmt.Errorf("message: error counting unread: %w", err)
	}
	return count, nil
}

func (s *Store) UnreadForConversation(id string) (int, error) {
	var count int
	if err := s.db.Tx.Get(&count, "SELECT count(*) FROM _messages WHERE conversation_id = $1 AND read = 0", id); err != nil {
		return 0, fmt.Errorf("message: error counting unread: %w", err)
	}
	return count, nil
}

func (s *Store) Blocked(identity ids.Identity) (bool, error) {
	var count int
	if err := s.db.Tx.Get(&count, "SELECT count(*) FROM _blocklist WHERE identity = $1", string(identity)); err != nil {
		return false, fmt.Errorf("message: error checking blocklist: %w", err)
	}
	return count != 0, nil
}

func (s *Store) SetBlocked(identity ids.Identity, blocked bool) error {
	var err error
	if blocked {
		_, err = s.db.Tx.Exec("INSERT INTO _blocklist (identity) VALUES ($1) ON CONFLICT(identity) DO NOTHING", string(identity))
	} else {
		_, err = s.db.Tx.Exec("DELETE FROM _blocklist WHERE identity = $1", string(identity))
	}
	if err != nil {
		return fmt.Errorf("message: error updating blocklist: %w", err)
	}
	return nil
}

func (s *Store) Settings() (*Settings, error) {
	set := &Settings{}
	if err := s.db.Tx.Get(set, "SELECT master_dnd, dnd_schedule, dnd_start_minute, dnd_end_minute, block_unknown, show_previews, show_nicknames, in_app_sounds, sound_name FROM _settings WHERE id = 1"); err != nil {
		return nil, fmt.Errorf("message: error getting settings: %w", err)
	}
	return set, nil
}

func (s *Store) UpdateSettings(set *Settings) error {
	if _, err := s.db.Tx.NamedExec("UPDATE _settings SET master_dnd = :master_dnd, dnd_schedule = :dnd_schedule, dnd_start_minute = :dnd_start_minute, dnd_end_minute = :dnd_end_minute, block_unknown = :block_unknown, show_previews = :show_previews, show_nicknames = :show_nicknames, in_app_sounds = :in_app_sounds, sound_name = :sound_name WHERE id = 1", set); err != nil {
		return fmt.Errorf("message: error updating settings: %w", err)
	}
	return nil
}

// PushSetting returns nil when no policy exists for the scope.
func (s *Store) PushSetting(scopeID string) (*PushSetting, error) {
	p := &PushSetting{}
	if err := s.db.Tx.Get(p, "SELECT * FROM _push_settings WHERE scope_id = $1", scopeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("message: error getting push setting: %w", err)
	}
	return p, nil
}

func (s *Store) UpsertPushSetting(p *PushSetting) error {
	if _, err := s.db.Tx.NamedExec("INSERT INTO _push_settings (scope_id, mode, off_until_ms, muted, mention_only) VALUES (:scope_id, :mode, :off_until_ms, :muted, :mention_only) ON CONFLICT(scope_id) DO UPDATE SET mode = :mode, off_until_ms = :off_until_ms, muted = :muted, mention_only = :mention_only", p); err != nil {
		return fmt.Errorf("message: error upserting push setting: %w", err)
	}
	return nil
}
