package notification

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/crypto"
	"github.com/chirp-im/go-chirp/internal/db"
	"github.com/chirp-im/go-chirp/message"
	"github.com/google/uuid"
	"github.com/kevinburke/nacl"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const thumbnailMaxDim = 400

// Composer builds notification content from whatever information tier a
// pending notification has reached: envelope only, abstract message, or
// persisted message with preview.
type Composer struct {
	config       *config.Config
	log          *zap.SugaredLogger
	db           *db.Database
	store        *message.Store
	clock        clock.Clock
	thumbnailDir string
	thumbnailKey nacl.Key
}

func NewComposer(c *config.Config, d *db.Database, store *message.Store, clk clock.Clock, thumbnailKey nacl.Key) (*Composer, error) {
	dir := filepath.Join(c.RootDir, "notification-thumbnails")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("notification: error creating thumbnail dir: %w", err)
	}
	return &Composer{
		config:       c,
		log:          c.Logger("notification/composer"),
		db:           d,
		store:        store,
		clock:        clk,
		thumbnailDir: dir,
		thumbnailKey: thumbnailKey,
	}, nil
}

// Compose returns the content for the record's current tier, or nil content
// when the notification must be suppressed entirely (blocked sender, or
// unknown sender under the block-unknown policy).
func (co *Composer) Compose(pn *PendingNotification) (*Content, error) {
	var (
		set          *message.Settings
		contact      *message.Contact
		conversation *message.Conversation
		pushSetting  *message.PushSetting
		unread       int
		blocked      bool
	)
	if err := co.db.RunReadOnly("compose notification", func() error {
		var err error
		if set, err = co.store.Settings(); err != nil {
			return err
		}
		if contact, err = co.store.Contact(pn.SenderID); err != nil {
			return err
		}
		if blocked, err = co.store.Blocked(pn.SenderID); err != nil {
			return err
		}
		if pushSetting, err = co.store.PushSetting(pn.scopeID()); err != nil {
			return err
		}
		if groupID := pn.groupID(); groupID != "" {
			if conversation, err = co.store.Conversation(groupID); err != nil {
				return err
			}
		} else if conversation, err = co.store.Conversation(string(pn.SenderID)); err != nil {
			return err
		}
		unread, err = co.store.UnreadTotal()
		return err
	}); err != nil {
		return nil, err
	}

	if blocked {
		co.log.Debugf("suppressing notification for blocked sender %s", pn.SenderID)
		return nil, nil
	}
	if set.BlockUnknown && contact == nil {
		co.log.Debugf("suppressing notification for unknown sender %s", pn.SenderID)
		return nil, nil
	}
	if pn.Stored != nil && conversation == nil {
		// The messages table forbids this.
		return nil, invariant("compose", fmt.Errorf("no conversation for stored message %s", pn.Key))
	}

	displayName := co.displayName(pn, contact, set)
	content := &Content{
		Title: displayName,
		Sound: set.SoundName,
		Badge: unread,
	}
	// Muted conversations are shown without a sound.
	if pushSetting != nil && pushSetting.Muted {
		content.Sound = ""
	}
	// Messages at the first two tiers are not in the store yet, so they are
	// missing from the unread count.
	if pn.Stage == StageInitial || pn.Stage == StageAbstract {
		content.Badge++
	}
	if pn.isGroup() {
		content.ThreadID = fmt.Sprintf("GROUP-%s", pn.groupID())
		content.SummaryArgument = displayName
		if conversation != nil && conversation.Name != "" {
			content.Title = conversation.Name
		}
	} else {
		content.ThreadID = fmt.Sprintf("SINGLE-%s", pn.SenderID)
	}

	if conversation != nil && conversation.Private() {
		content.Title = ""
		content.Body = "New private message"
		return content, nil
	}

	content.Body = co.body(pn, displayName, set)
	if set.ShowPreviews && pn.Stored != nil && pn.Stored.MessageKind().HasThumbnail() && len(pn.Stored.Thumbnail) > 0 {
		path, err := co.writeThumbnail(pn.Stored.Thumbnail)
		if err != nil {
			// No attachment is better than no notification.
			co.log.Warnf("error writing thumbnail for %s: %v", pn.Key, err)
		} else {
			content.AttachmentPath = path
		}
	}
	return content, nil
}

func (co *Composer) body(pn *PendingNotification, displayName string, set *message.Settings) string {
	switch {
	case pn.Stored != nil:
		if set.ShowPreviews && pn.Stored.PreviewText != "" {
			return pn.Stored.PreviewText
		}
		return pn.Stored.MessageKind().GenericBody()
	case pn.Abstract != nil:
		return pn.Abstract.Kind.GenericBody()
	default:
		if pn.isGroup() {
			return fmt.Sprintf("New group message from %s", displayName)
		}
		return fmt.Sprintf("New message from %s", displayName)
	}
}

// displayName resolves the sender name: contact display name, or nickname
// when the user prefers nicknames, falling back to the identity string.
func (co *Composer) displayName(pn *PendingNotification, contact *message.Contact, set *message.Settings) string {
	nickname := ""
	if pn.Abstract != nil {
		nickname = pn.Abstract.SenderNickname
	} else if pn.Envelope != nil {
		nickname = pn.Envelope.Nickname
	}
	if contact != nil {
		if contact.Nickname != "" {
			nickname = contact.Nickname
		}
		if set.ShowNicknames && nickname != "" {
			return nickname
		}
		if contact.DisplayName != "" {
			return contact.DisplayName
		}
	}
	if nickname != "" {
		return nickname
	}
	return string(pn.SenderID)
}

// writeThumbnail downscales the thumbnail, encrypts it and writes it to the
// cache directory under a unique name, returning the file path.
func (co *Composer) writeThumbnail(raw []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("notification: error decoding thumbnail: %w", err)
	}
	scaled := downscale(img, thumbnailMaxDim)
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, scaled, &jpeg.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("notification: error encoding thumbnail: %w", err)
	}
	sealed, err := crypto.SealAtRest(co.thumbnailKey[:], buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("notification: error sealing thumbnail: %w", err)
	}
	path := filepath.Join(co.thumbnailDir, fmt.Sprintf("%s.thumb", uuid.NewString()))
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return "", fmt.Errorf("notification: error writing thumbnail: %w", err)
	}
	return path, nil
}

func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return img
	}
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
