package chirp

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// newKey derives a 32-byte database key from a password with argon2id. The
// salt is created once and kept next to the database so the same password
// yields the same key across restarts.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(saltPath string) ([]byte, error) {
	salt, err := os.ReadFile(saltPath) // #nosec G304
	if err == nil {
		if len(salt) != 16 {
			return nil, fmt.Errorf("chirp: expected 16-byte salt, got %d", len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chirp: error reading salt: %w", err)
	}

	salt = make([]byte, 16)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, fmt.Errorf("chirp: error generating salt: %w", err)
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("chirp: error creating salt file: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("chirp: error writing salt: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("chirp: error closing salt file: %w", err)
	}
	return salt, nil
}
