// Package test holds the helpers shared by database-backed tests: a
// throwaway encrypted database per test and cleanup of the files each run
// leaves in the working directory.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/internal/db"
)

// DBCleanup wraps a TestMain run and deletes the database files left behind
// afterwards.
func DBCleanup(run func() int) int {
	code := run()
	deleteAll("*-journal")
	deleteAll("test-*")
	return code
}

func deleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			panic(err)
		}
		if info.IsDir() {
			deleteAll(path.Join(f, "*"))
			continue
		}
		if err := os.Remove(f); err != nil {
			panic(err)
		}
	}
}

// Key is the fixed key tests unlock their databases with.
func Key() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// NewTestDatabase initializes and opens an encrypted database under a
// random test-prefixed path. Setup failures panic; there is nothing a test
// can do about them.
func NewTestDatabase(c *config.Config) *db.Database {
	var suffix [8]byte
	if _, err := crypto_rand.Read(suffix[:]); err != nil {
		panic("short read from random source")
	}
	database, err := db.NewDatabase(c, fmt.Sprintf("test-%x", suffix[:]))
	if err != nil {
		panic(err)
	}
	if err := database.Initialize(Key()); err != nil {
		panic(err)
	}
	if err := database.Open(Key()); err != nil {
		panic(err)
	}
	return database
}
