package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/chirp-im/go-chirp/config"
	"github.com/chirp-im/go-chirp/migration"
	"go.uber.org/zap"
)

// migrator applies one subsystem's schema migrations, recording them in a
// per-subsystem _migrations_<name> table so subsystems version
// independently.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) (*migrator, error) {
	return &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
		lock:       lock,
	}, nil
}

// migrate applies every migration not yet recorded, in definition order.
func (m *migrator) migrate() error {
	var applied int
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INT8 NOT NULL,
	version VARCHAR(255) NOT NULL,
	PRIMARY KEY (id)
);
	`, m.tableName)); err != nil {
			return err
		}
		if err := m.db.Tx.Get(&applied, fmt.Sprintf("SELECT count(*) FROM %s", m.tableName)); err != nil {
			return err
		}
		if applied > len(m.migrations) {
			return errors.New("db: more migrations recorded than defined")
		}
		return nil
	}); err != nil {
		return err
	}

	for i, mig := range m.migrations[applied:] {
		if err := m.apply(applied+i, mig); err != nil {
			return fmt.Errorf("db: error migrating %s: %w", m.name, err)
		}
	}
	return nil
}

// apply runs one migration and records it, in a single transaction.
func (m *migrator) apply(id int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying migration %s", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return err
		}
		_, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (%d, '%s')", m.tableName, id, mig.String()))
		return err
	})
}

// run takes the database lock only for subsystems constructed outside of
// it; the rest already hold it.
func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.runTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
