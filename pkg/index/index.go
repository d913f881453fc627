package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"
)

// Index is the durable metadata store: repositories, the package
// catalog, the installed set and mirror history. A single writer at a
// time; readers ride the WAL.
type Index struct {
	db *sql.DB
}

// Open opens or creates the store at path and applies forward
// migrations. Use ":memory:" for throwaway stores.
func Open(ctx context.Context, path string) (*Index, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("%w: creating state directory: %v", apxerr.ErrFilesystem, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening index: %v", apxerr.ErrFilesystem, err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %v", apxerr.ErrFilesystem, pragma, err)
		}
	}

	idx := &Index{db: db}
	if err := idx.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.V(1).Info("opened index")
	return idx, nil
}

func (idx *Index) migrate(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	var version int
	if err := idx.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: reading schema version: %v", apxerr.ErrFilesystem, err)
	}
	if version > len(migrations) {
		return fmt.Errorf("%w: index schema version %d is newer than this build supports", apxerr.ErrConfig, version)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := idx.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: applying migration %d: %v", apxerr.ErrFilesystem, i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: recording migration %d: %v", apxerr.ErrFilesystem, i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: committing migration %d: %v", apxerr.ErrFilesystem, i+1, err)
		}
		log.V(1).Info("applied migration", "version", i+1)
	}
	return nil
}

// Close releases the database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (idx *Index) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing: %v", apxerr.ErrFilesystem, err)
	}
	return nil
}
