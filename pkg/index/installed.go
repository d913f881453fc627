package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// MarkInstalled records a package and its file manifest as installed.
// An existing row for the same name is replaced, which is how an
// upgrade commits its new manifest.
func (idx *Index) MarkInstalled(ctx context.Context, record aptlist.Record, manifest []apx.FileEntry) error {
	log := logr.FromContextOrDiscard(ctx)

	blob, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest for %s: %w", record.Name, err)
	}
	_, err = idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO installed
		(name, version, architecture, depends, conflicts, provides, replaces, installed_at, manifest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Name, record.Version, record.Architecture,
		strings.Join(record.Depends, ", "),
		strings.Join(record.Conflicts, ", "),
		strings.Join(record.Provides, ", "),
		strings.Join(record.Replaces, ", "),
		time.Now().UTC().Format(time.RFC3339), string(blob),
	)
	if err != nil {
		return fmt.Errorf("%w: recording install of %s: %v", apxerr.ErrFilesystem, record.Name, err)
	}
	log.V(1).Info("marked installed", "name", record.Name, "version", record.Version, "files", len(manifest))
	return nil
}

// MarkRemoved drops a package from the installed set.
func (idx *Index) MarkRemoved(ctx context.Context, name string) error {
	log := logr.FromContextOrDiscard(ctx)

	res, err := idx.db.ExecContext(ctx, "DELETE FROM installed WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("%w: recording removal of %s: %v", apxerr.ErrFilesystem, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not installed", apxerr.ErrConfig, name)
	}
	log.V(1).Info("marked removed", "name", name)
	return nil
}

// InstallRecord pairs a catalog record with the file manifest
// captured while staging it.
type InstallRecord struct {
	Record   aptlist.Record
	Manifest []apx.FileEntry
}

// RecordTransaction applies every installed-set change of a committed
// transaction inside a single database transaction, so a crash leaves
// either all of it or none of it.
func (idx *Index) RecordTransaction(ctx context.Context, installs []InstallRecord, removals []string) error {
	log := logr.FromContextOrDiscard(ctx)

	now := time.Now().UTC().Format(time.RFC3339)
	err := idx.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range removals {
			if _, err := tx.ExecContext(ctx, "DELETE FROM installed WHERE name = ?", name); err != nil {
				return fmt.Errorf("%w: recording removal of %s: %v", apxerr.ErrFilesystem, name, err)
			}
		}
		for _, in := range installs {
			blob, err := json.Marshal(in.Manifest)
			if err != nil {
				return fmt.Errorf("encoding manifest for %s: %w", in.Record.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO installed
				(name, version, architecture, depends, conflicts, provides, replaces, installed_at, manifest)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				in.Record.Name, in.Record.Version, in.Record.Architecture,
				strings.Join(in.Record.Depends, ", "),
				strings.Join(in.Record.Conflicts, ", "),
				strings.Join(in.Record.Provides, ", "),
				strings.Join(in.Record.Replaces, ", "),
				now, string(blob),
			); err != nil {
				return fmt.Errorf("%w: recording install of %s: %v", apxerr.ErrFilesystem, in.Record.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.V(1).Info("recorded transaction", "installs", len(installs), "removals", len(removals))
	return nil
}

// GetInstalled returns the installed row for name, or nil when the
// package is not installed.
func (idx *Index) GetInstalled(ctx context.Context, name string) (*Installed, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT name, version, architecture, depends, conflicts, provides, replaces, installed_at, manifest
		FROM installed WHERE name = ?`, name)
	inst, err := scanInstalled(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// ListInstalled returns the whole installed set ordered by name.
func (idx *Index) ListInstalled(ctx context.Context) ([]Installed, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT name, version, architecture, depends, conflicts, provides, replaces, installed_at, manifest
		FROM installed ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing installed set: %v", apxerr.ErrFilesystem, err)
	}
	defer rows.Close()

	var out []Installed
	for rows.Next() {
		inst, err := scanInstalled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func scanInstalled(s scanner) (*Installed, error) {
	var (
		inst                                   Installed
		depends, conflicts, provides, replaces string
		installedAt                            string
		manifest                               string
	)
	if err := s.Scan(&inst.Name, &inst.Version, &inst.Architecture,
		&depends, &conflicts, &provides, &replaces, &installedAt, &manifest); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading installed row: %v", apxerr.ErrFilesystem, err)
	}
	inst.Depends = splitList(depends)
	inst.Conflicts = splitList(conflicts)
	inst.Provides = splitList(provides)
	inst.Replaces = splitList(replaces)
	ts, err := time.Parse(time.RFC3339, installedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing install timestamp for %s: %v", apxerr.ErrFilesystem, inst.Name, err)
	}
	inst.InstalledAt = ts
	if err := json.Unmarshal([]byte(manifest), &inst.Manifest); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest for %s: %v", apxerr.ErrFilesystem, inst.Name, err)
	}
	return &inst, nil
}
