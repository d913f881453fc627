package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/apx-pm/apx/pkg/aptlist"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

const packageColumns = `
	p.name, p.version, p.architecture, p.filename, p.sha256, p.size,
	p.description, p.depends, p.conflicts, p.provides, p.replaces,
	p.repo_id, r.priority`

// SwapRepoIndex atomically replaces the catalog rows of a repository.
// Readers observe either the old set or the new set in full.
func (idx *Index) SwapRepoIndex(ctx context.Context, repoID int64, records []aptlist.Record) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("repo", repoID)

	now := time.Now().UTC()
	err := idx.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM packages WHERE repo_id = ?", repoID); err != nil {
			return fmt.Errorf("%w: clearing repository catalog: %v", apxerr.ErrFilesystem, err)
		}
		return insertRecords(ctx, tx, repoID, records, now)
	})
	if err != nil {
		return err
	}
	log.Info("swapped repository catalog", "records", len(records))
	return nil
}

// UpsertPackages inserts or replaces individual catalog rows without
// touching the rest of the repository's set.
func (idx *Index) UpsertPackages(ctx context.Context, repoID int64, records []aptlist.Record) error {
	now := time.Now().UTC()
	return idx.withTx(ctx, func(tx *sql.Tx) error {
		return insertRecords(ctx, tx, repoID, records, now)
	})
}

func insertRecords(ctx context.Context, tx *sql.Tx, repoID int64, records []aptlist.Record, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO packages
		(repo_id, name, version, architecture, filename, sha256, size,
		 description, depends, conflicts, provides, replaces, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.ExecContext(ctx,
			repoID, r.Name, r.Version, r.Architecture, r.Filename, r.SHA256, r.Size,
			r.Description,
			strings.Join(r.Depends, ", "),
			strings.Join(r.Conflicts, ", "),
			strings.Join(r.Provides, ", "),
			strings.Join(r.Replaces, ", "),
			now.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("%w: inserting %s: %v", apxerr.ErrFilesystem, r.String(), err)
		}
	}
	return nil
}

// QueryByName returns every catalog row for an exact package name.
func (idx *Index) QueryByName(ctx context.Context, name string) ([]Package, error) {
	return idx.queryPackages(ctx, "WHERE p.name = ?", name)
}

// QueryPrefix returns catalog rows whose name begins with p.
func (idx *Index) QueryPrefix(ctx context.Context, prefix string) ([]Package, error) {
	return idx.queryPackages(ctx, "WHERE p.name LIKE ? ESCAPE '\\'", likeEscape(prefix)+"%")
}

// QueryFullText matches q against package names and descriptions.
func (idx *Index) QueryFullText(ctx context.Context, q string) ([]Package, error) {
	pattern := "%" + likeEscape(q) + "%"
	return idx.queryPackages(ctx, "WHERE p.name LIKE ? ESCAPE '\\' OR p.description LIKE ? ESCAPE '\\'", pattern, pattern)
}

// Show returns the catalog row for name, optionally pinned to an
// exact version. With several candidates the caller picks by version
// order; rows arrive sorted by name then version string.
func (idx *Index) Show(ctx context.Context, name, version string) ([]Package, error) {
	if version != "" {
		return idx.queryPackages(ctx, "WHERE p.name = ? AND p.version = ?", name, version)
	}
	return idx.QueryByName(ctx, name)
}

// AllPackages returns the full catalog, the solver's input.
func (idx *Index) AllPackages(ctx context.Context) ([]Package, error) {
	return idx.queryPackages(ctx, "")
}

func (idx *Index) queryPackages(ctx context.Context, where string, args ...any) ([]Package, error) {
	query := "SELECT " + packageColumns + `
		FROM packages p JOIN repos r ON r.id = p.repo_id ` + where + `
		ORDER BY p.name, p.version, p.architecture`
	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying catalog: %v", apxerr.ErrFilesystem, err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var (
			p                                     Package
			depends, conflicts, provides, replaces string
		)
		if err := rows.Scan(
			&p.Name, &p.Version, &p.Architecture, &p.Filename, &p.SHA256, &p.Size,
			&p.Description, &depends, &conflicts, &provides, &replaces,
			&p.RepoID, &p.RepoPriority,
		); err != nil {
			return nil, fmt.Errorf("%w: reading catalog row: %v", apxerr.ErrFilesystem, err)
		}
		p.Depends = splitList(depends)
		p.Conflicts = splitList(conflicts)
		p.Provides = splitList(provides)
		p.Replaces = splitList(replaces)
		out = append(out, p)
	}
	return out, rows.Err()
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
