package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

// AddRepo registers a repository and returns its id. Adding the same
// url and distribution twice is a config error.
func (idx *Index) AddRepo(ctx context.Context, repo Repo) (int64, error) {
	log := logr.FromContextOrDiscard(ctx)

	res, err := idx.db.ExecContext(ctx, `
		INSERT INTO repos (url, distribution, components, fingerprints, priority)
		VALUES (?, ?, ?, ?, ?)`,
		repo.URL,
		repo.Distribution,
		strings.Join(repo.Components, " "),
		strings.Join(repo.Fingerprints, " "),
		repo.Priority,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fmt.Errorf("%w: repository %s %s already exists", apxerr.ErrConfig, repo.URL, repo.Distribution)
		}
		return 0, fmt.Errorf("%w: adding repository: %v", apxerr.ErrFilesystem, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	log.Info("added repository", "url", repo.URL, "distribution", repo.Distribution, "id", id)
	return id, nil
}

// RemoveRepo drops every repository registered under url together
// with its catalog rows and mirror history.
func (idx *Index) RemoveRepo(ctx context.Context, url string) error {
	log := logr.FromContextOrDiscard(ctx)

	res, err := idx.db.ExecContext(ctx, "DELETE FROM repos WHERE url = ?", url)
	if err != nil {
		return fmt.Errorf("%w: removing repository: %v", apxerr.ErrFilesystem, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", apxerr.ErrFilesystem, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no repository registered under %s", apxerr.ErrConfig, url)
	}
	log.Info("removed repository", "url", url, "rows", n)
	return nil
}

// ListRepos returns every registered repository ordered by priority,
// highest first.
func (idx *Index) ListRepos(ctx context.Context) ([]Repo, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, url, distribution, components, fingerprints, priority
		FROM repos ORDER BY priority DESC, url`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing repositories: %v", apxerr.ErrFilesystem, err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	return repos, rows.Err()
}

// GetRepo returns the repository with the given id.
func (idx *Index) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT id, url, distribution, components, fingerprints, priority
		FROM repos WHERE id = ?`, id)
	repo, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no repository with id %d", apxerr.ErrConfig, id)
	}
	return repo, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepo(s scanner) (*Repo, error) {
	var (
		repo         Repo
		components   string
		fingerprints string
	)
	if err := s.Scan(&repo.ID, &repo.URL, &repo.Distribution, &components, &fingerprints, &repo.Priority); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading repository row: %v", apxerr.ErrFilesystem, err)
	}
	repo.Components = strings.Fields(components)
	repo.Fingerprints = strings.Fields(fingerprints)
	return &repo, nil
}
