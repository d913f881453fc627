package index

import (
	"time"

	"github.com/apx-pm/apx/pkg/apx"
	"github.com/apx-pm/apx/pkg/aptlist"
)

// Repo is a configured repository row.
type Repo struct {
	ID           int64
	URL          string
	Distribution string
	Components   []string
	// Fingerprints pins the key fingerprints this repo accepts. Empty
	// means the whole trusted ring is acceptable.
	Fingerprints []string
	Priority     int
}

// Package is a catalog row: the parsed record plus its repository
// back-reference.
type Package struct {
	aptlist.Record
	RepoID       int64
	RepoPriority int
}

// Installed is one member of the installed set. The dependency
// fields are carried over from the catalog row at install time so
// removal planning works without the original repository.
type Installed struct {
	Name         string
	Version      string
	Architecture string
	Depends      []string
	Conflicts    []string
	Provides     []string
	Replaces     []string
	InstalledAt  time.Time
	Manifest     []apx.FileEntry
}

// MirrorSample is one probe measurement for a mirror URL.
type MirrorSample struct {
	RepoID        int64
	URL           string
	RTT           time.Duration
	ThroughputBps float64
	Penalty       float64
	SampledAt     time.Time
}
