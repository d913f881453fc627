package index

// migrations are applied in order; the schema version stored in
// PRAGMA user_version is the count of applied entries. Append only.
var migrations = []string{
	`
CREATE TABLE repos (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    distribution TEXT NOT NULL,
    components TEXT NOT NULL,
    fingerprints TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 500,
    UNIQUE (url, distribution)
);

CREATE TABLE packages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    architecture TEXT NOT NULL,
    filename TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    size INTEGER NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    depends TEXT NOT NULL DEFAULT '',
    conflicts TEXT NOT NULL DEFAULT '',
    provides TEXT NOT NULL DEFAULT '',
    replaces TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (repo_id, name, version, architecture),
    FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
);

CREATE TABLE installed (
    name TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    architecture TEXT NOT NULL,
    depends TEXT NOT NULL DEFAULT '',
    conflicts TEXT NOT NULL DEFAULT '',
    provides TEXT NOT NULL DEFAULT '',
    replaces TEXT NOT NULL DEFAULT '',
    installed_at TIMESTAMP NOT NULL,
    manifest TEXT NOT NULL
);

CREATE TABLE mirror_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id INTEGER NOT NULL,
    url TEXT NOT NULL,
    rtt_ms REAL NOT NULL,
    throughput_bps REAL NOT NULL,
    penalty REAL NOT NULL DEFAULT 0,
    sampled_at TIMESTAMP NOT NULL,
    FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
);

CREATE INDEX idx_packages_name ON packages(name);
CREATE INDEX idx_packages_provides ON packages(provides);
CREATE INDEX idx_packages_updated ON packages(updated_at);
CREATE INDEX idx_mirror_samples_repo ON mirror_samples(repo_id);
`,
}
