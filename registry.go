// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Dependent is one package-version known to declare a dependency on a given
// package, along with the exact requirement it declares against it.
type Dependent struct {
	Name    string `db:"name"`
	Version string `db:"num"`
	Req     string `db:"req"`
}

// Registry answers the two read queries the traversal needs: the published
// versions of a package, and who depends on it. It is deliberately narrow;
// anything that can produce these two row shapes (a crates.io database dump,
// an index mirror) can sit behind it.
type Registry interface {
	// Versions returns every published version of name, deduplicated.
	Versions(ctx context.Context, name string) ([]string, error)

	// ReverseDependents returns every package-version that declares a
	// dependency on name, with the requirement each one declares. The
	// caller filters the result down to the dependents whose requirement
	// admits the exact version under analysis.
	ReverseDependents(ctx context.Context, name, version string) ([]Dependent, error)
}

// pgRegistry is the production Registry, backed by a crates.io database dump
// loaded into Postgres. The two queries below run against the dump's crates,
// versions and dependencies tables.
type pgRegistry struct {
	db *sqlx.DB
}

// NewPostgresRegistry connects to the crates.io index database at databaseURL
// and returns a Registry over it.
func NewPostgresRegistry(ctx context.Context, databaseURL string) (Registry, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, errWrap(err, "connect to index database")
	}
	return &pgRegistry{db: db}, nil
}

// Close releases the underlying database connection pool.
func (r *pgRegistry) Close() error {
	return r.db.Close()
}

const versionsQuery = `
SELECT DISTINCT v.num
FROM versions v
JOIN crates c ON v.crate_id = c.id
WHERE c.name = $1
ORDER BY v.num`

func (r *pgRegistry) Versions(ctx context.Context, name string) ([]string, error) {
	var versions []string
	if err := r.db.SelectContext(ctx, &versions, versionsQuery, name); err != nil {
		return nil, QueryFailureError{Op: "Versions(" + name + ")", Err: err}
	}
	return sortVersions(dedupeVersions(versions)), nil
}

const dependentsQuery = `
WITH target_crate AS (
    SELECT id FROM crates WHERE name = $1
)
SELECT DISTINCT c.name, v.num, d.req
FROM dependencies d
JOIN versions v ON d.version_id = v.id
JOIN crates c ON v.crate_id = c.id
WHERE d.crate_id = (SELECT id FROM target_crate)
AND d.req IS NOT NULL
ORDER BY c.name, v.num`

func (r *pgRegistry) ReverseDependents(ctx context.Context, name, version string) ([]Dependent, error) {
	var out []Dependent
	if err := r.db.SelectContext(ctx, &out, dependentsQuery, name); err != nil {
		return nil, QueryFailureError{Op: "ReverseDependents(" + name + "@" + version + ")", Err: err}
	}
	return out, nil
}
