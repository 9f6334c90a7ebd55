package db

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not map to a bindvar style on its own.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open opens a DB and ensures schema exists. Queries use ? placeholders and
// are rebound per driver through sqlx.
func Open(ctx context.Context, driver Driver, dsn string) (*sqlx.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:lti-tool.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltitool?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sqlx.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent passback updates
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sqlx.DB, driver Driver) error {
	schema := schemaSQLite
	if driver == DriverPostgres {
		schema = schemaPostgres
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  authentication_endpoint TEXT NOT NULL,
  access_token_endpoint TEXT NOT NULL,
  jwks_endpoint TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS lti_platforms_triple
  ON lti_platforms(issuer, client_id, deployment_id);

CREATE TABLE IF NOT EXISTS assessments (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  course_id TEXT NOT NULL,
  resource_link_id TEXT NOT NULL,
  line_item_url TEXT NOT NULL DEFAULT '',
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  score_given REAL NOT NULL,
  score_maximum REAL NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  activity_progress TEXT NOT NULL,
  grading_progress TEXT NOT NULL,
  passback_status TEXT NOT NULL DEFAULT 'pending' CHECK (passback_status IN ('pending','success','failed')),
  passback_attempts INTEGER NOT NULL DEFAULT 0,
  passback_error TEXT NOT NULL DEFAULT '',
  passback_error_kind TEXT NOT NULL DEFAULT '',
  last_passback_attempt INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS assessments_user ON assessments(user_id);
CREATE INDEX IF NOT EXISTS assessments_status ON assessments(passback_status)
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  authentication_endpoint TEXT NOT NULL,
  access_token_endpoint TEXT NOT NULL,
  jwks_endpoint TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS lti_platforms_triple
  ON lti_platforms(issuer, client_id, deployment_id);

CREATE TABLE IF NOT EXISTS assessments (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  course_id TEXT NOT NULL,
  resource_link_id TEXT NOT NULL,
  line_item_url TEXT NOT NULL DEFAULT '',
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  score_given DOUBLE PRECISION NOT NULL,
  score_maximum DOUBLE PRECISION NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  activity_progress TEXT NOT NULL,
  grading_progress TEXT NOT NULL,
  passback_status TEXT NOT NULL DEFAULT 'pending' CHECK (passback_status IN ('pending','success','failed')),
  passback_attempts INTEGER NOT NULL DEFAULT 0,
  passback_error TEXT NOT NULL DEFAULT '',
  passback_error_kind TEXT NOT NULL DEFAULT '',
  last_passback_attempt BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS assessments_user ON assessments(user_id);
CREATE INDEX IF NOT EXISTS assessments_status ON assessments(passback_status)
`
