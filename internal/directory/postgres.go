package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	queryServers = `SELECT server_id FROM server_members WHERE user_id = $1 ORDER BY server_id`

	queryChannels = `SELECT c.id FROM channels c
		JOIN server_members m ON m.server_id = c.server_id
		WHERE m.user_id = $1 ORDER BY c.id`

	queryDMs = `SELECT dm_id FROM dm_participants WHERE user_id = $1 ORDER BY dm_id`
)

// Postgres reads memberships from the application database.
type Postgres struct {
	db *sql.DB
}

var _ Directory = (*Postgres)(nil)

// NewPostgres opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newWithDB(db), nil
}

func newWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "switchboard_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Membership(ctx context.Context, userID string) (Membership, error) {
	m := Membership{UserID: userID}
	var err error
	if m.Servers, err = queryIDs(ctx, p.db, queryServers, userID); err != nil {
		return Membership{}, fmt.Errorf("servers for %s: %w", userID, err)
	}
	if m.Channels, err = queryIDs(ctx, p.db, queryChannels, userID); err != nil {
		return Membership{}, fmt.Errorf("channels for %s: %w", userID, err)
	}
	if m.DMs, err = queryIDs(ctx, p.db, queryDMs, userID); err != nil {
		return Membership{}, fmt.Errorf("dms for %s: %w", userID, err)
	}
	return m, nil
}

func queryIDs(ctx context.Context, db *sql.DB, query, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
