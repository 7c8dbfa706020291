package datastore

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/logging"

	// needed for magic migration
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Datastore holds generic methods for the relational audit store
type Datastore interface {
	RawDB() *sqlx.DB
	NewMigrate() (*migrate.Migrate, error)
	Migrate() error
	RollbackTx(tx *sqlx.Tx)
	BeginTx() (*sqlx.Tx, error)
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	*sqlx.DB
}

// NewPostgres connects to the passed database uri, optionally performing
// migrations. The audit/event store is the only relational dependency;
// everything multi-tenant lives in mongo.
func NewPostgres(databaseURL string, performMigration bool) (*Postgres, error) {
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxPoolSize)
	db.SetMaxIdleConns(10)

	pg := &Postgres{db}

	if performMigration {
		if err := pg.Migrate(); err != nil {
			return nil, err
		}
	}

	return pg, nil
}

// RawDB - get the raw db
func (pg *Postgres) RawDB() *sqlx.DB {
	return pg.DB
}

// NewMigrate creates a Migrate instance given a Postgres instance with an active database connection
func (pg *Postgres) NewMigrate() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(pg.RawDB().DB, &postgres.Config{})
	if err != nil {
		return nil, err
	}

	dbMigrationsURL := os.Getenv("DATABASE_MIGRATIONS_URL")
	if dbMigrationsURL == "" {
		dbMigrationsURL = "file://migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(
		dbMigrationsURL,
		"postgres",
		driver,
	)
	if err != nil {
		return nil, err
	}

	return m, err
}

// Migrate the Postgres instance to the latest version
func (pg *Postgres) Migrate() error {
	ctx := context.WithValue(context.Background(), appctx.EnvironmentCTXKey, os.Getenv("ENV"))
	_, logger := logging.SetupLogger(ctx)

	logger.Info().Msg("attempting database migration")

	m, err := pg.NewMigrate()
	if err != nil {
		logger.Error().Err(err).Msg("failed to create a new migration")
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error().Err(err).Msg("migration failed")
		return err
	}

	return nil
}

// RollbackTx - rollback a transaction, logging any rollback error.
// sql.ErrTxDone is expected after a successful commit and ignored.
func (pg *Postgres) RollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logging.Logger(context.Background(), "datastore.RollbackTx").Warn().Err(err).Msg("transaction rollback failed")
	}
}

// BeginTx - begin a transaction
func (pg *Postgres) BeginTx() (*sqlx.Tx, error) {
	return pg.DB.Beginx()
}

// HealthCheck pings the database
func (pg *Postgres) HealthCheck(ctx context.Context) error {
	return pg.DB.PingContext(ctx)
}
