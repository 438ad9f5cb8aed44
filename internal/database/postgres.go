package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ConnectPostgres connects to PostgreSQL and creates the owner tables.
func ConnectPostgres(postgresURI string, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURI)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("connected to PostgreSQL")

	if err = InitPostgresTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("PostgreSQL tables initialized")
	return db, nil
}

var schema = []string{
	// Owner display profiles; diary content lives in MongoDB.
	`CREATE TABLE IF NOT EXISTS owners (
		owner_id VARCHAR(128) PRIMARY KEY,
		display_name VARCHAR(255) NOT NULL,
		email_encrypted TEXT,
		photo_url TEXT,
		provider_id VARCHAR(64),
		last_login_at TIMESTAMP NOT NULL DEFAULT NOW(),
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_owners_last_login_at ON owners(last_login_at)`,
}

// InitPostgresTables creates all necessary tables if they don't exist
func InitPostgresTables(ctx context.Context, db *sql.DB) error {
	for _, query := range schema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectPostgres closes the PostgreSQL connection
func DisconnectPostgres(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
