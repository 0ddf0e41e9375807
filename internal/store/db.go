package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

const (
	applicationName = "dashboard-api"
	connectAttempts = 5
)

// Open connects through the pgx stdlib driver and waits for the server to answer.
// Postgres often starts after the API in local compose setups, so the first ping is retried.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if cfg.RuntimeParams["application_name"] == "" {
		cfg.RuntimeParams["application_name"] = applicationName
	}

	db := stdlib.OpenDB(*cfg)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).Msg("database not reachable")
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	_ = db.Close()
	return nil, fmt.Errorf("ping db: %w", err)
}
