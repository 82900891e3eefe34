package postgres

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func NewDBConn(opts *PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", GetConnString(opts))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// WaitForDBConn keeps dialing until postgres accepts connections or ctx is done.
func WaitForDBConn(ctx context.Context, opts *PostgresConfig) (*sqlx.DB, error) {
	var db *sqlx.DB
	op := func() error {
		conn, err := NewDBConn(opts)
		if err != nil {
			logrus.WithField("HOST", opts.Host).Warnf("POSTGRES:NOT_READY %v", err)
			return err
		}
		db = conn
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return db, nil
}
