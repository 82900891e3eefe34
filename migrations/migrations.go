package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/k-code-yt/orderflow/pkg/db/postgres"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed order/*.sql
var orderFS embed.FS

const errDuplicateDatabase = "42P04"

// NewOrderMigrator reads the order service schema from the embedded SQL files.
func NewOrderMigrator(cfg *postgres.PostgresConfig) (*migrate.Migrate, error) {
	src, err := iofs.New(orderFS, "order")
	if err != nil {
		return nil, err
	}
	return migrate.NewWithSourceInstance("iofs", src, postgres.GetURL(cfg))
}

func Up(cfg *postgres.PostgresConfig) error {
	m, err := NewOrderMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// EnsureDatabase creates cfg.DBName through the maintenance database if missing.
func EnsureDatabase(cfg *postgres.PostgresConfig) error {
	admin := *cfg
	admin.DBName = "postgres"
	db, err := sql.Open("postgres", postgres.GetConnString(&admin))
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(cfg.DBName)))
	var pgErr *pq.Error
	if errors.As(err, &pgErr) && pgErr.Code == errDuplicateDatabase {
		logrus.WithField("DB", cfg.DBName).Info("MIGRATE:DB_EXISTS")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	logrus.WithField("DB", cfg.DBName).Info("MIGRATE:DB_CREATED")
	return nil
}

type Migration struct {
	Version uint
	Name    string
}

// List returns the embedded order service migrations in version order.
func List() ([]Migration, error) {
	entries, err := fs.ReadDir(orderFS, "order")
	if err != nil {
		return nil, err
	}
	out := []Migration{}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if !ok {
			continue
		}
		num, label, found := strings.Cut(name, "_")
		if !found {
			return nil, fmt.Errorf("migration %s has no version prefix", e.Name())
		}
		v, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: uint(v), Name: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
