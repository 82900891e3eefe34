package main

import (
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/k-code-yt/orderflow/migrations"
	"github.com/k-code-yt/orderflow/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	config.LoadDotEnv()
}

func main() {
	var steps int

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the order service postgres schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Create the database if needed and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrderService()
			if err != nil {
				return err
			}
			if err := migrations.EnsureDatabase(&cfg.Postgres); err != nil {
				return err
			}
			if err := migrations.Up(&cfg.Postgres); err != nil {
				return err
			}
			logrus.Info("MIGRATE:UP_DONE")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations, all of them unless --steps is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			if steps > 0 {
				err = m.Steps(-steps)
			} else {
				err = m.Down()
			}
			if err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return err
			}
			logrus.Info("MIGRATE:DOWN_DONE")
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"VERSION": v,
				"DIRTY":   dirty,
			}).Info("MIGRATE:VERSION")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List the embedded migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := migrations.List()
			if err != nil {
				return err
			}
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			current, dirty, err := m.Version()
			if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
			for _, mg := range list {
				applied := "no"
				switch {
				case mg.Version == current && dirty:
					applied = "dirty"
				case mg.Version <= current:
					applied = "yes"
				}
				tw.AppendRow(table.Row{mg.Version, mg.Name, applied})
			}
			tw.Render()
			return nil
		},
	}

	root.AddCommand(up, down, version, status)
	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.LoadOrderService()
	if err != nil {
		return nil, err
	}
	return migrations.NewOrderMigrator(&cfg.Postgres)
}
