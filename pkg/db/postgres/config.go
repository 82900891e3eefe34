package postgres

import (
	"fmt"
	"net/url"
)

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

func DefaultPostgresConfig(dbName string) *PostgresConfig {
	return &PostgresConfig{
		Host:     "localhost",
		Port:     "5452",
		User:     "user",
		Password: "pass",
		DBName:   dbName,
		SSLMode:  "disable",
	}
}

func (c *PostgresConfig) sslMode() string {
	if c.SSLMode == "" {
		return "disable"
	}
	return c.SSLMode
}

func GetConnString(options *PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s", options.Host, options.Port, options.User, options.Password, options.DBName, options.sslMode())
}

// GetURL renders the config in the URL form golang-migrate expects.
func GetURL(options *PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(options.User, options.Password),
		Host:     options.Host + ":" + options.Port,
		Path:     options.DBName,
		RawQuery: "sslmode=" + options.sslMode(),
	}
	return u.String()
}
