// Package backend selects and opens the ledger store named by the
// configuration.
package backend

import (
	"errors"
	"fmt"

	"finbot/internal/config"
)

// Type names a ledger store implementation.
type Type string

const (
	File   Type = config.BackendFile
	SQLite Type = config.BackendSQLite
)

// Types lists every supported store.
func Types() []Type {
	return []Type{File, SQLite}
}

// ParseType accepts exactly the names returned by Types.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown backend %q: must be one of %v", s, Types())
}

func (t Type) String() string { return string(t) }

// Config is the subset of the application config a backend needs.
type Config struct {
	Type Type
	// Path is the ledger document for File and the database for SQLite.
	Path string

	// Commit events are published only when AMQPURL is set.
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// FromAppConfig picks the path matching the configured backend.
func FromAppConfig(app *config.Config) (Config, error) {
	if app == nil {
		return Config{}, errors.New("app config is nil")
	}
	t, err := ParseType(app.DataBackend)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Type:         t,
		Path:         app.LedgerFilePath,
		AMQPURL:      app.AMQPURL,
		AMQPExchange: app.AMQPExchange,
		AMQPQueue:    app.AMQPQueue,
	}
	if t == SQLite {
		cfg.Path = app.SQLiteDBPath
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := ParseType(string(c.Type)); err != nil {
		return err
	}
	if c.Path == "" {
		return fmt.Errorf("%s backend needs a path", c.Type)
	}
	return nil
}
