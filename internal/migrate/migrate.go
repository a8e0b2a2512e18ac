// Package migrate applies the embedded SQL migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/migrations"
)

// Migrator runs goose against one database. goose keeps its settings in package state, so
// only one Migrator should be active at a time.
type Migrator struct {
	db *sql.DB
}

// Open connects to dsn and routes goose output to log.
func Open(dsn string, log *zap.Logger) (*Migrator, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(zapLogger{s: log.Named("migrate").Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Migrator{db: db}, nil
}

// Up applies every pending migration. Besides the record store it creates the
// distributed_locks and error_records tables used by the Postgres lock backend and
// error tracker.
func (m *Migrator) Up(ctx context.Context) error {
	return goose.UpContext(ctx, m.db, ".")
}

// Down rolls back the latest migration.
func (m *Migrator) Down(ctx context.Context) error {
	return goose.DownContext(ctx, m.db, ".")
}

// Status logs the state of every migration.
func (m *Migrator) Status(ctx context.Context) error {
	return goose.StatusContext(ctx, m.db, ".")
}

// Version returns the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	return goose.GetDBVersionContext(ctx, m.db)
}

func (m *Migrator) Close() error { return m.db.Close() }

// Up is a shortcut for Open, Up and Close.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	m, err := Open(dsn, log)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Printf(format string, v ...any) {
	l.s.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l zapLogger) Fatalf(format string, v ...any) {
	l.s.Fatal(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
