package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "labmon/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]Patient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT telegram_id, username, password, active, created_at, last_check, last_status
		 FROM patients WHERE active = 1 ORDER BY telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, telegramID int64) (Patient, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT telegram_id, username, password, active, created_at, last_check, last_status
		 FROM patients WHERE telegram_id = ?`, telegramID)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, false, nil
	}
	if err != nil {
		return Patient{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, p Patient) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients(telegram_id, username, password, active, created_at)
		 VALUES(?,?,?,1,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   username=excluded.username, password=excluded.password, active=1`,
		p.TelegramID, p.Username, p.Password, p.CreatedAt.Format(timeFormat))
	return err
}

func (s *sqliteStore) Deactivate(ctx context.Context, telegramID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patients SET active = 0 WHERE telegram_id = ? AND active = 1`, telegramID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SetStatus(ctx context.Context, telegramID int64, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE patients SET last_check = ?, last_status = ? WHERE telegram_id = ?`,
		at.Format(timeFormat), status, telegramID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(r rowScanner) (Patient, error) {
	var (
		p          Patient
		active     int
		createdAt  string
		lastCheck  sql.NullString
		lastStatus sql.NullString
	)
	if err := r.Scan(&p.TelegramID, &p.Username, &p.Password, &active, &createdAt, &lastCheck, &lastStatus); err != nil {
		return Patient{}, err
	}
	p.Active = active != 0
	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		p.CreatedAt = t
	}
	if lastCheck.Valid {
		if t, err := time.Parse(timeFormat, lastCheck.String); err == nil {
			p.LastCheck = t
		}
	}
	p.LastStatus = lastStatus.String
	return p, nil
}
