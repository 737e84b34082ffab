package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opengda/beamq/internal/model"
)

// SQLite stores every list in a single jobs table ordered by position.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		queue TEXT NOT NULL,
		list TEXT NOT NULL,
		pos INTEGER NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (queue, list, pos)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_id ON jobs(id);
	`)
	return err
}

func (s *SQLite) Load(queue, list string) ([]model.Job, error) {
	rows, err := s.db.Query(`SELECT body FROM jobs WHERE queue = ? AND list = ? ORDER BY pos`, queue, list)
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", queue, list, err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job model.Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Save replaces the list inside one transaction.
func (s *SQLite) Save(queue, list string, jobs []model.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM jobs WHERE queue = ? AND list = ?`, queue, list); err != nil {
		return fmt.Errorf("clear %s/%s: %w", queue, list, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO jobs (queue, list, pos, id, status, body) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for pos, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		if _, err := stmt.Exec(queue, list, pos, job.ID, string(job.Status), string(body)); err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
