package store

import (
	"database/sql"
	"errors"
	"time"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Run is one invocation of the assimilation loop.
type Run struct {
	ID           int64
	Name         string
	Mode         string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	ErrorMessage sql.NullString
}

// StartRun creates a new run record and returns it.
func (s *Store) StartRun(name, mode string) (*Run, error) {
	run := &Run{
		Name:      name,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
	result, err := s.db.Exec(`
		INSERT INTO runs (name, mode, started_at, success)
		VALUES (?, ?, ?, FALSE)
	`, run.Name, run.Mode, run.StartedAt)
	if err != nil {
		return nil, err
	}
	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun records how the run ended. A nil runErr marks success.
func (s *Store) CompleteRun(run *Run, runErr error) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	run.Success = runErr == nil
	if runErr != nil {
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetLatestRun returns the most recently started run, or nil.
func (s *Store) GetLatestRun() (*Run, error) {
	var r Run
	err := s.db.QueryRow(`
		SELECT id, name, mode, started_at, finished_at, success, error_message
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(&r.ID, &r.Name, &r.Mode, &r.StartedAt, &r.FinishedAt, &r.Success, &r.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
