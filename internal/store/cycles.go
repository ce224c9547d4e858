package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Cycle is the journal entry of one assimilation cycle.
type Cycle struct {
	ID           int64
	RunName      string
	ValidTime    time.Time
	Mode         string
	Duration     time.Duration
	BgMSE        float64
	AnaMSE       float64
	BgZ500WRMSE  float64
	AnaZ500WRMSE float64
}

// Iteration is one outer iteration of a variational cycle.
type Iteration struct {
	Outer     int
	LossTotal float64
	LossBg    float64
	LossObs   float64
	MSE       float64
	Z500WRMSE float64
}

// RecordCycle stores c and its iterations. A cycle re-run after a resume
// replaces the earlier entry for the same run and valid time.
func (s *Store) RecordCycle(c Cycle, its []Iteration) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`
		INSERT INTO cycles (run_name, valid_time, mode, duration_ms, bg_mse, ana_mse, bg_z500_wrmse, ana_z500_wrmse)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_name, valid_time) DO UPDATE SET
			mode = excluded.mode,
			duration_ms = excluded.duration_ms,
			bg_mse = excluded.bg_mse,
			ana_mse = excluded.ana_mse,
			bg_z500_wrmse = excluded.bg_z500_wrmse,
			ana_z500_wrmse = excluded.ana_z500_wrmse,
			created_at = CURRENT_TIMESTAMP
		RETURNING id
	`, c.RunName, c.ValidTime.UTC(), c.Mode, c.Duration.Milliseconds(),
		c.BgMSE, c.AnaMSE, c.BgZ500WRMSE, c.AnaZ500WRMSE).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert cycle: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM iterations WHERE cycle_id = ?`, id); err != nil {
		return 0, fmt.Errorf("clear iterations: %w", err)
	}
	for _, it := range its {
		if _, err := tx.Exec(`
			INSERT INTO iterations (cycle_id, outer_iter, loss_total, loss_bg, loss_obs, mse, z500_wrmse)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, it.Outer, it.LossTotal, it.LossBg, it.LossObs, it.MSE, it.Z500WRMSE); err != nil {
			return 0, fmt.Errorf("insert iteration %d: %w", it.Outer, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cycle: %w", err)
	}
	return id, nil
}

// GetCycles returns up to limit cycles of runName, newest first. An empty
// runName matches every run.
func (s *Store) GetCycles(runName string, limit int) ([]Cycle, error) {
	rows, err := s.db.Query(`
		SELECT id, run_name, valid_time, mode, duration_ms,
			COALESCE(bg_mse, 0), COALESCE(ana_mse, 0),
			COALESCE(bg_z500_wrmse, 0), COALESCE(ana_z500_wrmse, 0)
		FROM cycles
		WHERE ? = '' OR run_name = ?
		ORDER BY valid_time DESC
		LIMIT ?
	`, runName, runName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var c Cycle
		var ms int64
		if err := rows.Scan(&c.ID, &c.RunName, &c.ValidTime, &c.Mode, &ms,
			&c.BgMSE, &c.AnaMSE, &c.BgZ500WRMSE, &c.AnaZ500WRMSE); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetIterations returns the outer iterations of a cycle in order.
func (s *Store) GetIterations(cycleID int64) ([]Iteration, error) {
	rows, err := s.db.Query(`
		SELECT outer_iter, loss_total, loss_bg, loss_obs,
			COALESCE(mse, 0), COALESCE(z500_wrmse, 0)
		FROM iterations
		WHERE cycle_id = ?
		ORDER BY outer_iter
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(&it.Outer, &it.LossTotal, &it.LossBg, &it.LossObs, &it.MSE, &it.Z500WRMSE); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountCycles returns the number of journaled cycles of runName.
func (s *Store) CountCycles(runName string) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cycles WHERE run_name = ?`, runName).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}
