package store

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm/clause"
)

// SeedDQChecks inserts check definitions whose names are not present yet.
func (s *Store) SeedDQChecks(ctx context.Context, defs []DQCheckDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "check_name"}}, DoNothing: true}).
		Create(&defs).Error
	if err != nil {
		return fmt.Errorf("seed dq checks: %w", err)
	}
	return nil
}

// ActiveDQChecks returns active check definitions ordered by name.
func (s *Store) ActiveDQChecks(ctx context.Context) ([]DQCheckDefinition, error) {
	var defs []DQCheckDefinition
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("check_name").Find(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("list active dq checks: %w", err)
	}
	return defs, nil
}

// EvaluateCheck runs a check template scoped to an ingest run and returns its
// single numeric result. A NULL result or an empty result set yields nil.
func (s *Store) EvaluateCheck(ctx context.Context, template, runID string) (*float64, error) {
	rows, err := s.db.WithContext(ctx).Raw(template, sql.Named("run_id", runID)).Rows()
	if err != nil {
		return nil, fmt.Errorf("execute check query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var v sql.NullFloat64
	if err := rows.Scan(&v); err != nil {
		return nil, fmt.Errorf("scan check value: %w", err)
	}
	if !v.Valid {
		return nil, nil
	}
	return &v.Float64, nil
}

// InsertDQCheckRuns records results, leaving existing (run, check name) pairs untouched.
// Returns the number of rows actually inserted.
func (s *Store) InsertDQCheckRuns(ctx context.Context, runs []DQCheckRun) (int64, error) {
	if len(runs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}, {Name: "check_name"}}, DoNothing: true}).
		Create(&runs)
	if res.Error != nil {
		return 0, fmt.Errorf("insert dq check runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DQCheckRuns returns the results recorded for an ingest run ordered by check name.
func (s *Store) DQCheckRuns(ctx context.Context, runID string) ([]DQCheckRun, error) {
	var runs []DQCheckRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("check_name").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list dq check runs for %s: %w", runID, err)
	}
	return runs, nil
}
