package ledger

import (
	"context"
	"fmt"

	"github.com/couchcryptid/obs-pipeline/internal/store"
)

// PendingTransforms returns succeeded ingest runs that have no succeeded
// transform child, oldest first.
func (l *Ledger) PendingTransforms(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Raw(`
SELECT i.run_id FROM ops_job_run i
WHERE i.job_name = ? AND i.status = ?
  AND NOT EXISTS (
    SELECT 1 FROM ops_job_run t
    WHERE t.parent_run_id = i.run_id AND t.job_name = ? AND t.status = ?)
ORDER BY i.started_at, i.run_id`,
		JobIngest, store.StatusSucceeded, JobTransform, store.StatusSucceeded).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("find pending transforms: %w", err)
	}
	return ids, nil
}

// PendingDQ returns succeeded ingest runs whose transform child succeeded and
// that have no DQ results yet, oldest first.
func (l *Ledger) PendingDQ(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Raw(`
SELECT i.run_id FROM ops_job_run i
WHERE i.job_name = ? AND i.status = ?
  AND EXISTS (
    SELECT 1 FROM ops_job_run t
    WHERE t.parent_run_id = i.run_id AND t.job_name = ? AND t.status = ?)
  AND NOT EXISTS (
    SELECT 1 FROM ops_dq_check_run d WHERE d.run_id = i.run_id)
ORDER BY i.started_at, i.run_id`,
		JobIngest, store.StatusSucceeded, JobTransform, store.StatusSucceeded).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("find runs pending dq: %w", err)
	}
	return ids, nil
}
