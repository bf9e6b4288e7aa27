package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pgLockNotAvailable is the SQLSTATE of a failed NOWAIT lock.
const pgLockNotAvailable = "55P03"

// --- Backend CRUD ---

func (s *store) CreateBackend(ctx context.Context, backend *Backend) error {
	if backend.MaxFetchAttempts == 0 {
		backend.MaxFetchAttempts = 3
	}

	if err := Validate(backend); err != nil {
		return fmt.Errorf("backend %q: %w", backend.Name, err)
	}

	if err := s.db.WithContext(ctx).Create(backend).Error; err != nil {
		return translate(err, "creating backend %q", backend.Name)
	}

	return nil
}

func (s *store) GetBackend(ctx context.Context, id uint) (*Backend, error) {
	var backend Backend
	if err := s.db.WithContext(ctx).First(&backend, id).Error; err != nil {
		return nil, translate(err, "getting backend %d", id)
	}

	return &backend, nil
}

func (s *store) GetBackendByName(ctx context.Context, name string) (*Backend, error) {
	var backend Backend
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&backend).Error; err != nil {
		return nil, translate(err, "getting backend %q", name)
	}

	return &backend, nil
}

func (s *store) ListBackends(ctx context.Context) ([]Backend, error) {
	var backends []Backend
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&backends).Error; err != nil {
		return nil, fmt.Errorf("listing backends: %w", err)
	}

	return backends, nil
}

func (s *store) UpdateBackend(ctx context.Context, backend *Backend) error {
	if err := Validate(backend); err != nil {
		return fmt.Errorf("backend %q: %w", backend.Name, err)
	}

	if err := s.db.WithContext(ctx).Save(backend).Error; err != nil {
		return translate(err, "updating backend %d", backend.ID)
	}

	return nil
}

func (s *store) DeleteBackend(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&Backend{}, id).Error; err != nil {
		return fmt.Errorf("deleting backend %d: %w", id, err)
	}

	return nil
}

// --- Test job CRUD ---

func (s *store) CreateTestJob(ctx context.Context, job *TestJob) error {
	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Create(job).Error; err != nil {
		return translate(err, "creating test job")
	}

	return nil
}

func (s *store) GetTestJob(ctx context.Context, id uint) (*TestJob, error) {
	var job TestJob
	if err := s.preloadTestJob(s.db.WithContext(ctx)).
		First(&job, id).Error; err != nil {
		return nil, translate(err, "getting test job %d", id)
	}

	return &job, nil
}

func (s *store) preloadTestJob(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Backend").
		Preload("Target.Group").
		Preload("TargetBuild")
}

func (s *store) UpdateTestJob(ctx context.Context, job *TestJob) error {
	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Save(job).Error; err != nil {
		return translate(err, "updating test job %d", job.ID)
	}

	return nil
}

func (s *store) ListTestJobsByBuild(ctx context.Context, buildID uint) ([]TestJob, error) {
	var jobs []TestJob
	if err := s.db.WithContext(ctx).
		Where("target_build_id = ?", buildID).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing test jobs of build %d: %w", buildID, err)
	}

	return jobs, nil
}

// ListPendingTestJobs returns submitted jobs of a backend still waiting
// for results.
func (s *store) ListPendingTestJobs(ctx context.Context, backendID uint) ([]TestJob, error) {
	var jobs []TestJob
	if err := s.db.WithContext(ctx).
		Where("backend_id = ? AND submitted = ? AND fetched = ?", backendID, true, false).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing pending test jobs: %w", err)
	}

	return jobs, nil
}

// ListDueTestJobs returns the backend's jobs that may be fetched now:
// submitted, unfetched, under the attempt cap and not attempted within
// the poll interval.
func (s *store) ListDueTestJobs(
	ctx context.Context, backend *Backend, now time.Time,
) ([]TestJob, error) {
	cutoff := now.Add(-time.Duration(backend.PollInterval) * time.Minute)

	var jobs []TestJob
	if err := s.db.WithContext(ctx).
		Where("backend_id = ? AND submitted = ? AND fetched = ?", backend.ID, true, false).
		Where("fetch_attempts < ?", backend.MaxFetchAttempts).
		Where("last_fetch_attempt IS NULL OR last_fetch_attempt <= ?", cutoff).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing due test jobs: %w", err)
	}

	return jobs, nil
}

// ListFailedTestJobs returns fetched jobs of a build that carry a failure.
func (s *store) ListFailedTestJobs(ctx context.Context, buildID uint) ([]TestJob, error) {
	var jobs []TestJob
	if err := s.db.WithContext(ctx).
		Where("target_build_id = ? AND fetched = ? AND failure IS NOT NULL", buildID, true).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing failed test jobs: %w", err)
	}

	return jobs, nil
}

func (s *store) CountTestJobsWithStatus(
	ctx context.Context, buildID uint, jobStatus string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TestJob{}).
		Where("target_build_id = ? AND job_status = ?", buildID, jobStatus).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting test jobs: %w", err)
	}

	return count, nil
}

// WithLockedTestJob runs fn while holding an exclusive, non-waiting lock
// on the test job. If another worker holds it, ErrLocked is returned
// without calling fn. Changes made through tx commit when fn returns nil.
func (s *store) WithLockedTestJob(
	ctx context.Context, id uint, fn func(tx Store, job *TestJob) error,
) error {
	if !s.supportsRowLocks() {
		if !s.jobLocks.TryLock(id) {
			return fmt.Errorf("test job %d: %w", id, ErrLocked)
		}

		defer s.jobLocks.Unlock(id)
	}

	return s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store)

		q := tx.db.WithContext(ctx)
		if tx.supportsRowLocks() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
		}

		var job TestJob
		if err := q.First(&job, id).Error; err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
				return fmt.Errorf("test job %d: %w", id, ErrLocked)
			}

			return translate(err, "locking test job %d", id)
		}

		if err := tx.loadTestJobRelations(ctx, &job); err != nil {
			return err
		}

		return fn(tx, &job)
	})
}

func (s *store) loadTestJobRelations(ctx context.Context, job *TestJob) error {
	var backend Backend
	if err := s.db.WithContext(ctx).First(&backend, job.BackendID).Error; err != nil {
		return translate(err, "getting backend of test job %d", job.ID)
	}

	job.Backend = &backend

	var target Project
	if err := s.db.WithContext(ctx).
		Preload("Group").
		First(&target, job.TargetID).Error; err != nil {
		return translate(err, "getting project of test job %d", job.ID)
	}

	job.Target = &target

	if job.TargetBuildID != nil {
		var build Build
		if err := s.db.WithContext(ctx).First(&build, *job.TargetBuildID).Error; err != nil {
			return translate(err, "getting build of test job %d", job.ID)
		}

		job.TargetBuild = &build
	}

	return nil
}

// --- Callbacks ---

func (s *store) CreateCallback(ctx context.Context, cb *Callback) error {
	if cb.ObjectType == "" {
		cb.ObjectType = CallbackObjectBuild
	}

	if cb.Event == "" {
		cb.Event = CallbackEventBuildFinished
	}

	if cb.Method == "" {
		cb.Method = CallbackMethodPost
	}

	if err := Validate(cb); err != nil {
		return fmt.Errorf("callback %q: %w", cb.URL, err)
	}

	if err := s.db.WithContext(ctx).Create(cb).Error; err != nil {
		return translate(err, "creating callback %q", cb.URL)
	}

	return nil
}

func (s *store) ListPendingCallbacks(
	ctx context.Context, objectType string, objectID uint, event string,
) ([]Callback, error) {
	var callbacks []Callback
	if err := s.db.WithContext(ctx).
		Where("object_type = ? AND object_id = ? AND event = ? AND is_sent = ?",
			objectType, objectID, event, false).
		Order("id ASC").
		Find(&callbacks).Error; err != nil {
		return nil, fmt.Errorf("listing pending callbacks: %w", err)
	}

	return callbacks, nil
}

func (s *store) ListCallbacks(
	ctx context.Context, objectType string, objectID uint,
) ([]Callback, error) {
	var callbacks []Callback
	if err := s.db.WithContext(ctx).
		Where("object_type = ? AND object_id = ?", objectType, objectID).
		Order("id ASC").
		Find(&callbacks).Error; err != nil {
		return nil, fmt.Errorf("listing callbacks: %w", err)
	}

	return callbacks, nil
}

func (s *store) UpdateCallback(ctx context.Context, cb *Callback) error {
	if err := s.db.WithContext(ctx).Save(cb).Error; err != nil {
		return translate(err, "updating callback %d", cb.ID)
	}

	return nil
}
