package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// --- Test run CRUD ---

func (s *store) CreateTestRun(ctx context.Context, run *TestRun) error {
	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Create(run).Error; err != nil {
		return translate(err, "creating test run %q", run.JobID)
	}

	return nil
}

// TestRunExists reports whether a test run with the job id exists in the
// build.
func (s *store) TestRunExists(
	ctx context.Context, buildID uint, jobID string,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("build_id = ? AND job_id = ?", buildID, jobID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking test run %q: %w", jobID, err)
	}

	return count > 0, nil
}

func (s *store) GetTestRun(ctx context.Context, id uint) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		Preload("Build").
		First(&run, id).Error; err != nil {
		return nil, translate(err, "getting test run %d", id)
	}

	return &run, nil
}

func (s *store) UpdateTestRun(ctx context.Context, run *TestRun) error {
	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Save(run).Error; err != nil {
		return translate(err, "updating test run %d", run.ID)
	}

	return nil
}

// DeleteTestRun removes a test run with its tests, metrics, statuses and
// attachments.
func (s *store) DeleteTestRun(ctx context.Context, id uint) error {
	return s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store).db.WithContext(ctx)

		if err := tx.Where("test_id IN (?)",
			tx.Model(&Test{}).Select("id").Where("test_run_id = ?", id),
		).Delete(&testKnownIssue{}).Error; err != nil {
			return fmt.Errorf("deleting known issue links of test run %d: %w", id, err)
		}

		for _, model := range []any{&Test{}, &Metric{}, &Status{}, &Attachment{}} {
			if err := tx.Where("test_run_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("deleting data of test run %d: %w", id, err)
			}
		}

		if err := tx.Model(&TestJob{}).
			Where("test_run_id = ?", id).
			Update("test_run_id", nil).Error; err != nil {
			return fmt.Errorf("detaching test jobs of test run %d: %w", id, err)
		}

		if err := tx.Delete(&TestRun{}, id).Error; err != nil {
			return fmt.Errorf("deleting test run %d: %w", id, err)
		}

		return nil
	})
}

func (s *store) ListTestRuns(ctx context.Context, buildID uint) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		Where("build_id = ?", buildID).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing test runs: %w", err)
	}

	return runs, nil
}

func (s *store) CreateAttachment(ctx context.Context, attachment *Attachment) error {
	if err := s.db.WithContext(ctx).Create(attachment).Error; err != nil {
		return translate(err, "creating attachment %q", attachment.Filename)
	}

	return nil
}

func (s *store) ListAttachments(
	ctx context.Context, testRunID uint,
) ([]Attachment, error) {
	var attachments []Attachment
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("filename ASC").
		Find(&attachments).Error; err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	return attachments, nil
}

// --- Results ---

// SaveTestRunData stores the parsed tests and metrics of a test run once.
// It returns false without writing anything when the run was already
// processed.
func (s *store) SaveTestRunData(
	ctx context.Context, testRunID uint, tests []*Test, metrics []*Metric,
) (bool, error) {
	saved := false

	err := s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store).db.WithContext(ctx)

		claimed, err := claimFlag(tx, testRunID, "data_processed")
		if err != nil || !claimed {
			return err
		}

		if len(tests) > 0 {
			if err := tx.Omit("Suite").
				CreateInBatches(tests, insertBatchSize).Error; err != nil {
				return fmt.Errorf("creating tests: %w", err)
			}
		}

		if len(metrics) > 0 {
			if err := tx.Omit(clause.Associations).
				CreateInBatches(metrics, insertBatchSize).Error; err != nil {
				return fmt.Errorf("creating metrics: %w", err)
			}
		}

		saved = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("saving data of test run %d: %w", testRunID, err)
	}

	return saved, nil
}

// SaveTestRunStatus stores the per-suite and overall statuses of a test
// run once.
func (s *store) SaveTestRunStatus(
	ctx context.Context, testRunID uint, statuses []*Status,
) (bool, error) {
	saved := false

	err := s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store).db.WithContext(ctx)

		claimed, err := claimFlag(tx, testRunID, "status_recorded")
		if err != nil || !claimed {
			return err
		}

		if len(statuses) > 0 {
			if err := tx.Create(statuses).Error; err != nil {
				return fmt.Errorf("creating statuses: %w", err)
			}
		}

		saved = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("recording status of test run %d: %w", testRunID, err)
	}

	return saved, nil
}

// AppendTests adds tests to an already processed test run.
func (s *store) AppendTests(ctx context.Context, tests []*Test) error {
	if len(tests) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Omit("Suite").
		CreateInBatches(tests, insertBatchSize).Error; err != nil {
		return fmt.Errorf("appending tests: %w", err)
	}

	return nil
}

// ReplaceTestRunStatus swaps the statuses of a test run for new ones and
// marks its status as recorded.
func (s *store) ReplaceTestRunStatus(
	ctx context.Context, testRunID uint, statuses []*Status,
) error {
	return s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store).db.WithContext(ctx)

		if err := tx.Where("test_run_id = ?", testRunID).Delete(&Status{}).Error; err != nil {
			return fmt.Errorf("deleting statuses of test run %d: %w", testRunID, err)
		}

		if len(statuses) > 0 {
			if err := tx.Create(statuses).Error; err != nil {
				return fmt.Errorf("creating statuses: %w", err)
			}
		}

		if err := tx.Model(&TestRun{}).
			Where("id = ?", testRunID).
			Update("status_recorded", true).Error; err != nil {
			return fmt.Errorf("marking status of test run %d: %w", testRunID, err)
		}

		return nil
	})
}

// claimFlag flips a boolean test run column from false to true and
// reports whether this call did it.
func claimFlag(tx *gorm.DB, testRunID uint, column string) (bool, error) {
	result := tx.Model(&TestRun{}).
		Where("id = ? AND "+column+" = ?", testRunID, false).
		Update(column, true)
	if result.Error != nil {
		return false, fmt.Errorf("claiming %s: %w", column, result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) ListTestsByTestRun(ctx context.Context, testRunID uint) ([]Test, error) {
	return s.listTests(ctx, "test_run_id = ?", testRunID)
}

func (s *store) ListTestsByBuild(ctx context.Context, buildID uint) ([]Test, error) {
	return s.listTests(ctx, "build_id = ?", buildID)
}

func (s *store) listTests(ctx context.Context, query string, arg uint) ([]Test, error) {
	var tests []Test
	if err := s.db.WithContext(ctx).
		Preload("Suite").
		Preload("KnownIssues").
		Where(query, arg).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	return tests, nil
}

func (s *store) ListMetricsByTestRun(ctx context.Context, testRunID uint) ([]Metric, error) {
	return s.listMetrics(ctx, "test_run_id = ?", testRunID)
}

func (s *store) ListMetricsByBuild(ctx context.Context, buildID uint) ([]Metric, error) {
	return s.listMetrics(ctx, "build_id = ?", buildID)
}

func (s *store) listMetrics(ctx context.Context, query string, arg uint) ([]Metric, error) {
	var metrics []Metric
	if err := s.db.WithContext(ctx).
		Preload("Suite").
		Where(query, arg).
		Order("id ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}

	return metrics, nil
}

func (s *store) ListStatuses(ctx context.Context, testRunID uint) ([]Status, error) {
	var statuses []Status
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("id ASC").
		Find(&statuses).Error; err != nil {
		return nil, fmt.Errorf("listing statuses: %w", err)
	}

	return statuses, nil
}
