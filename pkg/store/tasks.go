package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// EnqueueTask inserts a task row. A task whose key is already queued is
// dropped and false is returned.
func (s *store) EnqueueTask(ctx context.Context, task *Task) (bool, error) {
	db := s.db.WithContext(ctx)
	if task.Key != nil {
		db = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		})
	}

	result := db.Create(task)
	if result.Error != nil {
		return false, fmt.Errorf("enqueueing task %q: %w", task.Name, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ClaimDueTasks leases up to limit due tasks to the caller. A claimed task
// is invisible to other workers until its lease expires.
func (s *store) ClaimDueTasks(
	ctx context.Context, now time.Time, limit int, lease time.Duration,
) ([]Task, error) {
	var candidates []Task
	if err := s.db.WithContext(ctx).
		Where("run_at <= ?", now).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Order("run_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("listing due tasks: %w", err)
	}

	until := now.Add(lease)
	claimed := make([]Task, 0, len(candidates))

	for _, task := range candidates {
		result := s.db.WithContext(ctx).
			Model(&Task{}).
			Where("id = ?", task.ID).
			Where("claimed_until IS NULL OR claimed_until < ?", now).
			Update("claimed_until", until)
		if result.Error != nil {
			return nil, fmt.Errorf("claiming task %d: %w", task.ID, result.Error)
		}

		if result.RowsAffected == 1 {
			task.ClaimedUntil = &until
			claimed = append(claimed, task)
		}
	}

	return claimed, nil
}

func (s *store) CompleteTask(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&Task{}, id).Error; err != nil {
		return fmt.Errorf("completing task %d: %w", id, err)
	}

	return nil
}

// RescheduleTask releases a claimed task and makes it due again at runAt.
func (s *store) RescheduleTask(
	ctx context.Context, id uint, runAt time.Time, attempts int, lastError string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"run_at":        runAt,
			"attempts":      attempts,
			"last_error":    lastError,
			"claimed_until": nil,
		}).Error; err != nil {
		return fmt.Errorf("rescheduling task %d: %w", id, err)
	}

	return nil
}

// ListTasks returns queued tasks, all of them when name is empty.
func (s *store) ListTasks(ctx context.Context, name string) ([]Task, error) {
	q := s.db.WithContext(ctx).Order("run_at ASC").Order("id ASC")
	if name != "" {
		q = q.Where("name = ?", name)
	}

	var tasks []Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	return tasks, nil
}
