package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Project status ---

// CreateOrUpdateProjectStatus stores a freshly computed aggregate for a
// build. The finished flag, comparison caches and baseline always follow
// the latest computation. Counters only replace the stored ones when the
// computation covers at least as many tests, so results processed late
// never shadow newer ones. The baseline is the latest finished status of
// an earlier build of the project, if any.
func (s *store) CreateOrUpdateProjectStatus(
	ctx context.Context, computed *ProjectStatus,
) (*ProjectStatus, error) {
	if !s.inTx && !s.supportsRowLocks() {
		if err := s.statusLocks.Lock(ctx, computed.BuildID); err != nil {
			return nil, fmt.Errorf("waiting for status of build %d: %w", computed.BuildID, err)
		}
		defer s.statusLocks.Unlock(computed.BuildID)
	}

	var result *ProjectStatus

	err := s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store)

		build, err := tx.GetBuild(ctx, computed.BuildID)
		if err != nil {
			return err
		}

		baseline, err := tx.LatestFinishedStatusBefore(ctx, build)
		if err != nil {
			return err
		}

		status := *computed
		status.ID = 0
		status.Build = nil
		status.Baseline = nil
		status.LastUpdated = time.Now().UTC()

		if baseline != nil {
			status.BaselineID = &baseline.ID
		}

		created := tx.db.WithContext(ctx).
			Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "build_id"}},
				DoNothing: true,
			}).
			Create(&status)
		if created.Error != nil {
			return translate(created.Error, "creating status of build %d", computed.BuildID)
		}

		if created.RowsAffected == 0 {
			stored, err := tx.lockProjectStatus(ctx, computed.BuildID)
			if err != nil {
				return err
			}

			columns := map[string]any{
				"finished":           computed.Finished,
				"regressions":        computed.Regressions,
				"fixes":              computed.Fixes,
				"metric_regressions": computed.MetricRegressions,
				"metric_fixes":       computed.MetricFixes,
				"last_updated":       time.Now().UTC(),
			}

			if baseline != nil {
				columns["baseline_id"] = baseline.ID
			}

			if computed.TestsTotal() >= stored.TestsTotal() {
				columns["tests_pass"] = computed.TestsPass
				columns["tests_fail"] = computed.TestsFail
				columns["tests_skip"] = computed.TestsSkip
				columns["tests_xfail"] = computed.TestsXFail
				columns["metrics_summary"] = computed.MetricsSummary
				columns["has_metrics"] = computed.HasMetrics
			}

			if err := tx.db.WithContext(ctx).
				Model(&ProjectStatus{}).
				Where("id = ?", stored.ID).
				Updates(columns).Error; err != nil {
				return translate(err, "updating project status %d", stored.ID)
			}

			if err := tx.db.WithContext(ctx).First(&status, stored.ID).Error; err != nil {
				return translate(err, "reloading project status %d", stored.ID)
			}
		}

		status.Build = build
		result = &status

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// lockProjectStatus reads the status of a build, holding its row lock for
// the rest of the transaction where the driver supports one.
func (s *store) lockProjectStatus(ctx context.Context, buildID uint) (*ProjectStatus, error) {
	q := s.db.WithContext(ctx)
	if s.supportsRowLocks() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var status ProjectStatus
	if err := q.Where("build_id = ?", buildID).First(&status).Error; err != nil {
		return nil, translate(err, "locking status of build %d", buildID)
	}

	return &status, nil
}

func (s *store) GetProjectStatus(ctx context.Context, id uint) (*ProjectStatus, error) {
	var status ProjectStatus
	if err := s.db.WithContext(ctx).
		Preload("Build.Project.Group").
		Preload("Baseline.Build").
		First(&status, id).Error; err != nil {
		return nil, translate(err, "getting project status %d", id)
	}

	return &status, nil
}

func (s *store) GetProjectStatusByBuild(
	ctx context.Context, buildID uint,
) (*ProjectStatus, error) {
	var status ProjectStatus
	if err := s.db.WithContext(ctx).
		Preload("Build.Project.Group").
		Preload("Baseline.Build").
		Where("build_id = ?", buildID).
		First(&status).Error; err != nil {
		return nil, translate(err, "getting status of build %d", buildID)
	}

	return &status, nil
}

// ApproveProjectStatus releases a moderated status to its subscribers.
func (s *store) ApproveProjectStatus(ctx context.Context, statusID uint) error {
	if err := s.db.WithContext(ctx).
		Model(&ProjectStatus{}).
		Where("id = ?", statusID).
		Update("approved", true).Error; err != nil {
		return translate(err, "approving project status %d", statusID)
	}

	return nil
}

// MarkNotificationTimedOut records that the notification timeout of a
// status fired, finishing it as well when finish is set. No other column
// is written so concurrent aggregation is never overwritten.
func (s *store) MarkNotificationTimedOut(ctx context.Context, statusID uint, finish bool) error {
	columns := map[string]any{"notified_on_timeout": true}
	if finish {
		columns["finished"] = true
	}

	if err := s.db.WithContext(ctx).
		Model(&ProjectStatus{}).
		Where("id = ?", statusID).
		Updates(columns).Error; err != nil {
		return translate(err, "marking notification timeout of status %d", statusID)
	}

	return nil
}

// LatestFinishedStatusBefore returns the finished status of the most
// recent earlier build of the same project, or nil.
func (s *store) LatestFinishedStatusBefore(
	ctx context.Context, build *Build,
) (*ProjectStatus, error) {
	earlier := s.db.Model(&Build{}).
		Select("id").
		Where("project_id = ? AND datetime < ?", build.ProjectID, build.Datetime)

	var status ProjectStatus

	err := s.db.WithContext(ctx).
		Joins("Build").
		Where("project_statuses.finished = ? AND project_statuses.build_id IN (?)", true, earlier).
		Order(clause.OrderByColumn{Column: clause.Column{Table: "Build", Name: "datetime"}, Desc: true}).
		First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("finding baseline of build %d: %w", build.ID, err)
	}

	return &status, nil
}

// ClaimNotificationTimeout records that a notification timeout has been
// scheduled. Only the first caller for a status gets true.
func (s *store) ClaimNotificationTimeout(ctx context.Context, statusID uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ProjectStatus{}).
		Where("id = ? AND notified_on_timeout IS NULL", statusID).
		Update("notified_on_timeout", false)
	if result.Error != nil {
		return false, fmt.Errorf("claiming notification timeout of status %d: %w", statusID, result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) MarkProjectStatusNotified(ctx context.Context, statusID uint) error {
	if err := s.db.WithContext(ctx).
		Model(&ProjectStatus{}).
		Where("id = ?", statusID).
		Update("notified", true).Error; err != nil {
		return fmt.Errorf("marking status %d notified: %w", statusID, err)
	}

	return nil
}

// ResetBuildEvents rearms the build's notification and callbacks after a
// job was resubmitted.
func (s *store) ResetBuildEvents(ctx context.Context, buildID uint) error {
	return s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store).db.WithContext(ctx)

		if err := tx.Model(&ProjectStatus{}).
			Where("build_id = ?", buildID).
			Updates(map[string]any{"finished": false, "notified": false}).Error; err != nil {
			return fmt.Errorf("resetting status of build %d: %w", buildID, err)
		}

		if err := tx.Model(&Build{}).
			Where("id = ?", buildID).
			Update("patch_notified", false).Error; err != nil {
			return fmt.Errorf("resetting patch notification of build %d: %w", buildID, err)
		}

		if err := tx.Model(&Callback{}).
			Where("object_type = ? AND object_id = ?", CallbackObjectBuild, buildID).
			Update("is_sent", false).Error; err != nil {
			return fmt.Errorf("resetting callbacks of build %d: %w", buildID, err)
		}

		return nil
	})
}

// UpsertBuildSummary replaces the summary of a build and environment.
func (s *store) UpsertBuildSummary(ctx context.Context, summary *BuildSummary) error {
	result := s.db.WithContext(ctx).
		Where("build_id = ? AND environment_id = ?", summary.BuildID, summary.EnvironmentID).
		Assign(map[string]any{
			"tests_pass":      summary.TestsPass,
			"tests_fail":      summary.TestsFail,
			"tests_skip":      summary.TestsSkip,
			"tests_xfail":     summary.TestsXFail,
			"metrics_summary": summary.MetricsSummary,
			"has_metrics":     summary.HasMetrics,
		}).
		FirstOrCreate(summary)
	if result.Error != nil {
		return fmt.Errorf("upserting build summary: %w", result.Error)
	}

	return nil
}

func (s *store) ListBuildSummaries(ctx context.Context, buildID uint) ([]BuildSummary, error) {
	var summaries []BuildSummary
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("environment_id ASC").
		Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing build summaries: %w", err)
	}

	return summaries, nil
}

// --- Notifications ---

// NotificationDeliveryExists records a delivery of the given content for
// a status and reports whether an identical one had already been
// recorded.
func (s *store) NotificationDeliveryExists(
	ctx context.Context, statusID uint, subject, txt, html string,
) (bool, error) {
	delivery := NotificationDelivery{
		StatusID:    statusID,
		Subject:     subject,
		SubjectHash: Digest(subject),
		TxtHash:     Digest(txt),
		HTMLHash:    Digest(html),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&delivery)
	if result.Error != nil {
		return false, fmt.Errorf("recording notification delivery: %w", result.Error)
	}

	return result.RowsAffected == 0, nil
}

// ForgetNotificationDelivery drops a recorded delivery so the same content
// can be sent again, used when sending it failed.
func (s *store) ForgetNotificationDelivery(
	ctx context.Context, statusID uint, subject, txt, html string,
) error {
	if err := s.db.WithContext(ctx).
		Where("status_id = ? AND subject_hash = ? AND txt_hash = ? AND html_hash = ?",
			statusID, Digest(subject), Digest(txt), Digest(html)).
		Delete(&NotificationDelivery{}).Error; err != nil {
		return fmt.Errorf("forgetting notification delivery of status %d: %w", statusID, err)
	}

	return nil
}

func (s *store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.NotificationStrategy == "" {
		sub.NotificationStrategy = NotifyAll
	}

	if err := Validate(sub); err != nil {
		return fmt.Errorf("subscription %q: %w", sub.Email, err)
	}

	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return translate(err, "creating subscription %q", sub.Email)
	}

	return nil
}

func (s *store) ListSubscriptions(ctx context.Context, projectID uint) ([]Subscription, error) {
	var subs []Subscription
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("email ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	return subs, nil
}

func (s *store) CreateAdminSubscription(ctx context.Context, sub *AdminSubscription) error {
	if err := Validate(sub); err != nil {
		return fmt.Errorf("admin subscription %q: %w", sub.Email, err)
	}

	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return translate(err, "creating admin subscription %q", sub.Email)
	}

	return nil
}

func (s *store) ListAdminSubscriptions(
	ctx context.Context, projectID uint,
) ([]AdminSubscription, error) {
	var subs []AdminSubscription
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("email ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing admin subscriptions: %w", err)
	}

	return subs, nil
}

// --- Delayed reports ---

func (s *store) CreateDelayedReport(ctx context.Context, report *DelayedReport) error {
	if err := Validate(report); err != nil {
		return fmt.Errorf("delayed report: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return translate(err, "creating delayed report")
	}

	return nil
}

func (s *store) GetDelayedReport(ctx context.Context, id uint) (*DelayedReport, error) {
	var report DelayedReport
	if err := s.db.WithContext(ctx).First(&report, id).Error; err != nil {
		return nil, translate(err, "getting delayed report %d", id)
	}

	return &report, nil
}

func (s *store) UpdateDelayedReport(ctx context.Context, report *DelayedReport) error {
	if err := s.db.WithContext(ctx).Save(report).Error; err != nil {
		return translate(err, "updating delayed report %d", report.ID)
	}

	return nil
}
