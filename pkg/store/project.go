package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListProjectsOptions filters ListActiveProjects. ActiveDays wins over Count;
// with neither set every project is returned.
type ListProjectsOptions struct {
	ActiveDays int
	Count      int
	Now        time.Time
}

// getOrCreate loads the row matching where into out, creating it from out
// when missing. A concurrent insert of the same row is resolved by
// re-reading it.
func getOrCreate[T any](ctx context.Context, db *gorm.DB, out *T, where ...any) (bool, error) {
	err := db.WithContext(ctx).Where(where[0], where[1:]...).First(out).Error
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	// A concurrent creator wins on conflict; its row is read back instead.
	result := db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(out)
	if result.Error != nil {
		return false, result.Error
	}

	if result.RowsAffected == 0 {
		return false, db.WithContext(ctx).Where(where[0], where[1:]...).First(out).Error
	}

	return true, nil
}

// --- Group and project CRUD ---

func (s *store) GetOrCreateGroup(ctx context.Context, slug string) (*Group, error) {
	group := Group{Slug: slug, Name: slug}
	if err := Validate(&group); err != nil {
		return nil, fmt.Errorf("group %q: %w", slug, err)
	}

	if _, err := getOrCreate(ctx, s.db, &group, "slug = ?", slug); err != nil {
		return nil, translate(err, "getting or creating group %q", slug)
	}

	return &group, nil
}

func (s *store) GetOrCreateProject(
	ctx context.Context, groupSlug, projectSlug string,
) (*Project, error) {
	group, err := s.GetOrCreateGroup(ctx, groupSlug)
	if err != nil {
		return nil, err
	}

	project := Project{GroupID: group.ID, Slug: projectSlug, Name: projectSlug}
	if err := Validate(&project); err != nil {
		return nil, fmt.Errorf("project %q: %w", projectSlug, err)
	}

	if _, err := getOrCreate(ctx, s.db, &project,
		"group_id = ? AND slug = ?", group.ID, projectSlug,
	); err != nil {
		return nil, translate(err, "getting or creating project %s/%s", groupSlug, projectSlug)
	}

	project.Group = group

	return &project, nil
}

func (s *store) GetProject(
	ctx context.Context, groupSlug, projectSlug string,
) (*Project, error) {
	var project Project
	if err := s.db.WithContext(ctx).
		Preload("Group").
		Where("group_id = (?) AND slug = ?",
			s.db.Model(&Group{}).Select("id").Where("slug = ?", groupSlug),
			projectSlug,
		).
		First(&project).Error; err != nil {
		return nil, translate(err, "getting project %s/%s", groupSlug, projectSlug)
	}

	return &project, nil
}

func (s *store) GetProjectByID(ctx context.Context, id uint) (*Project, error) {
	var project Project
	if err := s.db.WithContext(ctx).
		Preload("Group").
		First(&project, id).Error; err != nil {
		return nil, translate(err, "getting project %d", id)
	}

	return &project, nil
}

func (s *store) UpdateProject(ctx context.Context, project *Project) error {
	if err := Validate(project); err != nil {
		return fmt.Errorf("project %q: %w", project.Slug, err)
	}

	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Save(project).Error; err != nil {
		return translate(err, "updating project %d", project.ID)
	}

	return nil
}

// ListActiveProjects returns projects ordered by their most recent build.
func (s *store) ListActiveProjects(
	ctx context.Context, opts ListProjectsOptions,
) ([]Project, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	latest := s.db.Model(&Build{}).
		Select("project_id, MAX(datetime) AS last_build").
		Group("project_id")

	q := s.db.WithContext(ctx).
		Preload("Group").
		Joins("LEFT JOIN (?) AS latest ON latest.project_id = projects.id", latest).
		Order("CASE WHEN latest.last_build IS NULL THEN 1 ELSE 0 END").
		Order("latest.last_build DESC").
		Order("projects.id ASC")

	switch {
	case opts.ActiveDays > 0:
		since := now.Add(-time.Duration(opts.ActiveDays) * 24 * time.Hour)
		q = q.Where("latest.last_build >= ?", since)
	case opts.Count > 0:
		q = q.Limit(opts.Count)
	}

	var projects []Project
	if err := q.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	return projects, nil
}

// --- Environment CRUD ---

func (s *store) GetOrCreateEnvironment(
	ctx context.Context, projectID uint, slug string,
) (*Environment, error) {
	if !ValidSlug(slug) {
		return nil, fmt.Errorf("environment %q: %w: slug must be a valid slug", slug, ErrInvalid)
	}

	env := Environment{ProjectID: projectID, Slug: slug, Name: slug}
	if _, err := getOrCreate(ctx, s.db, &env,
		"project_id = ? AND slug = ?", projectID, slug,
	); err != nil {
		return nil, translate(err, "getting or creating environment %q", slug)
	}

	return &env, nil
}

func (s *store) GetEnvironment(ctx context.Context, id uint) (*Environment, error) {
	var env Environment
	if err := s.db.WithContext(ctx).First(&env, id).Error; err != nil {
		return nil, translate(err, "getting environment %d", id)
	}

	return &env, nil
}

func (s *store) ListEnvironments(
	ctx context.Context, projectID uint,
) ([]Environment, error) {
	var envs []Environment
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("slug ASC").
		Find(&envs).Error; err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}

	return envs, nil
}

func (s *store) UpdateEnvironment(ctx context.Context, env *Environment) error {
	if err := s.db.WithContext(ctx).Save(env).Error; err != nil {
		return translate(err, "updating environment %d", env.ID)
	}

	return nil
}

func (s *store) CreatePatchSource(ctx context.Context, ps *PatchSource) error {
	if err := s.db.WithContext(ctx).Create(ps).Error; err != nil {
		return translate(err, "creating patch source %q", ps.Name)
	}

	return nil
}

func (s *store) GetPatchSourceByName(
	ctx context.Context, name string,
) (*PatchSource, error) {
	var ps PatchSource
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&ps).Error; err != nil {
		return nil, translate(err, "getting patch source %q", name)
	}

	return &ps, nil
}

// --- Build CRUD ---

// GetOrCreateBuild returns the build and whether it was created.
func (s *store) GetOrCreateBuild(
	ctx context.Context, projectID uint, version string,
) (*Build, bool, error) {
	if version == "" {
		return nil, false, fmt.Errorf("build: %w: version is required", ErrInvalid)
	}

	build := Build{
		ProjectID: projectID,
		Version:   version,
		Datetime:  time.Now().UTC(),
	}

	created, err := getOrCreate(ctx, s.db, &build,
		"project_id = ? AND version = ?", projectID, version,
	)
	if err != nil {
		return nil, false, translate(err, "getting or creating build %q", version)
	}

	return &build, created, nil
}

func (s *store) GetBuild(ctx context.Context, id uint) (*Build, error) {
	var build Build
	if err := s.db.WithContext(ctx).
		Preload("Project.Group").
		Preload("PatchSource").
		First(&build, id).Error; err != nil {
		return nil, translate(err, "getting build %d", id)
	}

	return &build, nil
}

func (s *store) GetBuildByVersion(
	ctx context.Context, projectID uint, version string,
) (*Build, error) {
	var build Build
	if err := s.db.WithContext(ctx).
		Preload("Project.Group").
		Where("project_id = ? AND version = ?", projectID, version).
		First(&build).Error; err != nil {
		return nil, translate(err, "getting build %q", version)
	}

	return &build, nil
}

func (s *store) UpdateBuild(ctx context.Context, build *Build) error {
	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Save(build).Error; err != nil {
		return translate(err, "updating build %d", build.ID)
	}

	return nil
}

// DeleteBuild removes a build with all of its results and leaves a
// placeholder so the version is not silently recreated.
func (s *store) DeleteBuild(
	ctx context.Context, id uint, deletedAt time.Time,
) (*BuildPlaceholder, error) {
	var placeholder *BuildPlaceholder

	err := s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*store).db.WithContext(ctx)

		var build Build
		if err := tx.First(&build, id).Error; err != nil {
			return translate(err, "getting build %d", id)
		}

		runIDs := tx.Model(&TestRun{}).Select("id").Where("build_id = ?", id)

		steps := []struct {
			what  string
			query *gorm.DB
			model any
		}{
			{"test known issues", tx.Where("test_id IN (?)",
				tx.Model(&Test{}).Select("id").Where("build_id = ?", id)), &testKnownIssue{}},
			{"tests", tx.Where("build_id = ?", id), &Test{}},
			{"metrics", tx.Where("build_id = ?", id), &Metric{}},
			{"statuses", tx.Where("test_run_id IN (?)", runIDs), &Status{}},
			{"attachments", tx.Where("test_run_id IN (?)", runIDs), &Attachment{}},
			{"test runs", tx.Where("build_id = ?", id), &TestRun{}},
			{"build summaries", tx.Where("build_id = ?", id), &BuildSummary{}},
			{"project status", tx.Where("build_id = ?", id), &ProjectStatus{}},
			{"delayed reports", tx.Where("build_id = ?", id), &DelayedReport{}},
			{"callbacks", tx.Where("object_type = ? AND object_id = ?", CallbackObjectBuild, id), &Callback{}},
		}

		for _, step := range steps {
			if err := step.query.Delete(step.model).Error; err != nil {
				return fmt.Errorf("deleting %s of build %d: %w", step.what, id, err)
			}
		}

		if err := tx.Model(&TestJob{}).
			Where("target_build_id = ?", id).
			Update("target_build_id", nil).Error; err != nil {
			return fmt.Errorf("detaching test jobs of build %d: %w", id, err)
		}

		if err := tx.Delete(&Build{}, id).Error; err != nil {
			return fmt.Errorf("deleting build %d: %w", id, err)
		}

		placeholder = &BuildPlaceholder{
			ProjectID:      build.ProjectID,
			Version:        build.Version,
			BuildDeletedAt: deletedAt.UTC(),
		}

		if err := tx.
			Where("project_id = ? AND version = ?", build.ProjectID, build.Version).
			Assign(BuildPlaceholder{BuildDeletedAt: placeholder.BuildDeletedAt}).
			FirstOrCreate(placeholder).Error; err != nil {
			return fmt.Errorf("creating build placeholder: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return placeholder, nil
}

func (s *store) GetBuildPlaceholder(
	ctx context.Context, projectID uint, version string,
) (*BuildPlaceholder, error) {
	var placeholder BuildPlaceholder
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND version = ?", projectID, version).
		First(&placeholder).Error; err != nil {
		return nil, translate(err, "getting build placeholder %q", version)
	}

	return &placeholder, nil
}

// testKnownIssue is the join table behind Test.KnownIssues.
type testKnownIssue struct {
	TestID       uint
	KnownIssueID uint
}

func (testKnownIssue) TableName() string {
	return "test_known_issues"
}

// --- Suites ---

func (s *store) GetOrCreateSuite(
	ctx context.Context, projectID uint, slug string,
) (*Suite, error) {
	meta, err := s.GetOrCreateSuiteMetadata(ctx, KindSuite, slug, "-")
	if err != nil {
		return nil, err
	}

	suite := Suite{ProjectID: projectID, Slug: slug, Name: slug, MetadataID: &meta.ID}
	if _, err := getOrCreate(ctx, s.db, &suite,
		"project_id = ? AND slug = ?", projectID, slug,
	); err != nil {
		return nil, translate(err, "getting or creating suite %q", slug)
	}

	return &suite, nil
}

func (s *store) GetOrCreateSuiteMetadata(
	ctx context.Context, kind, suite, name string,
) (*SuiteMetadata, error) {
	meta := SuiteMetadata{Kind: kind, Suite: suite, Name: name}
	if _, err := getOrCreate(ctx, s.db, &meta,
		"kind = ? AND suite = ? AND name = ?", kind, suite, name,
	); err != nil {
		return nil, translate(err, "getting or creating %s metadata %s/%s", kind, suite, name)
	}

	return &meta, nil
}

func (s *store) ListSuites(ctx context.Context, projectID uint) ([]Suite, error) {
	var suites []Suite
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("slug ASC").
		Find(&suites).Error; err != nil {
		return nil, fmt.Errorf("listing suites: %w", err)
	}

	return suites, nil
}

// --- Known issues and thresholds ---

func (s *store) CreateKnownIssue(ctx context.Context, issue *KnownIssue) error {
	if err := Validate(issue); err != nil {
		return fmt.Errorf("known issue %q: %w", issue.Title, err)
	}

	if err := s.db.WithContext(ctx).Create(issue).Error; err != nil {
		return translate(err, "creating known issue %q", issue.Title)
	}

	return nil
}

// ListActiveKnownIssues returns active issues attached to an environment.
func (s *store) ListActiveKnownIssues(
	ctx context.Context, environmentID uint,
) ([]KnownIssue, error) {
	var issues []KnownIssue
	if err := s.db.WithContext(ctx).
		Joins("JOIN known_issue_environments kie ON kie.known_issue_id = known_issues.id").
		Where("kie.environment_id = ? AND known_issues.active = ?", environmentID, true).
		Order("known_issues.id ASC").
		Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("listing known issues: %w", err)
	}

	return issues, nil
}

// ListActiveKnownIssuesByProject returns active issues attached to any of
// the project's environments, with their environments loaded.
func (s *store) ListActiveKnownIssuesByProject(
	ctx context.Context, projectID uint,
) ([]KnownIssue, error) {
	envIDs := s.db.Model(&Environment{}).Select("id").Where("project_id = ?", projectID)
	issueIDs := s.db.Table("known_issue_environments").
		Select("known_issue_id").
		Where("environment_id IN (?)", envIDs)

	var issues []KnownIssue
	if err := s.db.WithContext(ctx).
		Preload("Environments", "project_id = ?", projectID).
		Where("id IN (?) AND active = ?", issueIDs, true).
		Order("id ASC").
		Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("listing project known issues: %w", err)
	}

	return issues, nil
}

// CreateMetricThreshold rejects a threshold whose name collides with
// another one of the same project, environment-wide or for the same
// environment.
func (s *store) CreateMetricThreshold(
	ctx context.Context, threshold *MetricThreshold,
) error {
	if err := Validate(threshold); err != nil {
		return fmt.Errorf("metric threshold %q: %w", threshold.Name, err)
	}

	q := s.db.WithContext(ctx).Model(&MetricThreshold{}).
		Where("project_id = ? AND name = ?", threshold.ProjectID, threshold.Name)
	if threshold.EnvironmentID != nil {
		q = q.Where("environment_id IS NULL OR environment_id = ?", *threshold.EnvironmentID)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("checking metric threshold %q: %w", threshold.Name, err)
	}

	if count > 0 {
		return fmt.Errorf("metric threshold %q: %w", threshold.Name, ErrDuplicate)
	}

	if err := s.db.WithContext(ctx).Create(threshold).Error; err != nil {
		return translate(err, "creating metric threshold %q", threshold.Name)
	}

	return nil
}

func (s *store) ListMetricThresholds(
	ctx context.Context, projectID uint,
) ([]MetricThreshold, error) {
	var thresholds []MetricThreshold
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&thresholds).Error; err != nil {
		return nil, fmt.Errorf("listing metric thresholds: %w", err)
	}

	return thresholds, nil
}
