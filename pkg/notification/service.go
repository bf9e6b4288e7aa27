package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/comparison"
	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// Service sends build notifications and prepares delayed reports.
type Service struct {
	log      logrus.FieldLogger
	store    store.Store
	queue    tasks.Queue
	mailer   Mailer
	renderer *Renderer
	sender   string
	client   *http.Client
}

// NewService creates a notification Service.
func NewService(
	log logrus.FieldLogger, cfg *config.Config, s store.Store, queue tasks.Queue, mailer Mailer,
) *Service {
	return &Service{
		log:      log.WithField("component", "notification"),
		store:    s,
		queue:    queue,
		mailer:   mailer,
		renderer: NewRenderer(&cfg.Global),
		sender:   fmt.Sprintf("%s <%s>", cfg.Global.SiteName, cfg.Email.From),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Register binds the notification tasks to w.
func (s *Service) Register(w tasks.Worker) {
	w.Register(tasks.MaybeNotifyProjectStatus, tasks.IDHandler(s.MaybeNotify))
	w.Register(tasks.NotifyProjectStatus, tasks.IDHandler(s.Notify))
	w.Register(tasks.NotificationTimeout, tasks.IDHandler(s.Timeout))
	w.Register(tasks.PrepareReport, tasks.IDHandler(s.PrepareReport))
}

// MaybeNotify notifies a finished status once the project's wait before
// notification has passed, and schedules the notification timeout the
// first time it sees the status.
func (s *Service) MaybeNotify(ctx context.Context, statusID uint) error {
	ps, err := s.store.GetProjectStatus(ctx, statusID)
	if err != nil {
		return err
	}

	if ps.Notified {
		return nil
	}

	build := ps.Build
	project := build.Project
	log := s.log.WithFields(logrus.Fields{"status": ps.ID, "build": build.ID})

	if wait := seconds(project.WaitBeforeNotification); wait > 0 {
		if remaining := time.Until(build.CreatedAt.Add(wait)); remaining > 0 {
			countdown := max(remaining.Round(time.Second), time.Second)

			log.WithField("countdown", countdown).Debug("Waiting before notification")

			return s.queue.Enqueue(ctx, tasks.MaybeNotifyProjectStatus, tasks.IDArgs{ID: ps.ID},
				tasks.WithCountdown(countdown),
			)
		}
	}

	if timeout := seconds(project.NotificationTimeout); timeout > 0 {
		claimed, err := s.store.ClaimNotificationTimeout(ctx, ps.ID)
		if err != nil {
			return err
		}

		if claimed {
			log.WithField("countdown", timeout).Debug("Scheduled notification timeout")

			if err := s.queue.Enqueue(ctx, tasks.NotificationTimeout, tasks.IDArgs{ID: ps.ID},
				tasks.WithCountdown(timeout),
			); err != nil {
				return fmt.Errorf("scheduling notification timeout of status %d: %w", ps.ID, err)
			}
		}
	}

	if !ps.Finished {
		return nil
	}

	return s.send(ctx, ps)
}

// Notify sends the notification of a status regardless of its flags.
func (s *Service) Notify(ctx context.Context, statusID uint) error {
	ps, err := s.store.GetProjectStatus(ctx, statusID)
	if err != nil {
		return err
	}

	return s.send(ctx, ps)
}

// Timeout notifies a status that is still unnotified when the project's
// notification timeout expires, finishing its build first if the project
// says so.
func (s *Service) Timeout(ctx context.Context, statusID uint) error {
	ps, err := s.store.GetProjectStatus(ctx, statusID)
	if err != nil {
		return err
	}

	if ps.Notified {
		return nil
	}

	finish := ps.Build.Project.ForceFinishingBuildsOnTimeout

	if err := s.store.MarkNotificationTimedOut(ctx, ps.ID, finish); err != nil {
		return err
	}

	if ps, err = s.store.GetProjectStatus(ctx, statusID); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"status":   ps.ID,
		"build":    ps.BuildID,
		"finished": ps.Finished,
	}).Info("Notification timeout reached")

	return s.send(ctx, ps)
}

// send notifies admins of failed test jobs, then the subscribers of the
// project, or only its admins while the status awaits moderation.
func (s *Service) send(ctx context.Context, ps *store.ProjectStatus) error {
	build := ps.Build
	project := build.Project
	log := s.log.WithFields(logrus.Fields{"status": ps.ID, "build": build.ID})

	if err := s.notifyAdmins(ctx, ps); err != nil {
		return err
	}

	n, err := New(ctx, s.store, ps, nil)
	if err != nil {
		return err
	}

	preview := project.ModerateNotifications && !ps.Approved

	var recipients []string
	if preview {
		recipients, err = s.adminEmails(ctx, project.ID)
	} else {
		recipients, err = s.Recipients(ctx, n)
	}

	if err != nil {
		return err
	}

	if len(recipients) == 0 {
		log.Debug("No recipients, marking as notified")

		return s.store.MarkProjectStatusNotified(ctx, ps.ID)
	}

	render := s.renderer.Render
	if preview {
		render = s.renderer.RenderPreview
	}

	content, err := render(n, nil, project.HTMLMail)
	if err != nil {
		return err
	}

	sent, err := s.deliver(ctx, ps, content, recipients)
	if err != nil {
		return err
	}

	if sent {
		log.WithFields(logrus.Fields{
			"recipients": len(recipients),
			"preview":    preview,
		}).Info("Sent build notification")
	}

	return s.store.MarkProjectStatusNotified(ctx, ps.ID)
}

// deliver sends content unless identical content was already delivered
// for the status. It reports whether an email went out.
func (s *Service) deliver(
	ctx context.Context, ps *store.ProjectStatus, content *Content, recipients []string,
) (bool, error) {
	subject, txt, html := content.Subject, content.Text, content.HTML

	exists, err := s.store.NotificationDeliveryExists(ctx, ps.ID, subject, txt, html)
	if err != nil {
		return false, err
	}

	if exists {
		s.log.WithField("status", ps.ID).Debug("Notification already delivered")

		return false, nil
	}

	if s.renderer.truncate(content, ps.Build) {
		s.log.WithFields(logrus.Fields{
			"status": ps.ID,
			"build":  ps.BuildID,
		}).Error("Notification is larger than 1MB, sending a link instead")
	}

	if err := s.mailer.Send(ctx, &Email{
		From:    s.sender,
		To:      recipients,
		Subject: content.Subject,
		Text:    content.Text,
		HTML:    content.HTML,
	}); err != nil {
		if ferr := s.store.ForgetNotificationDelivery(ctx, ps.ID, subject, txt, html); ferr != nil {
			s.log.WithError(ferr).WithField("status", ps.ID).Warn("Failed to forget notification delivery")
		}

		return false, fmt.Errorf("sending notification of status %d: %w", ps.ID, err)
	}

	return true, nil
}

// notifyAdmins reports fetched test jobs of the build that failed to the
// project's admin subscribers.
func (s *Service) notifyAdmins(ctx context.Context, ps *store.ProjectStatus) error {
	build := ps.Build
	project := build.Project

	jobs, err := s.store.ListFailedTestJobs(ctx, build.ID)
	if err != nil || len(jobs) == 0 {
		return err
	}

	admins, err := s.adminEmails(ctx, project.ID)
	if err != nil || len(admins) == 0 {
		return err
	}

	content, err := s.renderer.RenderFailedJobs(project, build, jobs, project.HTMLMail)
	if err != nil {
		return err
	}

	_, err = s.deliver(ctx, ps, content, admins)

	return err
}

func (s *Service) adminEmails(ctx context.Context, projectID uint) ([]string, error) {
	admins, err := s.store.ListAdminSubscriptions(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return lo.Uniq(lo.Map(admins, func(a store.AdminSubscription, _ int) string { return a.Email })), nil
}

// Recipients returns the subscribers whose notification strategy selects
// the notification.
func (s *Service) Recipients(ctx context.Context, n *Notification) ([]string, error) {
	subs, err := s.store.ListSubscriptions(ctx, n.Project.ID)
	if err != nil {
		return nil, err
	}

	var (
		emails     []string
		errorJobs  int64
		errorKnown bool
	)

	for _, sub := range subs {
		switch sub.NotificationStrategy {
		case store.NotifyOnChange:
			if !n.MustBeSent() {
				continue
			}
		case store.NotifyOnRegression:
			if n.PreviousBuild == nil || comparison.Count(n.Regressions()) == 0 {
				continue
			}
		case store.NotifyOnError:
			if !errorKnown {
				if errorJobs, err = s.countErrorJobs(ctx, n); err != nil {
					return nil, err
				}

				errorKnown = true
			}

			if errorJobs == 0 {
				continue
			}
		}

		emails = append(emails, sub.Email)
	}

	return lo.Uniq(emails), nil
}

func (s *Service) countErrorJobs(ctx context.Context, n *Notification) (int64, error) {
	log := s.log.WithFields(logrus.Fields{"project": n.Project.FullName(), "build": n.Build.Version})

	settings, err := n.Project.Settings()
	if err != nil {
		log.WithError(err).Warn("Invalid project settings, not notifying on error")

		return 0, nil
	}

	if settings.CILavaJobErrorStatus == "" {
		log.Warn("CI_LAVA_JOB_ERROR_STATUS not set in project settings, not notifying on error")

		return 0, nil
	}

	return s.store.CountTestJobsWithStatus(ctx, n.Build.ID, settings.CILavaJobErrorStatus)
}

func seconds(v *int) time.Duration {
	if v == nil {
		return 0
	}

	return time.Duration(*v) * time.Second
}
