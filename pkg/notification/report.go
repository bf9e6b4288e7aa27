package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/store"
)

// Report output formats.
const (
	OutputText = "text/plain"
	OutputHTML = "text/html"
)

// Report status codes stored on a DelayedReport.
const (
	ReportOK          = http.StatusOK
	ReportBadTemplate = http.StatusBadRequest
)

// PrepareReport renders a delayed report of a build against its baseline.
// Template errors are stored on the report and are not retried. A
// rendered report is emailed to its recipient and posted to its callback
// when those are set.
func (s *Service) PrepareReport(ctx context.Context, reportID uint) error {
	report, err := s.store.GetDelayedReport(ctx, reportID)
	if err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{"report": report.ID, "build": report.BuildID})

	n, err := s.reportNotification(ctx, report)
	if err != nil {
		return err
	}

	var custom *Template
	if report.Template != "" {
		custom = &Template{Text: report.Template, HTML: report.Template}
	}

	withHTML := report.OutputFormat == OutputHTML

	content, err := s.renderer.Render(n, custom, withHTML)

	var tplErr *TemplateError
	if errors.As(err, &tplErr) {
		log.WithError(err).Warn("Invalid report template")

		msg := err.Error()
		report.ErrorMessage = &msg
		report.StatusCode = intPtr(ReportBadTemplate)

		return s.store.UpdateDelayedReport(ctx, report)
	}

	if err != nil {
		return err
	}

	report.OutputSubject = content.Subject
	report.OutputText = content.Text
	report.OutputHTML = content.HTML
	report.ErrorMessage = nil
	report.StatusCode = intPtr(ReportOK)

	if err := s.store.UpdateDelayedReport(ctx, report); err != nil {
		return err
	}

	if report.EmailRecipient != "" {
		if err := s.mailer.Send(ctx, &Email{
			From:    s.sender,
			To:      []string{report.EmailRecipient},
			Subject: content.Subject,
			Text:    content.Text,
			HTML:    content.HTML,
		}); err != nil {
			log.WithError(err).Error("Failed to email report")
		}
	}

	if report.Callback != "" {
		if err := s.postReport(ctx, report); err != nil {
			log.WithError(err).Error("Failed to post report to callback")
		}
	}

	log.Debug("Prepared report")

	return nil
}

func (s *Service) reportNotification(ctx context.Context, report *store.DelayedReport) (*Notification, error) {
	build, err := s.store.GetBuild(ctx, report.BuildID)
	if err != nil {
		return nil, err
	}

	ps, err := s.store.GetProjectStatusByBuild(ctx, build.ID)
	if errors.Is(err, store.ErrNotFound) {
		ps = &store.ProjectStatus{BuildID: build.ID}
	} else if err != nil {
		return nil, err
	}

	ps.Build = build

	var baseline *store.Build
	if report.BaselineID != nil {
		if baseline, err = s.store.GetBuild(ctx, *report.BaselineID); err != nil {
			return nil, err
		}
	}

	return New(ctx, s.store, ps, baseline)
}

func (s *Service) postReport(ctx context.Context, report *store.DelayedReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, report.Callback, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if report.CallbackToken != "" {
		req.Header.Set("Auth-Token", report.CallbackToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting report to %s: %w", report.Callback, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("posting report to %s: unexpected status %d", report.Callback, resp.StatusCode)
	}

	return nil
}

func intPtr(v int) *int {
	return &v
}
