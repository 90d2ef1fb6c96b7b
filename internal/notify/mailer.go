// Package notify sends the user-facing pipeline emails. Senders never
// fail the pipeline: callers log delivery errors and move on, because
// the job's final status is persisted before any email goes out.
package notify

import (
	"context"
	"fmt"

	"github.com/stridesense/gait-backend/internal/platform/logger"
	"github.com/stridesense/gait-backend/internal/platform/sendgrid"
)

type Mailer interface {
	SubmissionReceived(ctx context.Context, to, jobID string) error
	AnalysisComplete(ctx context.Context, to, jobID string, score float64, asd bool) error
	AnalysisFailed(ctx context.Context, to, jobID string, failedAtStage int, reason string) error
	PersonNotDetected(ctx context.Context, to, jobID string) error
}

type mailer struct {
	log    *logger.Logger
	client sendgrid.Client
}

func NewMailer(log *logger.Logger, client sendgrid.Client) Mailer {
	return &mailer{
		log:    log.With("service", "Mailer"),
		client: client,
	}
}

func (m *mailer) send(ctx context.Context, to, subject, text string) error {
	if to == "" {
		return fmt.Errorf("notify: empty recipient")
	}
	res, err := m.client.Send(ctx, sendgrid.SendEmailRequest{
		To:      []sendgrid.EmailAddress{{Email: to}},
		Subject: subject,
		Text:    text,
	})
	if err != nil {
		return err
	}
	m.log.Info("Email sent", "to", to, "subject", subject, "message_id", res.MessageID)
	return nil
}

func (m *mailer) SubmissionReceived(ctx context.Context, to, jobID string) error {
	return m.send(ctx, to, submissionSubject, submissionBody(jobID))
}

func (m *mailer) AnalysisComplete(ctx context.Context, to, jobID string, score float64, asd bool) error {
	return m.send(ctx, to, completeSubject, completeBody(jobID, score, asd))
}

func (m *mailer) AnalysisFailed(ctx context.Context, to, jobID string, failedAtStage int, reason string) error {
	return m.send(ctx, to, failedSubject, failedBody(jobID, failedAtStage, reason))
}

func (m *mailer) PersonNotDetected(ctx context.Context, to, jobID string) error {
	return m.send(ctx, to, personNotDetectedSubject, personNotDetectedBody(jobID))
}
