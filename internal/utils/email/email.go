package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/Dan9191/loans-finder/internal/workflow"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
	}
	s.send = s.sendSMTP
	return s
}

func (s *Sender) sendSMTP(e *email.Email) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	return e.Send(addr, auth)
}

// SendRefinementFailure notifies operators that a refinement execution did not succeed
func (s *Sender) SendRefinementFailure(exec *workflow.Execution) error {
	e := email.NewEmail()
	e.From = s.cfg.AlertFrom
	e.To = s.cfg.AlertTo
	e.Subject = fmt.Sprintf("Refinement %s %s", exec.Machine, strings.ToLower(string(exec.Status)))

	body := fmt.Sprintf(
		"Execution: %s\nMachine: %s\nStatus: %s\nFailed state: %s\nStarted: %s\nStopped: %s\n\nError:\n%s\n",
		exec.ID, exec.Machine, exec.Status, exec.FailedState,
		exec.StartedAt.Format("2006-01-02 15:04:05"), exec.StoppedAt.Format("2006-01-02 15:04:05"),
		exec.Error,
	)
	body += "\nThe view keeps serving the previous refined table.\n"
	e.Text = []byte(body)

	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send refinement alert for %s: %v", exec.ID, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infof("Email sent to %s: %s", strings.Join(e.To, ", "), e.Subject)
	return nil
}

// Save implements workflow.History. Only finished unsuccessful executions produce an email.
func (s *Sender) Save(ctx context.Context, exec *workflow.Execution) error {
	switch exec.Status {
	case workflow.StatusFailed, workflow.StatusTimedOut:
		return s.SendRefinementFailure(exec)
	default:
		return nil
	}
}
