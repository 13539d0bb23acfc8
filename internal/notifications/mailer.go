// Package notifications delivers out-of-band messages for the suspicious
// login workflow over SMTP.
package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/challenge"
)

// SMTPConfig holds mail delivery settings
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	PublicBaseURL string
}

// Mailer implements challenge.Notifier over SMTP
type Mailer struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewMailer creates an SMTP notifier
func NewMailer(cfg SMTPConfig, logger *zap.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "notifications")),
	}
}

// SendChallenge mails the approve/deny links for a pending login attempt
func (m *Mailer) SendChallenge(ctx context.Context, a *challenge.Attempt) error {
	base := strings.TrimRight(m.cfg.PublicBaseURL, "/")
	approveURL := fmt.Sprintf("%s/v1/challenges/%s/approve", base, a.VerificationToken)
	denyURL := fmt.Sprintf("%s/v1/challenges/%s/deny", base, a.VerificationToken)

	where := a.Location.City
	if where == "" {
		where = a.Location.Country
	}
	if where == "" {
		where = "an unknown location"
	}

	body := fmt.Sprintf(`A sign-in to your portal account needs your confirmation.

Location: %s
IP address: %s

If this was you, approve the sign-in:
%s

If you do not recognize this activity, deny it:
%s

This link expires at %s UTC. If you did not attempt to sign in, we recommend
changing your password.
`, where, a.IPAddress, approveURL, denyURL, a.ExpiresAt.UTC().Format("2006-01-02 15:04"))

	return m.send(a.Email, "Confirm your portal sign-in", body)
}

// SendDenialAlert warns the principal that a sign-in attempt was denied
func (m *Mailer) SendDenialAlert(ctx context.Context, a *challenge.Attempt) error {
	body := fmt.Sprintf(`A sign-in attempt to your portal account was denied.

IP address: %s
Location: %s

No session was created. If you did not deny this attempt yourself, or you do
not recognize the activity, change your password immediately.
`, a.IPAddress, a.Location.Country)

	return m.send(a.Email, "Portal sign-in attempt denied", body)
}

func (m *Mailer) send(to, subject, body string) error {
	if m.cfg.Host == "" {
		m.logger.Warn("smtp not configured, dropping notification",
			zap.String("subject", subject))
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		m.cfg.From, to, subject, body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		m.logger.Error("failed to send notification",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return err
	}

	return nil
}
