// Package notify delivers circulation notifications to patrons over SMTP,
// with a circuit breaker guarding the outbound connection.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"circulate/internal/circulation"
)

var ErrNoRecipient = errors.New("notification has no recipient address")

// SMTPConfig carries the outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SMTPSender delivers notifications as plain-text mail.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

// Send implements circulation.Notifier.
func (s *SMTPSender) Send(_ context.Context, n circulation.Notification) error {
	if n.Recipient == "" {
		return ErrNoRecipient
	}

	subject, body := compose(n)
	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + n.Recipient,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	return s.send(addr, auth, s.cfg.From, []string{n.Recipient}, []byte(msg))
}

func compose(n circulation.Notification) (subject, body string) {
	switch n.Kind {
	case circulation.NotificationWaitlistAvailable:
		subject = fmt.Sprintf("%q is available", n.Title)
		body = fmt.Sprintf("A copy of %q is now available for checkout.", n.Title)
	case circulation.NotificationDueSoonReminder:
		subject = fmt.Sprintf("%q is due soon", n.Title)
		body = fmt.Sprintf("Your loan of %q is due on %s.", n.Title, n.DueAt.Format("2006-01-02 15:04 UTC"))
	case circulation.NotificationLoanExpired:
		subject = fmt.Sprintf("Your loan of %q has expired", n.Title)
		body = fmt.Sprintf("Your loan of %q expired on %s and has been returned.", n.Title, n.DueAt.Format("2006-01-02 15:04 UTC"))
	default:
		subject = "Library notification"
		body = fmt.Sprintf("Notification about %q.", n.Title)
	}
	return subject, body
}
