package delivery

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"

	"account-security/internal/config"
)

// MailSender is satisfied by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailTransport mails password reset codes over SMTP.
type EmailTransport struct {
	sender MailSender
	from   string
}

func NewEmailTransport(cfg config.SMTPConfig) *EmailTransport {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify,
	}
	return NewEmailTransportWithSender(dialer, cfg.From)
}

func NewEmailTransportWithSender(sender MailSender, from string) *EmailTransport {
	return &EmailTransport{sender: sender, from: from}
}

func (t *EmailTransport) Name() string { return "email" }

// Send ignores ctx: gomail has no cancellation.
func (t *EmailTransport) Send(_ context.Context, msg Message) error {
	m := gomail.NewMessage(
		gomail.SetCharset("UTF-8"),
		gomail.SetEncoding(gomail.Base64),
	)
	m.SetHeader("From", t.from)
	m.SetHeader("To", msg.Destination)
	m.SetHeader("Subject", "Your password reset code")
	m.SetBody("text/plain", fmt.Sprintf(
		"Use %s to reset your password. The code expires in %d minutes.\n\nIf you did not ask for a reset, ignore this message.",
		msg.Code, max(int(msg.TTL.Minutes()), 1)))

	if err := t.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
