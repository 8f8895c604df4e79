package api

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailMessage is one outbound plain-text email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers abuse-workflow emails. Delivery is always best-effort:
// callers log failures and move on, the report itself is the durability
// guarantee.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// ErrEmailUnconfigured signals that no transport was set up; callers degrade
// to a logged skip.
var ErrEmailUnconfigured = errors.New("email transport not configured")

// NoopEmailSender drops every message. Used when SMTP is not configured.
type NoopEmailSender struct{}

// Send reports the missing configuration so the caller can log the skip.
func (NoopEmailSender) Send(_ context.Context, _ EmailMessage) error {
	return ErrEmailUnconfigured
}

// SMTPConfig describes the SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender returns a sender, or nil when no host is configured.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Sender == "" {
		cfg.Sender = cfg.Username
	}
	return &SMTPSender{cfg: cfg}
}

// Send delivers one message. The context bounds nothing here: net/smtp has
// no context support, so the dial timeout is the transport's own.
func (s *SMTPSender) Send(_ context.Context, msg EmailMessage) error {
	if s == nil {
		return ErrEmailUnconfigured
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return errors.New("email: empty recipient")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.Sender)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	return smtp.SendMail(addr, auth, s.cfg.Sender, []string{to}, []byte(b.String()))
}

// sanitizeHeader strips CR/LF so user input cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
