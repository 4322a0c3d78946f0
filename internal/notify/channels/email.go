// Package channels holds the delivery channel adapters.
package channels

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// EmailConfig is the SMTP relay configuration.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// Email delivers notifications over SMTP.
type Email struct {
	cfg    EmailConfig
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

func NewEmail(cfg EmailConfig, logger zerolog.Logger) *Email {
	return &Email{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logger.With().Str("channel", "email").Logger(),
	}
}

// Send delivers one message. recipient is an email address.
func (e *Email) Send(ctx context.Context, recipient, title, body string) error {
	if e.cfg.Host == "" {
		return fmt.Errorf("email: relay not configured")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", title)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, auth, e.cfg.From, []string{recipient}, []byte(msg.String())); err != nil {
		return fmt.Errorf("email: send to %s: %w", recipient, err)
	}

	e.logger.Debug().Str("recipient", recipient).Msg("Email sent")
	return nil
}
