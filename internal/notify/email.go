package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/permanent"
	"escalation/internal/templatefmt"
)

const smtpPortImplicitTLS = 465

// SMTPDialer opens SMTP sessions; replaced in tests.
type SMTPDialer interface {
	DialContext(ctx context.Context, addr string) (SMTPClient, error)
}

// SMTPClient is the subset of *smtp.Client used by EmailSender.
type SMTPClient interface {
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Close() error
	Extension(ext string) (bool, string)
}

// EmailSender delivers notifications over SMTP, one message per target.
// Params: SMTP settings, subject template, and dialer.
// Returns: email channel sender.
type EmailSender struct {
	cfg     config.EmailNotifier
	subject *template.Template
	dialer  SMTPDialer
	logger  *slog.Logger
}

// NewEmailSender creates SMTP sender.
// Params: email notifier config and logger.
// Returns: sender or subject template error.
func NewEmailSender(cfg config.EmailNotifier, logger *slog.Logger) (*EmailSender, error) {
	subjectBody := cfg.SubjectTemplate
	if strings.TrimSpace(subjectBody) == "" {
		subjectBody = "[{{ .ServiceID }}] escalation {{ level .Level }}"
	}
	subject, err := templatefmt.ParseNotificationTemplate("notify.email.subject_template", subjectBody)
	if err != nil {
		return nil, fmt.Errorf("parse email subject template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSender{
		cfg:     cfg,
		subject: subject,
		logger:  logger,
		dialer: &defaultDialer{
			timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
			useTLS:     cfg.UseTLS,
			smtpPort:   cfg.SMTPPort,
			serverName: cfg.SMTPHost,
		},
	}, nil
}

// SetDialer replaces SMTP dialer.
func (s *EmailSender) SetDialer(dialer SMTPDialer) {
	s.dialer = dialer
}

// Channel returns sender channel tag.
func (s *EmailSender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// Send delivers one message addressed to all target emails.
// Params: context and notification with email recipients.
// Returns: SMTP error; rejected recipients and auth failures are permanent.
func (s *EmailSender) Send(ctx context.Context, notification domain.Notification) error {
	if len(notification.Recipients) == 0 {
		return permanent.Mark(errors.New("email send: no recipients"))
	}
	var subject bytes.Buffer
	if err := s.subject.Execute(&subject, notification); err != nil {
		return permanent.Mark(fmt.Errorf("render email subject: %w", err))
	}

	addr := net.JoinHostPort(s.cfg.SMTPHost, strconv.Itoa(s.cfg.SMTPPort))
	client, err := s.dialer.DialContext(ctx, addr)
	if err != nil {
		return fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	defer client.Close()

	if s.cfg.UseTLS && s.cfg.SMTPPort != smtpPortImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{
				ServerName: s.cfg.SMTPHost,
				MinVersion: tls.VersionTLS12,
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return permanent.Mark(fmt.Errorf("smtp auth: %w", err))
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, to := range notification.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := client.Rcpt(to); err != nil {
			return permanent.Mark(fmt.Errorf("smtp RCPT TO %s: %w", to, err))
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	message := buildEmailMessage(s.cfg.From, notification.Recipients, subject.String(), notification.Message)
	if _, err := writer.Write([]byte(message)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp finish message: %w", err)
	}
	return nil
}

// buildEmailMessage renders RFC 5322 plain-text message.
// Params: sender, recipients, subject, and body.
// Returns: message with CRLF headers.
func buildEmailMessage(from string, to []string, subject, body string) string {
	var buf strings.Builder
	buf.WriteString("From: " + from + "\r\n")
	buf.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	buf.WriteString("Subject: " + encodeRFC2047(subject) + "\r\n")
	buf.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.String()
}

// encodeRFC2047 encodes non-ASCII subject as base64 encoded-word.
func encodeRFC2047(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(s)) + "?="
		}
	}
	return s
}

type defaultDialer struct {
	timeout    time.Duration
	useTLS     bool
	smtpPort   int
	serverName string
}

// DialContext opens plain or implicit-TLS connection and wraps it in smtp.Client.
func (d *defaultDialer) DialContext(ctx context.Context, addr string) (SMTPClient, error) {
	timeout := d.timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", addr, err)
	}
	if d.serverName != "" {
		host = d.serverName
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.useTLS && d.smtpPort == smtpPortImplicitTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}
