package notification

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/config"
)

// Email is an outgoing message. HTML is optional.
type Email struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers emails.
type Mailer interface {
	Send(ctx context.Context, email *Email) error
}

// NewMailer returns an SMTP mailer when email is enabled, otherwise a
// mailer that only logs what it would send.
func NewMailer(log logrus.FieldLogger, cfg *config.EmailConfig) Mailer {
	if !cfg.Enabled {
		return &logMailer{log: log.WithField("component", "mailer")}
	}

	return &smtpMailer{
		log: log.WithField("component", "mailer"),
		cfg: cfg,
	}
}

// Compile-time interface checks.
var (
	_ Mailer = (*smtpMailer)(nil)
	_ Mailer = (*logMailer)(nil)
	_ Mailer = (*Outbox)(nil)
)

type smtpMailer struct {
	log logrus.FieldLogger
	cfg *config.EmailConfig
}

func (m *smtpMailer) Send(ctx context.Context, email *Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := compose(email, time.Now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, email.To, msg); err != nil {
		return fmt.Errorf("sending email to %s: %w", addr, err)
	}

	m.log.WithFields(logrus.Fields{
		"subject":    email.Subject,
		"recipients": len(email.To),
	}).Info("Sent email")

	return nil
}

// compose renders an RFC 5322 message. Emails with HTML become
// multipart/alternative.
func compose(email *Email, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	header := func(key, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
	}

	header("From", email.From)
	header("To", strings.Join(email.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")

	if email.HTML == "" {
		header("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(email.Text)

		return buf.Bytes(), nil
	}

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	header("Content-Type", `multipart/alternative; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")

	parts := []struct{ contentType, content string }{
		{`text/plain; charset="utf-8"`, email.Text},
		{`text/html; charset="utf-8"`, email.HTML},
	}

	for _, part := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, fmt.Errorf("composing email: %w", err)
		}

		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("composing email: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("composing email: %w", err)
	}

	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

type logMailer struct {
	log logrus.FieldLogger
}

func (m *logMailer) Send(_ context.Context, email *Email) error {
	m.log.WithFields(logrus.Fields{
		"subject":    email.Subject,
		"recipients": strings.Join(email.To, ","),
	}).Info("Email disabled, not sending")

	return nil
}

// Outbox is a Mailer keeping sent emails in memory.
type Outbox struct {
	mu     sync.Mutex
	emails []Email
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Send(_ context.Context, email *Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.emails = append(o.emails, *email)

	return nil
}

// Emails returns the sent emails in order.
func (o *Outbox) Emails() []Email {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]Email(nil), o.emails...)
}
