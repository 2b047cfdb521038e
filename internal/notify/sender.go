package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"enxero/internal/config"
)

const defaultDialTimeout = 10 * time.Second

type Message struct {
	To      string
	Subject string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Configured reports whether messages reach a real mailbox.
	Configured() bool
}

// LogSender writes messages to the process log. Development only.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	_ = ctx
	log.Printf("notify_log to=%s subject=%q body=%q", msg.To, msg.Subject, msg.Text)
	return nil
}

func (LogSender) Configured() bool { return false }

type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	tls      bool
	startTLS bool
}

func NewSender(cfg config.Config) Sender {
	switch cfg.NotifySender {
	case "smtp":
		return SMTPSender{
			host:     cfg.SMTPHost,
			port:     cfg.SMTPPort,
			username: cfg.SMTPUsername,
			password: cfg.SMTPPassword,
			from:     cfg.NotifyFrom,
			tls:      cfg.SMTPTLS,
			startTLS: cfg.SMTPStartTLS,
		}
	default:
		return LogSender{}
	}
}

func (s SMTPSender) Configured() bool { return strings.TrimSpace(s.host) != "" }

func (s SMTPSender) Send(ctx context.Context, msg Message) error {
	raw, err := BuildMessage(s.from, msg, time.Now())
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	tlsConfig := &tls.Config{ServerName: s.host}

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.tls {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if s.startTLS && !s.tls {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
				return err
			}
		}
	}
	if err := client.Mail(s.from); err != nil {
		return err
	}
	if err := client.Rcpt(strings.TrimSpace(msg.To)); err != nil {
		return err
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// BuildMessage renders msg as a single-part text/plain RFC 5322 message.
func BuildMessage(from string, msg Message, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, msg.Text); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
