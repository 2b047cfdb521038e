package notify

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"enxero/internal/config"
)

// ProbeSMTP checks the relay accepts a connection and, when configured,
// STARTTLS.
func ProbeSMTP(ctx context.Context, cfg config.Config) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))
	tlsCfg := &tls.Config{ServerName: cfg.SMTPHost}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if cfg.SMTPTLS {
		conn = tls.Client(conn, tlsCfg)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if cfg.SMTPStartTLS && !cfg.SMTPTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsCfg); err != nil {
				return err
			}
		}
	}
	return client.Quit()
}
