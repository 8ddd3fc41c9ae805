package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/nhle/llmail/internal/model"
)

const dialTimeout = 30 * time.Second

// deliver opens an SMTP session in the given mode and sends msg.
func deliver(ctx context.Context, cfg model.ServerConfig, mode, from, to string, msg []byte) error {
	addr := cfg.Addr()
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if mode == model.TLSImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("TLS dial to %s: %w", addr, err)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial to %s: %w", addr, err)
		}
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if mode == model.TLSStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	}

	if cfg.Username != "" && wantsAuth(client, mode) {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	return sendMailViaSMTPClient(client, from, to, msg)
}

// wantsAuth reports whether to log in. Over an insecure session the login
// is skipped when the server does not offer AUTH; net/smtp only sends PLAIN
// credentials in the clear to localhost.
func wantsAuth(client *smtp.Client, mode string) bool {
	if mode != model.TLSNone {
		return true
	}
	ok, _ := client.Extension("AUTH")
	return ok
}

// sendMailViaSMTPClient sends a message using an already-authenticated
// SMTP client.
func sendMailViaSMTPClient(client *smtp.Client, from, to string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write(msg); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
