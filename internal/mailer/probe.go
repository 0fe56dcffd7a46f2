package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// Prober checks whether an IP answers on the SMTP port. Used for
// suspicious-but-unconfirmed hosts shown on reputation pages; a host
// that runs a real mail server is less likely to be a throwaway bot.
type Prober struct {
	port    string
	timeout time.Duration
	helo    string
	logger  *slog.Logger
}

// NewProber creates a prober with the given per-probe timeout
func NewProber(timeout time.Duration, helo string, logger *slog.Logger) *Prober {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if helo == "" {
		helo = "localhost"
	}
	return &Prober{port: "25", timeout: timeout, helo: helo, logger: logger}
}

// Probe dials ip:25, exchanges EHLO/QUIT and reports the outcome as a
// human-readable line. The error is classified like a send failure.
func (p *Prober) Probe(ctx context.Context, ip string) (string, error) {
	addr := net.JoinHostPort(ip, p.port)

	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.logger.Debug("probe dial failed", "addr", addr, "error", err)
		return "", classifyNetErr(err, addr)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.timeout))
	}

	client := smtp.NewClient(conn)
	client.CommandTimeout = p.timeout
	defer client.Close()

	if err := client.Hello(p.helo); err != nil {
		return "", classifySMTPErr(err, "EHLO")
	}
	if err := client.Quit(); err != nil {
		p.logger.Debug("probe QUIT failed", "addr", addr, "error", err)
	}

	p.logger.Info("SMTP probe succeeded", "addr", addr)
	return fmt.Sprintf("SMTP service answering on %s", addr), nil
}
