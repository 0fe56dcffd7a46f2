// Package mailer sends the one-time confirmation messages triggered by
// ticket actions and probes SMTP reachability of suspicious hosts. All
// network work is strictly time-bounded because it runs detached from
// the HTTP request that triggered it.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mverril/mailgate/internal/config"
)

// ErrKind classifies a delivery failure for user-facing explanation
type ErrKind int

const (
	// ErrOther is the generic bucket
	ErrOther ErrKind = iota
	// ErrAddressRejected: the server refused the recipient address
	ErrAddressRejected
	// ErrUnreachable: connection refused or no route to the server
	ErrUnreachable
	// ErrTimeout: the server did not answer in time
	ErrTimeout
	// ErrRejected: the server rejected the message itself
	ErrRejected
)

func (k ErrKind) String() string {
	switch k {
	case ErrAddressRejected:
		return "address_rejected"
	case ErrUnreachable:
		return "unreachable"
	case ErrTimeout:
		return "timeout"
	case ErrRejected:
		return "rejected"
	}
	return "other"
}

// SendError is a classified delivery failure
type SendError struct {
	Kind    ErrKind
	Message string
}

func (e *SendError) Error() string {
	return e.Message
}

// ErrMailDisabled is returned when outbound mail is turned off
var ErrMailDisabled = errors.New("outbound mail is disabled")

// Message is a confirmation e-mail to compose and send
type Message struct {
	To      string
	Subject string
	Body    string
}

// Client relays confirmation mail through the configured smarthost
type Client struct {
	cfg    config.MailConfig
	logger *slog.Logger
}

// NewClient creates a mail client from configuration
func NewClient(cfg config.MailConfig, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

// Enabled reports whether outbound mail is configured
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// Send composes and relays msg. Returns a *SendError on failure so the
// caller can pick the matching user-facing sentence.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	if !c.cfg.Enabled {
		return ErrMailDisabled
	}

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Smarthost)
	if err != nil {
		return classifyNetErr(err, c.cfg.Smarthost)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	client := smtp.NewClient(conn)
	client.CommandTimeout = c.cfg.Timeout
	defer client.Close()

	if err := client.Hello(localName(c.cfg.From)); err != nil {
		return classifySMTPErr(err, "HELO")
	}

	if c.cfg.Username != "" {
		auth := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classifySMTPErr(err, "AUTH")
		}
	}

	if err := client.Mail(c.cfg.From, nil); err != nil {
		return classifySMTPErr(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		// Rejections at RCPT mean the address, not the message.
		serr := classifySMTPErr(err, "RCPT TO")
		if se, ok := serr.(*SendError); ok && se.Kind == ErrRejected {
			se.Kind = ErrAddressRejected
		}
		return serr
	}

	wc, err := client.Data()
	if err != nil {
		return classifySMTPErr(err, "DATA")
	}
	if _, err := wc.Write(c.compose(msg)); err != nil {
		wc.Close()
		return &SendError{Kind: ErrOther, Message: fmt.Sprintf("failed to write message: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return classifySMTPErr(err, "DATA close")
	}

	if err := client.Quit(); err != nil {
		c.logger.Debug("QUIT failed after accepted message", "error", err)
	}

	c.logger.Info("confirmation mail sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// compose builds the RFC 5322 message text
func (c *Client) compose(msg *Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.New().String(), localName(c.cfg.From))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\n", "\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// localName derives the HELO name from the configured From address
func localName(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return from[i+1:]
	}
	return "localhost"
}

// classifyNetErr maps a dial failure to a SendError
func classifyNetErr(err error, addr string) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &SendError{Kind: ErrTimeout, Message: fmt.Sprintf("timed out connecting to %s", addr)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SendError{Kind: ErrTimeout, Message: fmt.Sprintf("timed out connecting to %s", addr)}
	}
	return &SendError{Kind: ErrUnreachable, Message: fmt.Sprintf("cannot reach %s: %v", addr, err)}
}

// classifySMTPErr maps an SMTP command failure to a SendError
func classifySMTPErr(err error, phase string) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &SendError{Kind: ErrTimeout, Message: fmt.Sprintf("server timed out during %s", phase)}
	}

	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		switch {
		case serr.Code == 550 || serr.Code == 551 || serr.Code == 553:
			return &SendError{Kind: ErrAddressRejected, Message: fmt.Sprintf("address rejected during %s: %v", phase, serr)}
		case serr.Code >= 500:
			return &SendError{Kind: ErrRejected, Message: fmt.Sprintf("server rejected %s: %v", phase, serr)}
		default:
			return &SendError{Kind: ErrOther, Message: fmt.Sprintf("server deferred %s: %v", phase, serr)}
		}
	}

	return &SendError{Kind: ErrOther, Message: fmt.Sprintf("%s failed: %v", phase, err)}
}

// Classify extracts the ErrKind from any error returned by Send
func Classify(err error) ErrKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrOther
}
