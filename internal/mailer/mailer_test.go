package mailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mverril/mailgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendDisabled(t *testing.T) {
	c := NewClient(config.MailConfig{Enabled: false}, testLogger())

	err := c.Send(context.Background(), &Message{To: "a@b.com"})
	if !errors.Is(err, ErrMailDisabled) {
		t.Fatalf("expected ErrMailDisabled, got %v", err)
	}
	if c.Enabled() {
		t.Error("Enabled should report false")
	}
}

func TestSendUnreachable(t *testing.T) {
	c := NewClient(config.MailConfig{
		Enabled:   true,
		Smarthost: "127.0.0.1:1", // nothing listens on port 1
		From:      "noreply@mailgate.example",
		Timeout:   500 * time.Millisecond,
	}, testLogger())

	err := c.Send(context.Background(), &Message{To: "a@b.com", Subject: "x", Body: "y"})
	if err == nil {
		t.Fatal("expected error against closed port")
	}
	kind := Classify(err)
	if kind != ErrUnreachable && kind != ErrTimeout {
		t.Fatalf("expected unreachable or timeout, got %s (%v)", kind, err)
	}
}

func TestCompose(t *testing.T) {
	c := NewClient(config.MailConfig{
		Enabled:   true,
		From:      "noreply@mailgate.example",
		Smarthost: "relay:25",
	}, testLogger())

	data := string(c.compose(&Message{
		To:      "user@example.com",
		Subject: "Sender unblocked",
		Body:    "line one\nline two",
	}))

	for _, want := range []string{
		"From: noreply@mailgate.example\r\n",
		"To: user@example.com\r\n",
		"Subject: Sender unblocked\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n",
		"line one\r\nline two",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("composed message missing %q", want)
		}
	}

	header, _, ok := strings.Cut(data, "\r\n\r\n")
	if !ok {
		t.Fatal("composed message has no header/body separator")
	}
	if !strings.Contains(header, "Message-ID: <") {
		t.Error("composed message missing Message-ID")
	}
}

func TestLocalName(t *testing.T) {
	tests := []struct {
		from string
		want string
	}{
		{"noreply@mailgate.example", "mailgate.example"},
		{"bare", "localhost"},
		{"trailing@", "localhost"},
	}
	for _, tt := range tests {
		if got := localName(tt.from); got != tt.want {
			t.Errorf("localName(%q) = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestClassifySMTPErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{
			name: "mailbox unavailable",
			err:  &smtp.SMTPError{Code: 550, Message: "no such user"},
			want: ErrAddressRejected,
		},
		{
			name: "user not local",
			err:  &smtp.SMTPError{Code: 551, Message: "user not local"},
			want: ErrAddressRejected,
		},
		{
			name: "policy rejection",
			err:  &smtp.SMTPError{Code: 554, Message: "transaction failed"},
			want: ErrRejected,
		},
		{
			name: "temporary failure",
			err:  &smtp.SMTPError{Code: 451, Message: "try again later"},
			want: ErrOther,
		},
		{
			name: "plain error",
			err:  errors.New("broken pipe"),
			want: ErrOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(classifySMTPErr(tt.err, "RCPT TO"))
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClassifyUnknownError(t *testing.T) {
	if Classify(errors.New("anything")) != ErrOther {
		t.Error("unknown errors must classify as other")
	}
	if Classify(nil) != ErrOther {
		t.Error("nil must classify as other")
	}
}

func TestProbeUnreachable(t *testing.T) {
	p := NewProber(500*time.Millisecond, "probe.mailgate.example", testLogger())

	_, err := p.Probe(context.Background(), "127.0.0.1")
	if err == nil {
		t.Skip("something answers on local port 25")
	}
	kind := Classify(err)
	if kind != ErrUnreachable && kind != ErrTimeout {
		t.Fatalf("expected unreachable or timeout, got %s (%v)", kind, err)
	}
}
