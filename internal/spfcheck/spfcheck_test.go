package spfcheck

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"blitiri.com.ar/go/spf"
)

func newTestChecker(result spf.Result, err error) *Checker {
	c := NewChecker(0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.check = func(ip net.IP, helo, sender string, opts ...spf.Option) (spf.Result, error) {
		return result, err
	}
	return c
}

func TestCheckMapping(t *testing.T) {
	tests := []struct {
		name   string
		result spf.Result
		want   Result
	}{
		{"pass", spf.Pass, ResultPass},
		{"fail", spf.Fail, ResultFail},
		{"softfail", spf.SoftFail, ResultFail},
		{"neutral", spf.Neutral, ResultNone},
		{"none", spf.None, ResultNone},
		{"temperror", spf.TempError, ResultNone},
		{"permerror", spf.PermError, ResultNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChecker(tt.result, nil)
			got, err := c.Check(context.Background(), "203.0.113.9", "sender@example.org")
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAuthorized(t *testing.T) {
	c := newTestChecker(spf.Pass, nil)
	ok, err := c.Authorized(context.Background(), "203.0.113.9", "sender@example.org")
	if err != nil || !ok {
		t.Fatalf("expected authorized, ok=%v err=%v", ok, err)
	}

	c = newTestChecker(spf.Fail, nil)
	ok, err = c.Authorized(context.Background(), "203.0.113.9", "sender@example.org")
	if err != nil || ok {
		t.Fatalf("expected not authorized, ok=%v err=%v", ok, err)
	}
}

func TestInvalidIP(t *testing.T) {
	c := newTestChecker(spf.Pass, nil)
	if _, err := c.Check(context.Background(), "not-an-ip", "sender@example.org"); err == nil {
		t.Fatal("expected error for invalid IP")
	}
}

func TestDomainOf(t *testing.T) {
	if d := domainOf("user@example.org"); d != "example.org" {
		t.Errorf("expected example.org, got %s", d)
	}
	if d := domainOf("example.org"); d != "example.org" {
		t.Errorf("expected example.org, got %s", d)
	}
}
