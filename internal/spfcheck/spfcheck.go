// Package spfcheck answers one question: does this sender pass SPF
// for the IP it claims to send from. The unblock flow refuses to act
// on senders that cannot prove that much.
package spfcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"blitiri.com.ar/go/spf"
)

// Result is the reduced SPF verdict the dispatcher branches on
type Result int

const (
	ResultNone Result = iota
	ResultPass
	ResultFail
)

func (r Result) String() string {
	switch r {
	case ResultPass:
		return "pass"
	case ResultFail:
		return "fail"
	}
	return "none"
}

// checkFunc matches spf.CheckHostWithSender; injectable for tests
type checkFunc func(ip net.IP, helo, sender string, opts ...spf.Option) (spf.Result, error)

// Checker evaluates SPF for sender/IP claims
type Checker struct {
	timeout time.Duration
	check   checkFunc
	logger  *slog.Logger
}

// NewChecker creates a Checker with the given DNS evaluation timeout
func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Checker{
		timeout: timeout,
		check:   spf.CheckHostWithSender,
		logger:  logger,
	}
}

// Check evaluates SPF for sender mail from the given IP
func (c *Checker) Check(ctx context.Context, ipStr, sender string) (Result, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ResultNone, fmt.Errorf("invalid IP address %q", ipStr)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.check(ip, domainOf(sender), sender, spf.WithContext(ctx))
	if err != nil {
		// Temp/perm errors still carry a usable result value.
		c.logger.Debug("SPF evaluation error", "ip", ipStr, "sender", sender, "error", err)
	}

	mapped := mapResult(result)
	c.logger.Info("SPF checked", "ip", ipStr, "sender", sender, "result", mapped)
	return mapped, nil
}

// Authorized reports whether the sender passes SPF for the claimed IP
func (c *Checker) Authorized(ctx context.Context, ip, sender string) (bool, error) {
	result, err := c.Check(ctx, ip, sender)
	if err != nil {
		return false, err
	}
	return result == ResultPass, nil
}

func mapResult(r spf.Result) Result {
	switch r {
	case spf.Pass:
		return ResultPass
	case spf.Fail, spf.SoftFail:
		return ResultFail
	}
	return ResultNone
}

func domainOf(sender string) string {
	for i := len(sender) - 1; i >= 0; i-- {
		if sender[i] == '@' {
			return sender[i+1:]
		}
	}
	return sender
}
