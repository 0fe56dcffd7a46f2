// Package dispatch interprets decoded tickets and applies the
// requested state change against the lists, the query store and the
// outbound mail path. Every handler is terminal in one call: the only
// cross-request state is the stores and the single-flight cache.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mverril/mailgate/internal/asyncjob"
	"github.com/mverril/mailgate/internal/captcha"
	"github.com/mverril/mailgate/internal/mailer"
	"github.com/mverril/mailgate/internal/spfcheck"
	"github.com/mverril/mailgate/internal/store"
	"github.com/mverril/mailgate/internal/ticket"
)

// Category classifies a dispatch outcome for logging and metrics.
// It never drives behavior.
type Category string

const (
	CatSuccess     Category = "success"
	CatAlreadyDone Category = "already_done"
	CatForbidden   Category = "forbidden"
	CatNotFound    Category = "not_found"
	CatChallenge   Category = "captcha_challenge"
	CatConfirm     Category = "confirm"
	CatPending     Category = "pending"
	CatMailFailed  Category = "mail_failed"
	CatError       Category = "error"
)

// ReqContext carries per-request facts the handlers need
type ReqContext struct {
	ClientIP     string
	CaptchaProof string

	// Confirmed is set when the user submitted the confirmation form
	// (POST), as opposed to merely opening the link.
	Confirmed bool

	// SelectedTokens are the identifiers the user chose for permanent
	// blocking on the spam report form.
	SelectedTokens []string

	// Machine is set for the PUT variants: answers are plain text.
	Machine bool
}

// Result is the outcome of a dispatch, rendered by the web layer
type Result struct {
	Status   int
	Category Category
	Title    string
	Message  string

	// Poll asks the browser to reload the same URL shortly.
	Poll bool

	// NeedsCaptcha asks the page to render the challenge widget.
	NeedsCaptcha bool

	// Line is the plain-text answer for machine (PUT) requests.
	Line string
}

// Recorder receives dispatch outcomes; satisfied by metrics.Metrics
type Recorder interface {
	Dispatch(operator, category string)
	MailResult(result string)
}

type noopRecorder struct{}

func (noopRecorder) Dispatch(string, string) {}
func (noopRecorder) MailResult(string)       {}

// tempWhiteTTL is the grace period granted to a sender whose deferred
// message was released.
const tempWhiteTTL = 30 * 24 * time.Hour

// MailSender is the outbound mail surface the handlers use; satisfied
// by mailer.Client.
type MailSender interface {
	Enabled() bool
	Send(ctx context.Context, msg *mailer.Message) error
}

// SPFChecker answers the unblock precondition; satisfied by
// spfcheck.Checker.
type SPFChecker interface {
	Authorized(ctx context.Context, ip, sender string) (bool, error)
}

var _ SPFChecker = (*spfcheck.Checker)(nil)

// Dispatcher routes decoded tickets to operator handlers
type Dispatcher struct {
	lists   *store.ListStore
	queries *store.QueryStore
	cache   *asyncjob.Cache
	mail    MailSender
	spf     SPFChecker
	gate    *captcha.Gate
	rec     Recorder
	baseURL string
	logger  *slog.Logger
}

// New creates a Dispatcher
func New(
	lists *store.ListStore,
	queries *store.QueryStore,
	cache *asyncjob.Cache,
	mail MailSender,
	spf SPFChecker,
	gate *captcha.Gate,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		lists:   lists,
		queries: queries,
		cache:   cache,
		mail:    mail,
		spf:     spf,
		gate:    gate,
		rec:     noopRecorder{},
		logger:  logger,
	}
}

// SetRecorder installs a metrics sink. Call before serving traffic.
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r != nil {
		d.rec = r
	}
}

// SetBaseURL sets the public URL used when notifications link back to
// this service.
func (d *Dispatcher) SetBaseURL(u string) {
	d.baseURL = strings.TrimRight(u, "/")
}

// Dispatch interprets a decoded ticket. It never returns an error:
// every failure becomes a Result the web layer can render, and is
// logged here with the operator for context.
func (d *Dispatcher) Dispatch(ctx context.Context, tkt *ticket.Ticket, rc ReqContext) *Result {
	var res *Result

	switch tkt.Op {
	case ticket.OpSpam:
		res = d.handleSpam(ctx, tkt, rc)
	case ticket.OpUnblock:
		res = d.handleUnblock(ctx, tkt, rc)
	case ticket.OpWhite:
		res = d.handleWhite(ctx, tkt, rc)
	case ticket.OpHolding:
		res = d.handleHolding(ctx, tkt)
	case ticket.OpUnhold:
		res = d.handleUnhold(ctx, tkt)
	case ticket.OpBlock:
		res = d.handleBlock(ctx, tkt)
	case ticket.OpUnsubscribe:
		res = d.handleUnsubscribe(ctx, tkt)
	case ticket.OpRelease:
		res = d.handleRelease(ctx, tkt)
	default:
		res = &Result{
			Status:   403,
			Category: CatForbidden,
			Title:    "Forbidden",
			Message:  "This link requests an action this service does not provide.",
		}
	}

	d.rec.Dispatch(string(tkt.Op), string(res.Category))
	d.logger.Info("ticket dispatched",
		"operator", tkt.Op,
		"category", res.Category,
		"status", res.Status,
		"issued_at", tkt.IssuedAt,
		"client_ip", rc.ClientIP,
	)
	return res
}

// errorResult logs err and produces the generic failure page
func (d *Dispatcher) errorResult(op ticket.Operator, err error) *Result {
	d.logger.Error("handler failed", "operator", op, "error", err)
	return &Result{
		Status:   500,
		Category: CatError,
		Title:    "Something went wrong",
		Message:  "The request could not be completed. Please try the link again later.",
	}
}

// challengeResult re-displays the CAPTCHA. Unresolved proof is a
// normal page flow, never an error.
func challengeResult() *Result {
	return &Result{
		Status:       200,
		Category:     CatChallenge,
		Title:        "Please confirm you are human",
		Message:      "Complete the verification below to continue.",
		NeedsCaptcha: true,
	}
}

// passGate runs the CAPTCHA check for a mutating action. Returns the
// challenge result when the proof is absent or rejected, nil when the
// caller may proceed.
func (d *Dispatcher) passGate(ctx context.Context, rc ReqContext) *Result {
	if !d.gate.Enabled() {
		return nil
	}
	ok, err := d.gate.Verify(ctx, rc.CaptchaProof, rc.ClientIP)
	if err != nil {
		// Provider trouble: re-challenge rather than refuse.
		d.logger.Warn("captcha verification failed", "error", err)
		return challengeResult()
	}
	if !ok {
		return challengeResult()
	}
	return nil
}

// awaitMail runs a confirmation send through the single-flight cache.
// The first call starts the producer and returns a polling page;
// pollers see the same entry; the terminal state is consumed exactly
// once and turned into a success or a classified explanation.
func (d *Dispatcher) awaitMail(key string, send asyncjob.Producer, doneTitle, doneMsg string) *Result {
	obs := d.cache.GetOrStart(key, send)
	if !obs.Terminal() {
		return &Result{
			Status:   200,
			Category: CatPending,
			Title:    "Please wait",
			Message:  "Your confirmation is being sent. This page refreshes automatically.",
			Poll:     true,
		}
	}

	obs, ok := d.cache.Consume(key)
	if !ok {
		// Another poller consumed it between our two looks; the work
		// is done either way.
		return &Result{Status: 200, Category: CatSuccess, Title: doneTitle, Message: doneMsg}
	}

	if obs.State == asyncjob.StateFailed {
		d.rec.MailResult(mailer.Classify(obs.Err).String())
		return &Result{
			Status:   200,
			Category: CatMailFailed,
			Title:    doneTitle,
			Message:  mailFailureSentence(obs.Err),
		}
	}

	d.rec.MailResult("sent")
	return &Result{Status: 200, Category: CatSuccess, Title: doneTitle, Message: doneMsg}
}

// mailFailureSentence maps a classified transport failure to the
// user-facing explanation. The action itself already happened; only
// the notification failed, and the page says exactly that.
func mailFailureSentence(err error) string {
	switch mailer.Classify(err) {
	case mailer.ErrAddressRejected:
		return "The change was applied, but the confirmation could not be delivered: the address does not exist."
	case mailer.ErrUnreachable:
		return "The change was applied, but the mail server for the address could not be reached."
	case mailer.ErrTimeout:
		return "The change was applied, but the mail server did not answer in time."
	case mailer.ErrRejected:
		return "The change was applied, but the mail server refused the confirmation message."
	}
	return "The change was applied, but the confirmation e-mail could not be sent."
}

// senderOf extracts the sender identity from a ticket: a hostname
// sender marker wins, else the first generic token.
func senderOf(tkt *ticket.Ticket) (string, bool) {
	if host, ok := tkt.HostSender(); ok {
		return host, true
	}
	if args := tkt.GenericArgs(); len(args) > 0 {
		return args[0], true
	}
	return "", false
}

// malformedArgs is the handler-level answer to a structurally valid
// ticket whose arguments make no sense for its operator.
func malformedArgs(op ticket.Operator) *Result {
	return &Result{
		Status:   403,
		Category: CatForbidden,
		Title:    "Forbidden",
		Message:  fmt.Sprintf("This %s link is incomplete and cannot be processed.", op),
	}
}
