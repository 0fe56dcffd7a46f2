package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mverril/mailgate/internal/store"
	"github.com/mverril/mailgate/internal/ticket"
)

// handleSpam records a complaint against the message. Permanent
// blocking of selected identifiers is gated behind the CAPTCHA; the
// bare report path is not.
func (d *Dispatcher) handleSpam(ctx context.Context, tkt *ticket.Ticket, rc ReqContext) *Result {
	sender, ok := senderOf(tkt)
	if !ok {
		return malformedArgs(tkt.Op)
	}
	recipient, _ := tkt.Recipient()

	if rc.Machine {
		line, dup, err := d.ReportSpam(tkt)
		if err != nil {
			return d.errorResult(tkt.Op, err)
		}
		status := 200
		cat := CatSuccess
		if dup {
			cat = CatAlreadyDone
		}
		return &Result{Status: status, Category: cat, Line: line}
	}

	if len(rc.SelectedTokens) > 0 {
		if res := d.passGate(ctx, rc); res != nil {
			return res
		}
	}

	added, err := d.lists.AddComplaint(sender, recipient)
	if err != nil {
		return d.errorResult(tkt.Op, err)
	}

	// A complaint revokes any prior authorization for the pair.
	if _, err := d.lists.RemoveWhite(sender, recipient); err != nil {
		return d.errorResult(tkt.Op, err)
	}

	for _, tok := range rc.SelectedTokens {
		if _, err := d.lists.AddBlock(ticket.Bare(tok), recipient, "spam"); err != nil {
			return d.errorResult(tkt.Op, err)
		}
	}

	if !added {
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already reported",
			Message:  "This message was already reported as spam. Thank you.",
		}
	}

	msg := "The message was reported as spam."
	if len(rc.SelectedTokens) > 0 {
		msg = fmt.Sprintf("The message was reported as spam and %d sender identifier(s) were blocked.", len(rc.SelectedTokens))
	}
	return &Result{
		Status:   200,
		Category: CatSuccess,
		Title:    "Spam reported",
		Message:  msg,
	}
}

// ReportSpam is the machine variant of the spam report. It returns
// the plain-text answer line and whether the complaint was a
// duplicate.
func (d *Dispatcher) ReportSpam(tkt *ticket.Ticket) (string, bool, error) {
	sender, ok := senderOf(tkt)
	if !ok {
		return "", false, fmt.Errorf("spam ticket carries no sender token")
	}
	recipient, _ := tkt.Recipient()

	added, err := d.lists.AddComplaint(sender, recipient)
	if err != nil {
		return "", false, err
	}
	if !added {
		return "DUPLICATE COMPLAIN", true, nil
	}

	if _, err := d.lists.RemoveWhite(sender, recipient); err != nil {
		return "", false, err
	}

	// Machine reports come from automated feedback, not a human click;
	// the sender identifier is journaled as a trap hit for the scoring
	// side of the platform.
	if _, err := d.lists.AddTrap(sender, "complaint"); err != nil {
		return "", false, err
	}

	line := "OK " + strings.Join(tkt.Args, " ")
	return line, false, nil
}

// WithdrawSpam is the machine ham variant: it removes a previously
// recorded complaint. Returns false when there was none.
func (d *Dispatcher) WithdrawSpam(tkt *ticket.Ticket) (string, bool, error) {
	sender, ok := senderOf(tkt)
	if !ok {
		return "", false, fmt.Errorf("ham ticket carries no sender token")
	}
	recipient, _ := tkt.Recipient()

	removed, err := d.lists.RemoveComplaint(sender, recipient)
	if err != nil {
		return "", false, err
	}
	if !removed {
		return "NO COMPLAIN ON RECORD", false, nil
	}
	return "OK " + strings.Join(tkt.Args, " "), true, nil
}

// handleUnblock lets a sender prove authority over the claimed IP via
// SPF, then directs a confirmation to the recipient. The mail send is
// deduplicated so pre-fetching clients and double clicks produce one
// message.
func (d *Dispatcher) handleUnblock(ctx context.Context, tkt *ticket.Ticket, rc ReqContext) *Result {
	args := tkt.GenericArgs()
	if len(args) < 2 {
		return malformedArgs(tkt.Op)
	}
	ip, sender := args[0], args[1]
	recipient, hasRecipient := tkt.Recipient()

	// A poller returning to this URL must find its in-flight send
	// before any precondition re-checks: the refresh arrives as a
	// plain GET without the confirmation form state.
	if hasRecipient {
		key := "unblock:" + store.PairKey(sender, recipient)
		if _, ok := d.cache.Peek(key); ok {
			return d.awaitMail(key, d.unblockProducer(sender, ip, recipient),
				"Request sent",
				"The recipient has been asked to accept mail from this sender.")
		}
	}

	authorized, err := d.spf.Authorized(ctx, ip, sender)
	if err != nil {
		return d.errorResult(tkt.Op, err)
	}
	if !authorized {
		return &Result{
			Status:   403,
			Category: CatForbidden,
			Title:    "Not authorized",
			Message:  fmt.Sprintf("The sender %s does not currently pass authentication for %s.", sender, ip),
		}
	}

	if hasRecipient {
		white, err := d.lists.IsWhite(sender, recipient)
		if err != nil {
			return d.errorResult(tkt.Op, err)
		}
		if white {
			return &Result{
				Status:   200,
				Category: CatAlreadyDone,
				Title:    "Already unblocked",
				Message:  "The recipient already accepts mail from this sender.",
			}
		}
	}

	if !rc.Confirmed {
		return &Result{
			Status:   200,
			Category: CatConfirm,
			Title:    "Confirm unblock request",
			Message:  fmt.Sprintf("Ask the recipient to accept future mail from %s sent via %s?", sender, ip),
		}
	}

	if !d.mail.Enabled() {
		return &Result{
			Status:   200,
			Category: CatMailFailed,
			Title:    "Request noted",
			Message:  "The request was recorded, but outbound mail is currently disabled; the recipient was not notified.",
		}
	}
	if !hasRecipient {
		return malformedArgs(tkt.Op)
	}

	key := "unblock:" + store.PairKey(sender, recipient)
	return d.awaitMail(key, d.unblockProducer(sender, ip, recipient),
		"Request sent",
		"The recipient has been asked to accept mail from this sender.")
}

func (d *Dispatcher) unblockProducer(sender, ip, recipient string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		err := d.mail.Send(ctx, d.unblockMessage(sender, ip, recipient))
		if err != nil {
			return "", err
		}
		return "sent", nil
	}
}

// handleWhite adds the sender/recipient pair to the allow-list behind
// the CAPTCHA gate, then notifies the original sender once.
func (d *Dispatcher) handleWhite(ctx context.Context, tkt *ticket.Ticket, rc ReqContext) *Result {
	sender, ok := senderOf(tkt)
	if !ok {
		return malformedArgs(tkt.Op)
	}
	recipient, ok := tkt.Recipient()
	if !ok {
		return malformedArgs(tkt.Op)
	}

	// Pollers come back as plain GETs without a captcha proof; their
	// in-flight entry must win over the gate and the duplicate check.
	key := "white:" + store.PairKey(sender, recipient)
	if _, ok := d.cache.Peek(key); ok {
		return d.awaitMail(key, d.whiteProducer(sender, recipient),
			"Sender unblocked",
			"Mail from this sender is now accepted, and the sender has been notified.")
	}

	if res := d.passGate(ctx, rc); res != nil {
		return res
	}

	// Short-circuit before touching the store again: a duplicate
	// whitelisting must not send a second confirmation.
	white, err := d.lists.IsWhite(sender, recipient)
	if err != nil {
		return d.errorResult(tkt.Op, err)
	}
	if white {
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already unblocked",
			Message:  "Mail from this sender is already accepted.",
		}
	}

	if _, err := d.lists.AddWhite(sender, recipient, "white"); err != nil {
		return d.errorResult(tkt.Op, err)
	}

	// Keep the query record in step when one exists for this
	// notification; its absence is not an error.
	if err := d.queries.WhiteSender(recipient, tkt.IssuedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
		return d.errorResult(tkt.Op, err)
	}

	if !d.mail.Enabled() {
		return &Result{
			Status:   200,
			Category: CatMailFailed,
			Title:    "Sender unblocked",
			Message:  "Mail from this sender is now accepted. Outbound mail is disabled, so the sender was not notified.",
		}
	}

	return d.awaitMail(key, d.whiteProducer(sender, recipient),
		"Sender unblocked",
		"Mail from this sender is now accepted, and the sender has been notified.")
}

func (d *Dispatcher) whiteProducer(sender, recipient string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		err := d.mail.Send(ctx, d.whiteMessage(sender, recipient))
		if err != nil {
			return "", err
		}
		return "sent", nil
	}
}

// queryFor loads the query record addressed by a holding-family
// ticket, or produces the terminal result when it cannot be used.
func (d *Dispatcher) queryFor(tkt *ticket.Ticket) (*store.QueryRecord, *Result) {
	email, ok := tkt.Recipient()
	if !ok {
		if args := tkt.GenericArgs(); len(args) > 0 {
			email, ok = args[0], true
		}
	}
	if !ok {
		return nil, malformedArgs(tkt.Op)
	}

	q, err := d.queries.GetQuery(email, tkt.IssuedAt)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Result{
			Status:   500,
			Category: CatNotFound,
			Title:    "No longer available",
			Message:  "The message this link refers to no longer exists.",
		}
	}
	if err != nil {
		return nil, d.errorResult(tkt.Op, err)
	}
	return q, nil
}

// alreadyResult enumerates the terminal states of a query record, in
// the order the original flow checks them. Returns nil when the
// record can still transition.
func alreadyResult(q *store.QueryRecord) *Result {
	switch {
	case q.IsDelivered:
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already delivered",
			Message:  "This message was already released and delivered.",
		}
	case q.IsBlockSender:
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already blocked",
			Message:  "This sender was already blocked; the message will not be delivered.",
		}
	case q.IsWhiteSender:
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already released",
			Message:  "This sender was already accepted; the message is on its way.",
		}
	}
	return nil
}

// handleHolding advises the recipient about a held message
func (d *Dispatcher) handleHolding(ctx context.Context, tkt *ticket.Ticket) *Result {
	q, res := d.queryFor(tkt)
	if res != nil {
		return res
	}
	if res := alreadyResult(q); res != nil {
		return res
	}
	if q.IsRecipientAdvised {
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already notified",
			Message:  "The recipient was already advised about this held message.",
		}
	}

	if err := d.queries.AdviseRecipientHold(q.UserEmail, q.IssuedAt); err != nil {
		return d.holdingTransitionError(tkt, err)
	}
	return &Result{
		Status:   200,
		Category: CatSuccess,
		Title:    "Recipient notified",
		Message:  "The recipient has been advised that a message is being held.",
	}
}

// handleUnhold releases a held message to the recipient
func (d *Dispatcher) handleUnhold(ctx context.Context, tkt *ticket.Ticket) *Result {
	q, res := d.queryFor(tkt)
	if res != nil {
		return res
	}
	if res := alreadyResult(q); res != nil {
		return res
	}
	if !q.IsHolding {
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Not held",
			Message:  "This message is no longer being held.",
		}
	}

	if err := d.queries.MarkDelivered(q.UserEmail, q.IssuedAt); err != nil {
		return d.holdingTransitionError(tkt, err)
	}
	return &Result{
		Status:   200,
		Category: CatSuccess,
		Title:    "Message released",
		Message:  "The held message has been released for delivery.",
	}
}

// handleBlock permanently blocks the sender of a held message
func (d *Dispatcher) handleBlock(ctx context.Context, tkt *ticket.Ticket) *Result {
	q, res := d.queryFor(tkt)
	if res != nil {
		return res
	}
	if res := alreadyResult(q); res != nil {
		return res
	}

	if err := d.queries.BlockSender(q.UserEmail, q.IssuedAt); err != nil {
		return d.holdingTransitionError(tkt, err)
	}
	if _, err := d.lists.AddBlock(q.Sender, q.UserEmail, "block"); err != nil {
		return d.errorResult(tkt.Op, err)
	}
	return &Result{
		Status:   200,
		Category: CatSuccess,
		Title:    "Sender blocked",
		Message:  "The sender has been permanently blocked for this recipient.",
	}
}

// holdingTransitionError handles the race where the record vanished
// between our read and the update.
func (d *Dispatcher) holdingTransitionError(tkt *ticket.Ticket, err error) *Result {
	if errors.Is(err, store.ErrNotFound) {
		return &Result{
			Status:   500,
			Category: CatNotFound,
			Title:    "No longer available",
			Message:  "The message this link refers to no longer exists.",
		}
	}
	return d.errorResult(tkt.Op, err)
}

// handleUnsubscribe puts the address on the do-not-contact registry
func (d *Dispatcher) handleUnsubscribe(ctx context.Context, tkt *ticket.Ticket) *Result {
	addr, ok := tkt.Recipient()
	if !ok {
		if args := tkt.GenericArgs(); len(args) > 0 {
			addr, ok = args[0], true
		}
	}
	if !ok {
		return malformedArgs(tkt.Op)
	}

	added, err := d.lists.AddUnsubscribe(addr)
	if err != nil {
		return d.errorResult(tkt.Op, err)
	}
	if !added {
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already unsubscribed",
			Message:  "This address was already removed from notifications.",
		}
	}
	return &Result{
		Status:   200,
		Category: CatSuccess,
		Title:    "Unsubscribed",
		Message:  "This address will no longer receive notifications.",
	}
}

// handleRelease releases a deferred message and grants the sender a
// temporary allow entry
func (d *Dispatcher) handleRelease(ctx context.Context, tkt *ticket.Ticket) *Result {
	args := tkt.GenericArgs()
	if len(args) < 1 {
		return malformedArgs(tkt.Op)
	}
	id := args[0]

	rec, err := d.queries.Release(tkt.IssuedAt, id)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{
			Status:   500,
			Category: CatNotFound,
			Title:    "No longer available",
			Message:  "The deferred message this link refers to no longer exists.",
		}
	}
	if errors.Is(err, store.ErrAlreadyReleased) {
		return &Result{
			Status:   200,
			Category: CatAlreadyDone,
			Title:    "Already released",
			Message:  "This message was already released for delivery.",
		}
	}
	if err != nil {
		return d.errorResult(tkt.Op, err)
	}

	if _, err := d.lists.AddTempWhite(rec.Sender, rec.Recipient, "release", tempWhiteTTL); err != nil {
		// The release itself happened; say so instead of hiding it.
		d.logger.Error("temp allow entry failed after release", "id", id, "error", err)
		return &Result{
			Status:   200,
			Category: CatMailFailed,
			Title:    "Message released",
			Message:  "The message was released, but the temporary allowance for the sender could not be stored.",
		}
	}

	return &Result{
		Status:   200,
		Category: CatSuccess,
		Title:    "Message released",
		Message:  "The message has been released and the sender may follow up for a limited time.",
	}
}
