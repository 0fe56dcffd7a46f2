package dispatch

import (
	"fmt"

	"github.com/mverril/mailgate/internal/mailer"
)

// unblockMessage asks the recipient to accept the sender
func (d *Dispatcher) unblockMessage(sender, ip, recipient string) *mailer.Message {
	body := fmt.Sprintf(
		"The sender %s (sending from %s) asked you to accept their mail.\n"+
			"\n"+
			"A message from this sender was recently rejected or quarantined.\n"+
			"If you know the sender, no action is needed: replying to this\n"+
			"message or adding the sender to your allow list will let future\n"+
			"mail through. If you do not know the sender, ignore this message.\n",
		sender, ip)

	if d.baseURL != "" && ip != "" {
		body += fmt.Sprintf(
			"\nYou can verify that %s runs a real mail server at:\n%s/check/%s\n",
			ip, d.baseURL, ip)
	}

	return &mailer.Message{
		To:      recipient,
		Subject: fmt.Sprintf("Mail delivery request from %s", sender),
		Body:    body,
	}
}

// whiteMessage tells the original sender the recipient now accepts
// their mail
func (d *Dispatcher) whiteMessage(sender, recipient string) *mailer.Message {
	body := fmt.Sprintf(
		"Your mail to %s was previously held or rejected.\n"+
			"\n"+
			"The recipient has now unblocked your address. Future messages\n"+
			"will be delivered normally. If you believe you received this\n"+
			"notice in error, you can ignore it.\n",
		recipient)

	return &mailer.Message{
		To:      sender,
		Subject: "Your mail is no longer blocked",
		Body:    body,
	}
}
