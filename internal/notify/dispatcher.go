package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Dispatcher renders the auth flow emails and hands them to a Sender under
// a bounded timeout.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
}

func NewDispatcher(sender Sender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{sender: sender, timeout: timeout}
}

func (d *Dispatcher) Configured() bool { return d.sender.Configured() }

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %q: %w", msg.Subject, err)
	}
	return nil
}

func (d *Dispatcher) SendCompanyIdentifierEmail(ctx context.Context, to, companyName, identifier string, expiresAt time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Your company %s has been reserved.\n\n", companyName)
	fmt.Fprintf(&b, "Company identifier: %s\n\n", identifier)
	b.WriteString("You will need this identifier every time you sign in.\n")
	if !expiresAt.IsZero() {
		fmt.Fprintf(&b, "Finish registration before %s.\n", expiresAt.UTC().Format(time.RFC1123))
	}
	return d.send(ctx, Message{To: to, Subject: "Your company identifier", Text: b.String()})
}

func (d *Dispatcher) SendCredentialsConfirmationEmail(ctx context.Context, to, firstName, username string) error {
	text := fmt.Sprintf("Hi %s,\n\nYour sign-in username is %s.\nThe last step is setting up two-factor authentication.\n", firstName, username)
	return d.send(ctx, Message{To: to, Subject: "Your login credentials are set", Text: text})
}

func (d *Dispatcher) SendWelcomeEmail(ctx context.Context, to, firstName, companyName, identifier, username string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n%s is ready.\n\n", firstName, companyName)
	fmt.Fprintf(&b, "Company identifier: %s\n", identifier)
	fmt.Fprintf(&b, "Username: %s\n", username)
	return d.send(ctx, Message{To: to, Subject: "Welcome to " + companyName, Text: b.String()})
}

func (d *Dispatcher) SendLoginOTPEmail(ctx context.Context, to, firstName, code string, ttl time.Duration) error {
	text := fmt.Sprintf("Hi %s,\n\nYour sign-in code is %s.\nIt expires in %d minutes. If you did not try to sign in, change your password.\n",
		firstName, code, int(ttl.Round(time.Minute)/time.Minute))
	return d.send(ctx, Message{To: to, Subject: "Your sign-in code", Text: text})
}
