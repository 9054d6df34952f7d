package sink

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"

	"reminder-engine/internal/dispatch"
)

// SMTP delivers reminders as plain-text email. Server 4xx replies are
// transient, 5xx replies (bad mailbox and friends) are permanent.
type SMTP struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTP(host string, port int, username, password, from string) *SMTP {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTP{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
		auth: auth,
	}
}

func (s *SMTP) Send(ctx context.Context, recipient, message string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: Reminder\r\n")
	fmt.Fprintf(&b, "\r\n%s\r\n", message)

	// smtp.SendMail has no context support; run it aside so the dispatcher's
	// deadline still bounds the call.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.addr, s.auth, s.from, []string{recipient}, []byte(b.String()))
	}()

	select {
	case <-ctx.Done():
		return dispatch.Transient(ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code >= 500 {
			return dispatch.Permanent(err)
		}
		return dispatch.Transient(err)
	}
}
