package sink

import (
	"context"
	"errors"
	"fmt"

	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"reminder-engine/internal/dispatch"
)

// Twilio delivers reminders as SMS (or WhatsApp, depending on the sender
// number) through Twilio's REST API. REST 4xx errors, typically a bad
// recipient number, are permanent; anything else is transient.
type Twilio struct {
	client *twilio.RestClient
	from   string
}

func NewTwilio(accountSID, authToken, from string) *Twilio {
	return &Twilio{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		from:   from,
	}
}

func (s *Twilio) Send(ctx context.Context, recipient, message string) error {
	if err := ctx.Err(); err != nil {
		return dispatch.Transient(err)
	}
	if s.from == "" {
		return dispatch.Permanent(fmt.Errorf("twilio sender number is not configured"))
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(s.from)
	params.SetBody(message)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 {
			return dispatch.Permanent(err)
		}
		return dispatch.Transient(err)
	}
	return nil
}
