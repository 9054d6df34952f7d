package sink

import (
	"context"

	"github.com/rs/zerolog"
)

// Log writes notifications to the structured log instead of delivering them.
// The default sink; useful for development and as an observability tap.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (s *Log) Send(ctx context.Context, recipient, message string) error {
	s.log.Info().
		Str("recipient", recipient).
		Str("message", message).
		Msg("reminder notification")
	return nil
}
